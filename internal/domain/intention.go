package domain

import "time"

// Kind discriminates intention variants. The coordinator dispatches on it.
type Kind string

const (
	KindRawFetch       Kind = "raw_fetch"
	KindEnrichFetch    Kind = "enrich_fetch"
	KindAddOwner       Kind = "add_owner"
	KindRefreshProject Kind = "refresh_project"
	KindRefreshActions Kind = "refresh_actions"
	KindExportCSV      Kind = "export_csv"
	KindIdentityMerge  Kind = "identity_merge"
	KindAutoRefresh    Kind = "auto_refresh"
	KindTwitterNotify  Kind = "twitter_notify"
)

var Kinds = []Kind{
	KindRawFetch, KindEnrichFetch, KindAddOwner, KindRefreshProject, KindRefreshActions,
	KindExportCSV, KindIdentityMerge, KindAutoRefresh, KindTwitterNotify,
}

func (k Kind) Valid() bool {
	for _, v := range Kinds {
		if v == k {
			return true
		}
	}
	return false
}

// Meta kinds are expanded by the coordinator itself and never leased to a worker.
func (k Kind) Meta() bool {
	switch k {
	case KindRefreshProject, KindRefreshActions, KindAutoRefresh:
		return true
	}
	return false
}

// Fetch kinds write into a repository's index partition.
func (k Kind) Fetch() bool {
	return k == KindRawFetch || k == KindEnrichFetch
}

// Priorities: lower leases first.
const (
	PriorityRefresh = 0
	PriorityUser    = 1
	PriorityAuto    = 2
)

// Stored intention status. Ready and waiting are derived from pending.
const (
	IntentionPending = "pending"
	IntentionRunning = "running"
)

type State string

const (
	StateWaiting    State = "waiting"
	StateReady      State = "ready"
	StateRunning    State = "running"
	StateDone       State = "done"
	StateFailed     State = "failed"
	StateSuperseded State = "superseded"
)

// Payload carries kind-specific fields.
type Payload struct {
	Owner        string `json:"owner,omitempty"`
	Instance     string `json:"instance,omitempty"`
	IncludeForks bool   `json:"include_forks,omitempty"`
	Input        string `json:"input,omitempty"`
	Changed      bool   `json:"changed,omitempty"`
}

type Intention struct {
	ID         int64     `json:"id"`
	Kind       Kind      `json:"kind"`
	UserID     int64     `json:"user_id"`
	ProjectID  int64     `json:"project_id,omitempty"`
	RepoID     int64     `json:"repo_id,omitempty"`
	Backend    Backend   `json:"backend,omitempty"`
	Credential string    `json:"credential,omitempty"`
	Priority   int       `json:"priority"`
	Status     string    `json:"status" enum:"pending,running"`
	Retries    int       `json:"retries"`
	Payload    Payload   `json:"payload"`
	DependsOn  []int64   `json:"depends_on,omitempty"`
	Cancelled  bool      `json:"cancelled"`
	CreatedAt  time.Time `json:"created_at" format:"date-time"`
	NotBefore  time.Time `json:"not_before" format:"date-time"`
}

type Job struct {
	ID          string    `json:"id"`
	IntentionID int64     `json:"intention_id"`
	WorkerID    string    `json:"worker_id"`
	RepoID      int64     `json:"repo_id,omitempty"`
	Backend     Backend   `json:"backend,omitempty"`
	StartedAt   time.Time `json:"started_at" format:"date-time"`
	HeartbeatAt time.Time `json:"heartbeat_at" format:"date-time"`
	LogLocation string    `json:"log_location"`
}

type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeError      Outcome = "error"
	OutcomeSuperseded Outcome = "superseded"
)

type ArchivedIntention struct {
	Intention
	StartedAt    *time.Time `json:"started_at,omitempty" format:"date-time"`
	CompletedAt  time.Time  `json:"completed_at" format:"date-time"`
	Outcome      Outcome    `json:"outcome" enum:"ok,error,superseded"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	LogLocation  string     `json:"log_location,omitempty"`
	Latest       bool       `json:"latest"`
}

func (a ArchivedIntention) State() State {
	switch a.Outcome {
	case OutcomeOK:
		return StateDone
	case OutcomeSuperseded:
		return StateSuperseded
	}
	return StateFailed
}

// Report is what a worker sends back when a job ends.
type Report struct {
	Result    Result             `json:"result" enum:"success,retryable,rate_limited,fatal,superseded"`
	ErrorKind string             `json:"error_kind,omitempty"`
	Message   string             `json:"message,omitempty"`
	TokenID   int64              `json:"token_id,omitempty"`
	Until     time.Time          `json:"until,omitempty" format:"date-time"`
	Output    string             `json:"output,omitempty"`
	Changed   bool               `json:"changed,omitempty"`
	Found     []DiscoveredSource `json:"found,omitempty"`
}

type Result string

const (
	ResultSuccess     Result = "success"
	ResultRetryable   Result = "retryable"
	ResultRateLimited Result = "rate_limited"
	ResultFatal       Result = "fatal"
	ResultSuperseded  Result = "superseded"
)

// DiscoveredSource is a sub-repository found by an owner expansion.
type DiscoveredSource struct {
	Backend  Backend `json:"backend"`
	Instance string  `json:"instance,omitempty"`
	Owner    string  `json:"owner"`
	Name     string  `json:"name"`
	Fork     bool    `json:"fork"`
}

// Lease is what LeaseNext hands to a worker.
type Lease struct {
	Job        Job          `json:"job"`
	Intention  Intention    `json:"intention"`
	Repository *Repository  `json:"repository,omitempty"`
	Token      *LeasedToken `json:"token,omitempty"`
}

// LeasedToken exposes the secret to the worker that holds the lease.
type LeasedToken struct {
	ID      int64  `json:"id"`
	Backend string `json:"backend"`
	Secret  string `json:"secret"`
}
