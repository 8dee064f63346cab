package domain

import "time"

type Backend string

const (
	BackendGit           Backend = "git"
	BackendGitHub        Backend = "github"
	BackendGitLab        Backend = "gitlab"
	BackendMeetup        Backend = "meetup"
	BackendStackExchange Backend = "stackexchange"
	BackendTwitter       Backend = "twitter"
)

// RepositoryBackends lists the backends a Repository row can belong to.
var RepositoryBackends = []Backend{BackendGit, BackendGitHub, BackendGitLab, BackendMeetup, BackendStackExchange}

func (b Backend) Valid() bool {
	switch b {
	case BackendGit, BackendGitHub, BackendGitLab, BackendMeetup, BackendStackExchange, BackendTwitter:
		return true
	}
	return false
}

type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

// Identity binds a provider account to a local user.
type Identity struct {
	Backend        string `json:"backend"`
	ProviderUserID string `json:"provider_user_id"`
	Username       string `json:"username"`
	UserID         int64  `json:"user_id"`
}

// Token is a provider credential. RateTime is the earliest moment it may be used again.
type Token struct {
	ID            int64     `json:"id"`
	Backend       string    `json:"backend"`
	UserID        int64     `json:"user_id"`
	Secret        string    `json:"-"`
	RefreshSecret string    `json:"-"`
	RateTime      time.Time `json:"rate_time" format:"date-time"`
	CreatedAt     time.Time `json:"created_at" format:"date-time"`
}

func (t Token) UsableAt(now time.Time) bool {
	return !t.RateTime.After(now)
}

type Repository struct {
	ID        int64     `json:"id"`
	Backend   Backend   `json:"backend"`
	Instance  string    `json:"instance,omitempty"`
	Identity  string    `json:"identity"`
	URL       string    `json:"url"`
	Owner     string    `json:"owner,omitempty"`
	Name      string    `json:"name,omitempty"`
	ShadowID  int64     `json:"shadow_id"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

// Credential returns the token backend tag required to fetch this repository,
// or "" when the backend works anonymously.
func (r Repository) Credential() string {
	return CredentialFor(r.Backend, r.Instance)
}

// CredentialFor maps a backend (and GitLab instance slug) to a token backend tag.
func CredentialFor(b Backend, instance string) string {
	switch b {
	case BackendGitHub, BackendMeetup, BackendTwitter:
		return string(b)
	case BackendGitLab:
		if instance == "" {
			return string(BackendGitLab)
		}
		return instance
	}
	return ""
}

type Project struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	CreatorID      int64     `json:"creator_id"`
	CreatedAt      time.Time `json:"created_at" format:"date-time"`
	Autorefresh    bool      `json:"autorefresh"`
	ProvisionState string    `json:"provision_state" enum:"pending,ready,failed,deleting"`
	ProvisionError string    `json:"provision_error,omitempty"`
}

const (
	ProvisionPending = "pending"
	ProvisionReady   = "ready"
	ProvisionFailed  = "failed"
	// ProvisionDeleting marks a project whose access is being torn down.
	ProvisionDeleting = "deleting"
)

type ProjectRole struct {
	ProjectID   int64  `json:"project_id"`
	RoleName    string `json:"role_name"`
	BackendRole string `json:"backend_role"`
}

type Workspace struct {
	UserID      int64     `json:"user_id"`
	TenantName  string    `json:"tenant_name"`
	TenantRole  string    `json:"tenant_role"`
	BackendRole string    `json:"backend_role"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
}

// Action is a recorded repository change on a project, replayed by RefreshActions.
type Action struct {
	ID           int64     `json:"id"`
	ProjectID    int64     `json:"project_id"`
	UserID       int64     `json:"user_id"`
	Kind         string    `json:"kind" enum:"add,remove"`
	Backend      Backend   `json:"backend"`
	Input        string    `json:"input"`
	Instance     string    `json:"instance,omitempty"`
	IncludeForks bool      `json:"include_forks"`
	CreatedAt    time.Time `json:"created_at" format:"date-time"`
}

type Export struct {
	ProjectID int64     `json:"project_id"`
	Backend   Backend   `json:"backend"`
	State     string    `json:"state" enum:"pending,ready,failed"`
	Location  string    `json:"location,omitempty"`
	UpdatedAt time.Time `json:"updated_at" format:"date-time"`
}

type BannerMessage struct {
	ID        int64     `json:"id"`
	Message   string    `json:"message"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  int64  `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	UserID     int64  `json:"user_id"`
	Payload    string `json:"payload_json"`
}

// RepoStatus is the derived analysis status of a repository or project.
type RepoStatus string

const (
	StatusAnalyzed   RepoStatus = "analyzed"
	StatusInProgress RepoStatus = "in_progress"
	StatusPending    RepoStatus = "pending"
	StatusError      RepoStatus = "error"
)

// Severity orders statuses for the project worst-case fold.
func (s RepoStatus) Severity() int {
	switch s {
	case StatusAnalyzed:
		return 0
	case StatusInProgress:
		return 1
	case StatusPending:
		return 2
	default:
		return 3
	}
}
