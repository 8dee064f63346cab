package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cauldron/internal/domain"
	"cauldron/internal/events"
	"cauldron/internal/faults"
	"cauldron/internal/metrics"
	"cauldron/internal/registry"
	"cauldron/internal/repo"
)

// LeaseNext hands the highest-priority ready intention to workerID. It
// returns nil when nothing is ready. kinds restricts the candidates when set.
func (e Engine) LeaseNext(ctx context.Context, workerID string, kinds []domain.Kind) (*domain.Lease, error) {
	if workerID == "" {
		return nil, faults.New(faults.Validation, "worker id is required")
	}
	started := time.Now()
	defer func() { metrics.LeaseDuration.Observe(time.Since(started).Seconds()) }()

	var lease *domain.Lease
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		now := e.now()
		ids, err := e.Repo.ReadyIDs(ctx, tx, now, kinds, 1)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		it, err := e.Repo.GetIntentionTx(ctx, tx, ids[0])
		if err != nil {
			return err
		}
		jobID := uuid.NewString()
		job := domain.Job{
			ID:          jobID,
			IntentionID: it.ID,
			WorkerID:    workerID,
			RepoID:      it.RepoID,
			Backend:     it.Backend,
			StartedAt:   now,
			HeartbeatAt: now,
			LogLocation: fmt.Sprintf("%s/%s.log", now.Format("2006-01-02"), jobID),
		}
		if err := e.Repo.InsertJobTx(ctx, tx, job); err != nil {
			if repo.IsConstraint(err) {
				return faults.Wrap(faults.CoordinatorConflict, err, "intention %d already leased", it.ID)
			}
			return err
		}
		if err := e.Repo.SetIntentionStatusTx(ctx, tx, it.ID, domain.IntentionRunning); err != nil {
			return err
		}
		it.Status = domain.IntentionRunning
		lease = &domain.Lease{Job: job, Intention: it}
		if it.RepoID != 0 {
			rp, err := e.Repo.GetRepositoryTx(ctx, tx, it.RepoID)
			if err != nil {
				return err
			}
			lease.Repository = &rp
		}
		if it.Credential != "" {
			tok, err := e.Repo.UsableTokenTx(ctx, tx, it.UserID, it.Credential, now)
			if err != nil {
				return err
			}
			lease.Token = &domain.LeasedToken{ID: tok.ID, Backend: tok.Backend, Secret: tok.Secret}
		}
		return e.emit(ctx, tx, "intention.leased", it.ProjectID, "intention", itoa(it.ID), it.UserID, events.Payload{
			"job_id": jobID, "worker_id": workerID,
		})
	})
	if err != nil || lease == nil {
		return nil, err
	}
	metrics.Leases.WithLabelValues(string(lease.Intention.Kind)).Inc()
	e.Log.Info("intention leased",
		zap.Int64("intention_id", lease.Intention.ID),
		zap.String("kind", string(lease.Intention.Kind)),
		zap.String("job_id", lease.Job.ID),
		zap.String("worker_id", workerID))
	return lease, nil
}

// liveJob loads the job and checks it is still held by workerID.
func (e Engine) liveJob(ctx context.Context, tx *sql.Tx, jobID, workerID string) (domain.Job, error) {
	job, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if errors.Is(err, repo.ErrNotFound) {
		return job, faults.Wrap(faults.CoordinatorConflict, err, "job %s is no longer live", jobID)
	}
	if err != nil {
		return job, err
	}
	if workerID != "" && job.WorkerID != workerID {
		return job, faults.New(faults.CoordinatorConflict, "job %s is held by another worker", jobID)
	}
	return job, nil
}

// Heartbeat extends the job's liveness. A reclaimed or finished job yields
// CoordinatorConflict and the worker should drop it.
func (e Engine) Heartbeat(ctx context.Context, jobID, workerID string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		err := e.Repo.HeartbeatTx(ctx, tx, jobID, workerID, e.now())
		if errors.Is(err, repo.ErrNotFound) {
			return faults.Wrap(faults.CoordinatorConflict, err, "job %s is no longer live", jobID)
		}
		return err
	})
}

func (e Engine) logRoot() string {
	if e.Config != nil && e.Config.Logs.Root != "" {
		return e.Config.Logs.Root
	}
	return "logs"
}

// LogPath resolves a job log location under the configured log root.
func (e Engine) LogPath(location string) string {
	return filepath.Join(e.logRoot(), filepath.FromSlash(location))
}

// AppendLog appends data to the job's log file.
func (e Engine) AppendLog(ctx context.Context, jobID string, data []byte) error {
	job, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return notFound(err, "job %s", jobID)
	}
	path := e.LogPath(job.LogLocation)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReportRateLimit moves the token's next usable time forward to until.
func (e Engine) ReportRateLimit(ctx context.Context, tokenID int64, until time.Time) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		return e.cooldown(ctx, tx, tokenID, until)
	})
}

func (e Engine) cooldown(ctx context.Context, tx *sql.Tx, tokenID int64, until time.Time) error {
	tok, err := e.Repo.GetTokenTx(ctx, tx, tokenID)
	if err != nil {
		return notFound(err, "token %d", tokenID)
	}
	if err := e.Repo.CooldownTokenTx(ctx, tx, tokenID, until.UTC()); err != nil {
		return err
	}
	metrics.RateLimits.WithLabelValues(tok.Backend).Inc()
	return e.emit(ctx, tx, "token.cooldown", 0, "token", itoa(tokenID), tok.UserID, events.Payload{"until": until.UTC().Format(time.RFC3339)})
}

// Completion describes what happened to a job's intention.
type Completion struct {
	IntentionID int64              `json:"intention_id"`
	State       domain.State       `json:"state"`
	Children    []domain.Intention `json:"children,omitempty"`
}

// Complete ends a job with the worker's report. Children are created in the
// same transaction that archives the parent.
func (e Engine) Complete(ctx context.Context, jobID, workerID string, rep domain.Report) (Completion, error) {
	var (
		res     Completion
		it      domain.Intention
		refresh bool
	)
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		job, err := e.liveJob(ctx, tx, jobID, workerID)
		if err != nil {
			return err
		}
		it, err = e.Repo.GetIntentionTx(ctx, tx, job.IntentionID)
		if err != nil {
			return err
		}
		if err := e.Repo.DeleteJobTx(ctx, tx, job.ID); err != nil {
			return err
		}
		metrics.Completions.WithLabelValues(string(it.Kind), string(rep.Result)).Inc()
		res.IntentionID = it.ID
		if it.Cancelled {
			res.State = domain.StateSuperseded
			_, err := e.archive(ctx, tx, it, &job, domain.OutcomeSuperseded, "", "cancelled while running")
			return err
		}
		switch rep.Result {
		case domain.ResultSuccess:
			refresh = it.Kind.Fetch() || it.Kind == domain.KindAddOwner
			return e.succeed(ctx, tx, it, job, rep, &res)
		case domain.ResultRetryable:
			return e.retry(ctx, tx, it, job, rep, &res)
		case domain.ResultRateLimited:
			if rep.TokenID != 0 {
				if err := e.cooldown(ctx, tx, rep.TokenID, rep.Until); err != nil {
					return err
				}
			}
			return e.requeue(ctx, tx, it, job, it.Retries, e.now(), &res)
		case domain.ResultFatal:
			kind := rep.ErrorKind
			if kind == "" {
				kind = string(faults.ProviderPermanent)
			}
			return e.fail(ctx, tx, it, job, kind, rep.Message, &res)
		case domain.ResultSuperseded:
			res.State = domain.StateSuperseded
			if _, err := e.archive(ctx, tx, it, &job, domain.OutcomeSuperseded, "", rep.Message); err != nil {
				return err
			}
			return e.failDependents(ctx, tx, it.ID, domain.OutcomeSuperseded)
		}
		return faults.New(faults.Validation, "unknown result %q", rep.Result)
	})
	if err != nil {
		return Completion{}, err
	}
	e.Log.Info("job completed",
		zap.String("job_id", jobID),
		zap.Int64("intention_id", it.ID),
		zap.String("result", string(rep.Result)),
		zap.String("state", string(res.State)))
	if refresh {
		if it.RepoID != 0 {
			e.reprovisionRepo(ctx, it.RepoID)
		} else if it.ProjectID != 0 {
			e.reprovision(ctx, it.ProjectID)
		}
	}
	return res, nil
}

func (e Engine) succeed(ctx context.Context, tx *sql.Tx, it domain.Intention, job domain.Job, rep domain.Report, res *Completion) error {
	switch it.Kind {
	case domain.KindRawFetch:
		has, err := e.Repo.EnrichDependsOnTx(ctx, tx, it.ID)
		if err != nil {
			return err
		}
		if !has {
			child, err := e.addIntention(ctx, tx, domain.Intention{
				Kind: domain.KindEnrichFetch, UserID: it.UserID, ProjectID: it.ProjectID, RepoID: it.RepoID,
				Backend: it.Backend, Credential: it.Credential, Priority: it.Priority, DependsOn: []int64{it.ID},
			})
			if err != nil {
				return err
			}
			res.Children = append(res.Children, child)
		}
	case domain.KindAddOwner:
		children, err := e.expandOwner(ctx, tx, it, rep.Found)
		if err != nil {
			return err
		}
		res.Children = append(res.Children, children...)
	case domain.KindExportCSV:
		if err := e.Repo.UpsertExportTx(ctx, tx, domain.Export{
			ProjectID: it.ProjectID, Backend: domain.BackendGit, State: "ready", Location: rep.Output, UpdatedAt: e.now(),
		}); err != nil {
			return err
		}
	case domain.KindTwitterNotify:
		if !rep.Changed {
			return e.requeue(ctx, tx, it, job, it.Retries, e.now().Add(e.pollInterval()), res)
		}
	}
	res.State = domain.StateDone
	_, err := e.archive(ctx, tx, it, &job, domain.OutcomeOK, "", rep.Message)
	return err
}

// expandOwner links every discovered repository to the intention's project
// and schedules their fetch pairs.
func (e Engine) expandOwner(ctx context.Context, tx *sql.Tx, it domain.Intention, found []domain.DiscoveredSource) ([]domain.Intention, error) {
	if _, err := e.Repo.GetProjectTx(ctx, tx, it.ProjectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var children []domain.Intention
	for _, ds := range found {
		if ds.Fork && !it.Payload.IncludeForks {
			continue
		}
		if ds.Backend == "" {
			ds.Backend = it.Backend
		}
		if ds.Instance == "" {
			ds.Instance = it.Payload.Instance
		}
		src, err := registry.FromDiscovered(ds, e.Config)
		if err != nil {
			e.Log.Warn("skipping discovered repository", zap.Int64("intention_id", it.ID), zap.String("name", ds.Owner+"/"+ds.Name), zap.Error(err))
			continue
		}
		added, err := e.linkSource(ctx, tx, it.ProjectID, it.UserID, src, it.Priority)
		if err != nil {
			return nil, err
		}
		children = append(children, added.Intentions...)
	}
	return children, nil
}

func (e Engine) pollInterval() time.Duration {
	if e.Config != nil && e.Config.Scheduler.NotifyPollInterval > 0 {
		return e.Config.Scheduler.NotifyPollInterval
	}
	return time.Hour
}

func (e Engine) retry(ctx context.Context, tx *sql.Tx, it domain.Intention, job domain.Job, rep domain.Report, res *Completion) error {
	retries := it.Retries + 1
	if retries >= e.maxRetries() {
		kind := rep.ErrorKind
		if kind == "" {
			kind = string(faults.ProviderTransient)
		}
		return e.fail(ctx, tx, it, job, kind, fmt.Sprintf("gave up after %d attempts: %s", retries, rep.Message), res)
	}
	return e.requeue(ctx, tx, it, job, retries, e.now(), res)
}

// requeue returns the intention to the pool unless its credential is gone,
// in which case it fails with credential_missing.
func (e Engine) requeue(ctx context.Context, tx *sql.Tx, it domain.Intention, job domain.Job, retries int, notBefore time.Time, res *Completion) error {
	if it.Credential != "" {
		n, err := e.Repo.CountTokensTx(ctx, tx, it.UserID, it.Credential)
		if err != nil {
			return err
		}
		if n == 0 {
			return e.fail(ctx, tx, it, job, string(faults.CredentialMissing), "no "+it.Credential+" token left", res)
		}
	}
	if err := e.Repo.RequeueTx(ctx, tx, it.ID, retries, notBefore); err != nil {
		return err
	}
	res.State = domain.StateWaiting
	if ready, err := e.Repo.IsReady(ctx, tx, it.ID, e.now()); err != nil {
		return err
	} else if ready {
		res.State = domain.StateReady
	}
	return e.emit(ctx, tx, "intention.requeued", it.ProjectID, "intention", itoa(it.ID), it.UserID, events.Payload{
		"retries": retries, "not_before": notBefore.UTC().Format(time.RFC3339),
	})
}

func (e Engine) fail(ctx context.Context, tx *sql.Tx, it domain.Intention, job domain.Job, errKind, message string, res *Completion) error {
	res.State = domain.StateFailed
	if _, err := e.archive(ctx, tx, it, &job, domain.OutcomeError, errKind, message); err != nil {
		return err
	}
	if err := e.onTerminalFailure(ctx, tx, it); err != nil {
		return err
	}
	return e.failDependents(ctx, tx, it.ID, domain.OutcomeError)
}

func (e Engine) heartbeatGrace() time.Duration {
	if e.Config != nil && e.Config.Scheduler.HeartbeatGrace > 0 {
		return e.Config.Scheduler.HeartbeatGrace
	}
	return 2 * time.Minute
}

// ReclaimDead takes jobs back from workers that stopped heartbeating. Each
// reclaim counts as a retry; an intention out of retries fails as worker_lost.
func (e Engine) ReclaimDead(ctx context.Context) (int, error) {
	var n int
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		now := e.now()
		stale, err := e.Repo.StaleJobsTx(ctx, tx, now.Add(-e.heartbeatGrace()))
		if err != nil {
			return err
		}
		for _, job := range stale {
			it, err := e.Repo.GetIntentionTx(ctx, tx, job.IntentionID)
			if err != nil {
				return err
			}
			if err := e.Repo.DeleteJobTx(ctx, tx, job.ID); err != nil {
				return err
			}
			var res Completion
			switch retries := it.Retries + 1; {
			case it.Cancelled:
				_, err = e.archive(ctx, tx, it, &job, domain.OutcomeSuperseded, "", "cancelled while running")
			case retries >= e.maxRetries():
				err = e.fail(ctx, tx, it, job, "worker_lost", "worker "+job.WorkerID+" stopped heartbeating", &res)
			default:
				err = e.requeue(ctx, tx, it, job, retries, now, &res)
			}
			if err != nil {
				return err
			}
			e.Log.Warn("reclaimed job", zap.String("job_id", job.ID), zap.String("worker_id", job.WorkerID), zap.Int64("intention_id", it.ID))
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	metrics.Reclaimed.Add(float64(n))
	return n, nil
}

func (e Engine) autorefreshInterval() time.Duration {
	if e.Config != nil && e.Config.Scheduler.AutorefreshInterval > 0 {
		return e.Config.Scheduler.AutorefreshInterval
	}
	return 24 * time.Hour
}

// Tick runs one round of background upkeep: reclaim dead jobs, fire due
// auto refreshes and retry failed role provisioning.
func (e Engine) Tick(ctx context.Context) error {
	if _, err := e.ReclaimDead(ctx); err != nil {
		return fmt.Errorf("reclaim: %w", err)
	}
	if e.Config != nil && e.Config.Features.AutoRefresh {
		if err := e.autorefresh(ctx); err != nil {
			return fmt.Errorf("autorefresh: %w", err)
		}
	}
	failed, err := e.Repo.ProjectsByProvisionState(ctx, domain.ProvisionFailed)
	if err != nil {
		return err
	}
	for _, p := range failed {
		if err := e.reprovision(ctx, p.ID); err != nil {
			e.Log.Warn("provisioning retry failed", zap.Int64("project_id", p.ID), zap.Error(err))
		}
	}
	return nil
}

func (e Engine) autorefresh(ctx context.Context) error {
	projects, err := e.Repo.AutorefreshProjects(ctx)
	if err != nil {
		return err
	}
	for _, p := range projects {
		last, ok, err := e.Repo.LastArchivedOfKind(ctx, e.DB, p.ID, domain.KindAutoRefresh)
		if err != nil {
			return err
		}
		if ok && e.now().Sub(last) < e.autorefreshInterval() {
			continue
		}
		err = e.inTx(ctx, func(tx *sql.Tx) error {
			_, err := e.refreshProjectTx(ctx, tx, p, p.CreatorID, domain.KindAutoRefresh, domain.PriorityAuto)
			return err
		})
		if err != nil {
			return err
		}
		e.Log.Info("auto refresh fired", zap.Int64("project_id", p.ID))
		e.reprovision(ctx, p.ID)
	}
	return nil
}

// IntentionView pairs a live or archived intention with its derived state.
type IntentionView struct {
	domain.Intention
	State    domain.State              `json:"state"`
	Archived *domain.ArchivedIntention `json:"archived,omitempty"`
}

// State returns the derived state of an intention, live or archived.
func (e Engine) State(ctx context.Context, id int64) (IntentionView, error) {
	it, err := e.Repo.GetIntention(ctx, id)
	if err == nil {
		return e.view(ctx, it)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return IntentionView{}, err
	}
	a, err := e.Repo.GetArchived(ctx, id)
	if err != nil {
		return IntentionView{}, notFound(err, "intention %d", id)
	}
	return IntentionView{Intention: a.Intention, State: a.State(), Archived: &a}, nil
}

func (e Engine) view(ctx context.Context, it domain.Intention) (IntentionView, error) {
	if it.Status == domain.IntentionRunning {
		return IntentionView{Intention: it, State: domain.StateRunning}, nil
	}
	ready, err := e.Repo.IsReady(ctx, e.DB, it.ID, e.now())
	if err != nil {
		return IntentionView{}, err
	}
	if ready {
		return IntentionView{Intention: it, State: domain.StateReady}, nil
	}
	return IntentionView{Intention: it, State: domain.StateWaiting}, nil
}

// ListIntentions returns live intentions with their derived states.
func (e Engine) ListIntentions(ctx context.Context, f repo.IntentionFilter) ([]IntentionView, error) {
	its, err := e.Repo.ListIntentions(ctx, e.DB, f)
	if err != nil {
		return nil, err
	}
	out := make([]IntentionView, 0, len(its))
	for _, it := range its {
		v, err := e.view(ctx, it)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
