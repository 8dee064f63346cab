package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"cauldron/internal/config"
	"cauldron/internal/domain"
	"cauldron/internal/engine/auth"
	"cauldron/internal/events"
	"cauldron/internal/faults"
	"cauldron/internal/metrics"
	"cauldron/internal/repo"
)

// Provisioner applies access control on the search and dashboards clusters.
type Provisioner interface {
	SyncProject(ctx context.Context, projectID int64, urls map[domain.Backend][]string) error
	RemoveProject(ctx context.Context, projectID int64) error
	EnsureWorkspace(ctx context.Context, userID int64) (domain.Workspace, error)
	CopySavedObjects(ctx context.Context, from, to string) error
	GrantAdmin(ctx context.Context, userID int64) error
}

// Engine is the intention-pool coordinator. Every state change happens in one
// IMMEDIATE transaction; cluster calls happen outside of it.
type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Auth        auth.Service
	Config      *config.Config
	Provisioner Provisioner
	Log         *zap.Logger
	Now         func() time.Time
}

func New(db *sql.DB, cfg *config.Config, prov Provisioner, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:          db,
		Repo:        r,
		Auth:        auth.Service{Repo: r},
		Config:      cfg,
		Provisioner: prov,
		Log:         log,
		Now:         time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) events() events.Writer {
	return events.Writer{Now: e.now}
}

func (e Engine) emit(ctx context.Context, tx *sql.Tx, evtType string, projectID int64, entityKind, entityID string, userID int64, payload events.Payload) error {
	return e.events().Append(ctx, tx, evtType, projectID, entityKind, entityID, userID, payload)
}

// inTx runs fn in a transaction and commits when it returns nil.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, repo.ErrNotFound) {
		return faults.Wrap(faults.NotFound, err, format, args...)
	}
	return err
}

func (e Engine) maxRetries() int {
	if e.Config != nil && e.Config.Scheduler.MaxRetries > 0 {
		return e.Config.Scheduler.MaxRetries
	}
	return 3
}

// addIntention stamps and stores a new pending intention.
func (e Engine) addIntention(ctx context.Context, tx *sql.Tx, it domain.Intention) (domain.Intention, error) {
	now := e.now()
	it.CreatedAt = now
	if it.NotBefore.IsZero() {
		it.NotBefore = now
	}
	it, err := e.Repo.InsertIntentionTx(ctx, tx, it)
	if err != nil {
		return it, err
	}
	metrics.IntentionsCreated.WithLabelValues(string(it.Kind)).Inc()
	if err := e.emit(ctx, tx, "intention.created", it.ProjectID, "intention", itoa(it.ID), it.UserID, events.Payload{
		"kind": it.Kind, "repo_id": it.RepoID, "priority": it.Priority, "depends_on": it.DependsOn,
	}); err != nil {
		return it, err
	}
	return it, nil
}

// archive moves it into the archive and records the event.
func (e Engine) archive(ctx context.Context, tx *sql.Tx, it domain.Intention, job *domain.Job, outcome domain.Outcome, errKind, message string) (domain.ArchivedIntention, error) {
	a := domain.ArchivedIntention{
		Intention:    it,
		CompletedAt:  e.now(),
		Outcome:      outcome,
		ErrorKind:    errKind,
		ErrorMessage: message,
	}
	if job != nil {
		started := job.StartedAt
		a.StartedAt = &started
		a.LogLocation = job.LogLocation
	}
	a, err := e.Repo.ArchiveTx(ctx, tx, a)
	if err != nil {
		return a, err
	}
	metrics.Archived.WithLabelValues(string(it.Kind), string(outcome)).Inc()
	payload := events.Payload{"kind": it.Kind, "outcome": outcome}
	if errKind != "" {
		payload["error_kind"] = errKind
	}
	if err := e.emit(ctx, tx, "intention.archived", it.ProjectID, "intention", itoa(it.ID), it.UserID, payload); err != nil {
		return a, err
	}
	return a, nil
}

// failDependents archives, transitively, every pending intention that waits
// on a dependency which will never succeed. Dependents of a superseded
// intention are superseded as well; anything else fails them.
func (e Engine) failDependents(ctx context.Context, tx *sql.Tx, id int64, cause domain.Outcome) error {
	deps, err := e.Repo.DependentsTx(ctx, tx, id)
	if err != nil {
		return err
	}
	outcome, errKind := domain.OutcomeError, "dependency_failed"
	if cause == domain.OutcomeSuperseded {
		outcome, errKind = domain.OutcomeSuperseded, ""
	}
	for _, depID := range deps {
		it, err := e.Repo.GetIntentionTx(ctx, tx, depID)
		if err != nil {
			return err
		}
		if _, err := e.archive(ctx, tx, it, nil, outcome, errKind, "dependency "+itoa(id)+" did not succeed"); err != nil {
			return err
		}
		if err := e.onTerminalFailure(ctx, tx, it); err != nil {
			return err
		}
		if err := e.failDependents(ctx, tx, depID, cause); err != nil {
			return err
		}
	}
	return nil
}

// onTerminalFailure updates side tables for kinds that track their own state.
func (e Engine) onTerminalFailure(ctx context.Context, tx *sql.Tx, it domain.Intention) error {
	if it.Kind == domain.KindExportCSV && it.ProjectID != 0 {
		return e.Repo.UpsertExportTx(ctx, tx, domain.Export{
			ProjectID: it.ProjectID, Backend: domain.BackendGit, State: "failed", UpdatedAt: e.now(),
		})
	}
	return nil
}
