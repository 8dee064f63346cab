package registry

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cauldron/internal/domain"
	"cauldron/internal/faults"
	"cauldron/internal/repo"
)

// GetOrCreate returns the row for src, creating it with its shadow when absent.
// It runs inside the caller's transaction, which serializes concurrent callers.
func GetOrCreate(ctx context.Context, r repo.Repo, tx *sql.Tx, src Source, now time.Time) (domain.Repository, bool, error) {
	if src.OwnerOnly {
		return domain.Repository{}, false, faults.New(faults.InputParse, "owner %q must be expanded first", src.Owner)
	}
	existing, err := r.FindRepositoryTx(ctx, tx, src.Backend, src.Identity())
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Repository{}, false, err
	}
	created, err := r.InsertRepositoryTx(ctx, tx, src.Repository(), now)
	if err != nil {
		return domain.Repository{}, false, err
	}
	return created, true, nil
}

// Lister enumerates the repositories of a user or group on a forge. On
// cancellation it returns what it collected so far together with ctx.Err().
type Lister interface {
	ListOwner(ctx context.Context, instance, owner, token string) ([]domain.DiscoveredSource, error)
}

// Expand enumerates an owner-only source within budget. The budget bounds the
// whole sub-group walk, not each level. When it runs out the partial set is
// returned without error. Forks are dropped unless
// includeForks is set.
func Expand(ctx context.Context, l Lister, src Source, token string, includeForks bool, budget time.Duration) ([]domain.DiscoveredSource, error) {
	if !src.OwnerOnly {
		return nil, faults.New(faults.Validation, "source %s is not owner-only", src.Identity())
	}
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	found, err := l.ListOwner(ctx, src.Instance, src.Owner, token)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	out := make([]domain.DiscoveredSource, 0, len(found))
	seen := map[string]bool{}
	for _, ds := range found {
		if ds.Fork && !includeForks {
			continue
		}
		key := ds.Owner + "/" + ds.Name
		if seen[key] {
			continue
		}
		seen[key] = true
		ds.Backend = src.Backend
		ds.Instance = src.Instance
		out = append(out, ds)
	}
	return out, nil
}

// FromDiscovered turns an expansion result back into a concrete source.
func FromDiscovered(ds domain.DiscoveredSource, instances Instances) (Source, error) {
	return Parse(ds.Backend, ds.Owner+"/"+ds.Name, ds.Instance, instances)
}
