package auth

import (
	"context"
	"errors"
	"fmt"

	"cauldron/internal/domain"
	"cauldron/internal/faults"
	"cauldron/internal/repo"
)

// System is the user id of trusted local callers (CLI, background loop).
const System int64 = 0

// ForbiddenError indicates the caller may not act on a resource.
type ForbiddenError struct {
	UserID   int64
	Resource string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("user %d may not access %s", e.UserID, e.Resource)
}

// Service answers ownership and admin questions from the store.
type Service struct {
	Repo repo.Repo
}

func forbidden(userID int64, resource string) error {
	return faults.Wrap(faults.Forbidden, ForbiddenError{UserID: userID, Resource: resource}, "forbidden")
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, repo.ErrNotFound) {
		return faults.Wrap(faults.NotFound, err, format, args...)
	}
	return err
}

// IsAdmin reports whether userID is the system caller or an admin user.
func (s Service) IsAdmin(ctx context.Context, q repo.Querier, userID int64) (bool, error) {
	if userID == System {
		return true, nil
	}
	u, err := s.Repo.LoadUser(ctx, q, userID)
	if err != nil {
		return false, notFound(err, "user %d", userID)
	}
	return u.IsAdmin, nil
}

// RequireAdmin fails with Forbidden unless userID is an admin.
func (s Service) RequireAdmin(ctx context.Context, q repo.Querier, userID int64) error {
	ok, err := s.IsAdmin(ctx, q, userID)
	if err != nil {
		return err
	}
	if !ok {
		return forbidden(userID, "admin operations")
	}
	return nil
}

// Project loads a project the user created; admins may load any project.
func (s Service) Project(ctx context.Context, q repo.Querier, projectID, userID int64) (domain.Project, error) {
	p, err := s.Repo.LoadProject(ctx, q, projectID)
	if err != nil {
		return p, notFound(err, "project %d", projectID)
	}
	if p.CreatorID == userID {
		return p, nil
	}
	admin, err := s.IsAdmin(ctx, q, userID)
	if err != nil {
		return p, err
	}
	if !admin {
		return domain.Project{}, forbidden(userID, fmt.Sprintf("project %d", projectID))
	}
	return p, nil
}
