package engine

import (
	"context"

	"cauldron/internal/domain"
	"cauldron/internal/repo"
)

// scope narrows a filter to the caller's own rows unless the caller is an
// admin. A project filter is checked for ownership.
func (e Engine) scope(ctx context.Context, userID, projectID int64) (int64, error) {
	if projectID != 0 {
		if _, err := e.Auth.Project(ctx, e.DB, projectID, userID); err != nil {
			return 0, err
		}
	}
	admin, err := e.Auth.IsAdmin(ctx, e.DB, userID)
	if err != nil {
		return 0, err
	}
	if admin {
		return 0, nil
	}
	return userID, nil
}

// VisibleIntentions lists the live intentions userID may see.
func (e Engine) VisibleIntentions(ctx context.Context, userID int64, f repo.IntentionFilter) ([]IntentionView, error) {
	owner, err := e.scope(ctx, userID, f.ProjectID)
	if err != nil {
		return nil, err
	}
	if owner != 0 && f.ProjectID == 0 {
		f.UserID = owner
	}
	return e.ListIntentions(ctx, f)
}

// VisibleArchive lists archived intentions userID may see, newest first.
func (e Engine) VisibleArchive(ctx context.Context, userID int64, f repo.ArchiveFilter) ([]domain.ArchivedIntention, error) {
	owner, err := e.scope(ctx, userID, f.ProjectID)
	if err != nil {
		return nil, err
	}
	if owner != 0 && f.ProjectID == 0 {
		f.UserID = owner
	}
	return e.Repo.ListArchived(ctx, f)
}

// IntentionFor returns the state of an intention owned by userID.
func (e Engine) IntentionFor(ctx context.Context, userID, id int64) (IntentionView, error) {
	v, err := e.State(ctx, id)
	if err != nil {
		return v, err
	}
	if v.UserID == userID {
		return v, nil
	}
	if v.ProjectID != 0 {
		if _, err := e.Auth.Project(ctx, e.DB, v.ProjectID, userID); err == nil {
			return v, nil
		}
	}
	if err := e.Auth.RequireAdmin(ctx, e.DB, userID); err != nil {
		return IntentionView{}, err
	}
	return v, nil
}

// ProjectEvents returns the newest events of a project. Project zero lists
// every event and needs an admin.
func (e Engine) ProjectEvents(ctx context.Context, userID, projectID int64, limit int) ([]domain.Event, error) {
	if projectID == 0 {
		if err := e.Auth.RequireAdmin(ctx, e.DB, userID); err != nil {
			return nil, err
		}
	} else if _, err := e.Auth.Project(ctx, e.DB, projectID, userID); err != nil {
		return nil, err
	}
	return e.Repo.ListEvents(ctx, projectID, limit)
}

func (e Engine) Me(ctx context.Context, userID int64) (domain.User, []domain.Identity, error) {
	u, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return u, nil, notFound(err, "user %d", userID)
	}
	ids, err := e.Repo.ListIdentities(ctx, userID)
	return u, ids, err
}

func (e Engine) Tokens(ctx context.Context, userID int64) ([]domain.Token, error) {
	return e.Repo.ListTokens(ctx, userID)
}

func (e Engine) Users(ctx context.Context, actorID int64) ([]domain.User, error) {
	if err := e.Auth.RequireAdmin(ctx, e.DB, actorID); err != nil {
		return nil, err
	}
	return e.Repo.ListUsers(ctx)
}

func (e Engine) PostBanner(ctx context.Context, actorID int64, message, color string) (domain.BannerMessage, error) {
	if err := e.Auth.RequireAdmin(ctx, e.DB, actorID); err != nil {
		return domain.BannerMessage{}, err
	}
	return e.Repo.InsertBanner(ctx, domain.BannerMessage{Message: message, Color: color, CreatedAt: e.now()})
}

func (e Engine) DeleteBanner(ctx context.Context, actorID, id int64) error {
	if err := e.Auth.RequireAdmin(ctx, e.DB, actorID); err != nil {
		return err
	}
	return notFound(e.Repo.DeleteBanner(ctx, id), "banner %d", id)
}
