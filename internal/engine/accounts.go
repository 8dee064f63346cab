package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"cauldron/internal/domain"
	"cauldron/internal/events"
	"cauldron/internal/faults"
	"cauldron/internal/repo"
)

func (e Engine) CreateUser(ctx context.Context, username string, admin bool) (domain.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return domain.User{}, faults.New(faults.Validation, "username is required")
	}
	var u domain.User
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if u, err = e.Repo.InsertUser(ctx, tx, username, e.now()); err != nil {
			return err
		}
		if admin {
			if err := e.Repo.SetAdmin(ctx, tx, u.ID, true); err != nil {
				return err
			}
			u.IsAdmin = true
		}
		return e.emit(ctx, tx, "user.created", 0, "user", itoa(u.ID), u.ID, events.Payload{"username": username})
	})
	return u, err
}

// validTokenBackend reports whether tag names a credential backend: one of
// the fixed providers or a configured GitLab instance slug.
func (e Engine) validTokenBackend(tag string) bool {
	switch domain.Backend(tag) {
	case domain.BackendGitHub, domain.BackendGitLab, domain.BackendMeetup, domain.BackendTwitter:
		return true
	}
	if e.Config == nil {
		return false
	}
	_, ok := e.Config.GitLab(tag)
	return ok
}

// AddToken stores a provider credential usable immediately.
func (e Engine) AddToken(ctx context.Context, userID int64, backend, secret, refresh string) (domain.Token, error) {
	var t domain.Token
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = e.addTokenTx(ctx, tx, userID, backend, secret, refresh)
		return err
	})
	return t, err
}

func (e Engine) addTokenTx(ctx context.Context, tx *sql.Tx, userID int64, backend, secret, refresh string) (domain.Token, error) {
	if !e.validTokenBackend(backend) {
		return domain.Token{}, faults.New(faults.Validation, "unknown token backend %q", backend)
	}
	if secret == "" {
		return domain.Token{}, faults.New(faults.Validation, "token secret is required")
	}
	if _, err := e.Repo.GetUserTx(ctx, tx, userID); err != nil {
		return domain.Token{}, notFound(err, "user %d", userID)
	}
	now := e.now()
	t, err := e.Repo.InsertToken(ctx, tx, domain.Token{
		Backend: backend, UserID: userID, Secret: secret, RefreshSecret: refresh, RateTime: now, CreatedAt: now,
	})
	if err != nil {
		return t, err
	}
	return t, e.emit(ctx, tx, "token.added", 0, "token", itoa(t.ID), userID, events.Payload{"backend": backend})
}

// DeleteToken removes a credential. Waiting intentions that needed it stay
// waiting; running ones fail with credential_missing instead of requeueing.
func (e Engine) DeleteToken(ctx context.Context, userID, tokenID int64) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		t, err := e.Repo.DeleteTokenTx(ctx, tx, userID, tokenID)
		if err != nil {
			return notFound(err, "token %d", tokenID)
		}
		return e.emit(ctx, tx, "token.deleted", 0, "token", itoa(tokenID), userID, events.Payload{"backend": t.Backend})
	})
}

// IdentityLogin is what an OAuth callback hands over after the provider
// exchange succeeded.
type IdentityLogin struct {
	SessionUserID  int64
	Backend        string
	ProviderUserID string
	Username       string
	Secret         string
	RefreshSecret  string
}

type LinkResult struct {
	User   domain.User  `json:"user"`
	Merged *MergeResult `json:"merged,omitempty"`
}

// LinkIdentity binds a provider identity to the session user, creating a user
// when there is no session. An identity already bound to another account
// merges that account into the session user.
func (e Engine) LinkIdentity(ctx context.Context, in IdentityLogin) (LinkResult, error) {
	if in.Backend == "" || in.ProviderUserID == "" {
		return LinkResult{}, faults.New(faults.Validation, "backend and provider user id are required")
	}
	var (
		userID int64
		merge  *mergeState
		grant  bool
	)
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		ident, err := e.Repo.FindIdentityTx(ctx, tx, in.Backend, in.ProviderUserID)
		switch {
		case err == nil && in.SessionUserID != 0 && ident.UserID != in.SessionUserID:
			st, err := e.mergeTx(ctx, tx, ident.UserID, in.SessionUserID)
			if err != nil {
				return err
			}
			merge, userID = &st, in.SessionUserID
		case err == nil:
			userID = ident.UserID
		case errors.Is(err, repo.ErrNotFound):
			userID = in.SessionUserID
			if userID == 0 {
				u, err := e.Repo.InsertUser(ctx, tx, in.Username, e.now())
				if err != nil {
					return err
				}
				userID = u.ID
			}
		default:
			return err
		}
		if err := e.Repo.UpsertIdentity(ctx, tx, domain.Identity{
			Backend: in.Backend, ProviderUserID: in.ProviderUserID, Username: in.Username, UserID: userID,
		}); err != nil {
			return err
		}
		if in.Secret != "" {
			if _, err := e.addTokenTx(ctx, tx, userID, in.Backend, in.Secret, in.RefreshSecret); err != nil {
				return err
			}
		}
		if e.Config != nil && e.Config.IsAdminUsername(in.Backend, in.Username) {
			u, err := e.Repo.GetUserTx(ctx, tx, userID)
			if err != nil {
				return err
			}
			if !u.IsAdmin {
				if err := e.Repo.SetAdmin(ctx, tx, userID, true); err != nil {
					return err
				}
				grant = true
			}
		}
		return e.emit(ctx, tx, "identity.linked", 0, "user", itoa(userID), userID, events.Payload{"backend": in.Backend})
	})
	if err != nil {
		return LinkResult{}, err
	}
	res := LinkResult{}
	if merge != nil {
		m := e.afterMerge(ctx, *merge)
		res.Merged = &m
	}
	if grant && e.Provisioner != nil {
		if err := e.Provisioner.GrantAdmin(ctx, userID); err != nil {
			e.Log.Error("grant admin failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	res.User, err = e.Repo.GetUser(ctx, userID)
	return res, err
}

type mergeState struct {
	src, dst     int64
	srcWorkspace *domain.Workspace
	grantAdmin   bool
	result       MergeResult
}

type MergeResult struct {
	Source   int64            `json:"source"`
	Target   int64            `json:"target"`
	Projects []int64          `json:"projects"`
	Renamed  map[int64]string `json:"renamed,omitempty"`
	Moved    map[string]int64 `json:"moved"`
	IsAdmin  bool             `json:"is_admin"`
	// WorkspaceError is set when the saved objects could not be copied.
	WorkspaceError string `json:"workspace_error,omitempty"`
}

// MergeAccount moves everything src owns to dst and deletes src.
func (e Engine) MergeAccount(ctx context.Context, actorID, src, dst int64) (MergeResult, error) {
	var st mergeState
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if actorID != dst {
			if err := e.Auth.RequireAdmin(ctx, tx, actorID); err != nil {
				return err
			}
		}
		var err error
		st, err = e.mergeTx(ctx, tx, src, dst)
		return err
	})
	if err != nil {
		return MergeResult{}, err
	}
	return e.afterMerge(ctx, st), nil
}

// mergeTx reassigns src's rows to dst inside tx. Projects whose name clashes
// with one of dst's are renamed with a numeric suffix.
func (e Engine) mergeTx(ctx context.Context, tx *sql.Tx, src, dst int64) (mergeState, error) {
	st := mergeState{src: src, dst: dst, result: MergeResult{Source: src, Target: dst, Renamed: map[int64]string{}}}
	if src == dst {
		return st, faults.New(faults.Validation, "cannot merge user %d into itself", src)
	}
	srcUser, err := e.Repo.GetUserTx(ctx, tx, src)
	if err != nil {
		return st, notFound(err, "user %d", src)
	}
	dstUser, err := e.Repo.GetUserTx(ctx, tx, dst)
	if err != nil {
		return st, notFound(err, "user %d", dst)
	}
	projects, err := e.Repo.ProjectsByCreatorTx(ctx, tx, src)
	if err != nil {
		return st, err
	}
	for _, pid := range projects {
		p, err := e.Repo.GetProjectTx(ctx, tx, pid)
		if err != nil {
			return st, err
		}
		name := p.Name
		for n := 2; ; n++ {
			taken, err := e.Repo.ProjectNameTakenTx(ctx, tx, name, dst)
			if err != nil {
				return st, err
			}
			if !taken {
				break
			}
			name = fmt.Sprintf("%s (%d)", p.Name, n)
		}
		if name != p.Name {
			st.result.Renamed[pid] = name
		}
		if err := e.Repo.MoveProjectTx(ctx, tx, pid, dst, name); err != nil {
			return st, err
		}
	}
	st.result.Projects = projects
	if st.result.Moved, err = e.Repo.ReassignUserTx(ctx, tx, src, dst); err != nil {
		return st, err
	}
	st.result.IsAdmin = srcUser.IsAdmin || dstUser.IsAdmin
	if srcUser.IsAdmin && !dstUser.IsAdmin {
		if err := e.Repo.SetAdmin(ctx, tx, dst, true); err != nil {
			return st, err
		}
		st.grantAdmin = true
	}
	if ws, err := e.Repo.GetWorkspace(ctx, tx, src); err == nil {
		st.srcWorkspace = &ws
		if _, err := e.Repo.DeleteWorkspaceTx(ctx, tx, src); err != nil {
			return st, err
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return st, err
	}
	if err := e.Repo.DeleteUser(ctx, tx, src); err != nil {
		return st, err
	}
	return st, e.emit(ctx, tx, "account.merged", 0, "user", itoa(dst), dst, events.Payload{
		"source": src, "projects": len(projects), "moved": st.result.Moved,
	})
}

// afterMerge carries the cluster side of a merge: the source workspace's
// saved objects are copied into the target's workspace.
func (e Engine) afterMerge(ctx context.Context, st mergeState) MergeResult {
	res := st.result
	if e.Provisioner == nil {
		return res
	}
	if st.srcWorkspace != nil {
		ws, err := e.OpenWorkspace(ctx, st.dst)
		if err == nil {
			err = e.Provisioner.CopySavedObjects(ctx, st.srcWorkspace.TenantName, ws.TenantName)
		}
		if err != nil {
			res.WorkspaceError = err.Error()
			e.Log.Error("workspace merge failed", zap.Int64("source", st.src), zap.Int64("target", st.dst), zap.Error(err))
		}
	}
	if st.grantAdmin {
		if err := e.Provisioner.GrantAdmin(ctx, st.dst); err != nil {
			e.Log.Error("grant admin failed", zap.Int64("user_id", st.dst), zap.Error(err))
		}
	}
	for _, pid := range res.Projects {
		e.reprovision(ctx, pid)
	}
	return res
}

// UpgradeUserToAdmin flags userID as admin and maps it onto the cluster's
// all-access role.
func (e Engine) UpgradeUserToAdmin(ctx context.Context, actorID, userID int64) error {
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Auth.RequireAdmin(ctx, tx, actorID); err != nil {
			return err
		}
		if err := e.Repo.SetAdmin(ctx, tx, userID, true); err != nil {
			return notFound(err, "user %d", userID)
		}
		return e.emit(ctx, tx, "user.admin", 0, "user", itoa(userID), actorID, nil)
	})
	if err != nil {
		return err
	}
	if e.Provisioner == nil {
		return nil
	}
	return e.Provisioner.GrantAdmin(ctx, userID)
}

// OpenWorkspace returns the user's private tenant, creating and seeding it on
// first use.
func (e Engine) OpenWorkspace(ctx context.Context, userID int64) (domain.Workspace, error) {
	ws, err := e.Repo.GetWorkspace(ctx, e.DB, userID)
	if err == nil {
		return ws, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return ws, err
	}
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return ws, notFound(err, "user %d", userID)
	}
	if e.Provisioner == nil {
		return ws, faults.New(faults.ProvisionerFailure, "no search cluster configured")
	}
	ws, err = e.Provisioner.EnsureWorkspace(ctx, userID)
	if err != nil {
		return ws, err
	}
	ws.CreatedAt = e.now()
	if err := e.Repo.InsertWorkspace(ctx, ws); err != nil {
		return ws, err
	}
	e.Log.Info("workspace created", zap.Int64("user_id", userID), zap.String("tenant", ws.TenantName))
	return e.Repo.GetWorkspace(ctx, e.DB, userID)
}
