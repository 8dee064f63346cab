package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"cauldron/internal/domain"
	"cauldron/internal/engine"
	"cauldron/internal/repo"
)

func registerIntentions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-intentions",
		Method:      http.MethodGet,
		Path:        "/intentions",
		Summary:     "List live intentions with their derived state",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64  `query:"project_id"`
		RepoID    int64  `query:"repo_id"`
		Kind      string `query:"kind"`
		Status    string `query:"status" enum:"pending,running"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedIntentions `json:"body"`
	}, error) {
		uid, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Kind != "" && !domain.Kind(input.Kind).Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown intention kind", map[string]any{"kind": input.Kind})
		}
		items, err := e.VisibleIntentions(ctx, uid, repo.IntentionFilter{
			ProjectID: input.ProjectID,
			RepoID:    input.RepoID,
			Kind:      domain.Kind(input.Kind),
			Status:    input.Status,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedIntentions `json:"body"`
		}{Body: paginatedIntentions{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-archive",
		Method:      http.MethodGet,
		Path:        "/archive",
		Summary:     "List archived intentions, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64  `query:"project_id"`
		RepoID    int64  `query:"repo_id"`
		Kind      string `query:"kind"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedArchive `json:"body"`
	}, error) {
		uid, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.VisibleArchive(ctx, uid, repo.ArchiveFilter{
			ProjectID: input.ProjectID,
			RepoID:    input.RepoID,
			Kind:      domain.Kind(input.Kind),
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedArchive `json:"body"`
		}{Body: paginatedArchive{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-intention",
		Method:      http.MethodGet,
		Path:        "/intentions/{intention_id}",
		Summary:     "State of one intention, live or archived",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IntentionID int64 `path:"intention_id"`
	}) (*struct {
		Body engine.IntentionView `json:"body"`
	}, error) {
		uid, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.IntentionFor(ctx, uid, input.IntentionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.IntentionView `json:"body"`
		}{Body: v}, nil
	})
}

func registerAccounts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user, identities and tokens",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		uid, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, ids, err := e.Me(ctx, uid)
		if err != nil {
			return nil, handleError(err)
		}
		tokens, err := e.Tokens(ctx, uid)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{User: u, Identities: nonNilSlice(ids), Tokens: nonNilSlice(tokens)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-token",
		Method:        http.MethodPost,
		Path:          "/me/tokens",
		Summary:       "Store a provider token",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body AddTokenRequest `json:"body"`
	}) (*struct {
		Body domain.Token `json:"body"`
	}, error) {
		uid, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tok, err := e.AddToken(ctx, uid, strings.TrimSpace(input.Body.Backend), input.Body.Secret, input.Body.RefreshSecret)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Token `json:"body"`
		}{Body: tok}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-token",
		Method:        http.MethodDelete,
		Path:          "/me/tokens/{token_id}",
		Summary:       "Delete a provider token",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TokenID int64 `path:"token_id"`
	}) (*struct{}, error) {
		uid, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteToken(ctx, uid, input.TokenID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "open-workspace",
		Method:      http.MethodPost,
		Path:        "/me/workspace",
		Summary:     "Open the private dashboards workspace",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Workspace `json:"body"`
	}, error) {
		uid, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ws, err := e.OpenWorkspace(ctx, uid)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Workspace `json:"body"`
		}{Body: ws}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "link-identity",
		Method:      http.MethodPost,
		Path:        "/identities/link",
		Summary:     "Bind a provider identity after an OAuth exchange (gateway)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body LinkIdentityRequest `json:"body"`
	}) (*struct {
		Body engine.LinkResult `json:"body"`
	}, error) {
		if err := requireRole(ctx, RoleGateway); err != nil {
			return nil, err
		}
		res, err := e.LinkIdentity(ctx, engine.IdentityLogin{
			SessionUserID:  input.Body.SessionUserID,
			Backend:        strings.TrimSpace(input.Body.Backend),
			ProviderUserID: input.Body.ProviderUserID,
			Username:       input.Body.Username,
			Secret:         input.Body.Secret,
			RefreshSecret:  input.Body.RefreshSecret,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.LinkResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users (admin)",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		uid, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		users, err := e.Users(ctx, uid)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: nonNilSlice(users)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create a user (admin)",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		uid, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Auth.RequireAdmin(ctx, e.DB, uid); err != nil {
			return nil, handleError(err)
		}
		u, err := e.CreateUser(ctx, strings.TrimSpace(input.Body.Username), input.Body.Admin)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "upgrade-admin",
		Method:        http.MethodPost,
		Path:          "/users/{user_id}/admin",
		Summary:       "Grant admin rights (admin)",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		UserID int64 `path:"user_id"`
	}) (*struct{}, error) {
		uid, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.UpgradeUserToAdmin(ctx, uid, input.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "merge-accounts",
		Method:      http.MethodPost,
		Path:        "/users/merge",
		Summary:     "Merge one account into another (admin)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body MergeRequest `json:"body"`
	}) (*struct {
		Body engine.MergeResult `json:"body"`
	}, error) {
		uid, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.MergeAccount(ctx, uid, input.Body.Source, input.Body.Target)
		if err != nil {
			return nil, handleError(err)
		}
		res.Projects = nonNilSlice(res.Projects)
		return &struct {
			Body engine.MergeResult `json:"body"`
		}{Body: res}, nil
	})
}
