package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"cauldron/internal/domain"
	"cauldron/internal/engine"
	"cauldron/internal/status"
)

type projectPath struct {
	ProjectID int64 `path:"project_id"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		uid, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, uid, strings.TrimSpace(input.Body.Name))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		uid, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListProjects(ctx, uid)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project with its repositories",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectDetail `json:"body"`
	}, error) {
		uid, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		repos, err := e.ProjectRepositories(ctx, uid, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectDetail `json:"body"`
		}{Body: ProjectDetail{Project: p, Repositories: nonNilSlice(repos)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-project",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}",
		Summary:       "Delete project, cancel its work and drop its cluster role",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *projectPath) (*struct{}, error) {
		uid, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteProject(ctx, uid, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-repository",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/repositories",
		Summary:       "Add a repository or owner to a project",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusPreconditionRequired,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID int64          `path:"project_id"`
		Body      AddRepoRequest `json:"body"`
	}) (*struct {
		Body engine.AddRepoResult `json:"body"`
	}, error) {
		uid, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.AddRepoToProject(ctx, engine.AddRepoOptions{
			ProjectID:    input.ProjectID,
			UserID:       uid,
			Backend:      input.Body.Backend,
			Input:        strings.TrimSpace(input.Body.Input),
			Instance:     input.Body.Instance,
			IncludeForks: input.Body.IncludeForks,
		})
		if err != nil {
			return nil, handleError(err)
		}
		res.Intentions = nonNilSlice(res.Intentions)
		return &struct {
			Body engine.AddRepoResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-repository",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}/repositories/{repo_id}",
		Summary:       "Remove a repository from a project",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
		RepoID    int64 `path:"repo_id"`
	}) (*struct{}, error) {
		uid, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveRepoFromProject(ctx, uid, input.ProjectID, input.RepoID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Aggregated analysis status",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body status.ProjectSummary `json:"body"`
	}, error) {
		uid, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sum, err := e.ProjectStatus(ctx, uid, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		sum.Repositories = nonNilSlice(sum.Repositories)
		return &struct {
			Body status.ProjectSummary `json:"body"`
		}{Body: sum}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-exports",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/exports",
		Summary:     "Export lifecycle per backend",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.Export `json:"body"`
	}, error) {
		uid, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ProjectExports(ctx, uid, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Export `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-dashboards",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/dashboards",
		Summary:     "Dashboards role of a provisioned project",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.ProjectRole `json:"body"`
	}, error) {
		uid, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		role, err := e.DashboardAccess(ctx, uid, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProjectRole `json:"body"`
		}{Body: role}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-autorefresh",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/autorefresh",
		Summary:     "Toggle periodic refresh",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64              `path:"project_id"`
		Body      AutorefreshRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		uid, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SetAutorefresh(ctx, uid, input.ProjectID, input.Body.Enabled); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})
}

type intentionBody struct {
	Body domain.Intention `json:"body"`
}

type refreshBody struct {
	Body engine.RefreshResult `json:"body"`
}

func registerTriggers(api huma.API, e engine.Engine) {
	refresh := func(fn func(ctx context.Context, uid, id int64) (engine.RefreshResult, error)) func(context.Context, *projectPath) (*refreshBody, error) {
		return func(ctx context.Context, input *projectPath) (*refreshBody, error) {
			uid, authErr := userIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			res, err := fn(ctx, uid, input.ProjectID)
			if err != nil {
				return nil, handleError(err)
			}
			res.Created = nonNilSlice(res.Created)
			res.Superseded = nonNilSlice(res.Superseded)
			return &refreshBody{Body: res}, nil
		}
	}
	refreshErrors := []int{http.StatusForbidden, http.StatusNotFound}

	huma.Register(api, huma.Operation{
		OperationID:   "refresh-project",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/refresh",
		Summary:       "Refetch every repository of a project",
		DefaultStatus: http.StatusAccepted,
		Errors:        refreshErrors,
	}, refresh(e.RefreshProject))

	huma.Register(api, huma.Operation{
		OperationID:   "refresh-actions",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/refresh-actions",
		Summary:       "Replay the recorded repository actions of a project",
		DefaultStatus: http.StatusAccepted,
		Errors:        refreshErrors,
	}, refresh(e.RefreshActions))

	huma.Register(api, huma.Operation{
		OperationID:   "refresh-repository",
		Method:        http.MethodPost,
		Path:          "/repositories/{repo_id}/refresh",
		Summary:       "Refetch one repository",
		DefaultStatus: http.StatusAccepted,
		Errors:        refreshErrors,
	}, func(ctx context.Context, input *struct {
		RepoID int64 `path:"repo_id"`
	}) (*refreshBody, error) {
		uid, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RefreshRepo(ctx, uid, input.RepoID)
		if err != nil {
			return nil, handleError(err)
		}
		res.Created = nonNilSlice(res.Created)
		res.Superseded = nonNilSlice(res.Superseded)
		return &refreshBody{Body: res}, nil
	})

	work := func(fn func(ctx context.Context, uid, id int64) (domain.Intention, error)) func(context.Context, *projectPath) (*intentionBody, error) {
		return func(ctx context.Context, input *projectPath) (*intentionBody, error) {
			uid, authErr := userIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			it, err := fn(ctx, uid, input.ProjectID)
			if err != nil {
				return nil, handleError(err)
			}
			return &intentionBody{Body: it}, nil
		}
	}
	workErrors := []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusPreconditionRequired}

	huma.Register(api, huma.Operation{
		OperationID:   "export-git-csv",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/export",
		Summary:       "Export the project's git data as CSV",
		DefaultStatus: http.StatusAccepted,
		Errors:        workErrors,
	}, work(e.ExportGitCSV))

	huma.Register(api, huma.Operation{
		OperationID:   "identity-merge",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/identity-merge",
		Summary:       "Merge contributor identities once fetches settle",
		DefaultStatus: http.StatusAccepted,
		Errors:        workErrors,
	}, work(e.IdentityMerge))

	huma.Register(api, huma.Operation{
		OperationID:   "twitter-notify",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/twitter-notify",
		Summary:       "Notify on twitter when the project finishes analysis",
		DefaultStatus: http.StatusAccepted,
		Errors:        workErrors,
	}, work(e.EnableTwitterNotify))
}
