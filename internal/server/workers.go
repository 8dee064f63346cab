package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"cauldron/internal/engine"
)

type jobPath struct {
	JobID string `path:"job_id"`
}

// registerWorkers exposes the lease protocol to out-of-process workers.
func registerWorkers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "lease-next",
		Method:      http.MethodPost,
		Path:        "/worker/lease",
		Summary:     "Lease the next ready intention",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body LeaseRequest `json:"body"`
	}) (*struct {
		Body LeaseResponse `json:"body"`
	}, error) {
		if err := requireRole(ctx, RoleWorker); err != nil {
			return nil, err
		}
		for _, k := range input.Body.Kinds {
			if !k.Valid() {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown intention kind", map[string]any{"kind": k})
			}
		}
		lease, err := e.LeaseNext(ctx, input.Body.WorkerID, input.Body.Kinds)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LeaseResponse `json:"body"`
		}{Body: LeaseResponse{Lease: lease}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "heartbeat",
		Method:        http.MethodPost,
		Path:          "/worker/jobs/{job_id}/heartbeat",
		Summary:       "Keep a leased job alive",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		JobID string           `path:"job_id"`
		Body  HeartbeatRequest `json:"body"`
	}) (*struct{}, error) {
		if err := requireRole(ctx, RoleWorker); err != nil {
			return nil, err
		}
		if err := e.Heartbeat(ctx, input.JobID, input.Body.WorkerID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete",
		Method:      http.MethodPost,
		Path:        "/worker/jobs/{job_id}/complete",
		Summary:     "Report the end of a leased job",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		JobID string          `path:"job_id"`
		Body  CompleteRequest `json:"body"`
	}) (*struct {
		Body engine.Completion `json:"body"`
	}, error) {
		if err := requireRole(ctx, RoleWorker); err != nil {
			return nil, err
		}
		res, err := e.Complete(ctx, input.JobID, input.Body.WorkerID, input.Body.Report)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Completion `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "append-log",
		Method:        http.MethodPost,
		Path:          "/worker/jobs/{job_id}/log",
		Summary:       "Append raw output to the job log",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *jobPath) (*struct{}, error) {
		if err := requireRole(ctx, RoleWorker); err != nil {
			return nil, err
		}
		if err := e.AppendLog(ctx, input.JobID, bodyBytes(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "report-rate-limit",
		Method:        http.MethodPost,
		Path:          "/worker/rate-limits",
		Summary:       "Park a provider token until its quota resets",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body RateLimitRequest `json:"body"`
	}) (*struct{}, error) {
		if err := requireRole(ctx, RoleWorker); err != nil {
			return nil, err
		}
		if input.Body.TokenID == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "token_id is required", nil)
		}
		if err := e.ReportRateLimit(ctx, input.Body.TokenID, input.Body.Until); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
