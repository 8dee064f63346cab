// Package worker leases intentions from the coordinator and runs them.
package worker

import (
	"context"
	"errors"
	"io"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cauldron/internal/domain"
	"cauldron/internal/engine"
	"cauldron/internal/faults"
	"cauldron/internal/metrics"
)

// Coordinator is the worker-facing side of the intention pool. The engine
// satisfies it in process and the Go SDK over HTTP.
type Coordinator interface {
	LeaseNext(ctx context.Context, workerID string, kinds []domain.Kind) (*domain.Lease, error)
	Heartbeat(ctx context.Context, jobID, workerID string) error
	Complete(ctx context.Context, jobID, workerID string, rep domain.Report) (engine.Completion, error)
	AppendLog(ctx context.Context, jobID string, data []byte) error
	ReportRateLimit(ctx context.Context, tokenID int64, until time.Time) error
}

// Runner executes one leased intention. Output written to log ends up in
// the job's log file.
type Runner interface {
	Run(ctx context.Context, lease *domain.Lease, log io.Writer) domain.Report
}

type RunnerFunc func(ctx context.Context, lease *domain.Lease, log io.Writer) domain.Report

func (f RunnerFunc) Run(ctx context.Context, lease *domain.Lease, log io.Writer) domain.Report {
	return f(ctx, lease, log)
}

type Worker struct {
	ID        string
	Coord     Coordinator
	Runners   map[domain.Kind]Runner
	Heartbeat time.Duration
	Idle      time.Duration
	Log       *zap.Logger
}

// Kinds lists the kinds this worker has a runner for.
func (w *Worker) Kinds() []domain.Kind {
	kinds := make([]domain.Kind, 0, len(w.Runners))
	for k := range w.Runners {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (w *Worker) logger() *zap.Logger {
	if w.Log == nil {
		return zap.NewNop()
	}
	return w.Log
}

// Run leases and executes jobs until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	idle := w.Idle
	if idle <= 0 {
		idle = 5 * time.Second
	}
	w.logger().Info("worker started", zap.String("worker_id", w.ID), zap.Any("kinds", w.Kinds()))
	for {
		ran, err := w.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			w.logger().Error("worker iteration failed", zap.String("worker_id", w.ID), zap.Error(err))
		}
		if ran && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(idle):
		}
	}
}

// errJobLost stops the runner when the coordinator no longer knows the job.
var errJobLost = errors.New("job lost")

// RunOnce leases one intention, runs it while heartbeating and reports the
// outcome. It returns false when nothing was ready.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	lease, err := w.Coord.LeaseNext(ctx, w.ID, w.Kinds())
	if err != nil {
		if faults.Has(err, faults.CoordinatorConflict) {
			return true, nil
		}
		return false, err
	}
	if lease == nil {
		return false, nil
	}
	log := w.logger().With(
		zap.String("worker_id", w.ID),
		zap.String("job_id", lease.Job.ID),
		zap.Int64("intention_id", lease.Intention.ID),
		zap.String("kind", string(lease.Intention.Kind)))
	runner, ok := w.Runners[lease.Intention.Kind]
	if !ok {
		_, err := w.Coord.Complete(ctx, lease.Job.ID, w.ID, domain.Report{Result: domain.ResultFatal, ErrorKind: string(faults.Validation), Message: "no runner for kind"})
		return true, err
	}

	var rep domain.Report
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer stop()
		rep = runner.Run(gctx, lease, &logWriter{ctx: ctx, coord: w.Coord, jobID: lease.Job.ID, log: log})
		return nil
	})
	g.Go(func() error {
		return w.heartbeat(gctx, lease.Job.ID)
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, errJobLost) {
			log.Warn("job lost, dropping result")
			metrics.WorkerJobs.WithLabelValues(string(lease.Intention.Kind), "lost").Inc()
			return true, nil
		}
		return true, err
	}
	if ctx.Err() != nil {
		return true, ctx.Err()
	}
	if rep.Result == domain.ResultRateLimited && rep.TokenID == 0 && lease.Token != nil {
		rep.TokenID = lease.Token.ID
	}
	metrics.WorkerJobs.WithLabelValues(string(lease.Intention.Kind), string(rep.Result)).Inc()
	res, err := w.Coord.Complete(ctx, lease.Job.ID, w.ID, rep)
	if faults.Has(err, faults.CoordinatorConflict) {
		log.Warn("completion rejected", zap.Error(err))
		return true, nil
	}
	if err != nil {
		return true, err
	}
	log.Info("job finished", zap.String("result", string(rep.Result)), zap.String("state", string(res.State)))
	return true, nil
}

func (w *Worker) heartbeat(ctx context.Context, jobID string) error {
	every := w.Heartbeat
	if every <= 0 {
		every = 30 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			err := w.Coord.Heartbeat(ctx, jobID, w.ID)
			if faults.Has(err, faults.CoordinatorConflict) {
				return errJobLost
			}
			if err != nil && ctx.Err() == nil {
				w.logger().Warn("heartbeat failed", zap.String("job_id", jobID), zap.Error(err))
			}
		}
	}
}

// logWriter streams runner output to the coordinator's job log.
type logWriter struct {
	ctx   context.Context
	coord Coordinator
	jobID string
	log   *zap.Logger
}

func (l *logWriter) Write(p []byte) (int, error) {
	if err := l.coord.AppendLog(l.ctx, l.jobID, append([]byte(nil), p...)); err != nil {
		l.log.Warn("append log failed", zap.Error(err))
	}
	return len(p), nil
}
