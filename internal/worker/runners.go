package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"cauldron/internal/domain"
	"cauldron/internal/faults"
	"cauldron/internal/forge"
	"cauldron/internal/registry"
)

func fatal(err error) domain.Report {
	return domain.Report{Result: domain.ResultFatal, ErrorKind: string(faults.KindOf(err)), Message: err.Error()}
}

// classify turns a runner error into a report.
func classify(lease *domain.Lease, err error) domain.Report {
	if until, ok := forge.RateLimitedUntil(err); ok {
		rep := domain.Report{Result: domain.ResultRateLimited, Until: until, Message: err.Error()}
		if lease.Token != nil {
			rep.TokenID = lease.Token.ID
		}
		return rep
	}
	if faults.Retryable(err) || errors.Is(err, context.DeadlineExceeded) {
		return domain.Report{Result: domain.ResultRetryable, ErrorKind: string(faults.KindOf(err)), Message: err.Error()}
	}
	return fatal(err)
}

// OwnerRunner expands an owner-only input into its repositories.
type OwnerRunner struct {
	Listers   map[domain.Backend]registry.Lister
	Instances registry.Instances
	Budget    time.Duration
}

func (r OwnerRunner) Run(ctx context.Context, lease *domain.Lease, log io.Writer) domain.Report {
	it := lease.Intention
	lister, ok := r.Listers[it.Backend]
	if !ok {
		return fatal(faults.New(faults.Validation, "no lister for %s", it.Backend))
	}
	input := it.Payload.Input
	if input == "" {
		input = it.Payload.Owner
	}
	src, err := registry.Parse(it.Backend, input, it.Payload.Instance, r.Instances)
	if err != nil {
		return fatal(err)
	}
	var token string
	if lease.Token != nil {
		token = lease.Token.Secret
	}
	fmt.Fprintf(log, "expanding %s owner %s\n", it.Backend, src.Owner)
	found, err := registry.Expand(ctx, lister, src, token, it.Payload.IncludeForks, r.Budget)
	if err != nil {
		fmt.Fprintf(log, "expansion failed: %v\n", err)
		return classify(lease, err)
	}
	for _, ds := range found {
		fmt.Fprintf(log, "found %s/%s\n", ds.Owner, ds.Name)
	}
	return domain.Report{Result: domain.ResultSuccess, Found: found, Message: fmt.Sprintf("%d repositories", len(found))}
}

// ExitRetryable is the exit status (EX_TEMPFAIL) a command uses to ask for a retry.
const ExitRetryable = 75

// CommandRunner runs opaque jobs as external commands. The command learns
// about its job through CAULDRON_* environment variables and talks back
// through stdout lines:
//
//	RATE_LIMITED <unix seconds>   the token is exhausted until then
//	OUTPUT <location>             where the job wrote its result
//	CHANGED                       a watched project changed
type CommandRunner struct {
	Argv []string
	Env  []string
}

func (r CommandRunner) environ(lease *domain.Lease) ([]string, error) {
	it := lease.Intention
	payload, err := json.Marshal(it.Payload)
	if err != nil {
		return nil, err
	}
	env := append(os.Environ(), r.Env...)
	env = append(env,
		"CAULDRON_JOB_ID="+lease.Job.ID,
		"CAULDRON_INTENTION_ID="+strconv.FormatInt(it.ID, 10),
		"CAULDRON_KIND="+string(it.Kind),
		"CAULDRON_PROJECT_ID="+strconv.FormatInt(it.ProjectID, 10),
		"CAULDRON_BACKEND="+string(it.Backend),
		"CAULDRON_PAYLOAD="+string(payload),
	)
	if lease.Repository != nil {
		env = append(env, "CAULDRON_REPO_URL="+lease.Repository.URL, "CAULDRON_REPO_IDENTITY="+lease.Repository.Identity)
	}
	if lease.Token != nil {
		env = append(env, "CAULDRON_TOKEN="+lease.Token.Secret)
	}
	return env, nil
}

// lockedWriter serializes writes from the stdout scanner and the stderr copier.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// directives collects the control lines a command prints.
type directives struct {
	rateLimited time.Time
	output      string
	changed     bool
}

func (d *directives) scan(r io.Reader, log io.Writer) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		fmt.Fprintln(log, line)
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "RATE_LIMITED":
			if len(fields) > 1 {
				if sec, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					d.rateLimited = time.Unix(sec, 0).UTC()
				}
			}
		case "OUTPUT":
			if len(fields) > 1 {
				d.output = fields[1]
			}
		case "CHANGED":
			d.changed = true
		}
	}
}

func (r CommandRunner) Run(ctx context.Context, lease *domain.Lease, log io.Writer) domain.Report {
	if len(r.Argv) == 0 {
		return fatal(faults.New(faults.Validation, "no command configured for %s", lease.Intention.Kind))
	}
	env, err := r.environ(lease)
	if err != nil {
		return fatal(err)
	}
	log = &lockedWriter{w: log}
	cmd := exec.CommandContext(ctx, r.Argv[0], r.Argv[1:]...)
	cmd.Env = env
	cmd.Stderr = log
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fatal(err)
	}
	if err := cmd.Start(); err != nil {
		return fatal(faults.Wrap(faults.Validation, err, "start %s", r.Argv[0]))
	}
	var d directives
	d.scan(stdout, log)
	err = cmd.Wait()

	rep := domain.Report{Output: d.output, Changed: d.changed}
	if !d.rateLimited.IsZero() {
		rep.Result = domain.ResultRateLimited
		rep.Until = d.rateLimited
		if lease.Token != nil {
			rep.TokenID = lease.Token.ID
		}
		return rep
	}
	if err == nil {
		rep.Result = domain.ResultSuccess
		return rep
	}
	rep.Message = err.Error()
	var exit *exec.ExitError
	switch {
	case ctx.Err() != nil:
		rep.Result = domain.ResultRetryable
		rep.ErrorKind = string(faults.CoordinatorConflict)
	case errors.As(err, &exit) && exit.ExitCode() == ExitRetryable:
		rep.Result = domain.ResultRetryable
		rep.ErrorKind = string(faults.ProviderTransient)
	default:
		rep.Result = domain.ResultFatal
		rep.ErrorKind = string(faults.ProviderPermanent)
	}
	return rep
}
