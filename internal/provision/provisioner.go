package provision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"cauldron/internal/domain"
	"cauldron/internal/metrics"
)

// AllAccessRole is the built-in super-user role admins are mapped to.
const AllAccessRole = "all_access"

func AdminBackendRole(userID int64) string { return fmt.Sprintf("br_admin_%d", userID) }

// Provisioner applies declared state to the cluster. Every call is an
// idempotent full PUT, retried with exponential backoff.
type Provisioner struct {
	Cluster       *Cluster
	MetadataIndex string
	Attempts      int
	BaseDelay     time.Duration
	Log           *zap.Logger

	locks  sync.Map
	flight singleflight.Group
}

func New(c *Cluster, metadataIndex string, attempts int, baseDelay time.Duration, log *zap.Logger) *Provisioner {
	if log == nil {
		log = zap.NewNop()
	}
	if attempts <= 0 {
		attempts = 1
	}
	return &Provisioner{Cluster: c, MetadataIndex: metadataIndex, Attempts: attempts, BaseDelay: baseDelay, Log: log}
}

func (p *Provisioner) lock(key string) func() {
	m, _ := p.locks.LoadOrStore(key, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// retry runs fn up to Attempts times, doubling the delay after each failure.
func (p *Provisioner) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := p.BaseDelay
	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			metrics.ProvisionCalls.WithLabelValues(op, "ok").Inc()
			return nil
		}
		metrics.ProvisionCalls.WithLabelValues(op, "error").Inc()
		p.Log.Warn("provision call failed", zap.String("operation", op), zap.Int("attempt", attempt), zap.Error(err))
		if attempt == p.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return asProvisionerFailure(op, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return asProvisionerFailure(op, err)
}

// SyncProject replaces the project's role with one whose DLS terms are urls
// and maps it to the project's backend role.
func (p *Provisioner) SyncProject(ctx context.Context, projectID int64, urls map[domain.Backend][]string) error {
	unlock := p.lock(fmt.Sprintf("project:%d", projectID))
	defer unlock()
	role := ProjectRole(urls, p.MetadataIndex)
	name := ProjectRoleName(projectID)
	if err := p.retry(ctx, "put_role", func(ctx context.Context) error {
		return p.Cluster.PutRole(ctx, name, role)
	}); err != nil {
		return err
	}
	return p.retry(ctx, "put_role_mapping", func(ctx context.Context) error {
		return p.Cluster.PutRoleMapping(ctx, name, RoleMapping{BackendRoles: []string{ProjectBackendRole(projectID)}})
	})
}

// RemoveProject deletes the role mapping and then the role.
func (p *Provisioner) RemoveProject(ctx context.Context, projectID int64) error {
	unlock := p.lock(fmt.Sprintf("project:%d", projectID))
	defer unlock()
	name := ProjectRoleName(projectID)
	if err := p.retry(ctx, "delete_role_mapping", func(ctx context.Context) error {
		return p.Cluster.DeleteRoleMapping(ctx, name)
	}); err != nil {
		return err
	}
	return p.retry(ctx, "delete_role", func(ctx context.Context) error {
		return p.Cluster.DeleteRole(ctx, name)
	})
}

// EnsureWorkspace creates the user's private tenant, its role and mapping, and
// seeds it from the global tenant. Concurrent calls for one user share a run.
func (p *Provisioner) EnsureWorkspace(ctx context.Context, userID int64) (domain.Workspace, error) {
	v, err, _ := p.flight.Do(fmt.Sprintf("workspace:%d", userID), func() (any, error) {
		ws := domain.Workspace{
			UserID:      userID,
			TenantName:  WorkspaceTenant(userID),
			TenantRole:  WorkspaceRoleName(userID),
			BackendRole: WorkspaceBackendRole(userID),
		}
		steps := []struct {
			op string
			fn func(context.Context) error
		}{
			{"put_tenant", func(ctx context.Context) error {
				return p.Cluster.PutTenant(ctx, ws.TenantName, fmt.Sprintf("Workspace of user %d", userID))
			}},
			{"put_role", func(ctx context.Context) error {
				return p.Cluster.PutRole(ctx, ws.TenantRole, WorkspaceRole(userID))
			}},
			{"put_role_mapping", func(ctx context.Context) error {
				return p.Cluster.PutRoleMapping(ctx, ws.TenantRole, RoleMapping{BackendRoles: []string{ws.BackendRole}})
			}},
		}
		for _, s := range steps {
			if err := p.retry(ctx, s.op, s.fn); err != nil {
				return nil, err
			}
		}
		if err := p.CopySavedObjects(ctx, "global_tenant", ws.TenantName); err != nil {
			return nil, err
		}
		return ws, nil
	})
	if err != nil {
		return domain.Workspace{}, err
	}
	return v.(domain.Workspace), nil
}

// CopySavedObjects exports every saved object of from and imports it into to.
func (p *Provisioner) CopySavedObjects(ctx context.Context, from, to string) error {
	var data []byte
	if err := p.retry(ctx, "export_saved_objects", func(ctx context.Context) error {
		var err error
		data, err = p.Cluster.ExportSavedObjects(ctx, from)
		return err
	}); err != nil {
		return err
	}
	return p.retry(ctx, "import_saved_objects", func(ctx context.Context) error {
		return p.Cluster.ImportSavedObjects(ctx, to, data)
	})
}

// GrantAdmin adds the user's admin backend role to the all_access mapping,
// keeping every existing entry.
func (p *Provisioner) GrantAdmin(ctx context.Context, userID int64) error {
	unlock := p.lock("role:" + AllAccessRole)
	defer unlock()
	return p.retry(ctx, "grant_admin", func(ctx context.Context) error {
		m, err := p.Cluster.GetRoleMapping(ctx, AllAccessRole)
		if err != nil {
			return err
		}
		br := AdminBackendRole(userID)
		for _, existing := range m.BackendRoles {
			if existing == br {
				return nil
			}
		}
		m.BackendRoles = append(m.BackendRoles, br)
		sort.Strings(m.BackendRoles)
		return p.Cluster.PutRoleMapping(ctx, AllAccessRole, m)
	})
}

// IsNotFound reports a 404 from the cluster.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == http.StatusNotFound
}
