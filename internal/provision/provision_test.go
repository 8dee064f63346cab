package provision_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cauldron/internal/domain"
	"cauldron/internal/faults"
	"cauldron/internal/provision"
	"cauldron/internal/provision/provisiontest"
)

func TestProjectRoleLayout(t *testing.T) {
	role := provision.ProjectRole(map[domain.Backend][]string{
		domain.BackendGit:    {"https://example.org/r.git"},
		domain.BackendGitHub: {"https://github.com/a/b"},
	}, ".kibana")

	want := map[string]string{
		"git":           `{"terms":{"repo_name":["https://example.org/r.git"]}}`,
		"github":        `{"terms":{"repository":["https://github.com/a/b"]}}`,
		"github2":       `{"terms":{"repository":["https://github.com/a/b"]}}`,
		"github_repo":   `{"terms":{"origin":["https://github.com/a/b"]}}`,
		"gitlab_issues": `{"terms":{"repository":["0"]}}`,
		"gitlab_mrs":    `{"terms":{"repository":["0"]}}`,
		"meetup":        `{"terms":{"tag":["0"]}}`,
		"stackexchange": `{"terms":{"tag":["0"]}}`,
	}
	got := map[string]string{}
	var metadata bool
	for _, ip := range role.IndexPermissions {
		require.Len(t, ip.IndexPatterns, 1)
		require.Equal(t, []string{"read"}, ip.AllowedActions)
		if ip.IndexPatterns[0] == ".kibana" {
			metadata = true
			require.Empty(t, ip.DLS)
			continue
		}
		got[ip.IndexPatterns[0]] = ip.DLS
	}
	require.True(t, metadata)
	require.Equal(t, want, got)
	require.Equal(t, []string{"indices:data/read/scroll", "indices:data/read/scroll/clear"}, role.ClusterPermissions)
	require.Equal(t, []provision.TenantPermission{{TenantPatterns: []string{"global_tenant"}, AllowedActions: []string{"kibana_all_read"}}}, role.TenantPermissions)

	data, err := json.Marshal(role)
	require.NoError(t, err)
	require.Contains(t, string(data), `"cluster_permissions"`)
	require.Contains(t, string(data), `"index_permissions"`)
	require.Contains(t, string(data), `"tenant_permissions"`)
}

func newProvisioner(fake *provisiontest.Server) *provision.Provisioner {
	return provision.New(fake.Cluster(), ".kibana", 3, time.Millisecond, nil)
}

func TestSyncProjectRetriesAndReplaces(t *testing.T) {
	fake := provisiontest.NewServer()
	defer fake.Close()
	p := newProvisioner(fake)
	ctx := context.Background()

	fake.FailNext = 2
	require.NoError(t, p.SyncProject(ctx, 7, map[domain.Backend][]string{domain.BackendGit: {"https://a", "https://b"}}))
	require.Equal(t, []string{"https://a", "https://b"}, fake.DLSTerms("role_project_7", "git"))
	m, ok := fake.Mapping("role_project_7")
	require.True(t, ok)
	require.Equal(t, []string{"br_project_7"}, m.BackendRoles)

	require.NoError(t, p.SyncProject(ctx, 7, nil))
	require.Equal(t, []string{"0"}, fake.DLSTerms("role_project_7", "git"))
}

func TestSyncProjectGivesUp(t *testing.T) {
	fake := provisiontest.NewServer()
	defer fake.Close()
	p := newProvisioner(fake)
	fake.FailNext = 10
	err := p.SyncProject(context.Background(), 1, nil)
	require.Error(t, err)
	require.Equal(t, faults.ProvisionerFailure, faults.KindOf(err))
}

func TestRemoveProjectDeletesMappingFirst(t *testing.T) {
	fake := provisiontest.NewServer()
	defer fake.Close()
	p := newProvisioner(fake)
	ctx := context.Background()
	require.NoError(t, p.SyncProject(ctx, 3, nil))
	require.NoError(t, p.RemoveProject(ctx, 3))

	calls := fake.CallLog()
	require.Equal(t, []string{
		"DELETE /_plugins/_security/api/rolesmapping/role_project_3",
		"DELETE /_plugins/_security/api/roles/role_project_3",
	}, calls[len(calls)-2:])
	_, ok := fake.Role("role_project_3")
	require.False(t, ok)

	// a second removal converges without error
	require.NoError(t, p.RemoveProject(ctx, 3))
}

func TestEnsureWorkspaceSeedsFromGlobalTenant(t *testing.T) {
	fake := provisiontest.NewServer()
	defer fake.Close()
	fake.AddObject("global_tenant", "dash-1", `{"id":"dash-1","type":"dashboard"}`)
	fake.AddObject("global_tenant", "vis-1", `{"id":"vis-1","type":"visualization"}`)
	p := newProvisioner(fake)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ws, err := p.EnsureWorkspace(context.Background(), 42)
			require.NoError(t, err)
			require.Equal(t, "tenant_workspace_42", ws.TenantName)
		}()
	}
	wg.Wait()

	require.Equal(t, []string{"dash-1", "vis-1"}, fake.ObjectIDs("tenant_workspace_42"))
	role, ok := fake.Role("role_workspace_42")
	require.True(t, ok)
	require.Equal(t, []string{"?kibana_*_tenantworkspace42"}, role.IndexPermissions[0].IndexPatterns)
	m, ok := fake.Mapping("role_workspace_42")
	require.True(t, ok)
	require.Equal(t, []string{"br_workspace_42"}, m.BackendRoles)
}

func TestCopySavedObjectsUnion(t *testing.T) {
	fake := provisiontest.NewServer()
	defer fake.Close()
	fake.AddObject("src", "a", `{"id":"a"}`)
	fake.AddObject("dst", "b", `{"id":"b"}`)
	p := newProvisioner(fake)
	require.NoError(t, p.CopySavedObjects(context.Background(), "src", "dst"))
	require.Equal(t, []string{"a", "b"}, fake.ObjectIDs("dst"))
}

func TestGrantAdminKeepsExistingMapping(t *testing.T) {
	fake := provisiontest.NewServer()
	defer fake.Close()
	fake.Mappings["all_access"] = provision.RoleMapping{BackendRoles: []string{"admin"}, Users: []string{"root"}}
	p := newProvisioner(fake)
	ctx := context.Background()
	require.NoError(t, p.GrantAdmin(ctx, 5))
	require.NoError(t, p.GrantAdmin(ctx, 5))
	m, _ := fake.Mapping("all_access")
	require.Equal(t, []string{"admin", "br_admin_5"}, m.BackendRoles)
	require.Equal(t, []string{"root"}, m.Users)
}
