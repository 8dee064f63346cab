// Package provision keeps search-cluster roles, role mappings and tenants in
// step with projects and user workspaces.
package provision

import (
	"encoding/json"
	"fmt"
	"sort"

	"cauldron/internal/domain"
)

// Sentinel is the DLS term list used when a project has no repository of a backend.
var Sentinel = []string{"0"}

// IndexField binds a backend index to the document field holding the repository URL.
type IndexField struct {
	Index string
	Field string
}

// BackendIndices is the per-backend DLS layout.
var BackendIndices = map[domain.Backend][]IndexField{
	domain.BackendGit:           {{Index: "git", Field: "repo_name"}},
	domain.BackendGitHub:        {{Index: "github", Field: "repository"}, {Index: "github2", Field: "repository"}, {Index: "github_repo", Field: "origin"}},
	domain.BackendGitLab:        {{Index: "gitlab_issues", Field: "repository"}, {Index: "gitlab_mrs", Field: "repository"}},
	domain.BackendMeetup:        {{Index: "meetup", Field: "tag"}},
	domain.BackendStackExchange: {{Index: "stackexchange", Field: "tag"}},
}

// ScrollPermissions are granted so dashboards can page through results.
var ScrollPermissions = []string{"indices:data/read/scroll", "indices:data/read/scroll/clear"}

type IndexPermission struct {
	IndexPatterns  []string `json:"index_patterns"`
	DLS            string   `json:"dls,omitempty"`
	AllowedActions []string `json:"allowed_actions"`
}

type TenantPermission struct {
	TenantPatterns []string `json:"tenant_patterns"`
	AllowedActions []string `json:"allowed_actions"`
}

// Role is the security plugin role document.
type Role struct {
	ClusterPermissions []string           `json:"cluster_permissions"`
	IndexPermissions   []IndexPermission  `json:"index_permissions"`
	TenantPermissions  []TenantPermission `json:"tenant_permissions"`
}

type RoleMapping struct {
	BackendRoles []string `json:"backend_roles"`
	Users        []string `json:"users,omitempty"`
	Hosts        []string `json:"hosts,omitempty"`
}

func ProjectRoleName(projectID int64) string { return fmt.Sprintf("role_project_%d", projectID) }

func ProjectBackendRole(projectID int64) string { return fmt.Sprintf("br_project_%d", projectID) }

func WorkspaceTenant(userID int64) string { return fmt.Sprintf("tenant_workspace_%d", userID) }

func WorkspaceRoleName(userID int64) string { return fmt.Sprintf("role_workspace_%d", userID) }

func WorkspaceBackendRole(userID int64) string { return fmt.Sprintf("br_workspace_%d", userID) }

// WorkspaceIndexPattern matches the dashboards index of the user's private tenant.
func WorkspaceIndexPattern(userID int64) string {
	return fmt.Sprintf("?kibana_*_tenantworkspace%d", userID)
}

// DLS renders the terms query restricting field to urls.
func DLS(field string, urls []string) string {
	if len(urls) == 0 {
		urls = Sentinel
	}
	q := map[string]any{"terms": map[string][]string{field: urls}}
	data, _ := json.Marshal(q)
	return string(data)
}

// ProjectRole builds the full role document for a project from the URLs of
// its analyzed repositories. Backends without URLs get the sentinel term.
func ProjectRole(urls map[domain.Backend][]string, metadataIndex string) Role {
	backends := make([]string, 0, len(BackendIndices))
	for b := range BackendIndices {
		backends = append(backends, string(b))
	}
	sort.Strings(backends)
	role := Role{ClusterPermissions: append([]string(nil), ScrollPermissions...)}
	for _, b := range backends {
		terms := append([]string(nil), urls[domain.Backend(b)]...)
		sort.Strings(terms)
		for _, ix := range BackendIndices[domain.Backend(b)] {
			role.IndexPermissions = append(role.IndexPermissions, IndexPermission{
				IndexPatterns:  []string{ix.Index},
				DLS:            DLS(ix.Field, terms),
				AllowedActions: []string{"read"},
			})
		}
	}
	role.IndexPermissions = append(role.IndexPermissions, IndexPermission{
		IndexPatterns:  []string{metadataIndex},
		AllowedActions: []string{"read"},
	})
	role.TenantPermissions = []TenantPermission{{
		TenantPatterns: []string{"global_tenant"},
		AllowedActions: []string{"kibana_all_read"},
	}}
	return role
}

// WorkspaceRole grants write on the user's private tenant index.
func WorkspaceRole(userID int64) Role {
	return Role{
		ClusterPermissions: []string{},
		IndexPermissions: []IndexPermission{{
			IndexPatterns:  []string{WorkspaceIndexPattern(userID)},
			AllowedActions: []string{"read", "write", "manage"},
		}},
		TenantPermissions: []TenantPermission{{
			TenantPatterns: []string{WorkspaceTenant(userID)},
			AllowedActions: []string{"kibana_all_write"},
		}},
	}
}
