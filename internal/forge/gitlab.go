package forge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"cauldron/internal/domain"
	"cauldron/internal/faults"
)

// InstanceURLs resolves a GitLab instance slug to its base URL.
type InstanceURLs interface {
	GitLabURL(slug string) (string, bool)
}

// GitLab walks a group and all of its sub-groups, or a user's projects.
// On cancellation it returns the projects collected so far.
type GitLab struct {
	Instances InstanceURLs
	c         client
}

func NewGitLab(instances InstanceURLs, hc *http.Client) *GitLab {
	return &GitLab{Instances: instances, c: newClient(hc, 10)}
}

type gitlabProject struct {
	PathWithNamespace string `json:"path_with_namespace"`
	ForkedFrom        *struct {
		ID int64 `json:"id"`
	} `json:"forked_from_project"`
}

type gitlabGroup struct {
	ID       int64  `json:"id"`
	FullPath string `json:"full_path"`
}

func (g *GitLab) ListOwner(ctx context.Context, instance, owner, token string) ([]domain.DiscoveredSource, error) {
	base, ok := g.Instances.GitLabURL(instance)
	if !ok {
		return nil, faults.New(faults.ProviderPermanent, "unknown gitlab instance %q", instance)
	}
	api := strings.TrimRight(base, "/") + "/api/v4"
	auth := func(r *http.Request) {
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
	}
	out, err := g.walkGroup(ctx, api, url.PathEscape(owner), instance, auth)
	if err == nil || len(out) > 0 {
		return out, err
	}
	if faults.KindOf(err) != faults.ProviderPermanent {
		return out, err
	}
	// Not a group; fall back to a user namespace.
	return g.listProjects(ctx, api, "users/"+url.PathEscape(owner), instance, auth, nil)
}

func (g *GitLab) walkGroup(ctx context.Context, api, root, instance string, auth func(*http.Request)) ([]domain.DiscoveredSource, error) {
	var out []domain.DiscoveredSource
	queue := []string{root}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		group := queue[0]
		queue = queue[1:]
		var err error
		out, err = g.listProjects(ctx, api, "groups/"+group, instance, auth, out)
		if err != nil {
			return out, err
		}
		for page := 1; ; page++ {
			var subs []gitlabGroup
			u := fmt.Sprintf("%s/groups/%s/subgroups?per_page=%d&page=%d", api, group, perPage, page)
			if err := g.c.getJSON(ctx, u, auth, &subs); err != nil {
				return out, err
			}
			for _, s := range subs {
				queue = append(queue, fmt.Sprint(s.ID))
			}
			if len(subs) < perPage {
				break
			}
		}
	}
	return out, nil
}

func (g *GitLab) listProjects(ctx context.Context, api, namespace, instance string, auth func(*http.Request), out []domain.DiscoveredSource) ([]domain.DiscoveredSource, error) {
	for page := 1; ; page++ {
		var batch []gitlabProject
		u := fmt.Sprintf("%s/%s/projects?per_page=%d&page=%d", api, namespace, perPage, page)
		if err := g.c.getJSON(ctx, u, auth, &batch); err != nil {
			return out, err
		}
		for _, p := range batch {
			owner, name, ok := strings.Cut(p.PathWithNamespace, "/")
			if !ok {
				continue
			}
			out = append(out, domain.DiscoveredSource{
				Backend: domain.BackendGitLab, Instance: instance, Owner: owner, Name: name, Fork: p.ForkedFrom != nil,
			})
		}
		if len(batch) < perPage {
			return out, nil
		}
	}
}
