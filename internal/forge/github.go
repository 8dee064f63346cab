package forge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"cauldron/internal/domain"
)

const perPage = 100

// GitHub lists a user's or organisation's repositories.
type GitHub struct {
	BaseURL string
	c       client
}

func NewGitHub(baseURL string, hc *http.Client) *GitHub {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &GitHub{BaseURL: strings.TrimRight(baseURL, "/"), c: newClient(hc, 10)}
}

type githubRepo struct {
	Name  string `json:"name"`
	Fork  bool   `json:"fork"`
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
}

func (g *GitHub) ListOwner(ctx context.Context, _ string, owner, token string) ([]domain.DiscoveredSource, error) {
	auth := func(r *http.Request) {
		if token != "" {
			r.Header.Set("Authorization", "token "+token)
		}
	}
	var out []domain.DiscoveredSource
	for page := 1; ; page++ {
		u := fmt.Sprintf("%s/users/%s/repos?per_page=%d&page=%d", g.BaseURL, url.PathEscape(owner), perPage, page)
		var batch []githubRepo
		if err := g.c.getJSON(ctx, u, auth, &batch); err != nil {
			return out, err
		}
		for _, r := range batch {
			login := r.Owner.Login
			if login == "" {
				login = owner
			}
			out = append(out, domain.DiscoveredSource{Backend: domain.BackendGitHub, Owner: login, Name: r.Name, Fork: r.Fork})
		}
		if len(batch) < perPage {
			return out, nil
		}
	}
}
