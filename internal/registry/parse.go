// Package registry parses repository inputs into canonical identities and
// maps them onto shared repository rows.
package registry

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"cauldron/internal/domain"
	"cauldron/internal/faults"
)

// Source is a parsed repository input. OwnerOnly sources name a user or group
// whose repositories must be enumerated before any row is created.
type Source struct {
	Backend   domain.Backend
	Instance  string
	Owner     string
	Name      string
	URL       string
	OwnerOnly bool
}

// Identity is the backend-unique key of a non owner-only source. GitHub
// names are case-insensitive, so their key is lower-cased while URL keeps
// the case the user typed.
func (s Source) Identity() string {
	switch s.Backend {
	case domain.BackendGit:
		return s.URL
	case domain.BackendGitHub:
		return strings.ToLower(s.Owner + "/" + s.Name)
	case domain.BackendGitLab:
		return s.Instance + "/" + s.Owner + "/" + s.Name
	case domain.BackendMeetup:
		return s.Name
	case domain.BackendStackExchange:
		return s.Owner + ":" + s.Name
	}
	return ""
}

// Repository builds the row template for the source.
func (s Source) Repository() domain.Repository {
	return domain.Repository{
		Backend:  s.Backend,
		Instance: s.Instance,
		Identity: s.Identity(),
		URL:      s.URL,
		Owner:    s.Owner,
		Name:     s.Name,
	}
}

// Instances resolves a GitLab instance slug to its base URL.
type Instances interface {
	GitLabURL(slug string) (string, bool)
}

var (
	segmentRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	slugRe    = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	siteRe    = regexp.MustCompile(`^[a-z0-9.-]+$`)
	tagSepRe  = regexp.MustCompile(`[ ,/;]+`)
)

// Parse validates input for backend. instance selects the GitLab instance and
// is ignored elsewhere.
func Parse(backend domain.Backend, input, instance string, instances Instances) (Source, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Source{}, faults.New(faults.InputParse, "empty %s input", backend)
	}
	switch backend {
	case domain.BackendGit:
		return parseGit(input)
	case domain.BackendGitHub:
		return parseGitHub(input)
	case domain.BackendGitLab:
		return parseGitLab(input, instance, instances)
	case domain.BackendMeetup:
		return parseMeetup(input)
	case domain.BackendStackExchange:
		return parseStackExchange(input)
	}
	return Source{}, faults.New(faults.InputParse, "unsupported backend %q", backend)
}

func parseGit(input string) (Source, error) {
	u, err := url.Parse(input)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Source{}, faults.New(faults.InputParse, "invalid git url %q", input)
	}
	return Source{Backend: domain.BackendGit, URL: input}, nil
}

// splitPath turns "a/b/c" (or a URL path) into clean segments, dropping a
// trailing ".git" from the last one.
func splitPath(p string) ([]string, bool) {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil, false
	}
	parts := strings.Split(p, "/")
	last := len(parts) - 1
	parts[last] = strings.TrimSuffix(parts[last], ".git")
	for _, part := range parts {
		if !segmentRe.MatchString(part) {
			return nil, false
		}
	}
	return parts, true
}

func parseGitHub(input string) (Source, error) {
	path := input
	if strings.Contains(input, "://") {
		u, err := url.Parse(input)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
			return Source{}, faults.New(faults.InputParse, "invalid github url %q", input)
		}
		host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
		if host != "github.com" {
			return Source{}, faults.New(faults.InputParse, "%q is not a github.com url", input)
		}
		path = u.Path
	}
	parts, ok := splitPath(path)
	if !ok || len(parts) > 2 {
		return Source{}, faults.New(faults.InputParse, "invalid github input %q", input)
	}
	s := Source{Backend: domain.BackendGitHub, Owner: parts[0]}
	if len(parts) == 1 {
		s.OwnerOnly = true
		s.URL = "https://github.com/" + s.Owner
		return s, nil
	}
	s.Name = parts[1]
	s.URL = "https://github.com/" + s.Owner + "/" + s.Name
	return s, nil
}

func parseGitLab(input, instance string, instances Instances) (Source, error) {
	if instance == "" {
		instance = "gitlab"
	}
	base, ok := instances.GitLabURL(instance)
	if !ok {
		return Source{}, faults.New(faults.InputParse, "unknown gitlab instance %q", instance)
	}
	base = strings.TrimRight(base, "/")
	path := input
	if strings.Contains(input, "://") {
		u, err := url.Parse(input)
		bu, berr := url.Parse(base)
		if err != nil || berr != nil || !strings.EqualFold(u.Host, bu.Host) {
			return Source{}, faults.New(faults.InputParse, "%q is not a url of gitlab instance %s", input, instance)
		}
		path = strings.TrimPrefix(u.Path, bu.Path)
	}
	parts, ok := splitPath(path)
	if !ok {
		return Source{}, faults.New(faults.InputParse, "invalid gitlab input %q", input)
	}
	s := Source{Backend: domain.BackendGitLab, Instance: instance, Owner: parts[0]}
	if len(parts) == 1 {
		s.OwnerOnly = true
		s.URL = base + "/" + s.Owner
		return s, nil
	}
	s.Name = strings.Join(parts[1:], "/")
	s.URL = base + "/" + s.Owner + "/" + s.Name
	return s, nil
}

func parseMeetup(input string) (Source, error) {
	slug := input
	if strings.Contains(input, "://") {
		u, err := url.Parse(input)
		if err != nil || !strings.HasSuffix(strings.ToLower(u.Host), "meetup.com") {
			return Source{}, faults.New(faults.InputParse, "invalid meetup url %q", input)
		}
		slug = strings.Trim(u.Path, "/")
	}
	if !slugRe.MatchString(slug) {
		return Source{}, faults.New(faults.InputParse, "invalid meetup group %q", input)
	}
	return Source{Backend: domain.BackendMeetup, Name: slug, URL: slug}, nil
}

// parseStackExchange accepts "site:tags", tags separated by any mix of
// spaces, commas, slashes and semicolons.
func parseStackExchange(input string) (Source, error) {
	site, tags, ok := strings.Cut(input, ":")
	site = strings.ToLower(strings.TrimSpace(site))
	if !ok || !siteRe.MatchString(site) {
		return Source{}, faults.New(faults.InputParse, "stackexchange input must be site:tags, got %q", input)
	}
	norm := NormalizeTags(tags)
	if norm == "" {
		return Source{}, faults.New(faults.InputParse, "no tags in %q", input)
	}
	return Source{
		Backend: domain.BackendStackExchange,
		Owner:   site,
		Name:    norm,
		URL:     "https://" + site + "/questions/tagged/" + norm,
	}, nil
}

// NormalizeTags lowercases, de-duplicates and sorts tags, joined with ";".
func NormalizeTags(raw string) string {
	seen := map[string]bool{}
	var tags []string
	for _, t := range tagSepRe.Split(strings.TrimSpace(raw), -1) {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return strings.Join(tags, ";")
}

// Render prints a source in the canonical input form accepted by Parse.
func Render(s Source) string {
	switch s.Backend {
	case domain.BackendGit:
		return s.URL
	case domain.BackendGitHub, domain.BackendGitLab:
		if s.OwnerOnly {
			return s.Owner
		}
		return s.Owner + "/" + s.Name
	case domain.BackendMeetup:
		return s.Name
	case domain.BackendStackExchange:
		return s.Owner + ":" + s.Name
	}
	return ""
}
