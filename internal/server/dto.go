package server

import (
	"encoding/json"
	"time"

	"cauldron/internal/domain"
	"cauldron/internal/engine"
)

type CreateProjectRequest struct {
	Name string `json:"name" minLength:"1" maxLength:"32"`
}

type AutorefreshRequest struct {
	Enabled bool `json:"enabled"`
}

type AddRepoRequest struct {
	Backend      domain.Backend `json:"backend" enum:"git,github,gitlab,meetup,stackexchange"`
	Input        string         `json:"input" minLength:"1"`
	Instance     string         `json:"instance,omitempty"`
	IncludeForks bool           `json:"include_forks,omitempty"`
}

type CreateBannerRequest struct {
	Message string `json:"message"`
	Color   string `json:"color,omitempty"`
}

type AddTokenRequest struct {
	Backend       string `json:"backend"`
	Secret        string `json:"secret" minLength:"1"`
	RefreshSecret string `json:"refresh_secret,omitempty"`
}

type LinkIdentityRequest struct {
	SessionUserID  int64  `json:"session_user_id,omitempty" doc:"logged-in user; zero on a first login"`
	Backend        string `json:"backend"`
	ProviderUserID string `json:"provider_user_id" minLength:"1"`
	Username       string `json:"username" minLength:"1"`
	Secret         string `json:"secret,omitempty"`
	RefreshSecret  string `json:"refresh_secret,omitempty"`
}

type CreateUserRequest struct {
	Username string `json:"username" minLength:"1"`
	Admin    bool   `json:"admin,omitempty"`
}

type MergeRequest struct {
	Source int64 `json:"source"`
	Target int64 `json:"target"`
}

type LeaseRequest struct {
	WorkerID string        `json:"worker_id" minLength:"1"`
	Kinds    []domain.Kind `json:"kinds,omitempty"`
}

type LeaseResponse struct {
	Lease *domain.Lease `json:"lease,omitempty"`
}

type HeartbeatRequest struct {
	WorkerID string `json:"worker_id" minLength:"1"`
}

type CompleteRequest struct {
	WorkerID string        `json:"worker_id" minLength:"1"`
	Report   domain.Report `json:"report"`
}

type RateLimitRequest struct {
	TokenID int64     `json:"token_id"`
	Until   time.Time `json:"until" format:"date-time"`
}

type FeaturesResponse struct {
	LimitedAccess  bool     `json:"limited_access"`
	IdentityMerger bool     `json:"identity_merger"`
	AutoRefresh    bool     `json:"auto_refresh"`
	Pricing        bool     `json:"pricing"`
	Analytics      bool     `json:"analytics"`
	GitLab         []string `json:"gitlab_instances"`
}

type BannerResponse struct {
	ID        int64     `json:"id"`
	Message   string    `json:"message"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  int64          `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	UserID     int64          `json:"user_id"`
	Payload    map[string]any `json:"payload"`
}

type ProjectDetail struct {
	domain.Project
	Repositories []domain.Repository `json:"repositories"`
}

type MeResponse struct {
	User       domain.User       `json:"user"`
	Identities []domain.Identity `json:"identities"`
	Tokens     []domain.Token    `json:"tokens"`
}

type paginatedIntentions struct {
	Items []engine.IntentionView `json:"items"`
}

type paginatedArchive struct {
	Items []domain.ArchivedIntention `json:"items"`
}

func featuresResponse(e engine.Engine) FeaturesResponse {
	if e.Config == nil {
		return FeaturesResponse{GitLab: []string{}}
	}
	f := e.Config.Features
	resp := FeaturesResponse{
		LimitedAccess:  f.LimitedAccess,
		IdentityMerger: f.IdentityMerger,
		AutoRefresh:    f.AutoRefresh,
		Pricing:        f.Pricing,
		Analytics:      f.Analytics,
		GitLab:         []string{},
	}
	for _, inst := range e.Config.GitLabInstances {
		resp.GitLab = append(resp.GitLab, inst.Slug)
	}
	return resp
}

func mapBanners(items []domain.BannerMessage) []BannerResponse {
	out := make([]BannerResponse, 0, len(items))
	for _, b := range items {
		out = append(out, BannerResponse(b))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		UserID:     e.UserID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
