package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cauldron/internal/faults"
)

const securityAPI = "/_plugins/_security/api"

// StatusError is a non-2xx answer from the search or dashboards cluster.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.Status, strings.TrimSpace(e.Body))
}

// Cluster talks to the security plugin of the search cluster and the saved
// objects API of the dashboards server with admin credentials.
type Cluster struct {
	SearchURL     string
	DashboardsURL string
	User          string
	Password      string
	HTTP          *http.Client
}

func (c *Cluster) client() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (c *Cluster) do(ctx context.Context, method, rawURL string, header http.Header, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.SetBasicAuth(c.User, c.Password)
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return data, &StatusError{Method: method, URL: rawURL, Status: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

func (c *Cluster) security(ctx context.Context, method, path string, v any) ([]byte, error) {
	var body io.Reader
	h := http.Header{}
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
		h.Set("Content-Type", "application/json")
	}
	return c.do(ctx, method, strings.TrimRight(c.SearchURL, "/")+securityAPI+path, h, body)
}

// deleteIgnoringMissing treats 404 as success so deletes converge.
func (c *Cluster) deleteIgnoringMissing(ctx context.Context, path string) error {
	_, err := c.security(ctx, http.MethodDelete, path, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

func (c *Cluster) PutRole(ctx context.Context, name string, role Role) error {
	_, err := c.security(ctx, http.MethodPut, "/roles/"+url.PathEscape(name), role)
	return err
}

func (c *Cluster) DeleteRole(ctx context.Context, name string) error {
	return c.deleteIgnoringMissing(ctx, "/roles/"+url.PathEscape(name))
}

func (c *Cluster) PutRoleMapping(ctx context.Context, role string, m RoleMapping) error {
	_, err := c.security(ctx, http.MethodPut, "/rolesmapping/"+url.PathEscape(role), m)
	return err
}

func (c *Cluster) DeleteRoleMapping(ctx context.Context, role string) error {
	return c.deleteIgnoringMissing(ctx, "/rolesmapping/"+url.PathEscape(role))
}

// GetRoleMapping returns the mapping of role; a missing mapping is empty.
func (c *Cluster) GetRoleMapping(ctx context.Context, role string) (RoleMapping, error) {
	data, err := c.security(ctx, http.MethodGet, "/rolesmapping/"+url.PathEscape(role), nil)
	if IsNotFound(err) {
		return RoleMapping{}, nil
	}
	if err != nil {
		return RoleMapping{}, err
	}
	var resp map[string]RoleMapping
	if err := json.Unmarshal(data, &resp); err != nil {
		return RoleMapping{}, err
	}
	return resp[role], nil
}

func (c *Cluster) PutTenant(ctx context.Context, name, description string) error {
	_, err := c.security(ctx, http.MethodPut, "/tenants/"+url.PathEscape(name), map[string]string{"description": description})
	return err
}

func (c *Cluster) DeleteTenant(ctx context.Context, name string) error {
	return c.deleteIgnoringMissing(ctx, "/tenants/"+url.PathEscape(name))
}

// SavedObjectTypes are exported when seeding or copying a tenant.
var SavedObjectTypes = []string{"config", "index-pattern", "visualization", "dashboard", "search", "url"}

func dashboardsHeader(tenant string) http.Header {
	h := http.Header{}
	h.Set("osd-xsrf", "true")
	h.Set("kbn-xsrf", "true")
	h.Set("securitytenant", tenant)
	return h
}

// ExportSavedObjects returns the tenant's saved objects as ndjson.
func (c *Cluster) ExportSavedObjects(ctx context.Context, tenant string) ([]byte, error) {
	body, err := json.Marshal(map[string]any{"type": SavedObjectTypes, "includeReferencesDeep": true, "excludeExportDetails": true})
	if err != nil {
		return nil, err
	}
	h := dashboardsHeader(tenant)
	h.Set("Content-Type", "application/json")
	return c.do(ctx, http.MethodPost, strings.TrimRight(c.DashboardsURL, "/")+"/api/saved_objects/_export", h, bytes.NewReader(body))
}

// ImportSavedObjects uploads ndjson into tenant, overwriting objects with equal ids.
func (c *Cluster) ImportSavedObjects(ctx context.Context, tenant string, ndjson []byte) error {
	if len(bytes.TrimSpace(ndjson)) == 0 {
		return nil
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "export.ndjson")
	if err != nil {
		return err
	}
	if _, err := part.Write(ndjson); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	h := dashboardsHeader(tenant)
	h.Set("Content-Type", mw.FormDataContentType())
	_, err = c.do(ctx, http.MethodPost, strings.TrimRight(c.DashboardsURL, "/")+"/api/saved_objects/_import?overwrite=true", h, &buf)
	return err
}

// asProvisionerFailure wraps a final error with its kind.
func asProvisionerFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	return faults.Wrap(faults.ProvisionerFailure, err, "%s", op)
}
