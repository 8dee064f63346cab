// Package provisiontest provides an in-memory search and dashboards cluster
// for tests.
package provisiontest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"

	"cauldron/internal/provision"
)

// Server records the security plugin state and saved objects per tenant.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	Roles    map[string]provision.Role
	Mappings map[string]provision.RoleMapping
	Tenants  map[string]bool
	Objects  map[string]map[string]string
	Calls    []string
	// FailNext makes the next n requests answer 503.
	FailNext int
}

func NewServer() *Server {
	s := &Server{
		Roles:    map[string]provision.Role{},
		Mappings: map[string]provision.RoleMapping{},
		Tenants:  map[string]bool{"global_tenant": true},
		Objects:  map[string]map[string]string{"global_tenant": {}},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Cluster returns a client pointed at the fake for both APIs.
func (s *Server) Cluster() *provision.Cluster {
	return &provision.Cluster{SearchURL: s.URL, DashboardsURL: s.URL, User: "admin", Password: "admin", HTTP: s.Client()}
}

// AddObject stores a saved object in tenant.
func (s *Server) AddObject(tenant, id, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Objects[tenant] == nil {
		s.Objects[tenant] = map[string]string{}
	}
	s.Objects[tenant][id] = line
}

// ObjectIDs lists saved object ids of tenant in order.
func (s *Server) ObjectIDs(tenant string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.Objects[tenant] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Role returns a copy of the named role and whether it exists.
func (s *Server) Role(name string) (provision.Role, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.Roles[name]
	return r, ok
}

// Mapping returns the named role mapping and whether it exists.
func (s *Server) Mapping(name string) (provision.RoleMapping, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.Mappings[name]
	return m, ok
}

// CallLog returns "METHOD path" for every request received.
func (s *Server) CallLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Calls...)
}

// DLSTerms decodes the terms of the role's DLS clause on index.
func (s *Server) DLSTerms(role, index string) []string {
	r, ok := s.Role(role)
	if !ok {
		return nil
	}
	for _, ip := range r.IndexPermissions {
		if len(ip.IndexPatterns) == 1 && ip.IndexPatterns[0] == index && ip.DLS != "" {
			var q struct {
				Terms map[string][]string `json:"terms"`
			}
			if err := json.Unmarshal([]byte(ip.DLS), &q); err != nil {
				return nil
			}
			for _, terms := range q.Terms {
				return terms
			}
		}
	}
	return nil
}

const security = "/_plugins/_security/api/"

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, r.Method+" "+r.URL.Path)
	if s.FailNext > 0 {
		s.FailNext--
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	switch {
	case strings.HasPrefix(r.URL.Path, security+"roles/"):
		name := strings.TrimPrefix(r.URL.Path, security+"roles/")
		switch r.Method {
		case http.MethodPut:
			var role provision.Role
			if err := json.NewDecoder(r.Body).Decode(&role); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			s.Roles[name] = role
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			if _, ok := s.Roles[name]; !ok {
				http.NotFound(w, r)
				return
			}
			delete(s.Roles, name)
		}
	case strings.HasPrefix(r.URL.Path, security+"rolesmapping/"):
		name := strings.TrimPrefix(r.URL.Path, security+"rolesmapping/")
		switch r.Method {
		case http.MethodGet:
			m, ok := s.Mappings[name]
			if !ok {
				http.NotFound(w, r)
				return
			}
			json.NewEncoder(w).Encode(map[string]provision.RoleMapping{name: m})
		case http.MethodPut:
			var m provision.RoleMapping
			if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			s.Mappings[name] = m
		case http.MethodDelete:
			if _, ok := s.Mappings[name]; !ok {
				http.NotFound(w, r)
				return
			}
			delete(s.Mappings, name)
		}
	case strings.HasPrefix(r.URL.Path, security+"tenants/"):
		name := strings.TrimPrefix(r.URL.Path, security+"tenants/")
		switch r.Method {
		case http.MethodPut:
			s.Tenants[name] = true
			if s.Objects[name] == nil {
				s.Objects[name] = map[string]string{}
			}
		case http.MethodDelete:
			delete(s.Tenants, name)
		}
	case r.URL.Path == "/api/saved_objects/_export":
		tenant := r.Header.Get("securitytenant")
		var ids []string
		for id := range s.Objects[tenant] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			io.WriteString(w, s.Objects[tenant][id]+"\n")
		}
	case r.URL.Path == "/api/saved_objects/_import":
		tenant := r.Header.Get("securitytenant")
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if s.Objects[tenant] == nil {
			s.Objects[tenant] = map[string]string{}
		}
		for _, line := range bytes.Split(data, []byte("\n")) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			var obj struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(line, &obj); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			s.Objects[tenant][obj.ID] = string(line)
		}
		w.Write([]byte(`{"success":true}`))
	default:
		http.NotFound(w, r)
	}
}
