package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// remoteUser is one object held by the fake directory
type remoteUser struct {
	ID                string `json:"id"`
	UserPrincipalName string `json:"userPrincipalName"`
	DisplayName       string `json:"displayName"`
	AccountEnabled    bool   `json:"accountEnabled"`
}

// fakeDirectory is an in-process stand-in for the directory API. It serves the
// token endpoint and the user lifecycle routes the client exercises, and can
// be scripted to fail a number of requests per route.
type fakeDirectory struct {
	server *httptest.Server

	mu        sync.Mutex
	users     map[string]*remoteUser // keyed by object id
	nextID    int
	failures  map[string]int // route prefix -> remaining failures
	failCode  int
	tokenHits int
}

func newFakeDirectory() *fakeDirectory {
	f := &fakeDirectory{
		users:    make(map[string]*remoteUser),
		failures: make(map[string]int),
		failCode: http.StatusServiceUnavailable,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", f.handleToken)
	mux.HandleFunc("/users", f.handleUsers)
	mux.HandleFunc("/users/", f.handleUserByID)
	mux.HandleFunc("/organization", f.handleOrganization)

	f.server = httptest.NewServer(mux)
	return f
}

func (f *fakeDirectory) Close() {
	f.server.Close()
}

func (f *fakeDirectory) URL() string {
	return f.server.URL
}

// failNext makes the next n requests matching the method+path prefix fail
func (f *fakeDirectory) failNext(routeKey string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[routeKey] = n
}

func (f *fakeDirectory) shouldFail(routeKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures[routeKey] > 0 {
		f.failures[routeKey]--
		return true
	}
	return false
}

// seed inserts a pre-existing remote object and returns its id
func (f *fakeDirectory) seed(upn, displayName string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("seeded-%d", f.nextID)
	f.users[id] = &remoteUser{
		ID:                id,
		UserPrincipalName: upn,
		DisplayName:       displayName,
		AccountEnabled:    true,
	}
	return id
}

func (f *fakeDirectory) get(id string) (remoteUser, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return remoteUser{}, false
	}
	return *u, true
}

func (f *fakeDirectory) userCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users)
}

func (f *fakeDirectory) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	f.mu.Lock()
	f.tokenHits++
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"access_token":"test-token","token_type":"Bearer","expires_in":3600}`))
}

func (f *fakeDirectory) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		f.handleCreate(w, r)
	case http.MethodGet:
		f.handleFind(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (f *fakeDirectory) handleCreate(w http.ResponseWriter, r *http.Request) {
	if f.shouldFail("POST /users") {
		writeAPIError(w, f.failCode, "ServiceUnavailable", "try again later")
		return
	}

	var payload struct {
		UserPrincipalName string `json:"userPrincipalName"`
		DisplayName       string `json:"displayName"`
		AccountEnabled    bool   `json:"accountEnabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeAPIError(w, http.StatusBadRequest, "BadRequest", "malformed body")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, u := range f.users {
		if u.UserPrincipalName == payload.UserPrincipalName {
			writeAPIError(w, http.StatusBadRequest, "ObjectConflict",
				"another object with the specified value for property userPrincipalName already exists")
			return
		}
	}

	f.nextID++
	user := &remoteUser{
		ID:                fmt.Sprintf("obj-%d", f.nextID),
		UserPrincipalName: payload.UserPrincipalName,
		DisplayName:       payload.DisplayName,
		AccountEnabled:    payload.AccountEnabled,
	}
	f.users[user.ID] = user

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(user)
}

func (f *fakeDirectory) handleFind(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("$filter")

	// The only filter the client issues is userPrincipalName eq '<upn>'
	upn := strings.TrimSuffix(strings.TrimPrefix(filter, "userPrincipalName eq '"), "'")

	f.mu.Lock()
	defer f.mu.Unlock()

	matches := []remoteUser{}
	for _, u := range f.users {
		if u.UserPrincipalName == upn {
			matches = append(matches, *u)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"value": matches})
}

func (f *fakeDirectory) handleUserByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/users/")

	routeKey := r.Method + " /users/{id}"
	if f.shouldFail(routeKey) {
		writeAPIError(w, f.failCode, "ServiceUnavailable", "try again later")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	user, ok := f.users[id]
	if !ok {
		writeAPIError(w, http.StatusNotFound, "Request_ResourceNotFound", "resource not found")
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var patch map[string]any
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeAPIError(w, http.StatusBadRequest, "BadRequest", "malformed body")
			return
		}
		if enabled, ok := patch["accountEnabled"].(bool); ok {
			user.AccountEnabled = enabled
		}
		if name, ok := patch["displayName"].(string); ok {
			user.DisplayName = name
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		delete(f.users, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (f *fakeDirectory) handleOrganization(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"value":[{"id":"org-1","displayName":"Example Corp"}]}`))
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
