// Package testutil provides a mock Elsevier API server for tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// Quota reported by the mock unless a response overrides it.
const (
	MockQuotaLimit = 20000
	MockQuotaReset = 7 * 24 * time.Hour
)

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockScopus is a configurable mock of api.elsevier.com.
type MockScopus struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	keys     map[string]MockResponse
	resetAt  time.Time

	// Tracking
	RequestCount      int
	PathCounts        map[string]int
	APIKeys           []string
	InstTokens        []string
	LastRequestHeader http.Header
	LastQuery         map[string][]string
}

// NewMockScopus creates and starts a mock server.
func NewMockScopus() *MockScopus {
	mock := &MockScopus{
		handlers:   make(map[string]http.HandlerFunc),
		keys:       make(map[string]MockResponse),
		resetAt:    time.Now().Add(MockQuotaReset),
		PathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-ELS-APIKey")

		mock.mu.Lock()
		mock.RequestCount++
		mock.PathCounts[r.URL.Path]++
		mock.APIKeys = append(mock.APIKeys, key)
		mock.InstTokens = append(mock.InstTokens, r.Header.Get("X-ELS-Insttoken"))
		mock.LastRequestHeader = r.Header.Clone()
		mock.LastQuery = r.URL.Query()
		remaining := MockQuotaLimit - mock.RequestCount
		keyResp, keyOverride := mock.keys[key]
		handler, exists := mock.handlers[r.URL.Path]
		resetAt := mock.resetAt
		mock.mu.Unlock()

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(MockQuotaLimit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if keyOverride {
			writeResponse(w, keyResp)
			return
		}
		if exists {
			handler(w, r)
			return
		}
		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL, usable as a session base URL.
func (m *MockScopus) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockScopus) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockScopus) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.PathCounts = make(map[string]int)
	m.APIKeys = nil
	m.InstTokens = nil
	m.LastRequestHeader = nil
	m.LastQuery = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockScopus) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockScopus) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, resp)
	})
}

// SetKeyResponse answers every request made with apiKey with resp,
// regardless of the path. Used to simulate exhausted or invalid keys.
func (m *MockScopus) SetKeyResponse(apiKey string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[apiKey] = resp
}

// SetQuotaReset changes the reset time reported in X-RateLimit-Reset.
func (m *MockScopus) SetQuotaReset(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetAt = t
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockScopus) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetPathCount returns the number of requests made for path.
func (m *MockScopus) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PathCounts[path]
}

// GetAPIKeys returns the API key of every request in order.
func (m *MockScopus) GetAPIKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.APIKeys...)
}

// GetInstTokens returns the institutional token of every request in order,
// "" where none was sent.
func (m *MockScopus) GetInstTokens() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.InstTokens...)
}

// GetLastQuery returns the query parameters of the last request.
func (m *MockScopus) GetLastQuery() map[string][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastQuery
}

// defaultHandler answers like the API does for an unknown resource.
func (m *MockScopus) defaultHandler(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, NewNotFoundResponse())
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	if _, ok := resp.Headers["Content-Type"]; !ok {
		w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewOKResponse creates a 200 response with body.
func NewOKResponse(body string) MockResponse {
	return MockResponse{StatusCode: http.StatusOK, Body: body}
}

// NewNotFoundResponse creates a 404 with the API's service-error body.
func NewNotFoundResponse() MockResponse {
	return NewServiceError(http.StatusNotFound, "RESOURCE_NOT_FOUND", "The resource specified cannot be found.")
}

// NewQuotaExceededResponse creates a 429 response.
func NewQuotaExceededResponse() MockResponse {
	resp := NewServiceError(http.StatusTooManyRequests, "QUOTA_EXCEEDED", "Quota Exceeded")
	resp.Headers = map[string]string{"X-RateLimit-Remaining": "0"}
	return resp
}

// NewUnauthorizedResponse creates a 401 response.
func NewUnauthorizedResponse() MockResponse {
	return NewServiceError(http.StatusUnauthorized, "AUTHENTICATION_ERROR", "Invalid API Key")
}

// NewServerErrorResponse creates a 500 response.
func NewServerErrorResponse() MockResponse {
	return NewServiceError(http.StatusInternalServerError, "GENERAL_SYSTEM_ERROR", "Internal server error")
}

// NewServiceError creates a response with the API's error envelope.
func NewServiceError(status int, code, text string) MockResponse {
	body, _ := json.Marshal(map[string]any{
		"service-error": map[string]any{
			"status": map[string]string{
				"statusCode": code,
				"statusText": text,
			},
		},
	})
	return MockResponse{StatusCode: status, Body: string(body)}
}

// SearchEntry builds the JSON of the i-th search entry.
type SearchEntry func(i int) map[string]any

// DefaultSearchEntry returns entries carrying only their position.
func DefaultSearchEntry(i int) map[string]any {
	return map[string]any{
		"dc:identifier": "SCOPUS_ID:" + strconv.Itoa(1000+i),
		"position":      strconv.Itoa(i),
	}
}

// NewSearchHandler serves total results in the search-results envelope,
// honoring start/count and cursor pagination. A total of 0 yields the
// API's "Result set was empty" entry.
func NewSearchHandler(total int, entry SearchEntry) http.HandlerFunc {
	if entry == nil {
		entry = DefaultSearchEntry
	}
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		count, err := strconv.Atoi(q.Get("count"))
		if err != nil || count <= 0 {
			count = 25
		}

		start := 0
		cursor := q.Get("cursor")
		switch {
		case cursor != "" && cursor != "*":
			start, _ = strconv.Atoi(cursor)
		case q.Get("start") != "":
			start, _ = strconv.Atoi(q.Get("start"))
		}

		entries := make([]map[string]any, 0, count)
		for i := start; i < total && i < start+count; i++ {
			entries = append(entries, entry(i))
		}
		if total == 0 {
			entries = append(entries, map[string]any{"@_fa": "true", "error": "Result set was empty"})
		}

		results := map[string]any{
			"opensearch:totalResults": strconv.Itoa(total),
			"opensearch:startIndex":   strconv.Itoa(start),
			"opensearch:itemsPerPage": strconv.Itoa(len(entries)),
			"opensearch:Query":        map[string]string{"@searchTerms": q.Get("query")},
			"entry":                   entries,
		}
		if cursor != "" {
			next := start + count
			results["cursor"] = map[string]string{
				"@current": cursor,
				"@next":    strconv.Itoa(next),
			}
		}

		body, _ := json.Marshal(map[string]any{"search-results": results})
		writeResponse(w, NewOKResponse(string(body)))
	}
}
