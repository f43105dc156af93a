// Package testutil provides testing utilities for the Graph client.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock Graph endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// BatchSubRequest is a sub-request as received by the mock $batch endpoint.
type BatchSubRequest struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// BatchSubResponse is a sub-response returned by the mock $batch endpoint.
type BatchSubResponse struct {
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

type throttleRule struct {
	remaining  int
	retryAfter string
}

// MockGraph is a configurable mock Graph server for testing. It answers
// $batch calls per sub-request and can throttle chosen URLs a number of times.
type MockGraph struct {
	server    *httptest.Server
	mu        sync.RWMutex
	handlers  map[string]func(w http.ResponseWriter, r *http.Request)
	throttles map[string]*throttleRule

	// Tracking
	RequestCount      int
	ConditionalCount  int
	BatchCount        int
	BatchRequests     [][]BatchSubRequest
	LastRequestHeader http.Header
}

// NewMockGraph creates a new mock Graph server.
func NewMockGraph() *MockGraph {
	mock := &MockGraph{
		handlers:  make(map[string]func(w http.ResponseWriter, r *http.Request)),
		throttles: make(map[string]*throttleRule),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastRequestHeader = r.Header.Clone()

		// Track conditional requests
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			mock.ConditionalCount++
		}
		mock.mu.Unlock()

		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/$batch") {
			mock.batchHandler(w, r)
			return
		}

		// Check for custom handler
		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}

		// Default handler
		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockGraph) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockGraph) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockGraph) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.ConditionalCount = 0
	m.BatchCount = 0
	m.BatchRequests = nil
	m.LastRequestHeader = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockGraph) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockGraph) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}

		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetPages serves a collection at path split into pages. Page i links to page
// i+1 through an absolute @odata.nextLink.
func (m *MockGraph) SetPages(path string, pages ...[]any) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		index := 0
		if p := r.URL.Query().Get("page"); p != "" {
			index, _ = strconv.Atoi(p)
		}
		if index < 0 || index >= len(pages) {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		page := map[string]any{"value": pages[index]}
		if index+1 < len(pages) {
			page["@odata.nextLink"] = fmt.Sprintf("%s%s?page=%d", m.server.URL, path, index+1)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(page)
	})
}

// Throttle makes the next times sub-requests for url answer 429. An empty
// retryAfter omits the Retry-After header.
func (m *MockGraph) Throttle(url string, times int, retryAfter string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.throttles[url] = &throttleRule{remaining: times, retryAfter: retryAfter}
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockGraph) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetConditionalCount returns the number of conditional requests.
func (m *MockGraph) GetConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ConditionalCount
}

// GetBatchRequests returns a copy of every $batch payload received, in order.
func (m *MockGraph) GetBatchRequests() [][]BatchSubRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]BatchSubRequest, len(m.BatchRequests))
	copy(out, m.BatchRequests)
	return out
}

// batchHandler answers each sub-request of a $batch call.
func (m *MockGraph) batchHandler(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var payload struct {
		Requests []BatchSubRequest `json:"requests"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"code": "BadRequest"}}`))
		return
	}
	if len(payload.Requests) > 20 {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"code": "BadRequest", "message": "Limit of 20 requests exceeded"}}`))
		return
	}

	m.mu.Lock()
	m.BatchCount++
	m.BatchRequests = append(m.BatchRequests, payload.Requests)
	m.mu.Unlock()

	responses := make([]BatchSubResponse, 0, len(payload.Requests))
	for _, sub := range payload.Requests {
		responses = append(responses, m.answer(sub))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"responses": responses})
}

func (m *MockGraph) answer(sub BatchSubRequest) BatchSubResponse {
	m.mu.Lock()
	rule, throttled := m.throttles[sub.URL]
	retryAfter := ""
	if throttled && rule.remaining > 0 {
		rule.remaining--
		retryAfter = rule.retryAfter
	} else {
		throttled = false
	}
	m.mu.Unlock()

	if throttled {
		resp := BatchSubResponse{
			ID:     sub.ID,
			Status: http.StatusTooManyRequests,
			Body:   json.RawMessage(`{"error":{"code":"TooManyRequests"}}`),
		}
		if retryAfter != "" {
			resp.Headers = map[string]string{"Retry-After": retryAfter}
		}
		return resp
	}

	status := http.StatusOK
	switch sub.Method {
	case http.MethodPost:
		status = http.StatusCreated
	case http.MethodDelete:
		return BatchSubResponse{ID: sub.ID, Status: http.StatusNoContent}
	}

	body, _ := json.Marshal(map[string]string{"url": sub.URL, "method": sub.Method})
	return BatchSubResponse{
		ID:      sub.ID,
		Status:  status,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}
}

// defaultHandler provides default Graph-like responses.
func (m *MockGraph) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		w.Write(body)
		return
	}

	// Handle conditional requests
	if r.Header.Get("If-None-Match") != "" {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("ETag", `W/"default-etag"`)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"id": %q}`, r.URL.Path)
}

// NewJSONResponse creates a standard 200 OK JSON response.
func NewJSONResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}

// NewThrottledResponse creates a 429 Too Many Requests response.
func NewThrottledResponse(retryAfter string) MockResponse {
	headers := map[string]string{"Content-Type": "application/json"}
	if retryAfter != "" {
		headers["Retry-After"] = retryAfter
	}
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": {"code": "TooManyRequests"}}`,
		Headers:    headers,
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": {"code": "InternalServerError"}}`,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}

// NewConditionalHandler creates a handler that responds with 304 when the
// request carries etag in If-None-Match.
func NewConditionalHandler(etag string, data string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}

		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(data))
	}
}
