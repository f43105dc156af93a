package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/graph-batch-client/pkg/transport"
)

// fakeGraph answers $batch payloads in memory and records every dispatch.
type fakeGraph struct {
	mu         sync.Mutex
	dispatches [][]SubRequest
	raw        []map[string]string // id -> raw sub-request JSON, per dispatch
	urls       []string
	respond    func(dispatch int, req SubRequest) SubResponse
	fail       func(dispatch int) *transport.Response
}

func (f *fakeGraph) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dispatch := len(f.dispatches)
	f.urls = append(f.urls, req.URL)

	var payload batchPayload
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		return nil, err
	}
	var rawPayload struct {
		Requests []json.RawMessage `json:"requests"`
	}
	if err := json.Unmarshal(req.Body, &rawPayload); err != nil {
		return nil, err
	}

	raw := make(map[string]string, len(payload.Requests))
	for i, r := range payload.Requests {
		raw[r.ID] = string(rawPayload.Requests[i])
	}
	f.dispatches = append(f.dispatches, payload.Requests)
	f.raw = append(f.raw, raw)

	if f.fail != nil {
		if resp := f.fail(dispatch); resp != nil {
			return resp, nil
		}
	}

	result := batchResult{}
	for _, r := range payload.Requests {
		if f.respond != nil {
			result.Responses = append(result.Responses, f.respond(dispatch, r))
			continue
		}
		result.Responses = append(result.Responses, okResponse(r))
	}

	body, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &transport.Response{StatusCode: http.StatusOK, Body: body}, nil
}

func (f *fakeGraph) dispatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatches)
}

func okResponse(r SubRequest) SubResponse {
	body, _ := json.Marshal(map[string]string{"url": r.URL})
	return SubResponse{ID: r.ID, Status: http.StatusOK, Body: body}
}

func throttledResponse(r SubRequest, retryAfter string) SubResponse {
	headers := Headers{}
	if retryAfter != "" {
		headers["Retry-After"] = retryAfter
	}
	return SubResponse{ID: r.ID, Status: http.StatusTooManyRequests, Headers: headers}
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return nil
}

func makeRequests(n int) []Request {
	reqs := make([]Request, n)
	for i := range reqs {
		reqs[i] = Request{Method: http.MethodGet, URL: fmt.Sprintf("/users/%d", i+1)}
	}
	return reqs
}

func newTestExecutor(t *testing.T, f *fakeGraph, mutate func(*Config)) (*Executor, *sleepRecorder) {
	t.Helper()

	rec := &sleepRecorder{}
	cfg := DefaultConfig("https://graph.test")
	cfg.Sleep = rec.sleep
	if mutate != nil {
		mutate(&cfg)
	}

	x, err := New(f, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return x, rec
}

func assertOneRecordPerURL(t *testing.T, records []ResponseRecord, reqs []Request) {
	t.Helper()

	if len(records) != len(reqs) {
		t.Fatalf("got %d records, want %d", len(records), len(reqs))
	}
	seen := make(map[string]int)
	for _, r := range records {
		seen[r.URL]++
	}
	for _, req := range reqs {
		if seen[req.URL] != 1 {
			t.Errorf("URL %s has %d records, want 1", req.URL, seen[req.URL])
		}
	}
}

func TestNew_Validation(t *testing.T) {
	f := &fakeGraph{}
	tests := []struct {
		name     string
		t        transport.Transport
		config   Config
		errorMsg string
	}{
		{name: "valid", t: f, config: DefaultConfig("https://graph.test")},
		{name: "nil transport", config: DefaultConfig("https://graph.test"), errorMsg: "transport is required"},
		{name: "no base url", t: f, config: Config{}, errorMsg: "base url is required"},
		{
			name:     "chunk too large",
			t:        f,
			config:   Config{BaseURL: "https://graph.test", ChunkSize: 21},
			errorMsg: "chunk_size must be between 1 and 20 (got 21)",
		},
		{
			name:     "negative retries",
			t:        f,
			config:   Config{BaseURL: "https://graph.test", MaxThrottleRetries: -1},
			errorMsg: "max_throttle_retries must be >= 0 (got -1)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.t, tt.config)
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
				return
			}
			if err == nil || err.Error() != tt.errorMsg {
				t.Errorf("Error = %v, want %q", err, tt.errorMsg)
			}
		})
	}
}

func TestExecute_Empty(t *testing.T) {
	f := &fakeGraph{}
	x, _ := newTestExecutor(t, f, nil)

	records, err := x.Execute(context.Background(), "v1.0", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("got %d records, want 0", len(records))
	}
	if f.dispatchCount() != 0 {
		t.Errorf("got %d dispatches, want 0", f.dispatchCount())
	}
}

func TestExecute_Chunking(t *testing.T) {
	f := &fakeGraph{}
	x, _ := newTestExecutor(t, f, nil)
	reqs := makeRequests(45)

	records, err := x.Execute(context.Background(), "v1.0", reqs)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	assertOneRecordPerURL(t, records, reqs)

	wantSizes := []int{20, 20, 5}
	if len(f.dispatches) != len(wantSizes) {
		t.Fatalf("got %d dispatches, want %d", len(f.dispatches), len(wantSizes))
	}
	for i, want := range wantSizes {
		if got := len(f.dispatches[i]); got != want {
			t.Errorf("dispatch %d size = %d, want %d", i, got, want)
		}
		for j, r := range f.dispatches[i] {
			if r.ID != fmt.Sprintf("%d", j+1) {
				t.Errorf("dispatch %d request %d id = %q, want %d", i, j, r.ID, j+1)
			}
		}
		if f.urls[i] != "https://graph.test/v1.0/$batch" {
			t.Errorf("dispatch %d url = %q", i, f.urls[i])
		}
	}
}

func TestExecute_CorrelationByID(t *testing.T) {
	// The server answers out of order; records must still map id "k" to the k-th URL.
	f := &fakeGraph{}
	f.respond = func(dispatch int, r SubRequest) SubResponse { return okResponse(r) }
	reversing := transport.TransportFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		resp, err := f.Do(ctx, req)
		if err != nil {
			return nil, err
		}
		var result batchResult
		_ = json.Unmarshal(resp.Body, &result)
		for i, j := 0, len(result.Responses)-1; i < j; i, j = i+1, j-1 {
			result.Responses[i], result.Responses[j] = result.Responses[j], result.Responses[i]
		}
		resp.Body, _ = json.Marshal(result)
		return resp, nil
	})

	x, err := New(reversing, DefaultConfig("https://graph.test"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	reqs := makeRequests(7)
	records, err := x.Execute(context.Background(), "beta", reqs)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	assertOneRecordPerURL(t, records, reqs)
	for _, r := range records {
		var body map[string]string
		if err := json.Unmarshal(r.Body, &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["url"] != r.URL {
			t.Errorf("record URL %q carries body for %q", r.URL, body["url"])
		}
	}
	if records[0].URL != "/users/7" {
		t.Errorf("first record = %q, want resolution order (/users/7)", records[0].URL)
	}
}

func TestExecute_ThrottleConvergence(t *testing.T) {
	f := &fakeGraph{
		respond: func(dispatch int, r SubRequest) SubResponse {
			if dispatch == 0 && (r.ID == "2" || r.ID == "5") {
				return throttledResponse(r, "3")
			}
			return okResponse(r)
		},
	}
	x, rec := newTestExecutor(t, f, nil)
	reqs := makeRequests(6)

	records, err := x.Execute(context.Background(), "v1.0", reqs)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	assertOneRecordPerURL(t, records, reqs)
	for _, r := range records {
		if r.Status != http.StatusOK {
			t.Errorf("record %s status = %d, want 200", r.URL, r.Status)
		}
	}

	if len(f.dispatches) != 2 {
		t.Fatalf("got %d dispatches, want 2", len(f.dispatches))
	}
	retry := f.dispatches[1]
	if len(retry) != 2 || retry[0].ID != "2" || retry[1].ID != "5" {
		t.Errorf("retry dispatch = %+v, want ids 2 and 5", retry)
	}
	if retry[0].URL != "/users/2" || retry[1].URL != "/users/5" {
		t.Errorf("retry urls = %s, %s", retry[0].URL, retry[1].URL)
	}

	if len(rec.waits) != 1 || rec.waits[0] < 3*time.Second {
		t.Errorf("waits = %v, want one wait >= 3s", rec.waits)
	}

	// Settled records of the first round come before the retried ones.
	if records[4].URL != "/users/2" || records[5].URL != "/users/5" {
		t.Errorf("retried records not appended last: %s, %s", records[4].URL, records[5].URL)
	}
}

func TestExecute_RetryIsByteIdentical(t *testing.T) {
	f := &fakeGraph{
		respond: func(dispatch int, r SubRequest) SubResponse {
			if dispatch == 0 && r.ID == "1" {
				return throttledResponse(r, "")
			}
			return okResponse(r)
		},
	}
	x, _ := newTestExecutor(t, f, nil)

	reqs := []Request{
		{Method: http.MethodPatch, URL: "/groups/1", Body: map[string]any{"displayName": "Team", "visibility": "Private"}},
		{Method: http.MethodDelete, URL: "/groups/2"},
	}
	if _, err := x.Execute(context.Background(), "v1.0", reqs); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if len(f.raw) != 2 {
		t.Fatalf("got %d dispatches, want 2", len(f.raw))
	}
	if f.raw[0]["1"] != f.raw[1]["1"] {
		t.Errorf("retry payload differs:\nfirst: %s\nretry: %s", f.raw[0]["1"], f.raw[1]["1"])
	}
	if !strings.Contains(f.raw[0]["1"], `"body":{"displayName":"Team","visibility":"Private"}`) {
		t.Errorf("unexpected body encoding: %s", f.raw[0]["1"])
	}
}

func TestExecute_TransportErrorAbortsBatch(t *testing.T) {
	f := &fakeGraph{
		fail: func(dispatch int) *transport.Response {
			if dispatch == 1 {
				return &transport.Response{StatusCode: http.StatusServiceUnavailable, Body: []byte("down")}
			}
			return nil
		},
	}
	x, rec := newTestExecutor(t, f, nil)

	records, err := x.Execute(context.Background(), "v1.0", makeRequests(30))
	if err == nil {
		t.Fatal("Expected error")
	}

	var terr *transport.Error
	if !errors.As(err, &terr) {
		t.Fatalf("Expected *transport.Error, got %T: %v", err, err)
	}
	if terr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want 503", terr.StatusCode)
	}
	if len(records) != 20 {
		t.Errorf("got %d records from completed chunks, want 20", len(records))
	}
	if f.dispatchCount() != 2 {
		t.Errorf("got %d dispatches, want 2 (no retry on transport errors)", f.dispatchCount())
	}
	if len(rec.waits) != 0 {
		t.Errorf("unexpected waits: %v", rec.waits)
	}
}

func TestExecute_MalformedResponse(t *testing.T) {
	tests := []struct {
		name string
		resp *transport.Response
	}{
		{name: "truncated body", resp: &transport.Response{StatusCode: http.StatusOK, Body: []byte(`{"responses": [`)}},
		{name: "no response", resp: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := transport.TransportFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
				return tt.resp, nil
			})
			x, err := New(tr, DefaultConfig("https://graph.test"))
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}

			_, err = x.Execute(context.Background(), "v1.0", makeRequests(1))
			if !errors.Is(err, transport.ErrMalformedPayload) {
				t.Errorf("Expected ErrMalformedPayload, got %v", err)
			}
		})
	}
}

func TestExecute_CorrelationMismatch(t *testing.T) {
	tests := []struct {
		name    string
		respond func(dispatch int, r SubRequest) SubResponse
		reason  string
	}{
		{
			name: "unknown id",
			respond: func(dispatch int, r SubRequest) SubResponse {
				resp := okResponse(r)
				if r.ID == "2" {
					resp.ID = "99"
				}
				return resp
			},
			reason: "response for unknown request",
		},
		{
			name: "duplicate id",
			respond: func(dispatch int, r SubRequest) SubResponse {
				resp := okResponse(r)
				resp.ID = "1"
				return resp
			},
			reason: "duplicate response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeGraph{respond: tt.respond}
			x, _ := newTestExecutor(t, f, nil)

			_, err := x.Execute(context.Background(), "v1.0", makeRequests(3))
			if !errors.Is(err, ErrCorrelationMismatch) {
				t.Fatalf("Expected ErrCorrelationMismatch, got %v", err)
			}
			var cerr *CorrelationError
			if !errors.As(err, &cerr) || cerr.Reason != tt.reason {
				t.Errorf("CorrelationError = %+v, want reason %q", cerr, tt.reason)
			}
		})
	}
}

func TestExecute_MissingResponse(t *testing.T) {
	tr := transport.TransportFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		return &transport.Response{
			StatusCode: http.StatusOK,
			Body:       []byte(`{"responses":[{"id":"1","status":200,"body":{}}]}`),
		}, nil
	})
	x, err := New(tr, DefaultConfig("https://graph.test"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = x.Execute(context.Background(), "v1.0", makeRequests(2))
	var cerr *CorrelationError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected *CorrelationError, got %v", err)
	}
	if cerr.ID != "2" || cerr.Reason != "missing response" {
		t.Errorf("CorrelationError = %+v", cerr)
	}
}

func TestExecute_MaxThrottleRetries(t *testing.T) {
	f := &fakeGraph{
		respond: func(dispatch int, r SubRequest) SubResponse {
			return throttledResponse(r, "1")
		},
	}
	x, rec := newTestExecutor(t, f, func(c *Config) { c.MaxThrottleRetries = 2 })

	_, err := x.Execute(context.Background(), "v1.0", makeRequests(2))
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Expected ErrRetryExhausted, got %v", err)
	}
	if f.dispatchCount() != 3 {
		t.Errorf("got %d dispatches, want 3 (initial + 2 retries)", f.dispatchCount())
	}
	if len(rec.waits) != 2 {
		t.Errorf("got %d waits, want 2", len(rec.waits))
	}
}

func TestExecute_ContextCancelledDuringWait(t *testing.T) {
	f := &fakeGraph{
		respond: func(dispatch int, r SubRequest) SubResponse {
			return throttledResponse(r, "10")
		},
	}
	x, err := New(f, DefaultConfig("https://graph.test"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = x.Execute(ctx, "v1.0", makeRequests(1))
	if !errors.Is(err, ErrContextCancelled) {
		t.Fatalf("Expected ErrContextCancelled, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected error to wrap context.DeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took %v", elapsed)
	}
	if f.dispatchCount() != 1 {
		t.Errorf("got %d dispatches, want 1", f.dispatchCount())
	}
}

func TestExecute_PreserveOrder(t *testing.T) {
	f := &fakeGraph{
		respond: func(dispatch int, r SubRequest) SubResponse {
			if dispatch == 0 && r.ID == "1" {
				return throttledResponse(r, "")
			}
			return okResponse(r)
		},
	}
	x, _ := newTestExecutor(t, f, func(c *Config) { c.PreserveOrder = true })
	reqs := makeRequests(4)

	records, err := x.Execute(context.Background(), "v1.0", reqs)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	for i, r := range records {
		if r.URL != reqs[i].URL {
			t.Errorf("record %d = %s, want %s", i, r.URL, reqs[i].URL)
		}
	}
}

func TestExecute_InvalidMethod(t *testing.T) {
	f := &fakeGraph{}
	x, _ := newTestExecutor(t, f, nil)

	_, err := x.Execute(context.Background(), "v1.0", []Request{
		{Method: "get", URL: "/me"},
		{Method: "HEAD", URL: "/me"},
	})
	if !errors.Is(err, ErrInvalidMethod) {
		t.Fatalf("Expected ErrInvalidMethod, got %v", err)
	}
	if f.dispatchCount() != 0 {
		t.Errorf("got %d dispatches, want 0", f.dispatchCount())
	}
}

type fakeCooldown struct {
	remaining time.Duration
	recorded  []time.Duration
}

func (c *fakeCooldown) Remaining(ctx context.Context) (time.Duration, error) {
	r := c.remaining
	c.remaining = 0
	return r, nil
}

func (c *fakeCooldown) Record(ctx context.Context, wait time.Duration) error {
	c.recorded = append(c.recorded, wait)
	return nil
}

func TestExecute_SharedCooldown(t *testing.T) {
	f := &fakeGraph{
		respond: func(dispatch int, r SubRequest) SubResponse {
			if dispatch == 0 {
				return throttledResponse(r, "")
			}
			return okResponse(r)
		},
	}
	cd := &fakeCooldown{remaining: 2 * time.Second}
	x, rec := newTestExecutor(t, f, func(c *Config) { c.Cooldown = cd })

	if _, err := x.Execute(context.Background(), "v1.0", makeRequests(2)); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	want := []time.Duration{2 * time.Second, 1400 * time.Millisecond}
	if len(rec.waits) != len(want) {
		t.Fatalf("waits = %v, want %v", rec.waits, want)
	}
	for i := range want {
		if rec.waits[i] != want[i] {
			t.Errorf("wait %d = %v, want %v", i, rec.waits[i], want[i])
		}
	}
	if len(cd.recorded) != 1 || cd.recorded[0] != 1400*time.Millisecond {
		t.Errorf("recorded = %v, want [1.4s]", cd.recorded)
	}
}
