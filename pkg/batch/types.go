package batch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// MaxChunkSize is the number of sub-requests Graph accepts in one $batch call.
const MaxChunkSize = 20

// Request is a caller-supplied sub-request.
type Request struct {
	// Method is one of GET, POST, PUT, PATCH, DELETE.
	Method string

	// URL is the resource path relative to the endpoint version (e.g. "/me/messages").
	URL string

	// Body is sent as JSON. Strings and byte slices holding valid JSON are sent verbatim,
	// other strings become JSON strings, anything else is JSON-encoded.
	Body any

	// Headers are optional per-request headers.
	Headers map[string]string
}

// SubRequest is a request placed into a chunk. ID is chunk-local and must not be
// used to identify a request outside its chunk.
type SubRequest struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	position int
}

// SubResponse is one entry of a composite $batch response.
type SubResponse struct {
	ID      string          `json:"id"`
	Status  int             `json:"status"`
	Headers Headers         `json:"headers,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// ResponseRecord is the caller-facing result for one sub-request, keyed by its URL.
type ResponseRecord struct {
	URL     string
	Status  int
	Headers Headers
	Body    json.RawMessage
}

// Headers holds sub-response headers. Graph sends header values as strings but
// numeric values are tolerated.
type Headers map[string]string

// Get returns the value of a header using case-insensitive name matching.
func (h Headers) Get(name string) (string, bool) {
	if v, ok := h[name]; ok {
		return v, true
	}
	for key, v := range h {
		if strings.EqualFold(key, name) {
			return v, true
		}
	}
	return "", false
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *Headers) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*h = nil
		return nil
	}

	out := make(Headers, len(raw))
	for key, v := range raw {
		switch val := v.(type) {
		case string:
			out[key] = val
		case float64:
			out[key] = strconv.FormatFloat(val, 'f', -1, 64)
		case nil:
			out[key] = ""
		default:
			out[key] = fmt.Sprint(val)
		}
	}
	*h = out
	return nil
}

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// NewSubRequests validates and encodes caller requests. IDs are left empty until
// the requests are placed into chunks.
func NewSubRequests(requests []Request) ([]SubRequest, error) {
	subs := make([]SubRequest, 0, len(requests))
	for i, req := range requests {
		method := strings.ToUpper(req.Method)
		if !allowedMethods[method] {
			return nil, fmt.Errorf("%w: %q (request %d, %s)", ErrInvalidMethod, req.Method, i, req.URL)
		}

		body, err := EncodeBody(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode body of request %d (%s): %w", i, req.URL, err)
		}

		headers := req.Headers
		if body != nil && !hasHeader(headers, "Content-Type") {
			headers = make(map[string]string, len(req.Headers)+1)
			for k, v := range req.Headers {
				headers[k] = v
			}
			headers["Content-Type"] = "application/json"
		}

		subs = append(subs, SubRequest{
			Method:   method,
			URL:      req.URL,
			Body:     body,
			Headers:  headers,
			position: i,
		})
	}
	return subs, nil
}

// EncodeBody converts a request body into its JSON wire form. A nil body stays nil.
func EncodeBody(body any) (json.RawMessage, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return encodeText(b)
	case string:
		return encodeText([]byte(b))
	default:
		return json.Marshal(b)
	}
}

func encodeText(b []byte) (json.RawMessage, error) {
	if trimmed := bytes.TrimSpace(b); len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(trimmed), nil
	}
	return json.Marshal(string(b))
}

func hasHeader(headers map[string]string, name string) bool {
	for key := range headers {
		if strings.EqualFold(key, name) {
			return true
		}
	}
	return false
}
