package cache

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/graph-batch-client/pkg/transport"
)

const (
	// DefaultTTL is the fallback TTL when no expires header is present
	DefaultTTL = 5 * time.Minute

	// RevalidateWindow is how long expired entries with validators stay in Redis
	// so they can be revalidated with a conditional request.
	RevalidateWindow = 1 * time.Hour
)

// ResponseToEntry converts a Graph response to a CacheEntry.
// defaultTTL applies when the response has no usable Expires header.
func ResponseToEntry(resp *transport.Response, defaultTTL time.Duration) (*CacheEntry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	entry := &CacheEntry{
		Data:       resp.Body,
		ETag:       resp.Header.Get("ETag"),
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		CachedAt:   time.Now(),
	}

	if isNoStore(resp.Header) {
		// Expires now: Manager.Set drops entries without TTL or validators.
		entry.Expires = time.Now()
		entry.ETag = ""
		return entry, nil
	}

	entry.Expires = parseExpires(resp.Header, defaultTTL)

	if lastModStr := resp.Header.Get("Last-Modified"); lastModStr != "" {
		if lastMod, err := http.ParseTime(lastModStr); err == nil {
			entry.LastModified = lastMod
		}
	}

	return entry, nil
}

func isNoStore(headers http.Header) bool {
	for _, v := range headers.Values("Cache-Control") {
		for _, directive := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(directive), "no-store") {
				return true
			}
		}
	}
	return false
}

// parseExpires parses the Expires header from HTTP headers.
// Returns the parsed expiration time, or current time + defaultTTL if absent or invalid.
func parseExpires(headers http.Header, defaultTTL time.Duration) time.Time {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}

	expiresStr := headers.Get("Expires")
	if expiresStr == "" {
		return time.Now().Add(defaultTTL)
	}

	expires, err := http.ParseTime(expiresStr)
	if err != nil {
		return time.Now().Add(defaultTTL)
	}

	if expires.Before(time.Now()) {
		return time.Now()
	}

	return expires
}

// ShouldMakeConditionalRequest determines if we should add conditional
// request headers (If-None-Match or If-Modified-Since) based on the cache entry.
func ShouldMakeConditionalRequest(entry *CacheEntry) bool {
	if entry == nil {
		return false
	}
	return entry.HasValidators()
}

// AddConditionalHeaders adds If-None-Match (ETag) or If-Modified-Since headers
// if the cache entry supports conditional requests.
func AddConditionalHeaders(header http.Header, entry *CacheEntry) {
	if entry == nil || header == nil {
		return
	}

	// Prefer ETag over Last-Modified (more accurate)
	if entry.ETag != "" {
		header.Set("If-None-Match", entry.ETag)
	} else if !entry.LastModified.IsZero() {
		header.Set("If-Modified-Since", entry.LastModified.Format(http.TimeFormat))
	}
}
