package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// CacheKey represents a unique identifier for a cached Graph page.
type CacheKey struct {
	// Endpoint is the resource path including the version (e.g. "/v1.0/users")
	Endpoint string

	// QueryParams are the OData query options (e.g. {"$top": "5"})
	QueryParams url.Values

	// Scope isolates entries per caller identity (tenant, user). Empty for shared data.
	Scope string
}

// KeyFromURL builds a cache key from an absolute or relative Graph URL.
func KeyFromURL(rawURL, scope string) (CacheKey, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return CacheKey{}, fmt.Errorf("parse url: %w", err)
	}

	return CacheKey{
		Endpoint:    u.Path,
		QueryParams: u.Query(),
		Scope:       scope,
	}, nil
}

// String generates a deterministic cache key string.
// Format: graph:endpoint:query1=val1:query2=val2:scope=tenant
//
// Example:
//   graph:v1.0/users:$select=id,displayName:$top=5:scope=contoso
func (k CacheKey) String() string {
	parts := []string{"graph"}

	// Add endpoint (normalize path)
	endpoint := strings.Trim(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	// Add query params (sorted for determinism)
	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, strings.Join(k.QueryParams[key], ",")))
		}
	}

	if k.Scope != "" {
		parts = append(parts, "scope="+k.Scope)
	}

	return strings.Join(parts, ":")
}
