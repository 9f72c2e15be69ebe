package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// RequestKey identifies a cached API response.
type RequestKey struct {
	// Method is the HTTP method (normalized to upper case)
	Method string

	// URL is the fully resolved request URL
	URL string

	// Body is the serialized request body (empty for bodiless requests)
	Body string
}

// String generates a deterministic cache key string.
// Format: METHOD:scheme://host/path:query1=val1:query2=val2:body
//
// Query parameters are sorted so that equivalent URLs share a key.
//
// Example:
//
//	GET:https://api.example.com/products:category=shoes:page=2
func (k RequestKey) String() string {
	method := strings.ToUpper(k.Method)
	if method == "" {
		method = "GET"
	}
	parts := []string{method}

	u, err := url.Parse(k.URL)
	if err != nil || len(u.RawQuery) == 0 {
		parts = append(parts, k.URL)
	} else {
		query := u.Query()
		u.RawQuery = ""
		u.Fragment = ""
		parts = append(parts, u.String())

		queryKeys := make([]string, 0, len(query))
		for key := range query {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, strings.Join(query[key], ",")))
		}
	}

	if k.Body != "" {
		parts = append(parts, k.Body)
	}

	return strings.Join(parts, ":")
}
