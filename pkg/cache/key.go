package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Key generates a deterministic cache key for a route and its query
// parameters.
//
// Example:
//
//	bungie:www.bungie.net/Platform/Destiny2/Stats/PostGameCarnageReport/123
func Key(route string, params url.Values) string {
	parts := []string{"bungie"}

	trimmed := strings.TrimPrefix(route, "https://")
	trimmed = strings.TrimPrefix(trimmed, "http://")
	trimmed = strings.Trim(trimmed, "/")
	if trimmed != "" {
		parts = append(parts, trimmed)
	}

	// Query params sorted for determinism.
	if len(params) > 0 {
		keys := make([]string, 0, len(params))
		for key := range params {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, params.Get(key)))
		}
	}

	return strings.Join(parts, ":")
}
