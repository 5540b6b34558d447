package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Key describes a provider request so that every read path derives the same
// cache key for the same request.
type Key struct {
	// Endpoint is the provider path (e.g. "/market/priceoverview").
	Endpoint string

	// Params are the request parameters (e.g. {"appid": "730"}).
	Params url.Values

	// Scope narrows the key to one owner for per-user data. Empty for shared data.
	Scope string
}

// String generates a deterministic cache key string.
// Format: endpoint:param1=val1:param2=v2a,v2b:scope=owner
//
// Example:
//
//	market/priceoverview:appid=730:currency=1:market_hash_name=AK-47
func (k Key) String() string {
	parts := make([]string, 0, len(k.Params)+2)

	if endpoint := strings.Trim(k.Endpoint, "/"); endpoint != "" {
		parts = append(parts, endpoint)
	}

	if len(k.Params) > 0 {
		names := make([]string, 0, len(k.Params))
		for name := range k.Params {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			values := append([]string(nil), k.Params[name]...)
			sort.Strings(values)
			parts = append(parts, fmt.Sprintf("%s=%s", name, strings.Join(values, ",")))
		}
	}

	if k.Scope != "" {
		parts = append(parts, "scope="+k.Scope)
	}

	return strings.Join(parts, ":")
}

// compositeKey is the region-qualified key used by the pending-request
// registry and the Redis tier.
func compositeKey(region Region, key string) string {
	return region.String() + ":" + key
}
