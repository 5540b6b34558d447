package cache

import (
	"fmt"
	"strings"
	"time"
)

// Region identifies one independently configured cache partition.
//
// The set of regions is closed; a Tiered cache only serves the regions it
// was constructed with.
type Region uint8

const (
	// RegionStatic holds reference data that rarely changes (item catalogues, app lists).
	RegionStatic Region = iota + 1

	// RegionStats holds transient statistics lookups.
	RegionStats

	// RegionProfile holds user profile lookups.
	RegionProfile

	// RegionMarket holds short-lived market quotes.
	RegionMarket

	// RegionRateLimit holds rate-limit bookkeeping.
	RegionRateLimit
)

var regionNames = map[Region]string{
	RegionStatic:    "static",
	RegionStats:     "stats",
	RegionProfile:   "profile",
	RegionMarket:    "market",
	RegionRateLimit: "ratelimit",
}

// Regions returns every defined region in declaration order.
func Regions() []Region {
	return []Region{RegionStatic, RegionStats, RegionProfile, RegionMarket, RegionRateLimit}
}

// String returns the lower-case region name used in keys, logs and metrics.
func (r Region) String() string {
	if name, ok := regionNames[r]; ok {
		return name
	}
	return fmt.Sprintf("region(%d)", uint8(r))
}

// Valid reports whether r is one of the declared regions.
func (r Region) Valid() bool {
	_, ok := regionNames[r]
	return ok
}

// ParseRegion converts a region name back into a Region.
func ParseRegion(s string) (Region, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for r, name := range regionNames {
		if name == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRegion, s)
}

// RegionConfig controls expiry and copying behavior of a single region.
type RegionConfig struct {
	// TTL is the default lifetime of entries set without an explicit TTL.
	// Zero means entries never expire.
	TTL time.Duration

	// CheckPeriod is how often the background sweeper purges expired entries.
	// Zero disables the sweeper; expired entries are then only purged on read.
	CheckPeriod time.Duration

	// CloneValues makes the region store and return copies of values that
	// implement Cloner (and of byte slices) so callers cannot mutate cached state.
	CloneValues bool

	// Persistent marks the region for the Redis second tier, when one is attached.
	Persistent bool
}

// DefaultRegions returns the stock region table.
func DefaultRegions() map[Region]RegionConfig {
	return map[Region]RegionConfig{
		RegionStatic:    {TTL: 24 * time.Hour, CheckPeriod: time.Hour, CloneValues: true},
		RegionStats:     {TTL: 10 * time.Minute, CheckPeriod: 2 * time.Minute},
		RegionProfile:   {TTL: 30 * time.Minute, CheckPeriod: 5 * time.Minute},
		RegionMarket:    {TTL: 5 * time.Minute, CheckPeriod: time.Minute, Persistent: true},
		RegionRateLimit: {TTL: time.Hour, CheckPeriod: time.Minute},
	}
}
