package cache

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrUnknownRegion is returned by mutating operations on a region the cache
// was not constructed with.
var ErrUnknownRegion = errors.New("unknown cache region")

// Config configures a Tiered cache.
type Config struct {
	// Regions is the closed region table. Nil means DefaultRegions().
	Regions map[Region]RegionConfig

	// Logger receives debug output. Zero value means the global logger
	// with component=cache.
	Logger *zerolog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Tiered is an in-memory cache partitioned into independently configured regions.
//
// Each region has its own lock, hit/miss counters and expiry sweeper. The
// region table is fixed at construction.
type Tiered struct {
	regions map[Region]*regionStore
	logger  zerolog.Logger
	now     func() time.Time

	sets atomic.Uint64

	// l2 is the Redis tier attached by NewPopulator. Removals in persistent
	// regions are mirrored there so a later population cannot revive them.
	l2 atomic.Pointer[RedisTier]

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type regionStore struct {
	region Region
	cfg    RegionConfig

	mu      sync.Mutex
	entries map[string]*Entry

	hits   atomic.Uint64
	misses atomic.Uint64
}

// RegionCounters holds counters for one region.
type RegionCounters struct {
	Keys   int    `json:"keys"`
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

// GlobalStats aggregates counters across all regions.
type GlobalStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Sets   uint64 `json:"sets"`
}

// Stats is a snapshot returned by Tiered.Stats.
type Stats struct {
	Regions map[string]RegionCounters `json:"regions"`
	Global  GlobalStats               `json:"global"`
}

// New creates a Tiered cache and starts one sweeper per region with a
// positive CheckPeriod. Call Close to stop the sweepers.
func New(cfg Config) (*Tiered, error) {
	regions := cfg.Regions
	if regions == nil {
		regions = DefaultRegions()
	}

	logger := log.With().Str("component", "cache").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	t := &Tiered{
		regions: make(map[Region]*regionStore, len(regions)),
		logger:  logger,
		now:     now,
		stop:    make(chan struct{}),
	}

	for r, rc := range regions {
		if !r.Valid() {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRegion, r)
		}
		if rc.TTL < 0 || rc.CheckPeriod < 0 {
			return nil, fmt.Errorf("region %s: negative TTL or check period", r)
		}
		t.regions[r] = &regionStore{
			region:  r,
			cfg:     rc,
			entries: make(map[string]*Entry),
		}
	}

	for _, rs := range t.regions {
		if rs.cfg.CheckPeriod > 0 {
			t.wg.Add(1)
			go t.sweepLoop(rs)
		}
	}

	return t, nil
}

// Close stops the background sweepers. The cache remains usable afterwards,
// with expired entries purged lazily on read.
func (t *Tiered) Close() {
	t.closeOnce.Do(func() {
		close(t.stop)
		t.wg.Wait()
	})
}

// RegionConfig returns the configuration of r.
func (t *Tiered) RegionConfig(r Region) (RegionConfig, bool) {
	rs, ok := t.regions[r]
	if !ok {
		return RegionConfig{}, false
	}
	return rs.cfg, true
}

// Get returns the live value stored under key. Any lookup in a known region
// counts as a hit or a miss; unknown regions report absent.
func (t *Tiered) Get(r Region, key string) (any, bool) {
	rs, ok := t.regions[r]
	if !ok {
		return nil, false
	}

	rs.mu.Lock()
	e, found := rs.entries[key]
	if found && e.expiredAt(t.now()) {
		delete(rs.entries, key)
		CacheExpired.WithLabelValues(r.String()).Inc()
		found = false
	}
	rs.mu.Unlock()

	if !found {
		rs.misses.Add(1)
		CacheMisses.WithLabelValues("memory", r.String()).Inc()
		t.logger.Debug().Str("region", r.String()).Str("key", key).Msg("Cache miss")
		return nil, false
	}

	rs.hits.Add(1)
	CacheHits.WithLabelValues("memory", r.String()).Inc()
	t.logger.Debug().Str("region", r.String()).Str("key", key).Msg("Cache hit")

	if rs.cfg.CloneValues {
		return cloneValue(e.Value), true
	}
	return e.Value, true
}

// Set stores value under key with the region's default TTL.
func (t *Tiered) Set(r Region, key string, value any) error {
	return t.SetWithTTL(r, key, value, 0)
}

// SetWithTTL stores value under key. A ttl of zero or less means the region default.
func (t *Tiered) SetWithTTL(r Region, key string, value any, ttl time.Duration) error {
	rs, ok := t.regions[r]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRegion, r)
	}
	if ttl <= 0 {
		ttl = rs.cfg.TTL
	}
	if rs.cfg.CloneValues {
		value = cloneValue(value)
	}

	e := newEntry(value, ttl, t.now())

	rs.mu.Lock()
	rs.entries[key] = e
	rs.mu.Unlock()

	t.sets.Add(1)
	CacheSets.WithLabelValues(r.String()).Inc()
	return nil
}

// Delete removes key and reports whether a live entry was removed from memory.
// In a persistent region the Redis tier entry is removed as well.
func (t *Tiered) Delete(r Region, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l2PurgeTimeout)
	defer cancel()
	return t.delete(ctx, r, key)
}

func (t *Tiered) delete(ctx context.Context, r Region, key string) (bool, error) {
	rs, ok := t.regions[r]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownRegion, r)
	}

	rs.mu.Lock()
	e, found := rs.entries[key]
	if found {
		delete(rs.entries, key)
	}
	rs.mu.Unlock()

	if l2 := t.tierFor(rs); l2 != nil {
		if err := l2.Delete(ctx, r, key); err != nil {
			return false, fmt.Errorf("delete %s from redis tier: %w", compositeKey(r, key), err)
		}
	}
	return found && !e.expiredAt(t.now()), nil
}

// l2PurgeTimeout bounds Redis tier removals issued by the context-free methods.
const l2PurgeTimeout = 5 * time.Second

func (t *Tiered) attachL2(tier *RedisTier) {
	t.l2.Store(tier)
}

// tierFor returns the attached Redis tier when rs is persistent.
func (t *Tiered) tierFor(rs *regionStore) *RedisTier {
	if !rs.cfg.Persistent {
		return nil
	}
	return t.l2.Load()
}

// Has reports whether a live entry exists. It does not touch the hit/miss counters.
func (t *Tiered) Has(r Region, key string) bool {
	rs, ok := t.regions[r]
	if !ok {
		return false
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	e, found := rs.entries[key]
	if !found {
		return false
	}
	if e.expiredAt(t.now()) {
		delete(rs.entries, key)
		CacheExpired.WithLabelValues(r.String()).Inc()
		return false
	}
	return true
}

// Peek returns the live value for key without counting a hit or miss. It
// serves internal bookkeeping reads that should not skew the region's stats.
func (t *Tiered) Peek(r Region, key string) (any, bool) {
	rs, ok := t.regions[r]
	if !ok {
		return nil, false
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	e, found := rs.entries[key]
	if !found || e.expiredAt(t.now()) {
		return nil, false
	}
	if rs.cfg.CloneValues {
		return cloneValue(e.Value), true
	}
	return e.Value, true
}

// Keys returns the live keys of a region in sorted order.
func (t *Tiered) Keys(r Region) []string {
	rs, ok := t.regions[r]
	if !ok {
		return nil
	}

	now := t.now()
	rs.mu.Lock()
	keys := make([]string, 0, len(rs.entries))
	for k, e := range rs.entries {
		if !e.expiredAt(now) {
			keys = append(keys, k)
		}
	}
	rs.mu.Unlock()

	sort.Strings(keys)
	return keys
}

// Clear removes every entry of a region, including its Redis tier entries
// when the region is persistent.
func (t *Tiered) Clear(r Region) error {
	rs, ok := t.regions[r]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRegion, r)
	}

	rs.mu.Lock()
	n := len(rs.entries)
	rs.entries = make(map[string]*Entry)
	rs.mu.Unlock()

	CacheKeys.WithLabelValues(r.String()).Set(0)
	t.logger.Debug().Str("region", r.String()).Int("keys", n).Msg("Region cleared")

	if l2 := t.tierFor(rs); l2 != nil {
		ctx, cancel := context.WithTimeout(context.Background(), l2PurgeTimeout)
		defer cancel()
		if _, err := l2.Clear(ctx, r); err != nil {
			t.logger.Warn().Err(err).Str("region", r.String()).Msg("Redis tier clear failed")
			return fmt.Errorf("clear %s redis tier: %w", r, err)
		}
	}
	return nil
}

// ClearAll removes every entry of every region. Redis tier failures are
// logged by Clear.
func (t *Tiered) ClearAll() {
	for r := range t.regions {
		_ = t.Clear(r)
	}
}

// InvalidateByPattern deletes every key in the region matching the regular
// expression and returns the deleted keys in sorted order. No match yields an
// empty slice.
func (t *Tiered) InvalidateByPattern(r Region, pattern string) ([]string, error) {
	rs, ok := t.regions[r]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRegion, r)
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}

	deleted := []string{}
	rs.mu.Lock()
	for k := range rs.entries {
		if re.MatchString(k) {
			delete(rs.entries, k)
			deleted = append(deleted, k)
		}
	}
	rs.mu.Unlock()

	var l2Err error
	if l2 := t.tierFor(rs); l2 != nil {
		ctx, cancel := context.WithTimeout(context.Background(), l2PurgeTimeout)
		remote, err := l2.deleteMatching(ctx, r, re.MatchString)
		cancel()
		deleted = mergeKeys(deleted, remote)
		if err != nil {
			t.logger.Warn().Err(err).Str("region", r.String()).Msg("Redis tier invalidation failed")
			l2Err = fmt.Errorf("invalidate %s redis tier: %w", r, err)
		}
	}

	sort.Strings(deleted)
	if len(deleted) > 0 {
		t.logger.Debug().
			Str("region", r.String()).
			Str("pattern", pattern).
			Int("deleted", len(deleted)).
			Msg("Invalidated keys by pattern")
	}
	return deleted, l2Err
}

// mergeKeys appends the keys of extra missing from keys.
func mergeKeys(keys, extra []string) []string {
	if len(extra) == 0 {
		return keys
	}
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		seen[k] = struct{}{}
	}
	for _, k := range extra {
		if _, dup := seen[k]; !dup {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys
}

// Stats returns per-region and global counters.
func (t *Tiered) Stats() Stats {
	s := Stats{
		Regions: make(map[string]RegionCounters, len(t.regions)),
		Global:  GlobalStats{Sets: t.sets.Load()},
	}

	now := t.now()
	for r, rs := range t.regions {
		rs.mu.Lock()
		live := 0
		for _, e := range rs.entries {
			if !e.expiredAt(now) {
				live++
			}
		}
		rs.mu.Unlock()

		hits, misses := rs.hits.Load(), rs.misses.Load()
		s.Regions[r.String()] = RegionCounters{Keys: live, Hits: hits, Misses: misses}
		s.Global.Hits += hits
		s.Global.Misses += misses
	}
	return s
}

func (t *Tiered) sweepLoop(rs *regionStore) {
	defer t.wg.Done()

	ticker := time.NewTicker(rs.cfg.CheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(rs)
		}
	}
}

// sweep purges expired entries of one region.
func (t *Tiered) sweep(rs *regionStore) int {
	now := t.now()

	rs.mu.Lock()
	purged := 0
	for k, e := range rs.entries {
		if e.expiredAt(now) {
			delete(rs.entries, k)
			purged++
		}
	}
	remaining := len(rs.entries)
	rs.mu.Unlock()

	name := rs.region.String()
	CacheKeys.WithLabelValues(name).Set(float64(remaining))
	if purged > 0 {
		CacheExpired.WithLabelValues(name).Add(float64(purged))
		t.logger.Debug().Str("region", name).Int("purged", purged).Msg("Expired entries swept")
	}
	return purged
}
