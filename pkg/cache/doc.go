// Package cache provides a region-partitioned in-memory cache with an
// optional Redis second tier and deduplicated population.
//
// Features:
//
// - A closed set of regions, each with its own default TTL, sweep period
// and copy-on-read policy
// - Lazy expiry on read plus a periodic sweeper per region
// - Pattern invalidation with regular expressions
// - Single-flight population: concurrent misses on one key share one loader call
// - Redis second tier for persistent regions; tier failures degrade to misses
// - Prometheus metrics for observability
//
// # Basic Usage
//
//	c, err := cache.New(cache.Config{})
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	_ = c.Set(cache.RegionStats, "player:42", summary)
//	v, ok := c.Get(cache.RegionStats, "player:42")
//
// # Deduplicated Population
//
//	p := cache.NewPopulator(c, cache.PopulatorConfig{L2: cache.NewRedisTier(redisClient)})
//
//	key := cache.Key{
//		Endpoint: "/market/priceoverview",
//		Params:   url.Values{"appid": {"730"}, "market_hash_name": {name}},
//	}
//	quote, err := cache.GetOrSetDeduped(ctx, p, cache.RegionMarket, key.String(), 0,
//		func(ctx context.Context) (Quote, error) {
//			return fetchQuote(ctx, name)
//		})
//
// # Metrics
//
//   - marketwatch_cache_hits_total{tier,region} - Cache hits
//   - marketwatch_cache_misses_total{tier,region} - Cache misses
//   - marketwatch_cache_sets_total{region} - Writes
//   - marketwatch_cache_expired_total{region} - Expired entries purged
//   - marketwatch_cache_keys{region} - Keys per region after each sweep
//   - marketwatch_cache_loads_total{region,result} - Loader calls
//   - marketwatch_cache_dedup_shared_total{region} - Callers served by another caller's load
//   - marketwatch_cache_inflight - Populations in flight
//   - marketwatch_cache_errors_total{operation} - Redis tier errors
package cache
