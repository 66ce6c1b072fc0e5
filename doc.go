// Package netcore is a resilience layer for HTTP clients that talk to a
// single backend over an unreliable network:
//
//   - Tiered in-memory response cache with LRU eviction
//   - Request deduplication (concurrent identical reads share one exchange)
//   - Retries with exponential backoff and additive jitter, optional circuit breaker
//   - Single-flight credential refresh on 401 with one replay per request
//   - Persistent offline write queue replayed in order when connectivity returns
//   - Prometheus metrics and zerolog structured logging
//
// A Pipeline composes these around a Transport. Reads go through the
// deduplicator, then the cache, then the retry coordinator. Writes go through
// the retry coordinator and fall back to the offline queue when the remote is
// unreachable.
//
// Typical usage:
//
//	store, err := kvstore.OpenSQLite(ctx, "netcore.db")
//	...
//	p := netcore.New(
//	    netcore.WithTransportOptions(netcore.WithBaseURL("https://api.example.com")),
//	    netcore.WithMaxAttempts(3),
//	    netcore.WithOfflineQueue(netcore.NewOfflineQueue(store)),
//	)
//	defer p.Close()
//
//	resp, err := p.Read(ctx, &netcore.Request{Method: http.MethodGet, URL: "/posts", Tier: netcore.TierShort})
//	res, err := p.Post(ctx, "/posts", body) // res.Queued when deferred
//
// Errors are *RequestError values classified by ErrorKind; match them with
// errors.Is against ErrConnectivity, ErrServer, ErrClient and the other
// sentinels.
package netcore
