// Package pagination warms list pages into the query cache in parallel.
//
// A Prefetcher uses the same key derivation as query.List, so pages it loads
// are served fresh when a list later moves to them.
//
// Example usage:
//
//	p := pagination.NewPrefetcher(client, fetch.ListJSON[User](api, "/users"), pagination.DefaultConfig())
//	res, err := p.Prefetch(ctx, "users", list.Params(), 3)
//
// The prefetcher:
//   - Skips pages that are already fresh (Config.SkipFresh)
//   - Spawns a bounded worker pool (default 4 workers)
//   - Primes each page with the list TTL
//   - Keeps partial results and reports the first error
//
// PrefetchAll fetches the first page to learn the total and then every
// remaining page.
package pagination
