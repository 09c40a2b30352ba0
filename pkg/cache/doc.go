// Package cache stores API responses as JSON files on disk.
//
// Every API has its own base directory; below it entries are laid out as
// {view}/{file name}. The file's modification time is the only freshness
// timestamp, so entries survive process restarts and can be inspected or
// deleted by hand.
//
// # Basic Usage
//
//	store := cache.NewStore(baseDir, nil, logger)
//
//	key := cache.Key{
//		API:        api.AbstractRetrieval,
//		View:       "FULL",
//		Identifier: "10.1000/xyz",
//	}
//
//	if _, fresh := store.Lookup(key, cache.RefreshAfterDays(30)); fresh {
//		doc, err := store.Load(key)
//		// ...
//	}
//
//	// after fetching
//	if err := store.Save(key, doc); err != nil {
//		return err
//	}
//
// # Refresh Policy
//
//   - NoRefresh serves any existing file
//   - ForceRefresh never serves a file
//   - RefreshAfterDays(n) serves files modified within the last n days
//
// # Concurrency
//
// Save writes to a temporary file in the target directory and renames it
// into place, so concurrent readers see either the old or the new document.
//
// # Metrics
//
//   - scopus_cache_hits_total{api}
//   - scopus_cache_misses_total{api}
//   - scopus_cache_stale_total{api}
//   - scopus_cache_writes_total{api}
//   - scopus_cache_errors_total{operation}
package cache
