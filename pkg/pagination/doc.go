// Package pagination drives the page requests of a search once its first
// page, and with it the total result count, is known.
//
// Two modes are supported:
//
//   - offset: pages start at 0, count, 2*count, ... Pages can be fetched by a
//     bounded worker pool; results are reassembled in offset order.
//   - cursor: every page names the next one, so pages are fetched one after
//     the other.
//
// Example usage:
//
//	fetcher := pagination.NewBatchFetcher(pageFetcher, pagination.Config{MaxConcurrency: 3}, logger)
//	pages, err := fetcher.FetchOffsets(ctx, first, total, 200)
package pagination
