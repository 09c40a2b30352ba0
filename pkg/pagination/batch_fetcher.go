package pagination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Config holds batch fetcher configuration
type Config struct {
	// MaxConcurrency is the number of pages fetched in parallel in offset
	// mode. 1 fetches sequentially.
	MaxConcurrency int
}

// DefaultConfig returns the sequential configuration
func DefaultConfig() Config {
	return Config{MaxConcurrency: 1}
}

// Page is one response of a paginated query.
type Page struct {
	// Offset is the index of the first entry.
	Offset int

	// Entries in the order returned.
	Entries []gjson.Result

	// Next is the cursor of the following page in cursor mode.
	Next string
}

// PageFetcher fetches a single page. In offset mode cursor is empty; in
// cursor mode offset is the running entry count, used for cache keys.
type PageFetcher interface {
	FetchPage(ctx context.Context, offset int, cursor string) (*Page, error)
}

// PageResult represents the result of fetching a single page
type PageResult struct {
	Index int
	Page  *Page
	Error error
}

// BatchFetcher fetches the remaining pages of a query once the first page
// is known.
type BatchFetcher struct {
	fetcher PageFetcher
	config  Config
	logger  zerolog.Logger
}

// NewBatchFetcher creates a new batch fetcher
func NewBatchFetcher(fetcher PageFetcher, config Config, logger zerolog.Logger) *BatchFetcher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 1
	}
	return &BatchFetcher{
		fetcher: fetcher,
		config:  config,
		logger:  logger,
	}
}

// Offsets returns the start offsets of the pages after the first one.
func Offsets(total, pageSize int) []int {
	if pageSize <= 0 {
		return nil
	}
	var out []int
	for offset := pageSize; offset < total; offset += pageSize {
		out = append(out, offset)
	}
	return out
}

// FetchOffsets fetches every page needed to cover total entries with
// pageSize entries per page. first is the already fetched page at offset 0.
// Pages are returned in offset order. On failure the leading run of
// fetched pages is returned with the error.
func (bf *BatchFetcher) FetchOffsets(ctx context.Context, first *Page, total, pageSize int) ([]*Page, error) {
	start := time.Now()
	offsets := Offsets(total, pageSize)
	pages := make([]*Page, len(offsets)+1)
	pages[0] = first

	if len(offsets) == 0 {
		return pages, nil
	}

	bf.logger.Info().
		Int("total", total).
		Int("pages", len(pages)).
		Int("workers", bf.config.MaxConcurrency).
		Msg("Fetching result pages")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pageQueue := make(chan int, len(offsets))
	for i := range offsets {
		pageQueue <- i
	}
	close(pageQueue)

	pageResults := make(chan PageResult, len(offsets))
	workers := bf.config.MaxConcurrency
	if workers > len(offsets) {
		workers = len(offsets)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go bf.worker(ctx, offsets, pageQueue, pageResults, &wg, w)
	}
	go func() {
		wg.Wait()
		close(pageResults)
	}()

	// cause is the first failure received; later ones may only be the
	// cancellation it triggered.
	var cause error
	causeOffset := 0
	for result := range pageResults {
		if result.Error != nil {
			if cause == nil {
				cause, causeOffset = result.Error, offsets[result.Index]
				cancel()
			}
			continue
		}
		pages[result.Index+1] = result.Page
	}

	if cause != nil {
		fetched := []*Page{first}
		for _, p := range pages[1:] {
			if p == nil {
				break
			}
			fetched = append(fetched, p)
		}
		bf.logger.Warn().
			Err(cause).
			Int("offset", causeOffset).
			Int("fetched_pages", len(fetched)).
			Msg("Page fetch failed")
		return fetched, fmt.Errorf("fetch page at offset %d: %w", causeOffset, cause)
	}

	bf.logger.Info().
		Int("pages", len(pages)).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")
	return pages, nil
}

// worker processes page indices from the queue
func (bf *BatchFetcher) worker(ctx context.Context, offsets []int, pageQueue <-chan int, results chan<- PageResult, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	pagesProcessed := 0

	for i := range pageQueue {
		if err := ctx.Err(); err != nil {
			results <- PageResult{Index: i, Error: err}
			continue
		}

		page, err := bf.fetcher.FetchPage(ctx, offsets[i], "")
		results <- PageResult{Index: i, Page: page, Error: err}
		if err == nil {
			pagesProcessed++
		}
	}

	bf.logger.Debug().
		Int("worker_id", workerID).
		Int("pages_processed", pagesProcessed).
		Msg("Worker completed")
}

// FetchCursor follows the Next cursor from first until total entries are
// collected, a page comes back empty or the cursor stops advancing.
func (bf *BatchFetcher) FetchCursor(ctx context.Context, first *Page, total int) ([]*Page, error) {
	pages := []*Page{first}
	collected := len(first.Entries)
	cursor := first.Next

	for collected < total && cursor != "" {
		page, err := bf.fetcher.FetchPage(ctx, collected, cursor)
		if err != nil {
			return pages, fmt.Errorf("fetch page at cursor %q: %w", cursor, err)
		}
		if len(page.Entries) == 0 {
			break
		}
		pages = append(pages, page)
		collected += len(page.Entries)

		if page.Next == cursor {
			break
		}
		cursor = page.Next
	}

	bf.logger.Debug().
		Int("pages", len(pages)).
		Int("entries", collected).
		Msg("Cursor pagination complete")
	return pages, nil
}
