// Package search runs paginated queries against the search APIs. Every page
// is cached on its own, so an interrupted download resumes from disk.
package search

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/Sternrassler/scopus-client/pkg/api"
	"github.com/Sternrassler/scopus-client/pkg/cache"
	"github.com/Sternrassler/scopus-client/pkg/client"
	"github.com/Sternrassler/scopus-client/pkg/document"
	"github.com/Sternrassler/scopus-client/pkg/pagination"
)

// emptyResult is the error text of the placeholder entry sent for queries
// without results.
const emptyResult = "Result set was empty"

// cursorStart requests the first page in cursor mode.
const cursorStart = "*"

var searchPages = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "scopus_search_pages_total",
		Help: "Total number of search result pages served, from cache or network",
	},
	[]string{"api"},
)

// Query describes one search.
type Query struct {
	API api.Name

	// Query is the search string, e.g. "AU-ID(7004212771)". It may be empty
	// when Params carry the search fields.
	Query string

	// View defaults to the API's first view when empty.
	View string

	Refresh cache.Refresh

	// Download fetches all pages. When false only the total is determined.
	Download bool

	// Cursor selects cursor pagination, which is not limited to
	// api.SearchMaxEntries results.
	Cursor bool

	// Params are extra query parameters. They become part of the cache key.
	Params url.Values

	// Concurrency is the number of pages fetched in parallel in offset mode.
	Concurrency int
}

// Result holds the outcome of a search.
type Result struct {
	// Total is the number of results reported by the API.
	Total int

	// Entries in API order. Empty unless Download was set.
	Entries []gjson.Result
}

// Searcher runs searches against one session.
type Searcher struct {
	session *client.Session
	logger  zerolog.Logger
}

// New creates a searcher.
func New(session *client.Session) *Searcher {
	return &Searcher{
		session: session,
		logger:  session.Logger().With().Str("component", "search").Logger(),
	}
}

// Count returns the number of results of q without downloading them.
func (s *Searcher) Count(ctx context.Context, q Query) (int, error) {
	q.Download = false
	res, err := s.Search(ctx, q)
	if err != nil {
		return 0, err
	}
	return res.Total, nil
}

// Search runs q.
//
// The first page decides the total. In offset mode a total above
// api.SearchMaxEntries yields *client.QueryTooLargeError before any further
// request, and that first page is not cached. On a failure while paging, the
// entries fetched so far are returned together with the error.
func (s *Searcher) Search(ctx context.Context, q Query) (*Result, error) {
	run, err := s.prepare(q)
	if err != nil {
		return nil, err
	}

	first, fromCache, err := run.first(ctx)
	if err != nil {
		return nil, err
	}
	total := first.total

	if !q.Cursor && total > api.SearchMaxEntries {
		client.CountError(client.ErrorClassQueryTooLarge)
		return nil, &client.QueryTooLargeError{Query: q.Query, Total: total, Max: api.SearchMaxEntries}
	}
	if !fromCache {
		run.save(first)
	}

	s.logger.Debug().
		Str("api", string(q.API)).
		Str("query", q.Query).
		Int("total", total).
		Bool("cursor", q.Cursor).
		Msg("Search total")

	if !q.Download || total == 0 {
		return &Result{Total: total}, nil
	}

	bf := pagination.NewBatchFetcher(run, pagination.Config{MaxConcurrency: q.Concurrency}, s.logger)
	var pages []*pagination.Page
	if q.Cursor {
		pages, err = bf.FetchCursor(ctx, first.page, total)
	} else {
		pages, err = bf.FetchOffsets(ctx, first.page, total, run.pageSize)
	}

	res := &Result{Total: total}
	for _, p := range pages {
		res.Entries = append(res.Entries, p.Entries...)
	}
	if err != nil {
		return res, fmt.Errorf("search %s %q: %w", q.API, q.Query, err)
	}
	return res, nil
}

// run is one prepared search; it fetches single pages for the batch fetcher.
type run struct {
	searcher *Searcher
	query    Query
	desc     api.Descriptor
	view     string
	pageSize int
	url      string
}

func (s *Searcher) prepare(q Query) (*run, error) {
	desc, err := api.Lookup(q.API)
	if err != nil {
		return nil, err
	}
	if desc.Kind != api.KindSearch {
		return nil, &api.ValidationError{Parameter: "api", Value: string(q.API), Reason: "not a search API"}
	}
	view, err := desc.ResolveView(q.View)
	if err != nil {
		return nil, err
	}
	if cache.NormalizeQuery(q.Query) == "" && len(q.Params) == 0 {
		return nil, &api.ValidationError{Parameter: "query", Reason: "must not be empty"}
	}
	if q.Concurrency < 0 {
		return nil, &api.ValidationError{Parameter: "concurrency", Value: strconv.Itoa(q.Concurrency), Reason: "must be >= 0"}
	}

	rawURL, _ := s.session.URL(desc, "", "")
	return &run{
		searcher: s,
		query:    q,
		desc:     desc,
		view:     view,
		pageSize: desc.PageSize(view),
		url:      rawURL,
	}, nil
}

// key returns the cache key of the page starting at offset. Cursor pages
// carry a cursor and are kept apart from offset pages.
func (r *run) key(offset int) cache.Key {
	params := url.Values{}
	for k, v := range r.query.Params {
		params[k] = v
	}
	if r.query.Cursor {
		params.Set("cursor", "true")
	}
	if len(params) == 0 {
		params = nil
	}
	return cache.Key{
		API:    r.desc.Name,
		View:   r.view,
		Query:  cache.NormalizeQuery(r.query.Query),
		Params: params,
		Offset: offset,
	}
}

func (r *run) params(offset int, cursor string) url.Values {
	params := url.Values{}
	for k, v := range r.query.Params {
		params[k] = v
	}
	if q := cache.NormalizeQuery(r.query.Query); q != "" {
		params.Set("query", q)
	}
	params.Set("view", r.view)
	params.Set("count", strconv.Itoa(r.pageSize))
	if cursor != "" {
		params.Set("cursor", cursor)
	} else {
		params.Set("start", strconv.Itoa(offset))
	}
	return params
}

// parsedPage is a page together with the total it reports.
type parsedPage struct {
	page  *pagination.Page
	total int
	doc   *document.Document
	key   cache.Key
}

// first obtains the page at offset 0. fromCache tells whether it was served
// from disk; a fetched first page is not cached yet.
func (r *run) first(ctx context.Context) (*parsedPage, bool, error) {
	cursor := ""
	if r.query.Cursor {
		cursor = cursorStart
	}
	key := r.key(0)

	if doc, ok := r.cached(key); ok {
		searchPages.WithLabelValues(string(r.desc.Name)).Inc()
		return r.parse(doc, key, 0), true, nil
	}

	doc, err := r.searcher.session.Fetch(ctx, r.desc.Name, r.url, r.params(0, cursor))
	if err != nil {
		return nil, false, fmt.Errorf("search %s %q: %w", r.desc.Name, r.query.Query, err)
	}
	searchPages.WithLabelValues(string(r.desc.Name)).Inc()
	return r.parse(doc, key, 0), false, nil
}

func (r *run) save(p *parsedPage) {
	if err := r.searcher.session.Store().Save(p.key, p.doc); err != nil {
		r.searcher.logger.Warn().Err(err).Str("key", p.key.String()).Msg("Failed to cache page")
	}
}

// cached returns the document for key when the refresh policy allows serving
// it. An unreadable entry counts as absent.
func (r *run) cached(key cache.Key) (*document.Document, bool) {
	store := r.searcher.session.Store()
	if _, fresh := store.Lookup(key, r.query.Refresh); !fresh {
		return nil, false
	}
	doc, err := store.Load(key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			r.searcher.logger.Warn().Err(err).Str("key", key.String()).Msg("Unreadable cache entry, fetching again")
		}
		return nil, false
	}
	return doc, true
}

// FetchPage implements pagination.PageFetcher.
func (r *run) FetchPage(ctx context.Context, offset int, cursor string) (*pagination.Page, error) {
	key := r.key(offset)
	if doc, ok := r.cached(key); ok {
		searchPages.WithLabelValues(string(r.desc.Name)).Inc()
		return r.parse(doc, key, offset).page, nil
	}

	doc, err := r.searcher.session.FetchAndStore(ctx, key, r.url, r.params(offset, cursor))
	if err != nil {
		return nil, err
	}
	searchPages.WithLabelValues(string(r.desc.Name)).Inc()
	return r.parse(doc, key, offset).page, nil
}

// parse extracts entries, total and next cursor from a page. The placeholder
// entry of an empty result set is dropped and the total forced to zero.
func (r *run) parse(doc *document.Document, key cache.Key, offset int) *parsedPage {
	env := r.desc.Envelope
	entries := document.Listify(doc.Get(env, "entry"))

	empty := false
	kept := entries[:0:0]
	for _, e := range entries {
		if document.Lookup(e, "error").String() == emptyResult {
			empty = true
			continue
		}
		kept = append(kept, e)
	}

	total := int(doc.Int(-1, env, "opensearch:totalResults"))
	switch {
	case empty:
		total = 0
	case total < 0:
		total = offset + len(kept)
	}

	return &parsedPage{
		page: &pagination.Page{
			Offset:  offset,
			Entries: kept,
			Next:    doc.String("", env, "cursor", "@next"),
		},
		total: total,
		doc:   doc,
		key:   key,
	}
}
