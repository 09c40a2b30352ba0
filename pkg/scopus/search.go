package scopus

import (
	"context"
	"net/url"
	"sort"

	"github.com/Sternrassler/scopus-client/pkg/api"
	"github.com/Sternrassler/scopus-client/pkg/cache"
	"github.com/Sternrassler/scopus-client/pkg/search"
)

// SearchOptions tune a search. The zero value counts results with the
// default view.
type SearchOptions struct {
	View        string
	Refresh     cache.Refresh
	Download    bool
	Cursor      bool
	Params      url.Values
	Concurrency int
}

func (c *Client) search(ctx context.Context, name api.Name, query string, opts SearchOptions) (*search.Result, error) {
	return c.searcher.Search(ctx, search.Query{
		API:         name,
		Query:       query,
		View:        opts.View,
		Refresh:     opts.Refresh,
		Download:    opts.Download,
		Cursor:      opts.Cursor,
		Params:      opts.Params,
		Concurrency: opts.Concurrency,
	})
}

// ScopusSearch searches documents with Scopus advanced search syntax, e.g.
// "AU-ID(7004212771) AND PUBYEAR > 2015".
func (c *Client) ScopusSearch(ctx context.Context, query string, opts SearchOptions) (*search.Result, error) {
	return c.search(ctx, api.ScopusSearch, query, opts)
}

// AuthorSearch searches author profiles, e.g. "AUTHLAST(Selten) AND AUTHFIRST(Reinhard)".
func (c *Client) AuthorSearch(ctx context.Context, query string, opts SearchOptions) (*search.Result, error) {
	return c.search(ctx, api.AuthorSearch, query, opts)
}

// AffiliationSearch searches affiliation profiles, e.g. "AF-ID(60021784)".
func (c *Client) AffiliationSearch(ctx context.Context, query string, opts SearchOptions) (*search.Result, error) {
	return c.search(ctx, api.AffiliationSearch, query, opts)
}

// ScienceDirectSearch searches ScienceDirect documents.
func (c *Client) ScienceDirectSearch(ctx context.Context, query string, opts SearchOptions) (*search.Result, error) {
	return c.search(ctx, api.ScienceDirectSearch, query, opts)
}

// serialFields are the fields SerialSearch can filter on.
var serialFields = []string{"content", "issn", "oa", "pub", "subj", "subjCode", "title"}

// SerialSearch searches journals and book series. fields maps a field name
// to its value, e.g. {"title": {"Research Policy"}}.
func (c *Client) SerialSearch(ctx context.Context, fields url.Values, opts SearchOptions) (*search.Result, error) {
	if len(fields) == 0 {
		return nil, &api.ValidationError{Parameter: "query", Reason: "must not be empty"}
	}

	params := url.Values{}
	for k, v := range opts.Params {
		params[k] = v
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := api.CheckParameter(k, serialFields, "query field"); err != nil {
			return nil, err
		}
		params[k] = fields[k]
	}
	opts.Params = params
	return c.search(ctx, api.SerialSearch, "", opts)
}
