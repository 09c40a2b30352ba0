// Package scopus offers one entry point per API on top of the retrieval and
// search orchestrators. It applies the per-entity identifier rules and
// removes the response envelopes, so callers see the record itself.
//
//	session, _ := client.Init(client.DefaultConfig(apiKey))
//	sc := scopus.New(session)
//	ab, err := sc.AbstractRetrieval(ctx, "10.1016/j.softx.2019.100263", scopus.Options{View: "FULL"})
//	title := ab.Doc.String("", "coredata", "dc:title")
package scopus

import (
	"context"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/scopus-client/pkg/api"
	"github.com/Sternrassler/scopus-client/pkg/cache"
	"github.com/Sternrassler/scopus-client/pkg/client"
	"github.com/Sternrassler/scopus-client/pkg/document"
	"github.com/Sternrassler/scopus-client/pkg/retrieval"
	"github.com/Sternrassler/scopus-client/pkg/search"
)

// Client bundles a retriever and a searcher over one session.
type Client struct {
	retriever *retrieval.Retriever
	searcher  *search.Searcher
	logger    zerolog.Logger
}

// New creates a client.
func New(session *client.Session) *Client {
	return &Client{
		retriever: retrieval.New(session),
		searcher:  search.New(session),
		logger:    session.Logger().With().Str("component", "scopus").Logger(),
	}
}

// Options tune a retrieval.
type Options struct {
	View    string
	Refresh cache.Refresh

	// IDType overrides identifier detection.
	IDType api.IDType

	// Params are passed on as query parameters.
	Params url.Values
}

// Entity is a retrieved record.
type Entity struct {
	API        api.Name
	Identifier string
	View       string

	// Doc is the record without its envelope.
	Doc *document.Document

	// Raw is the response as cached.
	Raw *document.Document
}

// Found reports whether the API knew the identifier. It is only ever false
// for views that answer unknown identifiers with "not found".
func (e *Entity) Found() bool {
	return e.Raw.Found()
}

// unwrapFunc extracts the record from a response.
type unwrapFunc func(doc *document.Document, view string) *document.Document

func (c *Client) retrieve(ctx context.Context, name api.Name, identifier string, opts Options, unwrap unwrapFunc) (*Entity, error) {
	req := retrieval.Request{
		API:        name,
		Identifier: identifier,
		IDType:     opts.IDType,
		View:       opts.View,
		Refresh:    opts.Refresh,
		Params:     opts.Params,
	}
	res, err := retrieval.Resolve(req)
	if err != nil {
		return nil, err
	}

	raw, err := c.retriever.Retrieve(ctx, req)
	if err != nil {
		return nil, err
	}

	doc := raw
	if raw.Found() && unwrap != nil {
		doc = unwrap(raw, res.View)
	}
	return &Entity{
		API:        name,
		Identifier: res.Identifier,
		View:       res.View,
		Doc:        doc,
		Raw:        raw,
	}, nil
}

// envelope unwraps the API's root key when present.
func envelope(name api.Name) unwrapFunc {
	key := api.MustLookup(name).Envelope
	return func(doc *document.Document, _ string) *document.Document {
		return doc.Unwrap(key)
	}
}
