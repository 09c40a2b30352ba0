// Package retrieval fetches single entities by identifier, serving them from
// the cache while fresh and persisting every fetched response.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/scopus-client/pkg/api"
	"github.com/Sternrassler/scopus-client/pkg/cache"
	"github.com/Sternrassler/scopus-client/pkg/client"
	"github.com/Sternrassler/scopus-client/pkg/document"
)

// Request describes one entity lookup.
type Request struct {
	API        api.Name
	Identifier string

	// IDType is detected from the identifier when empty.
	IDType api.IDType

	// View defaults to the API's first view when empty.
	View string

	Refresh cache.Refresh

	// Params are extra query parameters. They become part of the cache key.
	Params url.Values
}

// Retriever runs lookups against one session.
type Retriever struct {
	session *client.Session
	logger  zerolog.Logger
}

// New creates a retriever.
func New(session *client.Session) *Retriever {
	return &Retriever{
		session: session,
		logger:  session.Logger().With().Str("component", "retrieval").Logger(),
	}
}

// Resolved is a request after validation, with defaults applied.
type Resolved struct {
	Descriptor api.Descriptor
	Identifier string
	IDType     api.IDType
	View       string
	Key        cache.Key
}

// Resolve validates req without touching the network or the cache.
func Resolve(req Request) (*Resolved, error) {
	desc, err := api.Lookup(req.API)
	if err != nil {
		return nil, err
	}
	if desc.Kind != api.KindRetrieval {
		return nil, &api.ValidationError{Parameter: "api", Value: string(req.API), Reason: "not a retrieval API"}
	}

	view, err := desc.ResolveView(req.View)
	if err != nil {
		return nil, err
	}

	identifier := strings.TrimSpace(req.Identifier)
	idType := req.IDType
	if !desc.NoIdentifier {
		if identifier == "" {
			return nil, &api.ValidationError{Parameter: "identifier", Reason: "must not be empty"}
		}
		if len(desc.IDTypes) > 0 {
			if idType == "" {
				if idType, err = api.DetectIDType(identifier); err != nil {
					return nil, err
				}
			}
			if err := desc.CheckIDType(idType); err != nil {
				return nil, err
			}
		}
	}

	return &Resolved{
		Descriptor: desc,
		Identifier: identifier,
		IDType:     idType,
		View:       view,
		Key: cache.Key{
			API:        desc.Name,
			View:       view,
			Identifier: identifier,
			IDType:     idType,
			Params:     req.Params,
		},
	}, nil
}

// Retrieve returns the document for req.
//
// A fresh cache entry is returned without a request. Otherwise the entity is
// fetched and persisted before it is returned. For views where "not found"
// is a valid answer a 404 yields a document with StatusNotFound; it is not
// cached.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (*document.Document, error) {
	res, err := Resolve(req)
	if err != nil {
		return nil, err
	}

	store := r.session.Store()
	if _, fresh := store.Lookup(res.Key, req.Refresh); fresh {
		doc, err := store.Load(res.Key)
		if err == nil {
			return doc, nil
		}
		r.logger.Warn().Err(err).Str("key", res.Key.String()).Msg("Unreadable cache entry, fetching again")
	}

	rawURL, query := r.session.URL(res.Descriptor, res.IDType, res.Identifier)
	for k, v := range req.Params {
		query[k] = v
	}
	query.Set("view", res.View)

	r.logger.Debug().
		Str("api", string(res.Descriptor.Name)).
		Str("identifier", res.Identifier).
		Str("id_type", string(res.IDType)).
		Str("view", res.View).
		Msg("Retrieving")

	doc, err := r.session.FetchAndStore(ctx, res.Key, rawURL, query)
	if err != nil {
		var notFound *client.ClientRequestError
		if client.IsNotFound(err) && res.Descriptor.AllowsNotFound(res.View) && errors.As(err, &notFound) {
			r.logger.Info().
				Str("api", string(res.Descriptor.Name)).
				Str("identifier", res.Identifier).
				Msg("Entity not found")
			return document.NotFound([]byte(notFound.Body)), nil
		}
		return nil, fmt.Errorf("retrieve %s %s: %w", res.Descriptor.Name, res.Identifier, err)
	}
	return doc, nil
}
