package scopus

import (
	"context"
	"net/url"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/Sternrassler/scopus-client/pkg/api"
	"github.com/Sternrassler/scopus-client/pkg/document"
)

// AbstractRetrieval fetches a document by EID, DOI, PII, Scopus ID or
// PubMed ID.
func (c *Client) AbstractRetrieval(ctx context.Context, identifier string, opts Options) (*Entity, error) {
	return c.retrieve(ctx, api.AbstractRetrieval, identifier, opts, envelope(api.AbstractRetrieval))
}

// Author is an author profile. Alias is set when the requested profile was
// merged into others; Doc then holds the reduced forward record.
type Author struct {
	*Entity
	Alias []string
}

// AuthorRetrieval fetches an author profile. authorID may be an author EID
// ("9-s2.0-...").
func (c *Client) AuthorRetrieval(ctx context.Context, authorID string, opts Options) (*Author, error) {
	const env = "author-retrieval-response"
	var alias []string

	unwrap := func(doc *document.Document, view string) *document.Document {
		if view == "ENTITLED" {
			return doc
		}
		if first, ok := doc.Sub(env, 0); ok {
			return first
		}
		for _, u := range document.Listify(doc.Get(env, "alias", "prism:url")) {
			ref := document.Lookup(u, "$").String()
			alias = append(alias, ref[strings.LastIndex(ref, ":")+1:])
		}
		return doc.Unwrap(env)
	}

	id := api.StripEIDPrefix(authorID)
	e, err := c.retrieve(ctx, api.AuthorRetrieval, id, opts, unwrap)
	if err != nil {
		return nil, err
	}
	if len(alias) > 0 {
		c.logger.Warn().
			Str("author_id", id).
			Strs("alias", alias).
			Msg("Author profile has been merged, update your records")
	}
	return &Author{Entity: e, Alias: alias}, nil
}

// AffiliationRetrieval fetches an affiliation profile. affiliationID may be
// an affiliation EID ("10-s2.0-...").
func (c *Client) AffiliationRetrieval(ctx context.Context, affiliationID string, opts Options) (*Entity, error) {
	return c.retrieve(ctx, api.AffiliationRetrieval, api.StripEIDPrefix(affiliationID), opts, envelope(api.AffiliationRetrieval))
}

// CitationOverview fetches the yearly citation counts of a document. The
// year range is passed as Params, e.g. date=2015-2020.
func (c *Client) CitationOverview(ctx context.Context, identifier string, opts Options) (*Entity, error) {
	return c.retrieve(ctx, api.CitationOverview, identifier, opts, envelope(api.CitationOverview))
}

// SerialTitle fetches the metadata of a journal or book series by ISSN.
func (c *Client) SerialTitle(ctx context.Context, issn string, opts Options) (*Entity, error) {
	env := api.MustLookup(api.SerialTitle).Envelope
	unwrap := func(doc *document.Document, _ string) *document.Document {
		if entry, ok := doc.Sub(env, "entry", 0); ok {
			return entry
		}
		return doc.Unwrap(env)
	}
	return c.retrieve(ctx, api.SerialTitle, strings.TrimSpace(issn), opts, unwrap)
}

// subjectFields are the fields SubjectClassifications can search and return.
var subjectFields = []string{"abbrev", "code", "description", "detail"}

// SubjectClassifications looks up subject areas. query maps a field to the
// value searched for, e.g. {"description": {"Physics"}}; fields limits the
// returned fields and defaults to all.
func (c *Client) SubjectClassifications(ctx context.Context, query url.Values, fields []string, opts Options) (*Entity, error) {
	if len(query) == 0 {
		return nil, &api.ValidationError{Parameter: "query", Reason: "must not be empty"}
	}

	params := url.Values{}
	for k, v := range opts.Params {
		params[k] = v
	}
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := api.CheckParameter(k, subjectFields, "query field"); err != nil {
			return nil, err
		}
		params[k] = query[k]
	}
	for _, f := range fields {
		if err := api.CheckParameter(f, subjectFields, "field"); err != nil {
			return nil, err
		}
	}
	if len(fields) > 0 {
		params.Set("field", strings.Join(fields, ","))
	}
	opts.Params = params

	env := api.MustLookup(api.SubjectClassifications).Envelope
	unwrap := func(doc *document.Document, _ string) *document.Document {
		return doc.Unwrap(env)
	}
	return c.retrieve(ctx, api.SubjectClassifications, "", opts, unwrap)
}

// Classifications returns the subject entries of a SubjectClassifications
// result.
func Classifications(e *Entity) []gjson.Result {
	return document.Listify(e.Doc.Get("subject-classification"))
}

// ArticleEntitlement checks whether the institution may access a
// ScienceDirect article. Unknown identifiers give an entity whose Found is
// false.
func (c *Client) ArticleEntitlement(ctx context.Context, identifier string, opts Options) (*Entity, error) {
	env := api.MustLookup(api.ArticleEntitlement).Envelope
	unwrap := func(doc *document.Document, _ string) *document.Document {
		return doc.Unwrap(env, "document-entitlement")
	}
	return c.retrieve(ctx, api.ArticleEntitlement, identifier, opts, unwrap)
}

// ArticleRetrieval fetches a ScienceDirect article.
func (c *Client) ArticleRetrieval(ctx context.Context, identifier string, opts Options) (*Entity, error) {
	return c.retrieve(ctx, api.ArticleRetrieval, identifier, opts, envelope(api.ArticleRetrieval))
}
