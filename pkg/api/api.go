// Package api describes the Scopus and ScienceDirect endpoints the client
// talks to: where they live, which views they accept, how fast they may be
// called and how their identifiers are shaped.
package api

import (
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strings"
	"unicode"
)

// DefaultBaseURL is the Elsevier API root.
const DefaultBaseURL = "https://api.elsevier.com"

// SearchMaxEntries is the number of results reachable with start/count
// pagination. Cursor pagination is not limited.
const SearchMaxEntries = 5000

// Name identifies an API.
type Name string

// Supported APIs.
const (
	AbstractRetrieval      Name = "AbstractRetrieval"
	AffiliationRetrieval   Name = "AffiliationRetrieval"
	AuthorRetrieval        Name = "AuthorRetrieval"
	CitationOverview       Name = "CitationOverview"
	SerialTitle            Name = "SerialTitle"
	SubjectClassifications Name = "SubjectClassifications"
	ArticleEntitlement     Name = "ArticleEntitlement"
	ArticleRetrieval       Name = "ArticleRetrieval"
	ScopusSearch           Name = "ScopusSearch"
	AuthorSearch           Name = "AuthorSearch"
	AffiliationSearch      Name = "AffiliationSearch"
	SerialSearch           Name = "SerialSearch"
	ScienceDirectSearch    Name = "ScienceDirectSearch"
)

// Kind separates identifier lookups from paginated queries.
type Kind int

const (
	// KindRetrieval fetches one entity by identifier.
	KindRetrieval Kind = iota
	// KindSearch runs a paginated query.
	KindSearch
)

// Product groups APIs into cache sub-trees.
type Product string

const (
	ProductScopus        Product = "Scopus"
	ProductScienceDirect Product = "ScienceDirect"
)

// Descriptor holds the static facts about one API.
type Descriptor struct {
	Name    Name
	Product Product
	Kind    Kind

	// Path is appended to the base URL.
	Path string

	// Views lists the accepted views; the first one is the default.
	Views []string

	// RateLimit is the number of requests allowed per second.
	RateLimit int

	// IDTypes lists the identifier types accepted by a retrieval API. When
	// set, the id type becomes a path segment ({Path}/{id_type}/{id}).
	IDTypes []IDType

	// IDPathSegment is a fixed segment placed before the identifier, e.g.
	// "author_id". Ignored when IDTypes is set.
	IDPathSegment string

	// IDInQuery sends the identifier as a query parameter named after its
	// id type instead of a path segment.
	IDInQuery bool

	// NoIdentifier marks retrieval APIs that are addressed purely by query
	// parameters.
	NoIdentifier bool

	// Envelope is the root key wrapping the payload.
	Envelope string

	// PageSizes holds the maximum entries per request for each view of a
	// search API.
	PageSizes map[string]int

	// NotFoundViews lists views for which HTTP 404 is a valid answer.
	NotFoundViews []string
}

var registry = map[Name]Descriptor{
	AbstractRetrieval: {
		Name: AbstractRetrieval, Product: ProductScopus, Kind: KindRetrieval,
		Path:          "content/abstract",
		Views:         []string{"META_ABS", "META", "REF", "FULL", "ENTITLED"},
		RateLimit:     9,
		IDTypes:       []IDType{IDTypeEID, IDTypePII, IDTypeScopusID, IDTypePubMedID, IDTypeDOI},
		Envelope:      "abstracts-retrieval-response",
		NotFoundViews: []string{"ENTITLED"},
	},
	AffiliationRetrieval: {
		Name: AffiliationRetrieval, Product: ProductScopus, Kind: KindRetrieval,
		Path:          "content/affiliation",
		Views:         []string{"STANDARD", "LIGHT", "ENTITLED"},
		RateLimit:     9,
		IDPathSegment: "affiliation_id",
		Envelope:      "affiliation-retrieval-response",
		NotFoundViews: []string{"ENTITLED"},
	},
	AuthorRetrieval: {
		Name: AuthorRetrieval, Product: ProductScopus, Kind: KindRetrieval,
		Path:          "content/author",
		Views:         []string{"ENHANCED", "LIGHT", "STANDARD", "METRICS", "ENTITLED"},
		RateLimit:     3,
		IDPathSegment: "author_id",
		Envelope:      "author-retrieval-response",
		NotFoundViews: []string{"ENTITLED"},
	},
	CitationOverview: {
		Name: CitationOverview, Product: ProductScopus, Kind: KindRetrieval,
		Path:      "content/abstract/citations",
		Views:     []string{"STANDARD"},
		RateLimit: 4,
		IDTypes:   []IDType{IDTypeScopusID, IDTypeDOI, IDTypePII, IDTypePubMedID},
		IDInQuery: true,
		Envelope:  "abstract-citations-response",
	},
	SerialTitle: {
		Name: SerialTitle, Product: ProductScopus, Kind: KindRetrieval,
		Path:          "content/serial/title",
		Views:         []string{"ENHANCED", "STANDARD", "CITESCORE"},
		RateLimit:     6,
		IDPathSegment: "issn",
		Envelope:      "serial-metadata-response",
	},
	SubjectClassifications: {
		Name: SubjectClassifications, Product: ProductScopus, Kind: KindRetrieval,
		Path:         "content/subject/scopus",
		Views:        []string{"STANDARD"},
		RateLimit:    1,
		NoIdentifier: true,
		Envelope:     "subject-classifications",
	},
	ArticleEntitlement: {
		Name: ArticleEntitlement, Product: ProductScienceDirect, Kind: KindRetrieval,
		Path:          "content/article/entitlement",
		Views:         []string{"FULL", "STANDARD"},
		RateLimit:     10,
		IDTypes:       []IDType{IDTypeEID, IDTypePII, IDTypeScopusID, IDTypePubMedID, IDTypeDOI, IDTypePUI},
		Envelope:      "entitlement-response",
		NotFoundViews: []string{"FULL", "STANDARD"},
	},
	ArticleRetrieval: {
		Name: ArticleRetrieval, Product: ProductScienceDirect, Kind: KindRetrieval,
		Path:          "content/article",
		Views:         []string{"FULL", "META", "META_ABS", "META_ABS_REF", "ENTITLED"},
		RateLimit:     10,
		IDTypes:       []IDType{IDTypeEID, IDTypePII, IDTypeScopusID, IDTypePubMedID, IDTypeDOI},
		Envelope:      "full-text-retrieval-response",
		NotFoundViews: []string{"ENTITLED"},
	},
	ScopusSearch: {
		Name: ScopusSearch, Product: ProductScopus, Kind: KindSearch,
		Path:      "content/search/scopus",
		Views:     []string{"COMPLETE", "STANDARD"},
		RateLimit: 9,
		Envelope:  "search-results",
		PageSizes: map[string]int{"STANDARD": 200, "COMPLETE": 25},
	},
	AuthorSearch: {
		Name: AuthorSearch, Product: ProductScopus, Kind: KindSearch,
		Path:      "content/search/author",
		Views:     []string{"STANDARD"},
		RateLimit: 2,
		Envelope:  "search-results",
		PageSizes: map[string]int{"STANDARD": 200},
	},
	AffiliationSearch: {
		Name: AffiliationSearch, Product: ProductScopus, Kind: KindSearch,
		Path:      "content/search/affiliation",
		Views:     []string{"STANDARD"},
		RateLimit: 6,
		Envelope:  "search-results",
		PageSizes: map[string]int{"STANDARD": 200},
	},
	SerialSearch: {
		Name: SerialSearch, Product: ProductScopus, Kind: KindSearch,
		Path:      "content/serial/title",
		Views:     []string{"ENHANCED", "STANDARD", "CITESCORE"},
		RateLimit: 6,
		Envelope:  "serial-metadata-response",
		PageSizes: map[string]int{"STANDARD": 200, "ENHANCED": 200, "CITESCORE": 200},
	},
	ScienceDirectSearch: {
		Name: ScienceDirectSearch, Product: ProductScienceDirect, Kind: KindSearch,
		Path:      "content/search/sciencedirect",
		Views:     []string{"STANDARD"},
		RateLimit: 2,
		Envelope:  "search-results",
		PageSizes: map[string]int{"STANDARD": 100},
	},
}

// Lookup returns the descriptor for name.
func Lookup(name Name) (Descriptor, error) {
	d, ok := registry[name]
	if !ok {
		return Descriptor{}, &ValidationError{Parameter: "api", Value: string(name), Allowed: names()}
	}
	return d, nil
}

// MustLookup is Lookup for names known at compile time.
func MustLookup(name Name) Descriptor {
	d, err := Lookup(name)
	if err != nil {
		panic(err)
	}
	return d
}

// All returns every descriptor, sorted by name.
func All() []Descriptor {
	out := make([]Descriptor, 0, len(registry))
	for _, d := range registry {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RateLimits returns the per-second request limit of every API.
func RateLimits() map[Name]int {
	out := make(map[Name]int, len(registry))
	for name, d := range registry {
		out[name] = d.RateLimit
	}
	return out
}

func names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, string(name))
	}
	sort.Strings(out)
	return out
}

// DefaultView returns the view used when none is given.
func (d Descriptor) DefaultView() string {
	if len(d.Views) == 0 {
		return ""
	}
	return d.Views[0]
}

// ResolveView validates view and returns it, or the default view when view
// is empty.
func (d Descriptor) ResolveView(view string) (string, error) {
	if view == "" {
		return d.DefaultView(), nil
	}
	if err := CheckParameter(view, d.Views, "view"); err != nil {
		return "", err
	}
	return view, nil
}

// CheckIDType validates t against the id types the API accepts.
func (d Descriptor) CheckIDType(t IDType) error {
	allowed := make([]string, len(d.IDTypes))
	for i, it := range d.IDTypes {
		allowed[i] = string(it)
	}
	return CheckParameter(string(t), allowed, "id_type")
}

// PageSize returns the number of entries requested per page for view.
func (d Descriptor) PageSize(view string) int {
	if n, ok := d.PageSizes[view]; ok {
		return n
	}
	return 25
}

// AllowsNotFound reports whether a 404 is a valid answer for view.
func (d Descriptor) AllowsNotFound(view string) bool {
	return slices.Contains(d.NotFoundViews, view)
}

// DirName is the default cache directory name, e.g. "abstract_retrieval".
func (d Descriptor) DirName() string {
	var b strings.Builder
	for i, r := range string(d.Name) {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// URL builds the request URL for an identifier lookup. For search APIs and
// NoIdentifier APIs identifier is ignored. The returned query values hold
// parameters derived from the identifier and must be merged into the request.
func (d Descriptor) URL(base string, idType IDType, identifier string) (string, url.Values) {
	base = strings.TrimRight(base, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	u := base + "/" + d.Path
	query := url.Values{}

	if d.Kind == KindSearch || d.NoIdentifier {
		return u, query
	}

	switch {
	case d.IDInQuery:
		query.Set(string(idType), identifier)
	case len(d.IDTypes) > 0:
		u += "/" + string(idType) + "/" + escapeIdentifier(identifier)
	case d.IDPathSegment != "":
		u += "/" + d.IDPathSegment + "/" + escapeIdentifier(identifier)
	default:
		u += "/" + escapeIdentifier(identifier)
	}
	return u, query
}

// escapeIdentifier escapes an identifier for use in a URL path. DOIs keep
// their slashes because the provider expects them verbatim.
func escapeIdentifier(id string) string {
	parts := strings.Split(id, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// ValidationError reports a parameter outside its permitted set. It is
// raised before any network call.
type ValidationError struct {
	Parameter string
	Value     string
	Allowed   []string
	Reason    string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid %s %q: %s", e.Parameter, e.Value, e.Reason)
	}
	return fmt.Sprintf("parameter '%s' must be one of %s (got %q)",
		e.Parameter, strings.Join(e.Allowed, ", "), e.Value)
}

// CheckParameter returns a *ValidationError when value is not in allowed.
func CheckParameter(value string, allowed []string, name string) error {
	if slices.Contains(allowed, value) {
		return nil
	}
	return &ValidationError{Parameter: name, Value: value, Allowed: allowed}
}
