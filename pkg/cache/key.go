package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/Sternrassler/scopus-client/pkg/api"
)

// Key identifies one cached response.
type Key struct {
	// API selects the cache directory.
	API api.Name

	// View is the sub-directory below the API directory.
	View string

	// Identifier is set for retrieval lookups.
	Identifier string

	// IDType disambiguates numeric identifiers that are not Scopus IDs.
	IDType api.IDType

	// Query is set for search lookups. It takes precedence over Identifier.
	Query string

	// Params are extra request parameters; they change the response and
	// therefore the file name.
	Params url.Values

	// Offset is the start index of a search page.
	Offset int
}

// unsafeChars are replaced by "_" in identifier file names.
var unsafeChars = strings.NewReplacer(
	"/", "_", `\`, "_", ":", "_", "*", "_", "?", "_",
	`"`, "_", "<", "_", ">", "_", "|", "_",
)

// FileName returns the file name of the entry below {dir}/{view}.
//
// Identifier lookups use the identifier itself with path separators replaced
// (10.1000/xyz becomes 10.1000_xyz). Search lookups use the MD5 digest of the
// normalised query, view and params followed by "_{offset}".
func (k Key) FileName() string {
	if k.Query != "" || k.isSearch() {
		return fmt.Sprintf("%s_%d", digest(NormalizeQuery(k.Query), k.View, k.Params.Encode()), k.Offset)
	}

	if k.Identifier == "" {
		return digest(k.Params.Encode())
	}

	name := unsafeChars.Replace(strings.TrimSpace(k.Identifier))
	switch k.IDType {
	case api.IDTypePubMedID, api.IDTypePUI:
		name = string(k.IDType) + "_" + name
	}
	if len(k.Params) > 0 {
		name += "-" + digest(k.Params.Encode())
	}
	return name
}

// isSearch reports whether the key belongs to a search API. Searches by
// parameters only have no query string but still page.
func (k Key) isSearch() bool {
	d, err := api.Lookup(k.API)
	return err == nil && d.Kind == api.KindSearch
}

// RelPath returns the entry path relative to the API directory.
func (k Key) RelPath() string {
	return filepath.Join(k.View, k.FileName())
}

// String returns a readable form for logs, e.g. AbstractRetrieval/FULL/10.1000_xyz.
func (k Key) String() string {
	return string(k.API) + "/" + filepath.ToSlash(k.RelPath())
}

// NormalizeQuery trims the query and collapses internal whitespace, so
// reformatted queries share a cache entry.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

func digest(parts ...string) string {
	sum := md5.Sum([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}
