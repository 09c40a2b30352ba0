// Package document wraps a parsed Scopus response and provides safe nested
// lookups over it.
//
// Scopus payloads are JSON renderings of XML records. The same field can be an
// object, a list of objects or missing entirely depending on the record, so
// callers should never index into a payload directly. Every accessor here
// takes a path of keys (strings) and list indices (ints) and returns the zero
// gjson.Result, or the supplied default, when any step is absent or has the
// wrong shape.
//
//	doc, _ := document.Parse(body)
//	doi := doc.String("", "abstracts-retrieval-response", "coredata", "prism:doi")
//	for _, a := range document.Listify(doc.Get("affiliation")) {
//		fmt.Println(a.Get("affilname").String())
//	}
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrInvalidJSON is returned by Parse when the body is not valid JSON.
var ErrInvalidJSON = errors.New("invalid JSON document")

// Status tells whether a document carries a record or a "not found" answer.
type Status string

const (
	// StatusOK marks a regular document.
	StatusOK Status = "ok"

	// StatusNotFound marks a valid negative answer, e.g. an ENTITLED view for
	// an identifier the provider does not know.
	StatusNotFound Status = "not_found"
)

// Document is an immutable parsed response.
type Document struct {
	raw    []byte
	status Status
}

// Parse validates data as JSON and wraps it.
func Parse(data []byte) (*Document, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrInvalidJSON
	}
	raw := make([]byte, len(data))
	copy(raw, data)
	return &Document{raw: raw, status: StatusOK}, nil
}

// MustParse is like Parse but panics on invalid input. Intended for tests and
// literals.
func MustParse(data string) *Document {
	doc, err := Parse([]byte(data))
	if err != nil {
		panic(fmt.Sprintf("document: %v", err))
	}
	return doc
}

// NotFound builds a document for a "not found" answer. body is kept when it
// is valid JSON so callers can inspect the provider's message.
func NotFound(body []byte) *Document {
	doc, err := Parse(body)
	if err != nil {
		doc = &Document{raw: []byte("{}")}
	}
	doc.status = StatusNotFound
	return doc
}

// Status returns the document status.
func (d *Document) Status() Status {
	return d.status
}

// Found reports whether the document carries a record.
func (d *Document) Found() bool {
	return d.status != StatusNotFound
}

// Raw returns the underlying JSON bytes. The slice must not be modified.
func (d *Document) Raw() []byte {
	return d.raw
}

// Root returns the whole document as a gjson.Result.
func (d *Document) Root() gjson.Result {
	return gjson.ParseBytes(d.raw)
}

// Get returns the value at path. A missing step yields a result whose
// Exists() is false.
func (d *Document) Get(path ...any) gjson.Result {
	if len(path) == 0 {
		return d.Root()
	}
	return gjson.GetBytes(d.raw, Path(path...))
}

// Has reports whether a value exists at path.
func (d *Document) Has(path ...any) bool {
	return d.Get(path...).Exists()
}

// String returns the string at path, or def when it is missing or null.
func (d *Document) String(def string, path ...any) string {
	r := d.Get(path...)
	if !r.Exists() || r.Type == gjson.Null {
		return def
	}
	return r.String()
}

// Int returns the integer at path, or def when it is missing or not numeric.
// Scopus often sends numbers as strings; those are converted.
func (d *Document) Int(def int64, path ...any) int64 {
	return Int(d.Get(path...), def)
}

// Sub returns the value at path as a new document. ok is false when the path
// is missing or does not hold an object or array.
func (d *Document) Sub(path ...any) (sub *Document, ok bool) {
	r := d.Get(path...)
	if !r.IsObject() && !r.IsArray() {
		return nil, false
	}
	return &Document{raw: []byte(r.Raw), status: d.status}, true
}

// Unwrap returns the value at path as a document, or d itself when the
// envelope is absent.
func (d *Document) Unwrap(path ...any) *Document {
	if sub, ok := d.Sub(path...); ok {
		return sub
	}
	return d
}

// Equal reports whether two documents hold the same JSON value, ignoring
// formatting and key order.
func (d *Document) Equal(other *Document) bool {
	if d == nil || other == nil {
		return d == other
	}
	var a, b any
	if err := json.Unmarshal(d.raw, &a); err != nil {
		return false
	}
	if err := json.Unmarshal(other.raw, &b); err != nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// Lookup resolves path against an already extracted value, e.g. a search
// entry.
func Lookup(r gjson.Result, path ...any) gjson.Result {
	if len(path) == 0 {
		return r
	}
	return r.Get(Path(path...))
}

// Listify turns a value that may be a single object or a list into a slice.
// Missing and null values give nil.
func Listify(r gjson.Result) []gjson.Result {
	switch {
	case !r.Exists() || r.Type == gjson.Null:
		return nil
	case r.IsArray():
		return r.Array()
	default:
		return []gjson.Result{r}
	}
}

// Int converts r to an integer, accepting numeric strings.
func Int(r gjson.Result, def int64) int64 {
	switch r.Type {
	case gjson.Number:
		return r.Int()
	case gjson.String:
		n, err := strconv.ParseInt(strings.TrimSpace(r.Str), 10, 64)
		if err != nil {
			return def
		}
		return n
	default:
		return def
	}
}

// pathSpecial holds the characters gjson gives a meaning to inside a path.
const pathSpecial = `\.*?|#@!{}[]()=<>%,"`

// Path joins keys and indices into an escaped gjson path, so keys such as
// "@status" or "prism:url" are matched literally.
func Path(parts ...any) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteByte('.')
		}
		switch v := p.(type) {
		case int:
			b.WriteString(strconv.Itoa(v))
		case string:
			for _, c := range v {
				if strings.ContainsRune(pathSpecial, c) {
					b.WriteByte('\\')
				}
				b.WriteRune(c)
			}
		default:
			b.WriteString(fmt.Sprint(v))
		}
	}
	return b.String()
}
