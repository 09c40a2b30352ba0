package retrieval

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/scopus-client/internal/testutil"
	"github.com/Sternrassler/scopus-client/pkg/api"
	"github.com/Sternrassler/scopus-client/pkg/cache"
	"github.com/Sternrassler/scopus-client/pkg/client"
	"github.com/Sternrassler/scopus-client/pkg/document"
)

const (
	doiPath = "/content/abstract/doi/10.1000/xyz"
	doiBody = `{"coredata":{"prism:doi":"10.1000/xyz"}}`
)

func newTestRetriever(t *testing.T, mock *testutil.MockScopus, keys ...string) (*Retriever, *client.Session) {
	t.Helper()
	logger := zerolog.Nop()
	s, err := client.Init(client.Config{
		APIKeys:  keys,
		CacheDir: t.TempDir(),
		BaseURL:  mock.URL(),
		Logger:   &logger,
	})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s), s
}

func TestRetrieve_DOIScenario(t *testing.T) {
	mock := testutil.NewMockScopus()
	defer mock.Close()
	mock.SetResponse(doiPath, testutil.NewOKResponse(doiBody))

	r, s := newTestRetriever(t, mock, "K1")
	doc, err := r.Retrieve(context.Background(), Request{
		API:        api.AbstractRetrieval,
		Identifier: "10.1000/xyz",
	})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}

	if !doc.Equal(document.MustParse(doiBody)) {
		t.Errorf("Retrieve() = %s, want %s", doc.Raw(), doiBody)
	}
	if got := doc.String("", "coredata", "prism:doi"); got != "10.1000/xyz" {
		t.Errorf("prism:doi = %q", got)
	}
	if mock.GetRequestCount() != 1 {
		t.Errorf("requests = %d, want 1", mock.GetRequestCount())
	}

	wantPath := filepath.Join(s.Store().Dir(api.AbstractRetrieval), "META_ABS", "10.1000_xyz")
	data, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("cache file %s: %v", wantPath, err)
	}
	if !document.MustParse(string(data)).Equal(doc) {
		t.Errorf("cached %s, want %s", data, doc.Raw())
	}
	if got := mock.GetLastQuery()["view"]; len(got) != 1 || got[0] != "META_ABS" {
		t.Errorf("view param = %v, want META_ABS", got)
	}
}

func TestRetrieve_NoRefreshHitsCacheOnce(t *testing.T) {
	mock := testutil.NewMockScopus()
	defer mock.Close()
	mock.SetResponse(doiPath, testutil.NewOKResponse(doiBody))

	r, _ := newTestRetriever(t, mock, "K1")
	req := Request{API: api.AbstractRetrieval, Identifier: "10.1000/xyz", View: "FULL", Refresh: cache.NoRefresh}

	first, err := r.Retrieve(context.Background(), req)
	if err != nil {
		t.Fatalf("first Retrieve() error = %v", err)
	}
	second, err := r.Retrieve(context.Background(), req)
	if err != nil {
		t.Fatalf("second Retrieve() error = %v", err)
	}

	if mock.GetRequestCount() != 1 {
		t.Errorf("requests = %d, want 1", mock.GetRequestCount())
	}
	if !first.Equal(second) {
		t.Error("cached document differs from fetched one")
	}
}

func TestRetrieve_RefreshPolicies(t *testing.T) {
	tests := []struct {
		name         string
		age          time.Duration
		refresh      cache.Refresh
		wantRequests int
	}{
		{name: "older than limit refetches once", age: 10 * 24 * time.Hour, refresh: cache.RefreshAfterDays(5), wantRequests: 1},
		{name: "younger than limit served", age: 2 * 24 * time.Hour, refresh: cache.RefreshAfterDays(5), wantRequests: 0},
		{name: "no refresh serves old entry", age: 400 * 24 * time.Hour, refresh: cache.NoRefresh, wantRequests: 0},
		{name: "force refresh", age: time.Minute, refresh: cache.ForceRefresh, wantRequests: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockScopus()
			defer mock.Close()
			mock.SetResponse(doiPath, testutil.NewOKResponse(doiBody))

			r, s := newTestRetriever(t, mock, "K1")
			key := cache.Key{API: api.AbstractRetrieval, View: "META_ABS", Identifier: "10.1000/xyz", IDType: api.IDTypeDOI}
			if err := s.Store().Save(key, document.MustParse(`{"coredata":{"prism:doi":"old"}}`)); err != nil {
				t.Fatal(err)
			}
			mtime := time.Now().Add(-tt.age)
			if err := os.Chtimes(s.Store().Path(key), mtime, mtime); err != nil {
				t.Fatal(err)
			}

			doc, err := r.Retrieve(context.Background(), Request{
				API:        api.AbstractRetrieval,
				Identifier: "10.1000/xyz",
				Refresh:    tt.refresh,
			})
			if err != nil {
				t.Fatalf("Retrieve() error = %v", err)
			}
			if mock.GetRequestCount() != tt.wantRequests {
				t.Errorf("requests = %d, want %d", mock.GetRequestCount(), tt.wantRequests)
			}

			want := "old"
			if tt.wantRequests > 0 {
				want = "10.1000/xyz"
			}
			if got := doc.String("", "coredata", "prism:doi"); got != want {
				t.Errorf("prism:doi = %q, want %q", got, want)
			}

			// A refetched entry is fresh again.
			if _, fresh := s.Store().Lookup(key, cache.RefreshAfterDays(1)); tt.wantRequests > 0 && !fresh {
				t.Error("refetched entry should have a new mtime")
			}
		})
	}
}

func TestRetrieve_ValidationBeforeNetwork(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"bad view", Request{API: api.AbstractRetrieval, Identifier: "10.1000/xyz", View: "COMPLETE"}},
		{"bad id type", Request{API: api.AbstractRetrieval, Identifier: "10.1000/xyz", IDType: "issn"}},
		{"undetectable id", Request{API: api.AbstractRetrieval, Identifier: "abc"}},
		{"empty identifier", Request{API: api.AuthorRetrieval}},
		{"search api", Request{API: api.ScopusSearch, Identifier: "x"}},
	}

	mock := testutil.NewMockScopus()
	defer mock.Close()
	r, _ := newTestRetriever(t, mock, "K1")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Retrieve(context.Background(), tt.req)
			var verr *client.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("Retrieve() error = %v, want *ValidationError", err)
			}
		})
	}
	if mock.GetRequestCount() != 0 {
		t.Errorf("requests = %d, want 0", mock.GetRequestCount())
	}
}

func TestRetrieve_NotFound(t *testing.T) {
	mock := testutil.NewMockScopus()
	defer mock.Close()
	r, s := newTestRetriever(t, mock, "K1")
	ctx := context.Background()

	// ENTITLED: not found is an answer.
	doc, err := r.Retrieve(ctx, Request{API: api.AbstractRetrieval, Identifier: "85000000000", View: "ENTITLED"})
	if err != nil {
		t.Fatalf("Retrieve(ENTITLED) error = %v", err)
	}
	if doc.Found() || doc.Status() != document.StatusNotFound {
		t.Errorf("Status() = %q, want not_found", doc.Status())
	}
	if !doc.Has("service-error", "status", "statusCode") {
		t.Errorf("not-found document should keep the provider message, got %s", doc.Raw())
	}
	key := cache.Key{API: api.AbstractRetrieval, View: "ENTITLED", Identifier: "85000000000", IDType: api.IDTypeScopusID}
	if _, ok := s.Store().Stat(key); ok {
		t.Error("not-found answers must not be cached")
	}

	// FULL: not found is an error.
	_, err = r.Retrieve(ctx, Request{API: api.AbstractRetrieval, Identifier: "85000000000", View: "FULL"})
	if !client.IsNotFound(err) {
		t.Errorf("Retrieve(FULL) error = %v, want 404 ClientRequestError", err)
	}
}

func TestRetrieve_ParamsPartOfKey(t *testing.T) {
	mock := testutil.NewMockScopus()
	defer mock.Close()
	mock.SetResponse("/content/author/author_id/7004212771", testutil.NewOKResponse(`{"author-retrieval-response":[{}]}`))

	r, _ := newTestRetriever(t, mock, "K1")
	ctx := context.Background()
	base := Request{API: api.AuthorRetrieval, Identifier: "7004212771"}
	withField := base
	withField.Params = url.Values{"field": {"dc:identifier"}}

	for _, req := range []Request{base, withField, base, withField} {
		if _, err := r.Retrieve(ctx, req); err != nil {
			t.Fatalf("Retrieve() error = %v", err)
		}
	}
	if mock.GetRequestCount() != 2 {
		t.Errorf("requests = %d, want 2 (one per parameter set)", mock.GetRequestCount())
	}
	if got := mock.GetLastQuery()["field"]; len(got) != 1 || got[0] != "dc:identifier" {
		t.Errorf("field param = %v", got)
	}
}

func TestRetrieve_IDInQuery(t *testing.T) {
	mock := testutil.NewMockScopus()
	defer mock.Close()
	mock.SetResponse("/content/abstract/citations", testutil.NewOKResponse(`{"abstract-citations-response":{}}`))

	r, _ := newTestRetriever(t, mock, "K1")
	_, err := r.Retrieve(context.Background(), Request{
		API:        api.CitationOverview,
		Identifier: "85068268027",
		Params:     url.Values{"date": {"2019-2020"}},
	})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}

	q := url.Values(mock.GetLastQuery())
	if q.Get("scopus_id") != "85068268027" || q.Get("date") != "2019-2020" || q.Get("view") != "STANDARD" {
		t.Errorf("query = %v", q)
	}
}

func TestRetrieve_CorruptCacheRefetched(t *testing.T) {
	mock := testutil.NewMockScopus()
	defer mock.Close()
	mock.SetResponse(doiPath, testutil.NewOKResponse(doiBody))

	r, s := newTestRetriever(t, mock, "K1")
	key := cache.Key{API: api.AbstractRetrieval, View: "META_ABS", Identifier: "10.1000/xyz", IDType: api.IDTypeDOI}
	path := s.Store().Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	doc, err := r.Retrieve(context.Background(), Request{API: api.AbstractRetrieval, Identifier: "10.1000/xyz"})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if mock.GetRequestCount() != 1 || !doc.Has("coredata") {
		t.Errorf("requests = %d, doc = %s", mock.GetRequestCount(), doc.Raw())
	}
}

func TestResolve(t *testing.T) {
	res, err := Resolve(Request{API: api.AbstractRetrieval, Identifier: " 2-s2.0-85068268027 "})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.IDType != api.IDTypeEID || res.View != "META_ABS" || res.Identifier != "2-s2.0-85068268027" {
		t.Errorf("Resolve() = %+v", res)
	}

	res, err = Resolve(Request{API: api.SubjectClassifications, Params: url.Values{"code": {"1000"}}})
	if err != nil {
		t.Fatalf("Resolve(SubjectClassifications) error = %v", err)
	}
	if res.Key.Identifier != "" || res.Key.FileName() == "" {
		t.Errorf("Key = %+v", res.Key)
	}
}
