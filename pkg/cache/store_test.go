package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/scopus-client/pkg/api"
	"github.com/Sternrassler/scopus-client/pkg/document"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), nil, zerolog.Nop())
}

func TestStore_Dir(t *testing.T) {
	base := t.TempDir()
	custom := filepath.Join(base, "custom")
	s := NewStore(base, map[api.Name]string{api.AuthorRetrieval: custom, api.ScopusSearch: ""}, zerolog.Nop())

	tests := []struct {
		name api.Name
		want string
	}{
		{api.AuthorRetrieval, custom},
		{api.AbstractRetrieval, filepath.Join(base, "Scopus", "abstract_retrieval")},
		{api.ScopusSearch, filepath.Join(base, "Scopus", "scopus_search")},
		{api.ScienceDirectSearch, filepath.Join(base, "ScienceDirect", "science_direct_search")},
	}
	for _, tt := range tests {
		if got := s.Dir(tt.name); got != tt.want {
			t.Errorf("Dir(%s) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestStore_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	key := Key{API: api.AbstractRetrieval, View: "FULL", Identifier: "10.1000/xyz"}
	doc := document.MustParse(`{"coredata":{"prism:doi":"10.1000/xyz"}}`)

	if _, fresh := s.Lookup(key, NoRefresh); fresh {
		t.Fatal("Lookup() on empty store reported fresh")
	}
	if _, err := s.Load(key); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Load() on empty store error = %v, want ErrCacheMiss", err)
	}

	if err := s.Save(key, doc); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	path, fresh := s.Lookup(key, NoRefresh)
	if !fresh {
		t.Fatal("Lookup() after Save() not fresh")
	}
	wantPath := filepath.Join(s.Dir(api.AbstractRetrieval), "FULL", "10.1000_xyz")
	if path != wantPath {
		t.Errorf("path = %q, want %q", path, wantPath)
	}

	got, err := s.Load(key)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !got.Equal(doc) {
		t.Errorf("Load() = %s, want %s", got.Raw(), doc.Raw())
	}
}

func TestStore_LookupRefreshPolicies(t *testing.T) {
	s := newTestStore(t)
	key := Key{API: api.AuthorRetrieval, View: "ENHANCED", Identifier: "7004212771"}
	if err := s.Save(key, document.MustParse(`{"a":1}`)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	old := time.Now().Add(-10 * 24 * time.Hour)
	if err := os.Chtimes(s.Path(key), old, old); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	tests := []struct {
		name    string
		refresh Refresh
		want    bool
	}{
		{"no refresh", NoRefresh, true},
		{"force", ForceRefresh, false},
		{"30 days", RefreshAfterDays(30), true},
		{"5 days", RefreshAfterDays(5), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, fresh := s.Lookup(key, tt.refresh); fresh != tt.want {
				t.Errorf("Lookup(%v) fresh = %v, want %v", tt.refresh, fresh, tt.want)
			}
		})
	}
}

func TestStore_SaveOverwritesAndBumpsMtime(t *testing.T) {
	s := newTestStore(t)
	key := Key{API: api.ScopusSearch, View: "STANDARD", Query: "TITLE(x)"}

	if err := s.Save(key, document.MustParse(`{"v":1}`)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	old := time.Now().Add(-48 * time.Hour)
	_ = os.Chtimes(s.Path(key), old, old)

	if err := s.Save(key, document.MustParse(`{"v":2}`)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, fresh := s.Lookup(key, RefreshAfterDays(1)); !fresh {
		t.Error("rewritten entry should be fresh")
	}
	doc, err := s.Load(key)
	if err != nil || doc.Int(0, "v") != 2 {
		t.Errorf("Load() = %v, %v; want v=2", doc, err)
	}

	entries, _ := os.ReadDir(filepath.Dir(s.Path(key)))
	if len(entries) != 1 {
		t.Errorf("directory holds %d files, want 1 (no temp files left)", len(entries))
	}
}

func TestStore_LoadInvalidEntry(t *testing.T) {
	s := newTestStore(t)
	key := Key{API: api.SerialTitle, View: "ENHANCED", Identifier: "0028-0836"}

	path := s.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{truncated"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Load(key); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Load() error = %v, want ErrInvalidEntry", err)
	}
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)
	key := Key{API: api.AbstractRetrieval, View: "META", Identifier: "85068268027"}

	if err := s.Delete(key); err != nil {
		t.Errorf("Delete() of missing entry error = %v", err)
	}
	_ = s.Save(key, document.MustParse(`{}`))
	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := s.Stat(key); ok {
		t.Error("entry still exists after Delete()")
	}
}

// Readers racing with writers must only ever see complete documents.
func TestStore_ConcurrentSaveAndLoad(t *testing.T) {
	s := newTestStore(t)
	key := Key{API: api.ScopusSearch, View: "COMPLETE", Query: "ALL(x)"}
	_ = s.Save(key, document.MustParse(`{"n":0}`))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				body := fmt.Sprintf(`{"n":%d,"pad":"%0512d"}`, w*100+i, i)
				if err := s.Save(key, document.MustParse(body)); err != nil {
					t.Errorf("Save() error = %v", err)
					return
				}
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if _, err := s.Load(key); err != nil {
					t.Errorf("Load() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
