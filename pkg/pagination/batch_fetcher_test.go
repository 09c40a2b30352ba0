package pagination

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// fakeFetcher serves pages of sequential integers.
type fakeFetcher struct {
	total    int
	pageSize int
	failAt   map[int]error
	delay    func(offset int) time.Duration

	// next overrides the cursor returned in cursor mode.
	next func(offset int) string

	mu       sync.Mutex
	requests []int
	inFlight int32
	maxSeen  int32
}

func (f *fakeFetcher) FetchPage(ctx context.Context, offset int, cursor string) (*Page, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, n) {
			break
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, offset)
	f.mu.Unlock()

	if f.delay != nil {
		select {
		case <-time.After(f.delay(offset)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err, ok := f.failAt[offset]; ok {
		return nil, err
	}

	page := &Page{Offset: offset}
	for i := offset; i < offset+f.pageSize && i < f.total; i++ {
		page.Entries = append(page.Entries, gjson.Parse(strconv.Itoa(i)))
	}
	if f.next != nil {
		page.Next = f.next(offset)
	} else if len(page.Entries) > 0 {
		page.Next = strconv.Itoa(offset + len(page.Entries))
	}
	return page, nil
}

func (f *fakeFetcher) firstPage() *Page {
	page, _ := f.FetchPage(context.Background(), 0, "*")
	f.mu.Lock()
	f.requests = nil
	f.mu.Unlock()
	return page
}

func flatten(pages []*Page) []int64 {
	var out []int64
	for _, p := range pages {
		for _, e := range p.Entries {
			out = append(out, e.Int())
		}
	}
	return out
}

func sequence(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i)
	}
	return out
}

func TestOffsets(t *testing.T) {
	tests := []struct {
		name     string
		total    int
		pageSize int
		want     []int
	}{
		{"single page", 20, 25, nil},
		{"exact fit", 50, 25, []int{25}},
		{"remainder", 60, 25, []int{25, 50}},
		{"empty", 0, 25, nil},
		{"zero page size", 60, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Offsets(tt.total, tt.pageSize); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Offsets(%d, %d) = %v, want %v", tt.total, tt.pageSize, got, tt.want)
			}
		})
	}
}

func TestFetchOffsets_SinglePage(t *testing.T) {
	f := &fakeFetcher{total: 10, pageSize: 25}
	bf := NewBatchFetcher(f, DefaultConfig(), zerolog.Nop())

	pages, err := bf.FetchOffsets(context.Background(), f.firstPage(), 10, 25)
	if err != nil {
		t.Fatalf("FetchOffsets() error = %v", err)
	}
	if len(pages) != 1 {
		t.Errorf("pages = %d, want 1", len(pages))
	}
	if len(f.requests) != 0 {
		t.Errorf("requests = %v, want none", f.requests)
	}
}

func TestFetchOffsets_OrderedReassembly(t *testing.T) {
	// Earlier pages are slower so they complete out of order.
	f := &fakeFetcher{
		total:    120,
		pageSize: 10,
		delay:    func(offset int) time.Duration { return time.Duration(120-offset) * 100 * time.Microsecond },
	}
	bf := NewBatchFetcher(f, Config{MaxConcurrency: 3}, zerolog.Nop())

	pages, err := bf.FetchOffsets(context.Background(), f.firstPage(), 120, 10)
	if err != nil {
		t.Fatalf("FetchOffsets() error = %v", err)
	}
	if len(pages) != 12 {
		t.Fatalf("pages = %d, want 12", len(pages))
	}
	if got := flatten(pages); !reflect.DeepEqual(got, sequence(120)) {
		t.Errorf("entries out of order: %v", got)
	}
	if len(f.requests) != 11 {
		t.Errorf("requests = %d, want 11", len(f.requests))
	}
	if max := atomic.LoadInt32(&f.maxSeen); max > 3 {
		t.Errorf("max concurrent requests = %d, want <= 3", max)
	}
}

func TestFetchOffsets_SequentialByDefault(t *testing.T) {
	f := &fakeFetcher{total: 50, pageSize: 10}
	bf := NewBatchFetcher(f, Config{}, zerolog.Nop())

	if _, err := bf.FetchOffsets(context.Background(), f.firstPage(), 50, 10); err != nil {
		t.Fatalf("FetchOffsets() error = %v", err)
	}
	if !reflect.DeepEqual(f.requests, []int{10, 20, 30, 40}) {
		t.Errorf("requests = %v, want [10 20 30 40]", f.requests)
	}
	if max := atomic.LoadInt32(&f.maxSeen); max != 1 {
		t.Errorf("max concurrent requests = %d, want 1", max)
	}
}

func TestFetchOffsets_ErrorReturnsPrefix(t *testing.T) {
	boom := errors.New("boom")
	f := &fakeFetcher{
		total:    50,
		pageSize: 10,
		failAt:   map[int]error{30: boom},
	}
	bf := NewBatchFetcher(f, DefaultConfig(), zerolog.Nop())

	pages, err := bf.FetchOffsets(context.Background(), f.firstPage(), 50, 10)
	if !errors.Is(err, boom) {
		t.Fatalf("FetchOffsets() error = %v, want boom", err)
	}
	if got := flatten(pages); !reflect.DeepEqual(got, sequence(30)) {
		t.Errorf("partial entries = %v, want 0..29", got)
	}
}

func TestFetchOffsets_ConcurrentErrorKeepsCause(t *testing.T) {
	boom := errors.New("boom")
	f := &fakeFetcher{
		total:    100,
		pageSize: 10,
		failAt:   map[int]error{20: boom},
		delay: func(offset int) time.Duration {
			if offset == 20 {
				return 0
			}
			return 20 * time.Millisecond
		},
	}
	bf := NewBatchFetcher(f, Config{MaxConcurrency: 4}, zerolog.Nop())

	pages, err := bf.FetchOffsets(context.Background(), f.firstPage(), 100, 10)
	if !errors.Is(err, boom) {
		t.Fatalf("FetchOffsets() error = %v, want boom", err)
	}
	if len(pages) == 0 || pages[0].Offset != 0 {
		t.Fatalf("partial pages must start with the first page, got %d pages", len(pages))
	}
	for i, p := range pages {
		if p.Offset != i*10 {
			t.Errorf("pages[%d].Offset = %d, want %d", i, p.Offset, i*10)
		}
	}
}

func TestFetchOffsets_ContextCancelled(t *testing.T) {
	f := &fakeFetcher{total: 50, pageSize: 10}
	bf := NewBatchFetcher(f, DefaultConfig(), zerolog.Nop())
	first := f.firstPage()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pages, err := bf.FetchOffsets(ctx, first, 50, 10)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("FetchOffsets() error = %v, want context.Canceled", err)
	}
	if len(pages) != 1 {
		t.Errorf("pages = %d, want only the first", len(pages))
	}
}

func TestFetchCursor(t *testing.T) {
	tests := []struct {
		name         string
		total        int
		reported     int
		next         func(offset int) string
		wantEntries  int
		wantRequests int
	}{
		{
			name:         "follows cursor to total",
			total:        45,
			reported:     45,
			wantEntries:  45,
			wantRequests: 4,
		},
		{
			name:         "stops on empty page",
			total:        25,
			reported:     40,
			wantEntries:  25,
			wantRequests: 3,
		},
		{
			name:         "stops when cursor does not advance",
			total:        100,
			reported:     100,
			next:         func(int) string { return "same" },
			wantEntries:  20,
			wantRequests: 1,
		},
		{
			name:         "stops without cursor",
			total:        100,
			reported:     100,
			next:         func(int) string { return "" },
			wantEntries:  10,
			wantRequests: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFetcher{total: tt.total, pageSize: 10, next: tt.next}
			bf := NewBatchFetcher(f, DefaultConfig(), zerolog.Nop())

			pages, err := bf.FetchCursor(context.Background(), f.firstPage(), tt.reported)
			if err != nil {
				t.Fatalf("FetchCursor() error = %v", err)
			}
			if got := flatten(pages); len(got) != tt.wantEntries {
				t.Errorf("entries = %d, want %d", len(got), tt.wantEntries)
			}
			if len(f.requests) != tt.wantRequests {
				t.Errorf("requests = %v, want %d", f.requests, tt.wantRequests)
			}
		})
	}
}

func TestFetchCursor_Error(t *testing.T) {
	boom := errors.New("boom")
	f := &fakeFetcher{total: 40, pageSize: 10, failAt: map[int]error{20: boom}}
	bf := NewBatchFetcher(f, DefaultConfig(), zerolog.Nop())

	pages, err := bf.FetchCursor(context.Background(), f.firstPage(), 40)
	if !errors.Is(err, boom) {
		t.Fatalf("FetchCursor() error = %v, want boom", err)
	}
	if len(pages) != 2 {
		t.Errorf("pages = %d, want 2", len(pages))
	}
	if want := fmt.Sprintf("fetch page at cursor %q", "20"); !strings.HasPrefix(err.Error(), want) {
		t.Errorf("error = %q, want prefix %q", err, want)
	}
}
