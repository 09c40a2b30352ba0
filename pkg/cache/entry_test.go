package cache

import (
	"testing"
	"time"
)

func TestEntry_FreshAt(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		age     time.Duration
		refresh Refresh
		want    bool
	}{
		{name: "no refresh keeps old entry", age: 1000 * 24 * time.Hour, refresh: NoRefresh, want: true},
		{name: "force refresh rejects new entry", age: time.Second, refresh: ForceRefresh, want: false},
		{name: "younger than limit", age: 2 * 24 * time.Hour, refresh: RefreshAfterDays(3), want: true},
		{name: "exactly at limit", age: 3 * 24 * time.Hour, refresh: RefreshAfterDays(3), want: true},
		{name: "older than limit", age: 3*24*time.Hour + time.Minute, refresh: RefreshAfterDays(3), want: false},
		{name: "zero days rejects anything older than now", age: time.Minute, refresh: RefreshAfterDays(0), want: false},
		{name: "negative days clamps to zero", age: time.Minute, refresh: RefreshAfterDays(-5), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Entry{ModTime: now.Add(-tt.age)}
			if got := e.FreshAt(tt.refresh, now); got != tt.want {
				t.Errorf("FreshAt(%v) with age %v = %v, want %v", tt.refresh, tt.age, got, tt.want)
			}
		})
	}
}

func TestRefresh_Accessors(t *testing.T) {
	if !ForceRefresh.IsForced() || NoRefresh.IsForced() {
		t.Error("IsForced() mismatch")
	}
	if RefreshFromBool(true) != ForceRefresh || RefreshFromBool(false) != NoRefresh {
		t.Error("RefreshFromBool() mismatch")
	}
	if d, ok := RefreshAfterDays(2).MaxAge(); !ok || d != 48*time.Hour {
		t.Errorf("MaxAge() = %v, %v; want 48h", d, ok)
	}
	if _, ok := NoRefresh.MaxAge(); ok {
		t.Error("NoRefresh should have no max age")
	}
	if got := RefreshAfterDays(7).String(); got != "7d" {
		t.Errorf("String() = %q, want 7d", got)
	}
}
