package cache

import (
	"fmt"
	"time"
)

type refreshMode int

const (
	modeNever refreshMode = iota
	modeAlways
	modeAge
)

// Refresh decides whether an existing entry may be served.
type Refresh struct {
	mode refreshMode
	days int
}

var (
	// NoRefresh serves any existing entry regardless of its age.
	NoRefresh = Refresh{mode: modeNever}

	// ForceRefresh always re-fetches.
	ForceRefresh = Refresh{mode: modeAlways}
)

// RefreshAfterDays re-fetches entries older than n days. Negative values
// are treated as zero.
func RefreshAfterDays(n int) Refresh {
	if n < 0 {
		n = 0
	}
	return Refresh{mode: modeAge, days: n}
}

// RefreshFromBool maps true to ForceRefresh and false to NoRefresh.
func RefreshFromBool(force bool) Refresh {
	if force {
		return ForceRefresh
	}
	return NoRefresh
}

// MaxAge returns the age limit and whether one applies.
func (r Refresh) MaxAge() (time.Duration, bool) {
	if r.mode != modeAge {
		return 0, false
	}
	return time.Duration(r.days) * 24 * time.Hour, true
}

// IsForced reports whether the entry is always re-fetched.
func (r Refresh) IsForced() bool {
	return r.mode == modeAlways
}

func (r Refresh) String() string {
	switch r.mode {
	case modeAlways:
		return "force"
	case modeAge:
		return fmt.Sprintf("%dd", r.days)
	default:
		return "never"
	}
}

// Entry describes a cache file on disk.
type Entry struct {
	Path    string
	ModTime time.Time
	Size    int64
}

// Age returns how old the entry is at now.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.ModTime)
}

// FreshAt reports whether the entry may be served at now under r.
func (e Entry) FreshAt(r Refresh, now time.Time) bool {
	switch r.mode {
	case modeAlways:
		return false
	case modeAge:
		maxAge, _ := r.MaxAge()
		return e.Age(now) <= maxAge
	default:
		return true
	}
}
