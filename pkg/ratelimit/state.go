package ratelimit

import (
	"time"
)

// Quota headers sent by the provider on every response.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// QuotaLowThreshold is the remaining count below which a key is logged as
// running low.
const QuotaLowThreshold = 100

// QuotaStaleAfter is the age after which a reported quota is shown as stale.
const QuotaStaleAfter = 24 * time.Hour

// QuotaState is the last quota the provider reported for one API key.
type QuotaState struct {
	// Limit is the weekly request allowance (X-RateLimit-Limit).
	Limit int `json:"limit"`

	// Remaining is the number of requests left (X-RateLimit-Remaining).
	Remaining int `json:"remaining"`

	// ResetAt is when the allowance is restored (X-RateLimit-Reset, epoch seconds).
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when the headers were observed.
	LastUpdate time.Time `json:"last_update"`
}

// IsStale returns true if the state is older than maxAge.
func (s *QuotaState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// IsDepleted reports whether no request is left before the reset.
func (s *QuotaState) IsDepleted() bool {
	return s.Remaining <= 0 && time.Now().Before(s.ResetAt)
}

// IsLow reports whether the key is below QuotaLowThreshold.
func (s *QuotaState) IsLow() bool {
	return s.Remaining < QuotaLowThreshold
}

// TimeUntilReset returns the duration until the quota resets, 0 if the
// reset time has already passed.
func (s *QuotaState) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}
