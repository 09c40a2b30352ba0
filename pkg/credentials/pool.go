// Package credentials manages the ordered pool of API keys (each optionally
// paired with an institutional token) and tracks which of them the provider
// has refused during the current session.
package credentials

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrNoKeys is returned when the pool is built without any API key.
	ErrNoKeys = errors.New("no API keys provided")

	// ErrTooManyTokens is returned when there are more institutional tokens
	// than API keys.
	ErrTooManyTokens = errors.New("more institutional tokens than API keys")

	// ErrQuotaExceeded is returned once every credential is exhausted.
	ErrQuotaExceeded = errors.New("quota exceeded for all API keys")
)

var (
	keyExhaustionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scopus_key_exhaustions_total",
		Help: "Total number of API keys marked exhausted",
	})

	keysUsable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scopus_keys_usable",
		Help: "Number of API keys not yet exhausted, summed over open pools",
	})
)

// Credential is an API key with its optional institutional token.
type Credential struct {
	Key       string
	InstToken string
}

// HasToken reports whether an institutional token is attached.
func (c Credential) HasToken() bool {
	return c.InstToken != ""
}

// Masked returns the key with all but the last four characters hidden, for
// logs and metric labels.
func (c Credential) Masked() string {
	return Mask(c.Key)
}

// Mask hides all but the last four characters of key.
func Mask(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}

// Pool is an ordered set of credentials. Order is the priority for first use.
type Pool struct {
	mu          sync.Mutex
	credentials []Credential
	exhausted   map[string]bool
	released    bool
}

// New builds a pool. Tokens pair with keys by position; a blank token or a key
// beyond the last token has none. Blank keys are dropped.
func New(keys, tokens []string) (*Pool, error) {
	keys = clean(keys)
	tokens = TrimTokens(tokens)

	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	if len(tokens) > len(keys) {
		return nil, fmt.Errorf("%w (%d tokens, %d keys)", ErrTooManyTokens, len(tokens), len(keys))
	}

	creds := make([]Credential, len(keys))
	for i, k := range keys {
		creds[i] = Credential{Key: k}
		if i < len(tokens) {
			creds[i].InstToken = tokens[i]
		}
	}

	keysUsable.Add(float64(len(creds)))
	return &Pool{
		credentials: creds,
		exhausted:   make(map[string]bool),
	}, nil
}

// Next returns the highest-priority credential that is not exhausted.
func (p *Pool) Next() (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.credentials {
		if !p.exhausted[c.Key] {
			return c, nil
		}
	}
	return Credential{}, ErrQuotaExceeded
}

// MarkExhausted flags key as unusable for the rest of the session. It
// reports whether another credential is still available.
func (p *Pool) MarkExhausted(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.exhausted[key] && p.hasKeyLocked(key) {
		p.exhausted[key] = true
		keyExhaustionsTotal.Inc()
		if !p.released {
			keysUsable.Dec()
		}
	}
	return len(p.usableLocked()) > 0
}

// Release removes the pool's usable keys from the scopus_keys_usable gauge.
// The pool keeps working; only its contribution to the gauge ends.
func (p *Pool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return
	}
	p.released = true
	keysUsable.Sub(float64(len(p.usableLocked())))
}

// IsExhausted reports whether key has been flagged.
func (p *Pool) IsExhausted(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exhausted[key]
}

// Usable returns the credentials that are not exhausted, in priority order.
func (p *Pool) Usable() []Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usableLocked()
}

// All returns every credential in priority order.
func (p *Pool) All() []Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Credential, len(p.credentials))
	copy(out, p.credentials)
	return out
}

// Len returns the number of credentials in the pool.
func (p *Pool) Len() int {
	return len(p.credentials)
}

func (p *Pool) hasKeyLocked(key string) bool {
	for _, c := range p.credentials {
		if c.Key == key {
			return true
		}
	}
	return false
}

func (p *Pool) usableLocked() []Credential {
	out := make([]Credential, 0, len(p.credentials))
	for _, c := range p.credentials {
		if !p.exhausted[c.Key] {
			out = append(out, c)
		}
	}
	return out
}

// TrimTokens trims each token and drops trailing blanks. Inner blanks stay so
// that later tokens keep their key position.
func TrimTokens(tokens []string) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = strings.TrimSpace(t)
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return out
}

func clean(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
