package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/scopus-client/pkg/credentials"
)

// RedisKeyPrefix prefixes the hash holding the quota state of one key.
const RedisKeyPrefix = "scopus:quota:"

var quotaRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "scopus_quota_remaining",
	Help: "Requests remaining for an API key as reported by X-RateLimit-Remaining",
}, []string{"key"})

// QuotaStore persists quota states by API key. Get returns nil, nil for a
// key nothing is known about.
type QuotaStore interface {
	Get(ctx context.Context, apiKey string) (*QuotaState, error)
	Set(ctx context.Context, apiKey string, state *QuotaState) error
}

// MemoryStore keeps quota states in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]QuotaState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]QuotaState)}
}

// Get implements QuotaStore.
func (m *MemoryStore) Get(_ context.Context, apiKey string) (*QuotaState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[apiKey]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// Set implements QuotaStore.
func (m *MemoryStore) Set(_ context.Context, apiKey string, state *QuotaState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[apiKey] = *state
	return nil
}

// RedisStore shares quota states between processes using the same keys.
// Keys are stored hashed, never in clear text.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a store backed by redisClient.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	return &RedisStore{redis: redisClient}
}

// RedisKey returns the Redis hash name for apiKey.
func RedisKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return RedisKeyPrefix + hex.EncodeToString(sum[:8])
}

// Get implements QuotaStore.
func (r *RedisStore) Get(ctx context.Context, apiKey string) (*QuotaState, error) {
	fields, err := r.redis.HGetAll(ctx, RedisKey(apiKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("get quota state: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	state := &QuotaState{}
	if state.Limit, err = strconv.Atoi(fields["limit"]); err != nil {
		return nil, fmt.Errorf("parse stored limit: %w", err)
	}
	if state.Remaining, err = strconv.Atoi(fields["remaining"]); err != nil {
		return nil, fmt.Errorf("parse stored remaining: %w", err)
	}
	reset, err := strconv.ParseInt(fields["reset"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse stored reset: %w", err)
	}
	state.ResetAt = time.Unix(reset, 0)
	if err := state.LastUpdate.UnmarshalText([]byte(fields["last_update"])); err != nil {
		return nil, fmt.Errorf("parse stored last update: %w", err)
	}
	return state, nil
}

// Set implements QuotaStore. The hash expires an hour after the reset time.
func (r *RedisStore) Set(ctx context.Context, apiKey string, state *QuotaState) error {
	lastUpdate, err := state.LastUpdate.MarshalText()
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	key := RedisKey(apiKey)
	ttl := time.Until(state.ResetAt) + time.Hour
	if ttl < time.Hour {
		ttl = time.Hour
	}

	pipe := r.redis.Pipeline()
	pipe.HSet(ctx, key,
		"limit", state.Limit,
		"remaining", state.Remaining,
		"reset", state.ResetAt.Unix(),
		"last_update", string(lastUpdate),
	)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store quota state in redis: %w", err)
	}
	return nil
}

// QuotaTracker records the per-key quota reported in response headers.
type QuotaTracker struct {
	store  QuotaStore
	logger zerolog.Logger
}

// NewQuotaTracker creates a tracker. A nil store falls back to memory.
func NewQuotaTracker(store QuotaStore, logger zerolog.Logger) *QuotaTracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &QuotaTracker{
		store:  store,
		logger: logger,
	}
}

// ParseQuotaHeaders extracts the quota headers. ok is false when the
// response carries none of them.
func ParseQuotaHeaders(headers http.Header) (state *QuotaState, ok bool, err error) {
	remainStr := headers.Get(HeaderRemaining)
	if remainStr == "" {
		return nil, false, nil
	}

	state = &QuotaState{LastUpdate: time.Now()}
	if state.Remaining, err = strconv.Atoi(remainStr); err != nil {
		return nil, false, fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}
	if v := headers.Get(HeaderLimit); v != "" {
		if state.Limit, err = strconv.Atoi(v); err != nil {
			return nil, false, fmt.Errorf("parse %s header: %w", HeaderLimit, err)
		}
	}
	if v := headers.Get(HeaderReset); v != "" {
		reset, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, false, fmt.Errorf("parse %s header: %w", HeaderReset, err)
		}
		state.ResetAt = time.Unix(reset, 0)
	}
	return state, true, nil
}

// UpdateFromHeaders stores the quota reported for apiKey. Responses without
// quota headers are ignored.
func (t *QuotaTracker) UpdateFromHeaders(ctx context.Context, apiKey string, headers http.Header) error {
	state, ok, err := ParseQuotaHeaders(headers)
	if err != nil || !ok {
		return err
	}

	if err := t.store.Set(ctx, apiKey, state); err != nil {
		return err
	}

	masked := credentials.Mask(apiKey)
	quotaRemaining.WithLabelValues(masked).Set(float64(state.Remaining))

	event := t.logger.Debug()
	if state.IsLow() {
		event = t.logger.Warn()
	}
	event.
		Str("key", masked).
		Int("remaining", state.Remaining).
		Int("limit", state.Limit).
		Time("reset_at", state.ResetAt).
		Msg("API key quota updated")
	return nil
}

// State returns the last known quota for apiKey, nil when none was seen.
func (t *QuotaTracker) State(ctx context.Context, apiKey string) (*QuotaState, error) {
	return t.store.Get(ctx, apiKey)
}

// Remaining returns the remaining request count for apiKey. ok is false
// when no response for that key has been seen yet.
func (t *QuotaTracker) Remaining(ctx context.Context, apiKey string) (remaining int, ok bool, err error) {
	state, err := t.store.Get(ctx, apiKey)
	if err != nil || state == nil {
		return 0, false, err
	}
	return state.Remaining, true, nil
}

// ResetTime returns when the quota for apiKey resets. ok is false when no
// response for that key has been seen yet.
func (t *QuotaTracker) ResetTime(ctx context.Context, apiKey string) (reset time.Time, ok bool, err error) {
	state, err := t.store.Get(ctx, apiKey)
	if err != nil || state == nil {
		return time.Time{}, false, err
	}
	return state.ResetAt, true, nil
}
