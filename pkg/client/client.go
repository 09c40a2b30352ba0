// Package client provides the session that talks to the Elsevier APIs:
// credential rotation, per-API rate limiting, transport retries, quota
// tracking and the response cache.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/scopus-client/pkg/api"
	"github.com/Sternrassler/scopus-client/pkg/cache"
	"github.com/Sternrassler/scopus-client/pkg/credentials"
	"github.com/Sternrassler/scopus-client/pkg/document"
	"github.com/Sternrassler/scopus-client/pkg/ratelimit"
)

// Request headers understood by the provider.
const (
	HeaderAPIKey    = "X-ELS-APIKey"
	HeaderInstToken = "X-ELS-Insttoken"
)

// Defaults applied by DefaultConfig.
const (
	DefaultTimeout   = 20 * time.Second
	DefaultRetries   = 5
	DefaultUserAgent = "scopus-client/0.1.0"
)

// Prometheus metrics for API requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scopus_requests_total",
		Help: "Total API requests by API and status",
	}, []string{"api", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scopus_request_duration_seconds",
		Help:    "API request duration in seconds by API, including waits and retries",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"api"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scopus_errors_total",
		Help: "Total API errors by class",
	}, []string{"class"})
)

// CountError records an error raised outside Fetch, e.g. a search rejected
// for its size.
func CountError(class ErrorClass) {
	errorsTotal.WithLabelValues(string(class)).Inc()
}

// Config holds the session configuration.
type Config struct {
	// APIKeys in priority order. At least one is required.
	APIKeys []string

	// InstTokens pair with APIKeys by position. Optional.
	InstTokens []string

	// CacheDir is the root below which API directories are created.
	CacheDir string

	// Directories overrides the cache directory of individual APIs.
	Directories map[api.Name]string

	// Timeout per HTTP request.
	Timeout time.Duration

	// Retries is the number of transport-level retries.
	Retries int

	// RetryBackoff is the first transport retry delay. Defaults to 500ms.
	RetryBackoff time.Duration

	// UserAgent header sent with every request.
	UserAgent string

	// BaseURL replaces https://api.elsevier.com, mainly for tests.
	BaseURL string

	// RateLimits overrides the per-API requests per second.
	RateLimits map[api.Name]int

	// Redis shares quota state between processes. Optional.
	Redis *redis.Client

	// RedisAddr creates a Redis client owned by the session when Redis is nil.
	RedisAddr string

	// QuotaStore replaces the store chosen from Redis, e.g. to share an
	// in-memory store between sessions of one process.
	QuotaStore ratelimit.QuotaStore

	// HTTPClient replaces the default client, e.g. for custom transports.
	HTTPClient *http.Client

	// Logger defaults to the global logger with component "scopus-client".
	Logger *zerolog.Logger
}

// DefaultConfig returns a configuration with the default timeout, retries,
// user agent and cache root for keys.
func DefaultConfig(keys ...string) Config {
	return Config{
		APIKeys:   keys,
		CacheDir:  DefaultCacheDir(),
		Timeout:   DefaultTimeout,
		Retries:   DefaultRetries,
		UserAgent: DefaultUserAgent,
	}
}

// DefaultCacheDir returns ~/.cache/scopus-client or its platform equivalent.
func DefaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "scopus-client")
}

// Session holds everything needed to talk to the APIs. It is built once by
// Init and passed to every retriever and searcher. Safe for concurrent use.
type Session struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	creds      *credentials.Pool
	limiter    *ratelimit.Limiter
	quota      *ratelimit.QuotaTracker
	store      *cache.Store
	retry      RetryConfig
	redis      *redis.Client
	ownRedis   *redis.Client
	logger     zerolog.Logger
}

// Init validates cfg and builds a new session. Nothing is shared with
// sessions built earlier.
func Init(cfg Config) (*Session, error) {
	pool, err := credentials.New(cfg.APIKeys, cfg.InstTokens)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}

	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout must be >= 0 (got %v)", cfg.Timeout)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0 (got %d)", cfg.Retries)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = DefaultCacheDir()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = api.DefaultBaseURL
	}

	var logger zerolog.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	} else {
		logger = log.With().Str("component", "scopus-client").Logger()
	}

	limits := make(map[string]int)
	for name, n := range api.RateLimits() {
		limits[string(name)] = n
	}
	for name, n := range cfg.RateLimits {
		limits[string(name)] = n
	}

	var quotaStore ratelimit.QuotaStore = ratelimit.NewMemoryStore()
	redisClient := cfg.Redis
	var ownRedis *redis.Client
	if redisClient == nil && cfg.RedisAddr != "" {
		ownRedis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		redisClient = ownRedis
	}
	switch {
	case cfg.QuotaStore != nil:
		quotaStore = cfg.QuotaStore
	case redisClient != nil:
		quotaStore = ratelimit.NewRedisStore(redisClient)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	retry := DefaultRetryConfig(cfg.Retries)
	if cfg.RetryBackoff > 0 {
		retry.InitialBackoff = cfg.RetryBackoff
	}

	logger.Debug().
		Int("keys", pool.Len()).
		Str("cache_dir", cfg.CacheDir).
		Dur("timeout", cfg.Timeout).
		Int("retries", cfg.Retries).
		Bool("redis", redisClient != nil).
		Msg("Session initialised")

	return &Session{
		httpClient: httpClient,
		baseURL:    cfg.BaseURL,
		userAgent:  cfg.UserAgent,
		creds:      pool,
		limiter:    ratelimit.NewLimiter(limits, logger.With().Str("component", "ratelimit").Logger()),
		quota:      ratelimit.NewQuotaTracker(quotaStore, logger),
		store:      cache.NewStore(cfg.CacheDir, cfg.Directories, logger.With().Str("component", "cache").Logger()),
		retry:      retry,
		redis:      redisClient,
		ownRedis:   ownRedis,
		logger:     logger,
	}, nil
}

// Store returns the response cache.
func (s *Session) Store() *cache.Store {
	return s.store
}

// Credentials returns the key pool.
func (s *Session) Credentials() *credentials.Pool {
	return s.creds
}

// Limiter returns the per-API rate limiter.
func (s *Session) Limiter() *ratelimit.Limiter {
	return s.limiter
}

// Logger returns the session logger.
func (s *Session) Logger() zerolog.Logger {
	return s.logger
}

// URL returns the request URL for an identifier lookup against this
// session's base URL.
func (s *Session) URL(d api.Descriptor, idType api.IDType, identifier string) (string, url.Values) {
	return d.URL(s.baseURL, idType, identifier)
}

// KeyRemainingQuota returns the remaining requests last reported for key.
// ok is false when no response for key has been seen.
func (s *Session) KeyRemainingQuota(ctx context.Context, key string) (remaining int, ok bool, err error) {
	return s.quota.Remaining(ctx, key)
}

// KeyQuota returns the last quota state reported for key, nil when none was
// seen.
func (s *Session) KeyQuota(ctx context.Context, key string) (*ratelimit.QuotaState, error) {
	return s.quota.State(ctx, key)
}

// KeyResetTime returns when the quota of key resets. ok is false when no
// response for key has been seen.
func (s *Session) KeyResetTime(ctx context.Context, key string) (reset time.Time, ok bool, err error) {
	return s.quota.ResetTime(ctx, key)
}

// Ping checks the Redis connection used for shared quota state. Sessions
// without Redis have nothing to check.
func (s *Session) Ping(ctx context.Context) error {
	if s.redis == nil {
		return nil
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases idle connections and a Redis client created from RedisAddr.
func (s *Session) Close() error {
	s.creds.Release()
	s.httpClient.CloseIdleConnections()
	if s.ownRedis != nil {
		return s.ownRedis.Close()
	}
	return nil
}

// Fetch issues a GET for name against rawURL with params and returns the
// parsed body.
//
// 401, 403 and 429 mark the current key exhausted and repeat the request with
// the next key; once none is left an *AuthQuotaError is returned. A key whose
// stored quota is depleted until a future reset is skipped without a request.
// Other 4xx answers yield *ClientRequestError, 5xx answers *ServerError and a
// 2xx body that is not JSON a *ServerError wrapping the parse error. Timeouts and
// connection failures are retried up to the configured count and then
// reported as *ConnectionError.
func (s *Session) Fetch(ctx context.Context, name api.Name, rawURL string, params url.Values) (*document.Document, error) {
	apiLabel := string(name)
	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(apiLabel).Observe(time.Since(startTime).Seconds())
	}()

	target := rawURL
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var lastStatus int
	var lastBody string
	for {
		cred, err := s.creds.Next()
		if err != nil {
			errorsTotal.WithLabelValues(string(ErrorClassAuthQuota)).Inc()
			s.logger.Error().Str("api", apiLabel).Int("status", lastStatus).Msg("All API keys exhausted")
			return nil, &AuthQuotaError{StatusCode: lastStatus, Body: lastBody, Err: err}
		}
		if s.quotaDepleted(ctx, cred) {
			lastStatus, lastBody = http.StatusTooManyRequests, ""
			s.creds.MarkExhausted(cred.Key)
			continue
		}

		status, header, body, err := s.roundTrip(ctx, name, cred, target)
		if err != nil {
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			requestsTotal.WithLabelValues(apiLabel, "network_error").Inc()
			return nil, err
		}
		requestsTotal.WithLabelValues(apiLabel, strconv.Itoa(status)).Inc()

		if err := s.quota.UpdateFromHeaders(ctx, cred.Key, header); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to update quota from headers")
		}

		if status >= 200 && status < 300 {
			doc, err := document.Parse(body)
			if err != nil {
				errorsTotal.WithLabelValues(string(ErrorClassServer)).Inc()
				return nil, &ServerError{StatusCode: status, URL: target, Body: string(body), Err: err}
			}
			s.logger.Info().
				Str("api", apiLabel).
				Int("status", status).
				Int("bytes", len(body)).
				Msg("Fetched")
			return doc, nil
		}

		errClass := classifyStatus(status)
		if errClass != ErrorClassAuthQuota {
			errorsTotal.WithLabelValues(string(errClass)).Inc()
			s.logger.Warn().
				Str("api", apiLabel).
				Int("status", status).
				Str("error_class", string(errClass)).
				Msg("API request error")
			if errClass == ErrorClassServer {
				return nil, &ServerError{StatusCode: status, URL: target, Body: string(body)}
			}
			return nil, &ClientRequestError{StatusCode: status, URL: target, Body: string(body)}
		}

		lastStatus, lastBody = status, string(body)
		remaining := s.creds.MarkExhausted(cred.Key)
		s.logger.Warn().
			Str("api", apiLabel).
			Str("key", cred.Masked()).
			Int("status", status).
			Bool("keys_remaining", remaining).
			Msg("API key rejected, rotating")
	}
}

// quotaDepleted reports whether the stored quota of cred is used up until a
// reset still ahead. Store errors count as not depleted.
func (s *Session) quotaDepleted(ctx context.Context, cred credentials.Credential) bool {
	state, err := s.quota.State(ctx, cred.Key)
	if err != nil || state == nil || !state.IsDepleted() {
		return false
	}
	s.logger.Warn().
		Str("key", cred.Masked()).
		Dur("reset_in", state.TimeUntilReset()).
		Msg("API key quota depleted, skipping")
	return true
}

// FetchAndStore fetches like Fetch and persists the document under key.
// A failed write is logged, not returned.
func (s *Session) FetchAndStore(ctx context.Context, key cache.Key, rawURL string, params url.Values) (*document.Document, error) {
	doc, err := s.Fetch(ctx, key.API, rawURL, params)
	if err != nil {
		return nil, err
	}
	if err := s.store.Save(key, doc); err != nil {
		s.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to cache response")
	}
	return doc, nil
}

// roundTrip performs one logical request with cred, including transport
// retries. Every attempt passes through the rate limiter.
func (s *Session) roundTrip(ctx context.Context, name api.Name, cred credentials.Credential, target string) (int, http.Header, []byte, error) {
	var (
		status int
		header http.Header
		body   []byte
	)

	err := retryWithBackoff(ctx, s.retry, target, s.logger, func(attempt int) error {
		if err := s.limiter.Acquire(ctx, string(name)); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set(HeaderAPIKey, cred.Key)
		if cred.HasToken() {
			req.Header.Set(HeaderInstToken, cred.InstToken)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", s.userAgent)

		s.logger.Debug().
			Str("api", string(name)).
			Str("url", target).
			Str("key", cred.Masked()).
			Int("attempt", attempt).
			Msg("Executing API request")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return classifyTransport(ctx, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return classifyTransport(ctx, fmt.Errorf("read body: %w", err))
		}

		status, header, body = resp.StatusCode, resp.Header, data
		return nil
	})
	if err != nil {
		return 0, nil, nil, err
	}
	return status, header, body, nil
}

// classifyTransport marks err transient unless the caller's context ended.
func classifyTransport(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return transient(err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return transient(err)
	}
	return err
}
