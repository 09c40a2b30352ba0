package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Sternrassler/scopus-client/pkg/api"
	"github.com/Sternrassler/scopus-client/pkg/credentials"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is wrapped by ConnectionError once transport retries
	// are used up.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of failures for metrics and logs.
type ErrorClass string

const (
	// ErrorClassValidation represents bad views, id types or parameters.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassClient represents 4xx errors other than 401/403/429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassAuthQuota represents 401/403/429.
	ErrorClassAuthQuota ErrorClass = "auth_quota"

	// ErrorClassServer represents 5xx errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents timeouts and connection failures.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassQueryTooLarge represents searches beyond the result ceiling.
	ErrorClassQueryTooLarge ErrorClass = "query_too_large"
)

// ValidationError reports a view, id type or parameter outside its permitted
// set. It is returned before any network call.
type ValidationError = api.ValidationError

// maxBodyInError limits how much of a response body ends up in messages.
const maxBodyInError = 512

func truncate(body string) string {
	if len(body) <= maxBodyInError {
		return body
	}
	return body[:maxBodyInError] + "..."
}

// ClientRequestError is a 4xx answer caused by the request itself, e.g. a
// malformed query or an unknown identifier. It is never retried.
type ClientRequestError struct {
	StatusCode int
	URL        string
	Body       string
}

// Error implements the error interface.
func (e *ClientRequestError) Error() string {
	return fmt.Sprintf("client error (status %d %s) for %s: %s",
		e.StatusCode, http.StatusText(e.StatusCode), e.URL, truncate(e.Body))
}

// AuthQuotaError is returned once every API key has been rejected with
// 401, 403 or 429.
type AuthQuotaError struct {
	// StatusCode is the status of the last rejection.
	StatusCode int
	Body       string
	Err        error
}

// Error implements the error interface.
func (e *AuthQuotaError) Error() string {
	return fmt.Sprintf("authorization or quota error (status %d): %v: %s",
		e.StatusCode, e.Err, truncate(e.Body))
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *AuthQuotaError) Unwrap() error {
	return e.Err
}

// ServerError is a 5xx answer. The client does not retry it.
type ServerError struct {
	StatusCode int
	URL        string
	Body       string
	// Err is set when a 2xx answer carried a body that is not JSON.
	Err error
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unparsable response (status %d) for %s: %v",
			e.StatusCode, e.URL, e.Err)
	}
	return fmt.Sprintf("server error (status %d %s) for %s: %s",
		e.StatusCode, http.StatusText(e.StatusCode), e.URL, truncate(e.Body))
}

// Unwrap returns the parse error, if any.
func (e *ServerError) Unwrap() error {
	return e.Err
}

// QueryTooLargeError is returned when an offset-paginated search reports
// more results than the API can page through.
type QueryTooLargeError struct {
	Query string
	Total int
	Max   int
}

// Error implements the error interface.
func (e *QueryTooLargeError) Error() string {
	return fmt.Sprintf("query %q returns %d results, more than the maximum of %d; "+
		"narrow the query or use cursor pagination", e.Query, e.Total, e.Max)
}

// ConnectionError is returned when transport-level retries are exhausted.
type ConnectionError struct {
	URL      string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Classify returns the ErrorClass of err, or "" when err is nil or not one
// of the typed errors.
func Classify(err error) ErrorClass {
	var (
		validation *ValidationError
		client     *ClientRequestError
		authQuota  *AuthQuotaError
		server     *ServerError
		tooLarge   *QueryTooLargeError
		conn       *ConnectionError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return ErrorClassValidation
	case errors.As(err, &client):
		return ErrorClassClient
	case errors.As(err, &authQuota), errors.Is(err, credentials.ErrQuotaExceeded):
		return ErrorClassAuthQuota
	case errors.As(err, &server):
		return ErrorClassServer
	case errors.As(err, &tooLarge):
		return ErrorClassQueryTooLarge
	case errors.As(err, &conn), errors.Is(err, context.DeadlineExceeded):
		return ErrorClassNetwork
	default:
		return ""
	}
}

// classifyStatus maps a non-2xx status code to its class.
func classifyStatus(code int) ErrorClass {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusTooManyRequests:
		return ErrorClassAuthQuota
	case code >= 500:
		return ErrorClassServer
	case code >= 400:
		return ErrorClassClient
	default:
		return ""
	}
}

// IsNotFound reports whether err is a 404 answer.
func IsNotFound(err error) bool {
	var client *ClientRequestError
	return errors.As(err, &client) && client.StatusCode == http.StatusNotFound
}

// IsQuotaExceeded reports whether err means every API key is used up.
func IsQuotaExceeded(err error) bool {
	var authQuota *AuthQuotaError
	return errors.As(err, &authQuota) || errors.Is(err, credentials.ErrQuotaExceeded)
}
