package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/scopus-client/pkg/api"
	"github.com/Sternrassler/scopus-client/pkg/client"
	"github.com/Sternrassler/scopus-client/pkg/logging"
	"github.com/Sternrassler/scopus-client/pkg/metrics"
	"github.com/Sternrassler/scopus-client/pkg/retrieval"
	"github.com/Sternrassler/scopus-client/pkg/search"
)

// reserved query parameters of the HTTP endpoints; everything else is
// passed through to the API.
var reservedParams = map[string]bool{
	"view": true, "id_type": true, "refresh": true, "unwrap": true,
	"query": true, "cursor": true, "count_only": true, "concurrency": true,
}

func newServeCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve cached retrievals and searches over HTTP",
		Long: `Serve the client over HTTP so that several tools share one cache,
one key pool and one rate limiter.

  GET /retrieve/{api}/{identifier}?view=FULL&id_type=doi
  GET /search/{api}?query=AU-ID(7004212771)&cursor=true
  GET /health   liveness
  GET /ready    readiness (pings Redis when configured)
  GET /metrics  Prometheus metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := a.session()
			if err != nil {
				return err
			}
			defer session.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := logging.NewLogger("serve")
			srv := &http.Server{
				Addr:              addr,
				Handler:           newMux(session),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", addr).Msg("Starting server")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info().Msg("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}

func newMux(session *client.Session) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", readyHandler(session))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /retrieve/{api}/{id...}", retrieveHandler(session))
	mux.HandleFunc("GET /search/{api}", searchHandler(session))
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func readyHandler(session *client.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := session.Ping(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if len(session.Credentials().Usable()) == 0 {
			http.Error(w, "all API keys exhausted", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	}
}

func retrieveHandler(session *client.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		refresh, err := parseRefresh(q.Get("refresh"))
		if err != nil {
			writeError(w, session.Logger(), err)
			return
		}
		req := retrieval.Request{
			API:        api.Name(r.PathValue("api")),
			Identifier: r.PathValue("id"),
			IDType:     api.IDType(q.Get("id_type")),
			View:       q.Get("view"),
			Refresh:    refresh,
			Params:     passThrough(q),
		}
		res, err := retrieval.Resolve(req)
		if err != nil {
			writeError(w, session.Logger(), err)
			return
		}

		doc, err := retrieval.New(session).Retrieve(r.Context(), req)
		if err != nil {
			writeError(w, session.Logger(), err)
			return
		}
		if !doc.Found() {
			writeJSON(w, http.StatusNotFound, map[string]string{"status": string(doc.Status())})
			return
		}
		if b, _ := strconv.ParseBool(q.Get("unwrap")); b {
			doc = doc.Unwrap(res.Descriptor.Envelope)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc.Raw())
	}
}

func searchHandler(session *client.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		refresh, err := parseRefresh(q.Get("refresh"))
		if err != nil {
			writeError(w, session.Logger(), err)
			return
		}
		cursor, _ := strconv.ParseBool(q.Get("cursor"))
		countOnly, _ := strconv.ParseBool(q.Get("count_only"))
		concurrency := 1
		if c := q.Get("concurrency"); c != "" {
			if concurrency, err = strconv.Atoi(c); err != nil {
				writeError(w, session.Logger(), &api.ValidationError{
					Parameter: "concurrency", Value: c, Reason: "want an integer",
				})
				return
			}
		}

		res, err := search.New(session).Search(r.Context(), search.Query{
			API:         api.Name(r.PathValue("api")),
			Query:       q.Get("query"),
			View:        q.Get("view"),
			Refresh:     refresh,
			Download:    !countOnly,
			Cursor:      cursor,
			Params:      passThrough(q),
			Concurrency: concurrency,
		})
		if err != nil {
			writeError(w, session.Logger(), err)
			return
		}

		out := searchOutput{Total: res.Total}
		for _, e := range res.Entries {
			out.Entries = append(out.Entries, json.RawMessage(e.Raw))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// passThrough returns the query parameters not consumed by the handlers.
func passThrough(q map[string][]string) map[string][]string {
	var out map[string][]string
	for k, v := range q {
		if reservedParams[k] {
			continue
		}
		if out == nil {
			out = make(map[string][]string)
		}
		out[k] = v
	}
	return out
}

// statusFor maps client errors onto HTTP status codes.
func statusFor(err error) int {
	switch client.Classify(err) {
	case client.ErrorClassValidation, client.ErrorClassQueryTooLarge:
		return http.StatusBadRequest
	case client.ErrorClassAuthQuota:
		return http.StatusServiceUnavailable
	case client.ErrorClassClient:
		if client.IsNotFound(err) {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status := statusFor(err)
	if status >= 500 {
		logger.Warn().Err(err).Int("status", status).Msg("Request failed")
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"class": string(client.Classify(err)),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
