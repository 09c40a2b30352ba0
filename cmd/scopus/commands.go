package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/scopus-client/pkg/api"
	"github.com/Sternrassler/scopus-client/pkg/cache"
	"github.com/Sternrassler/scopus-client/pkg/client"
	"github.com/Sternrassler/scopus-client/pkg/credentials"
	"github.com/Sternrassler/scopus-client/pkg/ratelimit"
	"github.com/Sternrassler/scopus-client/pkg/retrieval"
	"github.com/Sternrassler/scopus-client/pkg/search"
)

// parseRefresh reads the --refresh flag: "never" (default), "force" or a
// number of days.
func parseRefresh(s string) (cache.Refresh, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "never", "false":
		return cache.NoRefresh, nil
	case "force", "always", "true":
		return cache.ForceRefresh, nil
	}
	days, err := strconv.Atoi(s)
	if err != nil || days < 0 {
		return cache.Refresh{}, &api.ValidationError{
			Parameter: "refresh", Value: s,
			Reason: "want never, force or a number of days",
		}
	}
	return cache.RefreshAfterDays(days), nil
}

// parseParams turns repeated key=value flags into query parameters.
func parseParams(pairs []string) (url.Values, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := url.Values{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, &api.ValidationError{Parameter: "param", Value: p, Reason: "want key=value"}
		}
		params.Add(k, v)
	}
	return params, nil
}

func (a *app) writeJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRetrieveCmd(a *app) *cobra.Command {
	var (
		view    string
		idType  string
		refresh string
		params  []string
		unwrap  bool
	)

	cmd := &cobra.Command{
		Use:   "retrieve <api> <identifier>",
		Short: "Retrieve one entity by identifier",
		Long: `Retrieve one entity, e.g.

  scopus retrieve AbstractRetrieval 10.1016/j.softx.2019.100263 --view FULL
  scopus retrieve AuthorRetrieval 7004212771
  scopus retrieve SubjectClassifications "" --param description=Physics

The id type is detected from the identifier unless --id-type is given.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := parseRefresh(refresh)
			if err != nil {
				return err
			}
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			req := retrieval.Request{
				API:        api.Name(args[0]),
				Identifier: args[1],
				IDType:     api.IDType(idType),
				View:       view,
				Refresh:    r,
				Params:     p,
			}
			res, err := retrieval.Resolve(req)
			if err != nil {
				return err
			}

			session, err := a.session()
			if err != nil {
				return err
			}
			defer session.Close()

			doc, err := retrieval.New(session).Retrieve(cmd.Context(), req)
			if err != nil {
				return err
			}
			if !doc.Found() {
				return a.writeJSON(map[string]string{"status": string(doc.Status())})
			}
			if unwrap {
				doc = doc.Unwrap(res.Descriptor.Envelope)
			}
			_, err = fmt.Fprintln(a.out, string(doc.Raw()))
			return err
		},
	}

	cmd.Flags().StringVar(&view, "view", "", "view (default: first view of the API)")
	cmd.Flags().StringVar(&idType, "id-type", "", "identifier type: eid, doi, pii, scopus_id, pubmed_id, pui")
	cmd.Flags().StringVar(&refresh, "refresh", "never", "re-fetch cached entries: never, force or age in days")
	cmd.Flags().StringArrayVar(&params, "param", nil, "extra query parameter key=value (repeatable)")
	cmd.Flags().BoolVar(&unwrap, "unwrap", false, "strip the response envelope")
	return cmd
}

// searchOutput is the JSON written by the search command.
type searchOutput struct {
	Total   int               `json:"total"`
	Entries []json.RawMessage `json:"entries,omitempty"`
}

func newSearchCmd(a *app) *cobra.Command {
	var (
		view        string
		refresh     string
		params      []string
		cursor      bool
		countOnly   bool
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "search <api> <query>",
		Short: "Run a search and print the total and entries",
		Long: `Run a search, e.g.

  scopus search ScopusSearch "AU-ID(7004212771)" --view STANDARD
  scopus search AuthorSearch "AUTHLAST(Selten)" --count-only

Offset pagination is limited to 5000 results; use --cursor for more.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := parseRefresh(refresh)
			if err != nil {
				return err
			}
			p, err := parseParams(params)
			if err != nil {
				return err
			}

			session, err := a.session()
			if err != nil {
				return err
			}
			defer session.Close()

			res, err := search.New(session).Search(cmd.Context(), search.Query{
				API:         api.Name(args[0]),
				Query:       args[1],
				View:        view,
				Refresh:     r,
				Download:    !countOnly,
				Cursor:      cursor,
				Params:      p,
				Concurrency: concurrency,
			})
			if err != nil {
				return err
			}

			out := searchOutput{Total: res.Total}
			for _, e := range res.Entries {
				out.Entries = append(out.Entries, json.RawMessage(e.Raw))
			}
			return a.writeJSON(out)
		},
	}

	cmd.Flags().StringVar(&view, "view", "", "view (default: first view of the API)")
	cmd.Flags().StringVar(&refresh, "refresh", "never", "re-fetch cached pages: never, force or age in days")
	cmd.Flags().StringArrayVar(&params, "param", nil, "extra query parameter key=value (repeatable)")
	cmd.Flags().BoolVar(&cursor, "cursor", false, "use cursor pagination")
	cmd.Flags().BoolVar(&countOnly, "count-only", false, "only print the number of results")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "pages fetched in parallel (offset pagination)")
	return cmd
}

// quotaStatus is one line of the quota command output.
type quotaStatus struct {
	Key       string `json:"key"`
	Exhausted bool   `json:"exhausted"`
	Remaining *int   `json:"remaining,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Depleted  bool   `json:"depleted,omitempty"`
	Reset     string `json:"reset,omitempty"`
	ResetIn   string `json:"reset_in,omitempty"`
	Updated   string `json:"updated,omitempty"`
	Stale     bool   `json:"stale,omitempty"`
}

// keyStatus reports what session knows about the quota of cred.
func keyStatus(ctx context.Context, session *client.Session, cred credentials.Credential) (quotaStatus, error) {
	st := quotaStatus{
		Key:       cred.Masked(),
		Exhausted: session.Credentials().IsExhausted(cred.Key),
	}
	state, err := session.KeyQuota(ctx, cred.Key)
	if err != nil || state == nil {
		return st, err
	}

	remaining := state.Remaining
	st.Remaining = &remaining
	st.Limit = state.Limit
	st.Depleted = state.IsDepleted()
	if !state.ResetAt.IsZero() {
		st.Reset = state.ResetAt.UTC().Format(time.RFC3339)
		st.ResetIn = state.TimeUntilReset().Round(time.Second).String()
	}
	st.Updated = state.LastUpdate.UTC().Format(time.RFC3339)
	st.Stale = state.IsStale(ratelimit.QuotaStaleAfter)
	return st, nil
}

func newQuotaCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "Show the last known quota of every configured key",
		Long: `Show the remaining requests and reset time last reported for every
configured API key. Quota is only known for keys used in this process or,
with redis.addr configured, by any process sharing that Redis. A depleted
key is skipped until its reset; a stale entry is older than a day.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := a.session()
			if err != nil {
				return err
			}
			defer session.Close()

			var out []quotaStatus
			for _, cred := range session.Credentials().All() {
				st, err := keyStatus(cmd.Context(), session, cred)
				if err != nil {
					return err
				}
				out = append(out, st)
			}
			return a.writeJSON(out)
		},
	}
}

// apiInfo describes one API in the apis command output.
type apiInfo struct {
	Name      string         `json:"name"`
	Kind      string         `json:"kind"`
	Views     []string       `json:"views"`
	RateLimit int            `json:"rate_limit"`
	PageSizes map[string]int `json:"page_sizes,omitempty"`
	CacheDir  string         `json:"cache_dir"`
}

func newAPIsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "apis",
		Short: "List the supported APIs with their views, limits and cache directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := a.cfg.ClientConfig()
			baseDir := cc.CacheDir
			if baseDir == "" {
				baseDir = client.DefaultCacheDir()
			}
			store := cache.NewStore(baseDir, cc.Directories, zerolog.Nop())

			var out []apiInfo
			for _, d := range api.All() {
				kind := "retrieval"
				if d.Kind == api.KindSearch {
					kind = "search"
				}
				out = append(out, apiInfo{
					Name:      string(d.Name),
					Kind:      kind,
					Views:     d.Views,
					RateLimit: d.RateLimit,
					PageSizes: d.PageSizes,
					CacheDir:  store.Dir(d.Name),
				})
			}
			return a.writeJSON(out)
		},
	}
}
