// Package main provides the scopus CLI entry point.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/scopus-client/pkg/client"
	"github.com/Sternrassler/scopus-client/pkg/config"
	"github.com/Sternrassler/scopus-client/pkg/logging"
	"github.com/Sternrassler/scopus-client/pkg/metrics"
)

// Version is set at build time via ldflags
var Version = "dev"

// Exit codes
const (
	ExitSuccess     = 0 // Success
	ExitError       = 1 // General error (network, server, unexpected answer)
	ExitConfigError = 2 // Missing or invalid configuration
	ExitDataError   = 3 // Invalid arguments: unknown view, id type or API, query too large
	ExitQuotaError  = 4 // All API keys rejected or out of quota
	ExitNotFound    = 5 // Entity not found
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(exitCode(err))
	}
}

// configError marks failures to load or validate the configuration.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }

func (e *configError) Unwrap() error { return e.err }

// exitCode maps err onto the exit codes above.
func exitCode(err error) int {
	var cfgErr *configError
	if errors.As(err, &cfgErr) {
		return ExitConfigError
	}
	switch client.Classify(err) {
	case client.ErrorClassValidation, client.ErrorClassQueryTooLarge:
		return ExitDataError
	case client.ErrorClassAuthQuota:
		return ExitQuotaError
	case client.ErrorClassClient:
		if client.IsNotFound(err) {
			return ExitNotFound
		}
	}
	return ExitError
}

// app holds the state shared by all commands.
type app struct {
	out    io.Writer
	errOut io.Writer

	configPath  string
	logLevel    string
	pretty      bool
	showMetrics bool
	baseURL     string

	cfg *config.Config
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "scopus",
		Short: "Cached access to the Elsevier Scopus and ScienceDirect APIs",
		Long: `scopus retrieves entities and runs searches against the Elsevier
Scopus and ScienceDirect APIs.

Every response is cached on disk; repeated calls are served from the cache
until the refresh policy asks for a new copy. API keys are read from the
config file or from SCOPUS_API_KEY (comma-separated), which may also be set
in a .env file.

Output is JSON on stdout.`,
		Version:           Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if !a.showMetrics {
				return nil
			}
			return metrics.WriteSummary(a.errOut)
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/scopus-client/config.yml or $SCOPUS_CONFIG)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	flags.BoolVar(&a.pretty, "pretty", false, "human-readable log output")
	flags.BoolVar(&a.showMetrics, "metrics", false, "print request and cache metrics to stderr when done")
	flags.StringVar(&a.baseURL, "base-url", "", "API base URL")
	_ = flags.MarkHidden("base-url")

	root.AddCommand(
		newRetrieveCmd(a),
		newSearchCmd(a),
		newQuotaCmd(a),
		newAPIsCmd(a),
		newServeCmd(a),
		newConfigCmd(a),
	)
	return root
}

// setup loads .env and the config file and configures logging.
func (a *app) setup(cmd *cobra.Command, args []string) error {
	if err := config.LoadDotEnv(); err != nil {
		return &configError{err}
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return &configError{err}
	}
	a.cfg = cfg

	logCfg := cfg.LoggingConfig()
	logCfg.Output = a.errOut
	if a.logLevel != "" {
		level, err := logging.ParseLevel(a.logLevel)
		if err != nil {
			return &configError{err}
		}
		logCfg.Level = level
	}
	if a.pretty {
		logCfg.Pretty = true
	}
	logging.Setup(logCfg)
	return nil
}

// session validates the configuration and opens a session.
func (a *app) session() (*client.Session, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, &configError{err}
	}
	cc := a.cfg.ClientConfig()
	if a.baseURL != "" {
		cc.BaseURL = a.baseURL
	}
	logger := logging.NewLogger("scopus-client")
	cc.Logger = &logger

	s, err := client.Init(cc)
	if err != nil {
		return nil, &configError{err}
	}
	return s, nil
}
