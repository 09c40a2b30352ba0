package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/scopus-client/pkg/config"
	"github.com/Sternrassler/scopus-client/pkg/credentials"
)

// StatusResponse reports the outcome of a command without other output.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Path    string `json:"path,omitempty"`
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(newConfigInitCmd(a), newConfigShowCmd(a))
	return cmd
}

func newConfigInitCmd(a *app) *cobra.Command {
	var (
		keys   []string
		tokens []string
		path   string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with the given API keys",
		Long: `Write a configuration file with default settings and the given API
keys. Keys default to SCOPUS_API_KEY. An existing file is never overwritten.

  scopus config init --key KEY1 --key KEY2 --token TOKEN1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(keys) == 0 {
				keys = a.cfg.Authentication.APIKeys
				if len(tokens) == 0 {
					tokens = a.cfg.Authentication.InstTokens
				}
			}
			if path == "" {
				path = a.configPath
			}
			if path == "" {
				path = config.DefaultPath()
			}

			if _, err := config.Create(path, keys, tokens); err != nil {
				return &configError{err}
			}
			return a.writeJSON(StatusResponse{
				Status:  "ok",
				Message: "configuration written",
				Path:    path,
			})
		},
	}

	cmd.Flags().StringArrayVar(&keys, "key", nil, "API key (repeatable)")
	cmd.Flags().StringArrayVar(&tokens, "token", nil, "institutional token, paired with --key by position (repeatable)")
	cmd.Flags().StringVar(&path, "path", "", "file to write (default: --config or the default location)")
	return cmd
}

func newConfigShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with masked credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			shown := *a.cfg
			shown.Authentication = config.Authentication{
				APIKeys:    maskAll(a.cfg.Authentication.APIKeys),
				InstTokens: maskAll(a.cfg.Authentication.InstTokens),
			}
			enc := yaml.NewEncoder(a.out)
			defer enc.Close()
			enc.SetIndent(2)
			return enc.Encode(&shown)
		},
	}
}

func maskAll(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = credentials.Mask(v)
	}
	return out
}
