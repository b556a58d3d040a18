// Package app provides the mcp-registry-gateway command line
package app

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every configuration environment variable, e.g.
// MCPGW_UPSTREAM_CLIENT_SECRET for upstream.client-secret
const EnvPrefix = "MCPGW"

// envKeyReplacer maps configuration keys to environment variable names
var envKeyReplacer = strings.NewReplacer(".", "_", "-", "_")

// Build information, set with -ldflags at release time
var (
	Version = "dev"
	Commit  = "unknown"
)

// NewRootCmd creates the root command with its own configuration instance
func NewRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()
	setDefaults(v)

	rootCmd := &cobra.Command{
		Use:               "mcp-registry-gateway",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "OAuth 2.1 gateway in front of the MCP registry",
		Long: `mcp-registry-gateway is an OAuth 2.1 authorization server for MCP clients.
It registers clients dynamically, proxies authorization to a single upstream
OpenID Connect provider and keeps gateway, client and upstream tokens in sync.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path := v.GetString("config")
			if path == "" {
				return nil
			}
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read config file %s: %w", path, err)
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to a YAML configuration file")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "json", "Log format (json, text)")
	bindFlags(v, flags, map[string]string{
		"config":     "config",
		"log-level":  "log.level",
		"log-format": "log.format",
	})

	rootCmd.AddCommand(
		newServeCmd(v),
		newKeygenCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// newLogger builds the process logger from log.level and log.format
func newLogger(v *viper.Viper, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log.level"))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", v.GetString("log.level"))
	}
	opts := &slog.HandlerOptions{Level: level}

	switch format := v.GetString("log.format"); format {
	case "json", "":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
