package main

import (
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"
)

// globalFlags holds the persistent command-line configuration
type globalFlags struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	Server      string
	MetricsAddr string
}

func (g *globalFlags) bind(cmd *cobra.Command) {
	fs := cmd.PersistentFlags()
	fs.StringVarP(&g.ConfigPath, "config", "c",
		getEnv("STREAMBUS_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: STREAMBUS_CONFIG)")

	fs.StringVar(&g.LogLevel, "log-level",
		getEnv("STREAMBUS_LOG_LEVEL", ""),
		"Log level: debug, info, warn, error (env: STREAMBUS_LOG_LEVEL)")

	fs.StringVar(&g.LogFormat, "log-format",
		getEnv("STREAMBUS_LOG_FORMAT", ""),
		"Log format: json, text (env: STREAMBUS_LOG_FORMAT)")

	fs.StringVarP(&g.Server, "server", "s", "",
		"NATS server URL, switches to the nats transport")

	fs.StringVar(&g.MetricsAddr, "metrics-addr", "",
		"Serve /metrics and /health on this address")
}

func (g *globalFlags) validate() error {
	if g.ConfigPath != "" {
		if _, err := os.Stat(g.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", g.ConfigPath)
		}
	}
	if g.LogLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, g.LogLevel) {
		return fmt.Errorf("invalid log level: %s", g.LogLevel)
	}
	if g.LogFormat != "" && !slices.Contains([]string{"json", "text"}, g.LogFormat) {
		return fmt.Errorf("invalid log format: %s", g.LogFormat)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
