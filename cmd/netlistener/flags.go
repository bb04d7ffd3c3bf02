package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	ProfilePath     string
	Profile         string
	LogLevel        string
	LogFormat       string
	MetricsPort     int
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool

	// Positional overrides: servers location hostname.
	Servers  []string
	Location string
	Hostname string
}

func parseFlags() (*CLIConfig, error) {
	return parseArgs(flag.CommandLine, os.Args[1:], os.Stderr)
}

func parseArgs(fs *flag.FlagSet, args []string, usage io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{}

	// Define flags with environment variable fallback
	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("NETLISTENER_CONFIG", ""),
		"Path to configuration file (env: NETLISTENER_CONFIG)")

	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("NETLISTENER_CONFIG", ""),
		"Path to configuration file (env: NETLISTENER_CONFIG)")

	fs.StringVar(&cfg.ProfilePath, "profile-file",
		getEnv("NETLISTENER_PROFILE_FILE", ""),
		"Path to the profile document, overrides profile.path (env: NETLISTENER_PROFILE_FILE)")

	fs.StringVar(&cfg.Profile, "profile",
		getEnv("NETLISTENER_PROFILE", ""),
		"Profile used when the work item names none (env: NETLISTENER_PROFILE)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("NETLISTENER_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: NETLISTENER_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("NETLISTENER_LOG_FORMAT", "json"),
		"Log format: json, text (env: NETLISTENER_LOG_FORMAT)")

	fs.IntVar(&cfg.MetricsPort, "metrics-port",
		getEnvInt("NETLISTENER_METRICS_PORT", 0),
		"Metrics and health port, 0 keeps the configured value (env: NETLISTENER_METRICS_PORT)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("NETLISTENER_SHUTDOWN_TIMEOUT", 0),
		"Graceful shutdown timeout, 0 keeps the configured value (env: NETLISTENER_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate",
		getEnvBool("NETLISTENER_VALIDATE", false),
		"Validate configuration and profile document, then exit")

	fs.Usage = func() {
		printDetailedHelp(usage, fs)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	rest := fs.Args()
	if len(rest) > 3 {
		return nil, fmt.Errorf("expected at most 3 arguments (servers location hostname), got %d", len(rest))
	}
	if len(rest) > 0 && rest[0] != "" {
		for _, s := range strings.Split(rest[0], ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.Servers = append(cfg.Servers, s)
			}
		}
	}
	if len(rest) > 1 {
		cfg.Location = rest[1]
	}
	if len(rest) > 2 {
		cfg.Hostname = rest[2]
	}

	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	// Skip validation for special flags
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}
	if cfg.ProfilePath != "" {
		if _, err := os.Stat(cfg.ProfilePath); err != nil {
			return fmt.Errorf("profile document not found: %s", cfg.ProfilePath)
		}
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.MetricsPort)
	}
	if cfg.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}

	return nil
}

func printDetailedHelp(w io.Writer, fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(w, `%s - cluster telemetry and event network listener

Usage: %s [options] [servers [location [hostname]]]

Arguments:
  servers    comma separated NATS URLs, overrides nats.urls
  location   adapter location, overrides adapter.location
  hostname   adapter hostname, overrides adapter.hostname

Options:
`, appName, appName)
	fs.SetOutput(w)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(w, `
Examples:
  # Run with a config file and profile document
  %s --config=/etc/netlistener/config.json --profile-file=/etc/netlistener/profiles.json

  # Run with debug logging
  %s --log-level=debug --log-format=text

  # Override bus servers and identity positionally
  %s nats://bus1:4222,nats://bus2:4222 R0-CH0 sms01

  # Validate configuration only
  %s --validate

Version: %s
Build: %s
`, appName, appName, appName, appName, Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
