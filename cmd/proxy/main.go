// Package main is the entry point for the mTLS smartcard proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vyrodovalexey/avamtls/internal/config"
	"github.com/vyrodovalexey/avamtls/internal/gateway"
	"github.com/vyrodovalexey/avamtls/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// exitFunc terminates the process. Tests replace it.
var exitFunc = os.Exit

// cliFlags holds command line flags. Empty or zero values leave the
// configuration file setting in place.
type cliFlags struct {
	configPath  string
	port        int
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags(flag.CommandLine, os.Args[1:])

	if flags.showVersion {
		printVersion()
		return
	}

	bootstrap := initLogger(observability.LogConfig{
		Level:  valueOr(flags.logLevel, "info"),
		Format: valueOr(flags.logFormat, "json"),
		Output: "stdout",
	})

	cfg := loadAndValidateConfig(flags, bootstrap)
	if cfg == nil {
		return
	}

	logger := initLogger(logConfigFrom(cfg))
	defer func() { _ = logger.Sync() }()

	gw := initGateway(cfg, logger)
	if gw == nil {
		return
	}

	runGateway(context.Background(), gw, logger)
}

// parseFlags parses command line flags. Defaults come from the environment.
func parseFlags(fs *flag.FlagSet, args []string) cliFlags {
	var f cliFlags

	fs.StringVar(&f.configPath, "config", getEnvOrDefault(EnvConfigPath, DefaultConfigPath),
		"Path to configuration file")
	fs.IntVar(&f.port, "port", 0,
		"TLS listener port (overrides the configuration file and "+config.EnvPort+")")
	fs.StringVar(&f.logLevel, "log-level", getEnvOrDefault(config.EnvLogLevel, ""),
		"Log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", getEnvOrDefault(EnvLogFormat, ""),
		"Log format (json, console)")
	fs.BoolVar(&f.showVersion, "version", false, "Show version information")

	// ExitOnError is the only mode flag.CommandLine uses.
	_ = fs.Parse(args)

	return f
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("avamtls version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger and installs it globally.
func initLogger(cfg observability.LogConfig) observability.Logger {
	logger, err := observability.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		exitFunc(1)
		return observability.NopLogger()
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadAndValidateConfig loads the file, applies environment and flag
// overrides and validates the result.
func loadAndValidateConfig(flags cliFlags, logger observability.Logger) *config.Config {
	logger.Info("starting avamtls",
		observability.String("version", version),
		observability.String("config", flags.configPath),
	)

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		fatalWithSync(logger, "failed to load configuration", observability.Error(err))
		return nil
	}

	if err := config.ApplyEnv(cfg, nil); err != nil {
		fatalWithSync(logger, "invalid environment override", observability.Error(err))
		return nil
	}
	applyFlags(cfg, flags)

	if err := config.Validate(cfg); err != nil {
		fatalWithSync(logger, "invalid configuration", observability.Error(err))
		return nil
	}

	logger.Info("configuration loaded",
		observability.String("address", cfg.Listener.Address()),
		observability.Int("routes", len(cfg.Routes)),
		observability.String("login_path", cfg.Login.Path),
	)

	return cfg
}

// applyFlags gives explicitly set flags precedence over file and environment.
func applyFlags(cfg *config.Config, flags cliFlags) {
	if flags.port > 0 {
		cfg.Listener.Port = flags.port
	}
	if flags.logLevel != "" {
		cfg.Observability.Logging.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Observability.Logging.Format = flags.logFormat
	}
}

func logConfigFrom(cfg *config.Config) observability.LogConfig {
	l := cfg.Observability.Logging
	return observability.LogConfig{
		Level:  valueOr(l.Level, "info"),
		Format: valueOr(l.Format, "json"),
		Output: valueOr(l.Output, "stdout"),
	}
}

// initGateway builds the gateway. Certificate problems are fatal here,
// before any port is bound.
func initGateway(cfg *config.Config, logger observability.Logger) *gateway.Gateway {
	metrics := observability.NewMetrics("")
	metrics.SetBuildInfo(version, gitCommit, buildTime)

	gw, err := gateway.New(cfg,
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
		gateway.WithVersion(version),
		gateway.WithShutdownTimeout(DefaultShutdownTimeout),
	)
	if err != nil {
		fatalWithSync(logger, "failed to create gateway", observability.Error(err))
		return nil
	}

	return gw
}

// fatalWithSync logs at error level, flushes the logger and exits.
func fatalWithSync(logger observability.Logger, msg string, fields ...observability.Field) {
	logger.Error(msg, fields...)
	_ = logger.Sync()
	exitFunc(1)
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
