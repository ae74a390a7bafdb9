package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/functionsdo/gateway/internal/config"
	"github.com/functionsdo/gateway/internal/gateway"
	"github.com/functionsdo/gateway/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (defaults apply when empty)")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	watch := flag.Bool("watch", false, "Reload when the configuration file changes")
	flag.Parse()

	if *showVersion {
		fmt.Printf("functions gateway %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.NewLoader().Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if *validateOnly {
		fmt.Println("configuration is valid")
		os.Exit(0)
	}

	if err := logging.Init(logging.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		MaxSizeMB:   cfg.Logging.Rotation.MaxSizeMB,
		MaxBackups:  cfg.Logging.Rotation.MaxBackups,
		MaxAgeDays:  cfg.Logging.Rotation.MaxAgeDays,
		Compress:    cfg.Logging.Rotation.Compress,
		Development: cfg.Logging.Development,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	gateway.BuildVersion = version
	logging.Info("starting functions gateway",
		zap.String("version", version),
		zap.String("listen", cfg.Server.Listen),
		zap.String("storage", storageName(cfg.Storage)),
		zap.Bool("auth", cfg.Auth.Configured()),
	)

	server, err := gateway.NewServer(cfg, *configPath)
	if err != nil {
		logging.Error("failed to build gateway", zap.Error(err))
		os.Exit(1)
	}
	if *watch && *configPath != "" {
		if err := server.WatchConfig(); err != nil {
			logging.Error("failed to watch configuration", zap.Error(err))
			os.Exit(1)
		}
	}

	if err := server.Run(); err != nil {
		logging.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func storageName(cfg config.StorageConfig) string {
	if cfg.Backend == "" {
		return "memory"
	}
	return cfg.Backend
}
