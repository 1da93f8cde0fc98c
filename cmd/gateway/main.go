package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/storegate/internal/config"
	"github.com/wudi/storegate/internal/gateway"
	"github.com/wudi/storegate/internal/logging"
	"github.com/wudi/storegate/internal/registry"
	"github.com/wudi/storegate/internal/registry/consul"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (defaults apply when empty)")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("storegate %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.NewWithOptions(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.Rotation.MaxSize,
		MaxBackups: cfg.Logging.Rotation.MaxBackups,
		MaxAgeDays: cfg.Logging.Rotation.MaxAge,
		Compress:   cfg.Logging.Rotation.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting API Gateway",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("environment", cfg.Environment),
		zap.String("registry", cfg.Registry.Type),
		zap.Int("services", len(cfg.Services)),
		zap.Int("routes", len(cfg.Routes)),
	)

	if cfg.Registry.Type == "consul" {
		if err := discoverServices(cfg); err != nil {
			logging.Error("Service discovery failed", zap.Error(err))
			os.Exit(1)
		}
	}

	server, err := gateway.NewServer(cfg)
	if err != nil {
		logging.Error("Failed to create gateway", zap.Error(err))
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}

// discoverServices resolves the service table through Consul once at
// startup. The table is immutable afterwards.
func discoverServices(cfg *config.Config) error {
	res, err := consul.New(cfg.Registry.Consul)
	if err != nil {
		return err
	}
	timeout := cfg.Registry.Consul.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	services, err := registry.ResolveAll(ctx, cfg.Services, res)
	if err != nil {
		return err
	}
	cfg.Services = services
	return nil
}
