package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/kadirpekel/memtree/pkg/config"
	"github.com/kadirpekel/memtree/pkg/mcptool"
	"github.com/kadirpekel/memtree/pkg/server"
	"github.com/kadirpekel/memtree/pkg/service"
)

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	fmt.Printf("memtree version %s\n", buildVersion())
	return nil
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			return info.Main.Version
		}
	}
	return "dev"
}

// ServeCmd starts the HTTP memory server.
type ServeCmd struct {
	Database string `help:"Database URL (sqlite://path, postgres://..., mysql://...)."`
	Port     int    `help:"Port to listen on." default:"0"`
	APIKey   string `name:"api-key" help:"Bearer token required on the API. Empty leaves it open."`
	Metrics  bool   `help:"Enable the Prometheus /metrics endpoint."`
	Watch    bool   `help:"Watch the config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	c.applyFlags(cfg)

	svc, err := service.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			slog.Warn("Service close failed", "error", err)
		}
	}()

	if c.Watch && cli.Config != "" {
		loader := config.NewLoader(cli.Config, config.WithOnChange(func(*config.Config) {
			slog.Warn("Configuration changed on disk, restart to apply")
		}))
		go func() {
			if err := loader.Watch(ctx); err != nil {
				slog.Warn("Config watch stopped", "error", err)
			}
		}()
	}

	srv := server.New(svc)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Stop(shutdownCtx)
}

func (c *ServeCmd) applyFlags(cfg *config.Config) {
	if c.Database != "" {
		cfg.DatabaseURL = c.Database
	}
	if c.Port != 0 {
		cfg.Port = c.Port
	}
	if c.APIKey != "" {
		cfg.APIKey = c.APIKey
	}
	if c.Metrics {
		cfg.Metrics.Enabled = true
	}
}

// MCPCmd serves the memory tool set over MCP stdio.
type MCPCmd struct {
	Database string `help:"Database URL (sqlite://path, postgres://..., mysql://...)."`
}

func (c *MCPCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	if c.Database != "" {
		cfg.DatabaseURL = c.Database
	}
	// Metrics would fight the protocol on stdio.
	cfg.Metrics.Enabled = false

	svc, err := service.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			slog.Warn("Service close failed", "error", err)
		}
	}()

	return mcptool.New(svc, buildVersion()).ServeStdio()
}

// ValidateCmd validates a configuration file.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for validate")
	}
	if _, err := loadConfig(cli.Config); err != nil {
		return err
	}
	fmt.Printf("%s is valid\n", cli.Config)
	return nil
}
