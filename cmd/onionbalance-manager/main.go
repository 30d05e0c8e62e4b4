// Package main provides the manager daemon executable.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/opd-ai/onionbalance-manager/internal/config"
	"github.com/opd-ai/onionbalance-manager/internal/daemon"
	"github.com/opd-ai/onionbalance-manager/internal/obslog"
)

var version = "0.1.0-dev"

func main() {
	configFile := flag.String("c", "", "Path to YAML configuration file")
	flag.StringVar(configFile, "config", "", "Path to YAML configuration file")
	ip := flag.String("i", "", "Tor control address (overrides config)")
	flag.StringVar(ip, "ip", "", "Tor control address (overrides config)")
	port := flag.Int("p", 0, "Tor control port (overrides config)")
	flag.IntVar(port, "port", 0, "Tor control port (overrides config)")
	verbosity := flag.String("v", "", "Log level: debug, info, warning, error, critical (overrides config)")
	flag.StringVar(verbosity, "verbosity", "", "Log level: debug, info, warning, error, critical (overrides config)")
	checkConfig := flag.Bool("check-config", false, "Validate the configuration file and exit")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("onionbalance-manager version %s\n", version)
		os.Exit(0)
	}

	path := *configFile
	if path == "" {
		path = os.Getenv("ONIONBALANCE_CONFIG")
	}

	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFromFile(path)
	} else {
		cfg = config.Default()
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *ip != "" {
		cfg.TorAddress = *ip
	}
	if *port != 0 {
		cfg.TorPort = *port
	}
	if *verbosity != "" {
		cfg.LogLevel = *verbosity
	}

	if *checkConfig {
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration OK")
		os.Exit(0)
	}

	level, err := obslog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}

	var logWriter io.Writer = os.Stdout
	if cfg.LogLocation != "" {
		f, err := os.OpenFile(cfg.LogLocation, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logWriter = f
	}
	log := obslog.New(level, logWriter)

	log.Info("starting onionbalance-manager", "version", version, "services", len(cfg.Services))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = obslog.WithContext(ctx, log)

	if err := run(ctx, cfg, log); err != nil {
		log.Error("application error", "err", err)
		os.Exit(1)
	}

	log.Info("shutdown complete")
}

// run builds the daemon, connects it, and drives it until a termination
// signal or context cancellation.
func run(ctx context.Context, cfg *config.Config, log *obslog.Logger) error {
	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("building daemon: %w", err)
	}

	if err := d.Connect(); err != nil {
		return fmt.Errorf("connecting to control port: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(runCtx) }()

	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig.String())
		runCancel()
		return <-errCh
	case err := <-errCh:
		return err
	}
}
