// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// musterd is the muster server daemon: it brings up the configured
// transport listeners, the session and task registries, and the
// management API, then runs until signalled.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/muster/internal/api"
	"grimm.is/muster/internal/config"
	"grimm.is/muster/internal/logging"
	"grimm.is/muster/internal/server"
)

func main() {
	configFile := flag.String("config", "", "path to the HCL configuration file")
	logLevel := flag.String("log-level", "", "override the configured log level (debug, info, warn, error)")
	flag.Parse()

	if err := run(*configFile, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "musterd: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile, logLevel string) error {
	cfg := config.Default()
	if configFile != "" {
		loaded, err := config.LoadFile(configFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}

	var out io.Writer = os.Stderr
	if cfg.Server.Syslog != nil {
		sw, err := logging.NewSyslogWriter(*cfg.Server.Syslog)
		if err != nil {
			return err
		}
		defer sw.Close()
		out = io.MultiWriter(os.Stderr, sw)
	}
	logger := logging.New(logging.Config{
		Output: out,
		Level:  logging.ParseLevel(cfg.Server.LogLevel),
		Format: cfg.Server.LogFormat,
	})
	logging.SetDefault(logger)

	coord, err := server.New(cfg, logger)
	if err != nil {
		return err
	}
	coord.Start()
	defer coord.Stop()

	apiServer := api.NewServer(cfg.Server.APIListen, coord, logger)
	if err := apiServer.Start(); err != nil {
		return err
	}
	defer apiServer.Stop()

	logger.Info("musterd running", "api", apiServer.Addr(), "listeners", len(coord.Listeners()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", "signal", sig.String())
	return nil
}
