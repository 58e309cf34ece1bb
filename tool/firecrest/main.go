/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

// Command firecrest runs the HPC gateway: it loads the YAML
// configuration, wires the per cluster services and serves the HTTP API
// until terminated.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/eth-cscs/firecrest"
	"github.com/eth-cscs/firecrest/lib/config"
	"github.com/eth-cscs/firecrest/lib/service"
)

func main() {
	app := kingpin.New("firecrest", "HTTP gateway to HPC clusters.")
	configPath := app.Flag("config", "Path of the YAML configuration file. Defaults to the "+
		firecrest.EnvConfigFile+" environment variable.").Short('c').String()
	debug := app.Flag("debug", "Enable debug logging.").Short('d').Bool()
	app.Version(firecrest.Version)
	app.HelpFlag.Short('h')
	kingpin.MustParse(app.Parse(os.Args[1:]))

	if err := run(*configPath, *debug); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(configPath string, debug bool) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return trace.Wrap(err)
	}

	level := slog.LevelInfo
	if debug || cfg.AppDebug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	logger.Info("starting firecrest", "version", firecrest.Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, service.Config{Config: cfg, Logger: logger})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(svc.Run(ctx))
}
