package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loghive/loghive/pkg/loghive"
	util_log "github.com/loghive/loghive/pkg/util/log"
)

func main() {
	var (
		cfg        loghive.Config
		configFile string
	)
	fs := flag.NewFlagSet("loghive", flag.ExitOnError)
	fs.StringVar(&configFile, "config.file", "", "Configuration file to load.")
	cfg.RegisterFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if configFile != "" {
		if err := cfg.LoadFile(configFile); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		// Flags win over the file for anything set on the command line.
		if err := fs.Parse(os.Args[1:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	logger, err := util_log.InitLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid config", "err", err)
		os.Exit(1)
	}

	app, err := loghive.New(cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		level.Error(logger).Log("msg", "failed to initialise", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		level.Error(logger).Log("msg", "run failed", "err", err)
		os.Exit(1)
	}
}
