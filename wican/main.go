package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"

	"wican-core/utils"
)

func main() {
	var (
		cfgPath   = flag.String("config", "wican.yaml", "YAML configuration file")
		kind      = flag.String("kind", "", "bus kind: socket|pcan|kvaser|ixxat|serial")
		channel   = flag.String("channel", "", "adapter channel, netdev name or serial device (socket://host:port for TCP)")
		bitrate   = flag.Int("bitrate", 0, "bus bitrate in bit/s")
		dbcPath   = flag.String("dbc", "", "DBC catalog to decode and transmit with")
		logLevel  = flag.String("log", "", "trace|debug|info|warn|error|critical")
		metrics   = flag.String("metrics", "", "serve Prometheus metrics on this address")
		noDisplay = flag.Bool("no-display", false, "do not draw the live table")
		save      = flag.Bool("save", false, "write the effective configuration back to -config")
	)
	flag.Parse()

	cfg, err := LoadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "kind":
			cfg.Connection.Kind = *kind
		case "channel":
			cfg.Connection.Channel = *channel
		case "bitrate":
			cfg.Connection.Bitrate = *bitrate
		case "dbc":
			cfg.Catalog.Path = *dbcPath
		case "log":
			cfg.Log.Level = *logLevel
		case "metrics":
			cfg.Metrics.Enabled = true
			cfg.Metrics.Addr = *metrics
		case "no-display":
			cfg.Display.Enabled = !*noDisplay
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	level := utils.ParseLevel(cfg.Log.Level)
	log, err := utils.NewLogger(utils.LogOptions{
		FilePath:   cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		AlsoStdout: cfg.Log.Stdout && !cfg.Display.Enabled,
		JSON:       cfg.Log.JSON,
	}, level)
	if err != nil {
		_, _ = os.Stderr.WriteString("ERROR: cannot open " + cfg.Log.File + ": " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := NewRunner(cfg, log, nil)
	if err != nil {
		log.Critical("Startup failed: %v", err)
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	if *save {
		if err := cfg.Save(*cfgPath); err != nil {
			log.Warn("Save config: %v", err)
		}
	}

	if cfg.Display.Enabled {
		area, err := pterm.DefaultArea.Start()
		if err == nil {
			runner.SetDisplay(func(s string) { area.Update(s) })
			defer func() { _ = area.Stop() }()
		}
	}

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Critical("Run failed: %v", err)
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}
