// ABOUTME: CLI entrypoint for the director: the mediator API, executor gateway, compiler, and processor in one process.
// ABOUTME: Parses flags and config, wires the services, and runs until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/2389-research/unicorn/director"
)

var version = "dev"

// config holds CLI configuration parsed from flags.
type config struct {
	configFile   string
	mediatorAddr string
	gatewayAddr  string
	database     string
	showVersion  bool
}

func main() {
	loadDotEnv(".env")

	cfg := parseFlags()

	if cfg.showVersion {
		fmt.Printf("unicorn-director %s\n", version)
		os.Exit(0)
	}

	os.Exit(run(cfg))
}

// parseFlags parses command-line flags and returns a populated config.
func parseFlags() config {
	var cfg config

	fs := flag.NewFlagSet("unicorn-director", flag.ContinueOnError)
	fs.StringVar(&cfg.configFile, "config", "", "Path to YAML config file")
	fs.StringVar(&cfg.mediatorAddr, "mediator-addr", "", "Mediator listen address (overrides config)")
	fs.StringVar(&cfg.gatewayAddr, "gateway-addr", "", "Gateway listen address (overrides config)")
	fs.StringVar(&cfg.database, "db", "", "SQLite database path (overrides config)")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	return cfg
}

// run loads the config, builds the director, and serves until a signal
// arrives. Returns an exit code: 0 for success, 1 for failure.
func run(cfg config) int {
	dirCfg := director.DefaultConfig()
	if cfg.configFile != "" {
		loaded, err := director.LoadConfig(cfg.configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		dirCfg = loaded
	}
	if cfg.mediatorAddr != "" {
		dirCfg.MediatorListen = cfg.mediatorAddr
	}
	if cfg.gatewayAddr != "" {
		dirCfg.GatewayListen = cfg.gatewayAddr
	}
	if cfg.database != "" {
		dirCfg.Database = cfg.database
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := director.New(ctx, dirCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() {
		if err := d.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: close: %v\n", err)
		}
	}()

	if err := d.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
