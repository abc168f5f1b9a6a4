// ABOUTME: CLI entrypoint for the on-node executor: fetch the pipeline, run it, report back.
// ABOUTME: All configuration comes from the environment injected at deploy time.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/2389-research/unicorn/executor"
)

var version = "dev"

func main() {
	fs := flag.NewFlagSet("unicorn-executor", flag.ContinueOnError)
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if *showVersion {
		fmt.Printf("unicorn-executor %s\n", version)
		os.Exit(0)
	}

	os.Exit(run())
}

// run builds the agent from the environment and drives it to a
// terminal state. Returns an exit code: 0 for success, 1 for failure.
func run() int {
	cfg, err := executor.ConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := executor.NewAgent(cfg).Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
