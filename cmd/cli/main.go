package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	internalcli "github.com/whiskeyjimb/pinstall/internal/cli"
	"github.com/whiskeyjimb/pinstall/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load config
	cfg, err := config.Load(config.DefaultConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: config error: %v\n", err)
		cfg = config.DefaultConfig()
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid config %s: %v\n", config.DefaultConfigPath(), err)
		os.Exit(2)
	}

	root := internalcli.NewRootCommand(cfg, internalcli.DefaultFactory)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
