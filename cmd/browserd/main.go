// Package main runs the browser task service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/madiyarbolatuly/browserd/internal/app"
	"github.com/madiyarbolatuly/browserd/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "browserd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", os.Getenv("BROWSERD_CONFIG"), "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer a.Close()

	return a.Run(ctx)
}
