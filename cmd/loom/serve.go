// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/kernel"
	"github.com/loomworks/loom/pkg/mcp"
	"github.com/loomworks/loom/pkg/telemetry"
)

// runServe exposes the registry over MCP. Tools imported from
// configured upstream servers are re-exported, so loom can front a
// set of tool servers behind one credential.
func runServe(ctx context.Context, flags globalFlags, args []string) {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := cmd.String("addr", "", "Listen address (default from config)")
	stdio := cmd.Bool("stdio", false, "Serve on stdin/stdout instead of HTTP")

	if err := cmd.Parse(args); err != nil {
		fatal(err)
	}

	cfg, err := config.LoadWithCLI(flags.ConfigArgs)
	if err != nil {
		fatal(fmt.Errorf("failed to load config: %w", err))
	}

	// Stdio serving must keep stdout clean for the wire protocol.
	logger := telemetry.ConfigureSlog(os.Stderr, cfg.Log)

	k := kernel.New(cfg, kernel.WithKernelLogger(logger))
	if err := k.Initialize(ctx); err != nil {
		fatal(fmt.Errorf("kernel initialize: %w", err))
	}

	server, err := mcp.NewServer(k.Registry(),
		mcp.WithCredential(cfg.MCP.Serve.Credential),
		mcp.WithServerLogger(logger),
	)
	if err != nil {
		fatal(err)
	}

	if *stdio {
		if err := server.ServeStdio(); err != nil {
			fatal(err)
		}
		return
	}

	listenAddr := *addr
	if listenAddr == "" {
		listenAddr = cfg.MCP.Serve.Addr
	}
	if !flags.JSON {
		fmt.Fprintf(os.Stderr, "Serving %d tools on %s\n", k.Registry().Len(), listenAddr)
	}
	if err := server.ListenAndServe(ctx, listenAddr); err != nil {
		fatal(err)
	}
}
