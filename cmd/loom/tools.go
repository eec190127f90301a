// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/kernel"
	"github.com/loomworks/loom/pkg/telemetry"
)

type toolRow struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// runTools connects the configured MCP servers and lists everything
// the registry ends up holding.
func runTools(ctx context.Context, flags globalFlags, args []string) {
	if len(args) > 0 {
		fatal(fmt.Errorf("tools takes no arguments"))
	}

	cfg, err := config.LoadWithCLI(flags.ConfigArgs)
	if err != nil {
		fatal(fmt.Errorf("failed to load config: %w", err))
	}
	logger := telemetry.ConfigureSlog(os.Stderr, config.LogConfig{Level: "warn", Format: cfg.Log.Format})

	k := kernel.New(cfg, kernel.WithKernelLogger(logger))
	if err := k.Initialize(ctx); err != nil {
		fatal(fmt.Errorf("kernel initialize: %w", err))
	}
	defer k.Bridge().Close()

	var rows []toolRow
	for def := range k.Registry().List() {
		rows = append(rows, toolRow{Name: def.Name, Description: def.Description})
	}

	if flags.JSON {
		printJSON(rows)
		return
	}

	if len(rows) == 0 {
		fmt.Println("No tools registered. Configure mcp.servers or register local tools.")
		return
	}
	writer := newTabWriter()
	fmt.Fprintln(writer, "NAME\tDESCRIPTION")
	for _, row := range rows {
		fmt.Fprintf(writer, "%s\t%s\n", row.Name, row.Description)
	}
	writer.Flush()
}
