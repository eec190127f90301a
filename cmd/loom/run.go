// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/core"
	"github.com/loomworks/loom/pkg/kernel"
	"github.com/loomworks/loom/pkg/telemetry"
)

func runRun(ctx context.Context, flags globalFlags, args []string) {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	prompt := cmd.String("prompt", "", "Single prompt to run (non-interactive)")
	conversation := cmd.String("conversation", "", "Conversation id to continue (default: new)")
	noTelemetry := cmd.Bool("no-telemetry", false, "Disable telemetry output")
	watch := cmd.Bool("watch", false, "Watch the config file and hot-apply runtime parameters")

	if err := cmd.Parse(args); err != nil {
		fatal(err)
	}

	cfg, err := config.LoadWithCLI(flags.ConfigArgs)
	if err != nil {
		fatal(fmt.Errorf("failed to load config: %w", err))
	}

	logger := telemetry.ConfigureSlog(os.Stderr, cfg.Log)

	kernelOpts := []kernel.Option{kernel.WithKernelLogger(logger)}
	if cfg.Telemetry.Enabled && !*noTelemetry {
		shutdown, err := telemetry.Init("loom", version, cfg.Telemetry)
		if err != nil {
			fatal(fmt.Errorf("failed to init telemetry: %w", err))
		}
		kernelOpts = append(kernelOpts, kernel.WithTelemetryFlush(shutdown))
	}

	k := kernel.New(cfg, kernelOpts...)
	if err := k.Initialize(ctx); err != nil {
		fatal(fmt.Errorf("kernel initialize: %w", err))
	}
	if err := k.Run(ctx); err != nil {
		fatal(fmt.Errorf("kernel run: %w", err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Kernel.ShutdownTimeout+time.Second)
		defer cancel()
		if err := k.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
	}()

	if *watch {
		configPath := findConfigPath(flags.ConfigArgs)
		if configPath == "" {
			fmt.Fprintln(os.Stderr, "Warning: --watch needs --config, ignoring")
		} else {
			watcher, _, err := config.WatchConfig(ctx, configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: could not watch config: %v\n", err)
			} else {
				k.BindWatcher(watcher)
				defer watcher.Stop()
				if !flags.JSON {
					fmt.Printf("Watching config: %s\n", configPath)
				}
			}
		}
	}

	conv := *conversation
	if conv == "" {
		conv = uuid.NewString()
	}

	if !flags.JSON {
		fmt.Printf("Backend: %s (%s)\n", cfg.Backend.Provider, cfg.Backend.Model)
		if n := k.Registry().Len(); n > 0 {
			fmt.Printf("Tools: %d\n", n)
		}
		fmt.Println()
	}

	if *prompt != "" {
		if !submitAndPrint(ctx, k, conv, *prompt, flags.JSON) {
			os.Exit(1)
		}
		return
	}

	runREPL(ctx, k, conv, flags.JSON)
}

func runREPL(ctx context.Context, k *kernel.Kernel, conversation string, jsonOutput bool) {
	if !jsonOutput {
		fmt.Println("Interactive mode. Type 'exit' or Ctrl+C to quit.")
		fmt.Println("---")
	}

	scanner := bufio.NewScanner(os.Stdin)

	for {
		if !jsonOutput {
			fmt.Print("\n> ")
		}

		select {
		case <-ctx.Done():
			if !jsonOutput {
				fmt.Println("\nGoodbye!")
			}
			return
		default:
		}

		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			if !jsonOutput {
				fmt.Println("Goodbye!")
			}
			return
		}

		submitAndPrint(ctx, k, conversation, input, jsonOutput)
	}

	if err := scanner.Err(); err != nil && err != io.EOF {
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
	}
}

// submitAndPrint runs one turn and streams its events to stdout.
// Returns false when the turn terminated with an error.
func submitAndPrint(ctx context.Context, k *kernel.Kernel, conversation, text string, jsonOutput bool) bool {
	events, err := k.Submit(ctx, conversation, text, core.AllowAll())
	if err != nil {
		if jsonOutput {
			printJSON(map[string]string{"error": err.Error()})
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return false
	}

	ok := true
	streamed := false
	for ev := range events {
		switch ev.Type {
		case core.TurnEventContent:
			if !jsonOutput {
				fmt.Print(ev.Content)
				streamed = true
			}
		case core.TurnEventToolCallRequest:
			if !jsonOutput {
				for _, call := range ev.Calls {
					fmt.Printf("[tool] %s\n", call.Name)
				}
			}
		case core.TurnEventToolCallResponse:
			if !jsonOutput && ev.Result != nil && ev.Result.Display != "" {
				fmt.Printf("[tool result] %s\n", ev.Result.Display)
			}
		case core.TurnEventFinished:
			if jsonOutput && ev.Outcome != nil {
				printJSON(map[string]any{
					"prompt":     text,
					"response":   ev.Outcome.Response,
					"tool_calls": ev.Outcome.ToolCalls,
					"tokens":     ev.Outcome.Usage.TotalTokens,
				})
			} else if streamed {
				fmt.Println()
			} else if ev.Outcome != nil {
				fmt.Printf("\n%s\n", ev.Outcome.Response)
			}
		case core.TurnEventError:
			ok = false
			if jsonOutput {
				printJSON(map[string]string{"error": ev.Err.Error()})
			} else {
				fmt.Fprintf(os.Stderr, "Error: %v\n", ev.Err)
			}
		}
	}
	return ok
}
