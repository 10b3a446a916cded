/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */


package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/cloudwego/buddyimg/internal/config"
	"github.com/cloudwego/buddyimg/internal/logger"
	"github.com/cloudwego/buddyimg/malloc"
)

var (
	// Global flags
	configPath string
	verbose    bool
	quiet      bool
	jsonOut    bool
	logJSON    bool

	// Arena flags, shared by every subcommand
	arenaSize string
	minBlock  string
	arenaKind string

	// cfg is loaded before any subcommand runs.
	cfg = config.Default()
)

var rootCmd = &cobra.Command{
	Use:   "buddyrot",
	Short: "Rotate images held in a buddy-allocated arena",
	Long: `buddyrot keeps every image buffer inside one fixed arena managed by a
buddy allocator. It loads or generates an RGB image, rotates it
counter-clockwise with bilinear sampling and writes the result as PPM,
reporting how the arena was used along the way.`,
	Version:           "0.1.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output and debug logs")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON lines")
	rootCmd.PersistentFlags().StringVar(&arenaSize, "arena-size", "", "Arena size, e.g. 16MiB (overrides config)")
	rootCmd.PersistentFlags().StringVar(&minBlock, "min-block", "", "Smallest block size, e.g. 128 (overrides config)")
	rootCmd.PersistentFlags().StringVar(&arenaKind, "arena", "", "Arena backing: heap or mmap (overrides config)")
}

func execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// loadConfig reads --config and sets up logging.
func loadConfig(cmd *cobra.Command, args []string) error {
	if configPath != "" {
		c, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = c
	}
	if err := applyArenaFlags(cmd); err != nil {
		return err
	}
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if verbose {
		level = slog.LevelDebug
	}
	logger.Init(logger.Options{Level: level, JSON: logJSON || cfg.Log.JSON})
	return nil
}

// applyArenaFlags copies the arena flags that were set on the command line into cfg.
func applyArenaFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	if flags.Changed("arena-size") {
		n, err := config.ParseSize(arenaSize)
		if err != nil {
			return err
		}
		cfg.Allocator.TotalSize = n
	}
	if flags.Changed("min-block") {
		n, err := config.ParseSize(minBlock)
		if err != nil {
			return err
		}
		cfg.Allocator.MinBlockSize = n
	}
	if flags.Changed("arena") {
		cfg.Allocator.Arena = malloc.ArenaKind(arenaKind)
	}
	return nil
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...interface{}) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...interface{}) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
