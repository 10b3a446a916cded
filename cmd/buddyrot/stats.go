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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudwego/buddyimg/internal/config"
	"github.com/cloudwego/buddyimg/malloc"
)

var statsAlloc []string

func init() {
	rootCmd.AddCommand(newStatsCmd())
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the arena's size classes and free lists",
		Long: `The stats command builds the configured arena, optionally serves a list
of allocation requests from it, and prints the block size and free-list
length of every level.

Example:
  buddyrot stats --arena-size 1KiB --min-block 128
  buddyrot stats --arena-size 1KiB --min-block 128 --alloc 200,128 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cfg, statsAlloc)
		},
	}
	cmd.Flags().StringSliceVar(&statsAlloc, "alloc", nil, "Sizes to allocate before reporting, e.g. 200,4KiB")
	return cmd
}

type levelStats struct {
	Level     int `json:"level"`
	BlockSize int `json:"block_size"`
	Free      int `json:"free"`
}

type requestStats struct {
	Size   int    `json:"size"`
	Offset int    `json:"offset"`
	Block  int    `json:"block,omitempty"`
	Error  string `json:"error,omitempty"`
}

type statsReport struct {
	TotalSize    int            `json:"total_size"`
	MinBlockSize int            `json:"min_block_size"`
	Used         int            `json:"used"`
	Available    int            `json:"available"`
	Requests     []requestStats `json:"requests,omitempty"`
	Levels       []levelStats   `json:"levels"`
}

func runStats(c *config.Config, sizes []string) error {
	alloc, err := malloc.NewBuddyAllocatorWithConfig(c.Allocator.Malloc())
	if err != nil {
		return fmt.Errorf("failed to create allocator: %w", err)
	}
	defer alloc.Close()

	report := statsReport{
		TotalSize:    alloc.TotalSize(),
		MinBlockSize: alloc.MinBlockSize(),
	}
	for _, s := range sizes {
		n, err := config.ParseSize(s)
		if err != nil {
			return err
		}
		req := requestStats{Size: int(n), Offset: -1}
		if h, err := alloc.Alloc(int(n)); err != nil {
			req.Error = err.Error()
		} else {
			req.Offset = h.Offset()
			req.Block = alloc.BlockSize(h)
		}
		report.Requests = append(report.Requests, req)
	}
	report.Used = alloc.UsedMemory()
	report.Available = alloc.Available()
	for level := 0; level < alloc.Levels(); level++ {
		report.Levels = append(report.Levels, levelStats{
			Level:     level,
			BlockSize: alloc.MinBlockSize() << level,
			Free:      alloc.FreeBlocks(level),
		})
	}

	if jsonOut {
		return printJSON(report)
	}
	printInfo("Arena: %s, min block %s\n", config.Size(report.TotalSize), config.Size(report.MinBlockSize))
	for _, r := range report.Requests {
		if r.Error != "" {
			printInfo("  alloc %-8d failed: %s\n", r.Size, r.Error)
			continue
		}
		printInfo("  alloc %-8d -> offset %d, block %d\n", r.Size, r.Offset, r.Block)
	}
	printInfo("Used: %d  Available: %d\n", report.Used, report.Available)
	printInfo("%-6s %12s %6s\n", "LEVEL", "BLOCK", "FREE")
	for _, l := range report.Levels {
		printInfo("%-6d %12d %6d\n", l.Level, l.BlockSize, l.Free)
	}
	return nil
}
