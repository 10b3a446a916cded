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


// Package config loads the buddyrot configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cloudwego/buddyimg/malloc"
)

// Config is the top-level configuration.
type Config struct {
	Allocator AllocatorConfig `yaml:"allocator"`
	Image     ImageConfig     `yaml:"image"`
	Rotate    RotateConfig    `yaml:"rotate"`
	Output    OutputConfig    `yaml:"output"`
	Log       LogConfig       `yaml:"log"`
}

// AllocatorConfig sizes the arena all image buffers come from.
type AllocatorConfig struct {
	TotalSize    Size             `yaml:"total_size"`     // e.g. "16MiB"
	MinBlockSize Size             `yaml:"min_block_size"` // e.g. "128"
	Arena        malloc.ArenaKind `yaml:"arena"`          // "heap" or "mmap"
}

// ImageConfig describes the source image.
type ImageConfig struct {
	Input  string `yaml:"input"`  // PPM file; empty means a generated test pattern
	Width  int    `yaml:"width"`  // test pattern width
	Height int    `yaml:"height"` // test pattern height
}

// RotateConfig holds the rotation applied to the image.
type RotateConfig struct {
	Angle float64 `yaml:"angle"` // degrees, counter-clockwise
}

// OutputConfig controls where the result goes.
type OutputConfig struct {
	File   string `yaml:"file"`
	Format string `yaml:"format"` // "p3" or "p6"
}

// LogConfig controls diagnostics on stderr.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Allocator: AllocatorConfig{
			TotalSize:    16 << 20,
			MinBlockSize: malloc.DefaultMinBlockSize,
			Arena:        malloc.ArenaHeap,
		},
		Image: ImageConfig{
			Width:  300,
			Height: 200,
		},
		Output: OutputConfig{
			File:   "rotated.ppm",
			Format: "p3",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads a YAML file on top of Default.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Malloc returns the allocator settings.
func (c AllocatorConfig) Malloc() malloc.Config {
	return malloc.Config{
		TotalSize:    int(c.TotalSize),
		MinBlockSize: int(c.MinBlockSize),
		Arena:        c.Arena,
	}
}

// Validate checks the values the allocator and the image code do not check themselves.
func (c *Config) Validate() error {
	if c.Image.Input == "" && (c.Image.Width <= 0 || c.Image.Height <= 0) {
		return fmt.Errorf("image size must be positive, got %dx%d", c.Image.Width, c.Image.Height)
	}
	if c.Output.File == "" {
		return errors.New("output file is required")
	}
	return nil
}

// Size is a byte count that unmarshals from plain integers or from strings
// with a binary unit suffix such as "64KiB", "16MB" or "1G".
type Size int

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	n, err := ParseSize(value.Value)
	if err != nil {
		return err
	}
	*s = n
	return nil
}

func (s Size) String() string {
	n := int(s)
	for _, u := range []struct {
		suffix string
		shift  uint
	}{{"GiB", 30}, {"MiB", 20}, {"KiB", 10}} {
		if n >= 1<<u.shift && n%(1<<u.shift) == 0 {
			return strconv.Itoa(n>>u.shift) + u.suffix
		}
	}
	return strconv.Itoa(n)
}

// ParseSize parses a byte count. K, M and G suffixes are powers of 1024,
// with or without a trailing "B" or "iB".
func ParseSize(str string) (Size, error) {
	s := strings.TrimSpace(str)
	shift := uint(0)
	upper := strings.ToUpper(s)
	for _, u := range []struct {
		suffix string
		shift  uint
	}{
		{"KIB", 10}, {"MIB", 20}, {"GIB", 30},
		{"KB", 10}, {"MB", 20}, {"GB", 30},
		{"K", 10}, {"M", 20}, {"G", 30},
		{"B", 0},
	} {
		if strings.HasSuffix(upper, u.suffix) {
			s = strings.TrimSpace(s[:len(s)-len(u.suffix)])
			shift = u.shift
			break
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", str)
	}
	if n > (1<<62)>>shift {
		return 0, fmt.Errorf("size %q is too large", str)
	}
	return Size(n << shift), nil
}
