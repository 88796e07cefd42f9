// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package interpreter

import (
	"runtime"
	"strconv"
	"strings"

	"github.com/gomlx/golite/pkg/lite/arena"
	"github.com/gomlx/golite/pkg/lite/status"
	"github.com/pkg/errors"
)

// GOLITE_INTERPRETER is the environment variable with the default interpreter configuration.
//
// See NewWithConfig for the format.
const GOLITE_INTERPRETER = "GOLITE_INTERPRETER"

// DefaultConfig is the configuration used by New if GOLITE_INTERPRETER is not set.
var DefaultConfig = ""

// Config holds the parsed interpreter configuration.
type Config struct {
	// NumThreads is the maximum parallelism of the worker pool used by ops. 0 disables parallelism,
	// and -1 makes it unlimited.
	NumThreads int

	// TensorAlignment is the alignment of arena offsets and dynamic buffers.
	TensorAlignment int

	// ArenaAlignment is the alignment of the base of the arenas.
	ArenaAlignment int
}

func defaultConfig() Config {
	return Config{
		NumThreads:      runtime.NumCPU(),
		TensorAlignment: arena.DefaultAlignment,
		ArenaAlignment:  arena.DefaultAlignment,
	}
}

// ParseConfig parses a comma-separated list of "key=value" options:
//
//   - "threads=<n>": maximum parallelism of ops, 0 to disable it, -1 for unlimited. Defaults to runtime.NumCPU().
//   - "alignment=<n>": tensor alignment in bytes, a power of two. Defaults to 64.
//   - "arena_alignment=<n>": arena base alignment in bytes, a power of two >= alignment. Defaults to 64.
//
// An empty string returns the default configuration.
func ParseConfig(config string) (Config, error) {
	c := defaultConfig()
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return c, status.Errorf(status.InvalidArgument, "interpreter configuration %q: option %q is not in the form key=value", config, part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return c, status.Wrapf(status.InvalidArgument, errors.WithStack(err), "interpreter configuration %q: option %q", config, part)
		}
		switch strings.TrimSpace(key) {
		case "threads":
			c.NumThreads = n
		case "alignment":
			c.TensorAlignment = n
		case "arena_alignment":
			c.ArenaAlignment = n
		default:
			return c, status.Errorf(status.InvalidArgument, "interpreter configuration %q: unknown option %q", config, key)
		}
	}
	if !arena.IsPowerOfTwo(c.TensorAlignment) || !arena.IsPowerOfTwo(c.ArenaAlignment) {
		return c, status.Errorf(status.InvalidArgument, "interpreter configuration %q: alignments must be powers of two", config)
	}
	if c.ArenaAlignment < c.TensorAlignment {
		return c, status.Errorf(status.InvalidArgument,
			"interpreter configuration %q: arena_alignment (%d) must be >= alignment (%d)", config, c.ArenaAlignment, c.TensorAlignment)
	}
	return c, nil
}
