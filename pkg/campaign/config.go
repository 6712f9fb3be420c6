// Copyright 2025 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package campaign

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/snapfuzz/snapfuzz/pkg/config"
	"github.com/snapfuzz/snapfuzz/pkg/osutil"
	"github.com/snapfuzz/snapfuzz/pkg/shmem"
)

type Config struct {
	// Location of the campaign's working directory; failure artifacts are
	// written under <workdir>/failures.
	Workdir string `json:"workdir"`
	// Machine type hosting the guest: sim or subproc.
	Machine string `json:"machine"`
	// Machine-type-specific configuration.
	MachineConfig json.RawMessage `json:"machine_config,omitempty"`
	// Guest workload to fuzz.
	Guest string `json:"guest"`
	// Shared channel capacity in bytes.
	Capacity int `json:"capacity"`
	// Per-run deadline in milliseconds.
	TimeoutMS int `json:"timeout_ms"`
	// Total iterations to drive.
	Iterations int `json:"iterations"`
	// Machines to drive concurrently.
	Procs int `json:"procs"`
	// Seed for generated inputs; 0 derives one from the clock.
	Seed int64 `json:"seed"`
	// Length of generated inputs in bytes.
	InputLen int `json:"input_len"`
	// Failure marker matched byte for byte against run output.
	// Empty disables sentinel matching.
	Sentinel string `json:"sentinel"`
	// Directory with input files to replay instead of generated inputs.
	Corpus string `json:"corpus,omitempty"`
	// Address to serve campaign stats on, e.g. "localhost:28467".
	HTTP string `json:"http,omitempty"`

	// Filled in by the driver, not by the config file.
	Debug bool   `json:"-"`
	Exe   string `json:"-"`
}

func DefaultConfig() *Config {
	return &Config{
		Machine:    "sim",
		Guest:      "sentinel",
		Capacity:   64 << 10,
		TimeoutMS:  3000,
		Iterations: 1000,
		Procs:      1,
		InputLen:   20,
		Sentinel:   "Fail",
	}
}

func LoadFile(filename string) (*Config, error) {
	cfg, err := LoadPartialFile(filename)
	if err != nil {
		return nil, err
	}
	if err := cfg.Complete(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadPartialFile(filename string) (*Config, error) {
	cfg := DefaultConfig()
	if err := config.LoadFile(filename, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadData(data []byte) (*Config, error) {
	cfg, err := LoadPartialData(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Complete(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadPartialData(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := config.LoadData(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Complete validates the config and fills in derived values. Partial
// configs must be completed before use.
func (cfg *Config) Complete() error {
	if cfg.Workdir == "" {
		return fmt.Errorf("workdir is empty")
	}
	cfg.Workdir = osutil.Abs(cfg.Workdir)
	if cfg.Machine == "" {
		return fmt.Errorf("machine type is empty")
	}
	if cfg.Guest == "" {
		return fmt.Errorf("guest workload is empty")
	}
	if cfg.Capacity <= shmem.HeaderSize {
		return fmt.Errorf("capacity %v is too small, need more than %v bytes",
			cfg.Capacity, shmem.HeaderSize)
	}
	if cfg.TimeoutMS <= 0 {
		return fmt.Errorf("timeout_ms must be positive")
	}
	if cfg.Iterations <= 0 {
		return fmt.Errorf("iterations must be positive")
	}
	if cfg.Procs < 1 {
		return fmt.Errorf("procs must be at least 1")
	}
	if cfg.Corpus == "" {
		if cfg.InputLen <= 0 {
			return fmt.Errorf("input_len must be positive")
		}
		if cfg.InputLen > cfg.Capacity-shmem.HeaderSize {
			return fmt.Errorf("input_len %v does not fit a channel of capacity %v",
				cfg.InputLen, cfg.Capacity)
		}
	} else {
		if err := osutil.IsAccessible(cfg.Corpus); err != nil {
			return fmt.Errorf("corpus dir: %w", err)
		}
		cfg.Corpus = osutil.Abs(cfg.Corpus)
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return nil
}

func (cfg *Config) Timeout() time.Duration {
	return time.Duration(cfg.TimeoutMS) * time.Millisecond
}
