// Copyright 2025 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// snap-driver runs snapshot fuzzing campaigns against a guest workload
// hosted on a simulated or subprocess machine.
//
//	snap-driver [flags] <project-dir>
//
// The project directory holds the campaign config (snapfuzz.cfg) and
// receives the working directory with failure artifacts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/snapfuzz/snapfuzz/pkg/campaign"
	"github.com/snapfuzz/snapfuzz/pkg/config"
	"github.com/snapfuzz/snapfuzz/pkg/log"
	"github.com/snapfuzz/snapfuzz/pkg/osutil"
	"github.com/snapfuzz/snapfuzz/pkg/tool"
	"github.com/snapfuzz/snapfuzz/vm/subproc"
)

var (
	flagConfig        = flag.String("config", "", "config file (default <project-dir>/snapfuzz.cfg if present)")
	flagDebug         = flag.Bool("debug", false, "dump all guest output to console")
	flagIterations    = flag.Int("iterations", 0, "override the number of iterations from the config")
	flagSeed          = flag.Int64("seed", 0, "override the input generation seed from the config")
	flagMachineConfig = flag.String("machine-config", "", "JSON object merged over machine_config from the config file")
)

func main() {
	// Re-executed machine children inherit our command line but speak the
	// control pipe protocol instead, so they must be dispatched before
	// flag parsing.
	if subproc.IsChild() {
		subproc.RunChild()
	}
	defer tool.Init()()
	if flag.NArg() != 1 {
		tool.Failf("usage: snap-driver [flags] <project-dir>")
	}
	cfg, err := loadConfig(flag.Arg(0))
	if err != nil {
		tool.Fail(err)
	}
	log.EnableLogCaching(1000, 1<<20)

	ctx, cancel := context.WithCancel(context.Background())
	shutdown := make(chan struct{})
	osutil.HandleInterrupts(shutdown)
	go func() {
		<-shutdown
		log.Logf(0, "shutting down, waiting for runs in flight...")
		cancel()
	}()

	if cfg.HTTP != "" {
		initHTTP(cfg)
	}
	drv, err := campaign.NewDriver(cfg)
	if err != nil {
		tool.Fail(err)
	}
	log.Logf(0, "starting campaign: machine=%v guest=%v procs=%v iterations=%v seed=%v",
		cfg.Machine, cfg.Guest, cfg.Procs, cfg.Iterations, cfg.Seed)
	summary, err := drv.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		tool.Fail(err)
	}
	fmt.Println(summary)
}

func loadConfig(project string) (*campaign.Config, error) {
	file := *flagConfig
	if file == "" {
		if def := filepath.Join(project, "snapfuzz.cfg"); osutil.IsExist(def) {
			file = def
		}
	}
	cfg := campaign.DefaultConfig()
	if file != "" {
		var err error
		if cfg, err = campaign.LoadPartialFile(file); err != nil {
			return nil, err
		}
	}
	if cfg.Workdir == "" {
		cfg.Workdir = filepath.Join(project, "workdir")
	}
	if *flagIterations != 0 {
		cfg.Iterations = *flagIterations
	}
	if *flagSeed != 0 {
		cfg.Seed = *flagSeed
	}
	if *flagMachineConfig != "" {
		merged, err := config.MergeJSONData(cfg.MachineConfig, []byte(*flagMachineConfig))
		if err != nil {
			return nil, fmt.Errorf("failed to merge machine config: %w", err)
		}
		cfg.MachineConfig = merged
	}
	cfg.Debug = *flagDebug
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate own executable: %w", err)
	}
	cfg.Exe = exe
	if err := cfg.Complete(); err != nil {
		return nil, err
	}
	return cfg, nil
}
