// Copyright 2025 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package campaign drives repeated snapshot runs over a pool of machines:
// restore, inject the next input, run, classify, and account the outcome.
// Non-completed runs are saved as failure artifacts; they never abort the
// campaign.
package campaign

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snapfuzz/snapfuzz/pkg/config"
	"github.com/snapfuzz/snapfuzz/pkg/host"
	"github.com/snapfuzz/snapfuzz/pkg/log"
	"github.com/snapfuzz/snapfuzz/pkg/osutil"
	"github.com/snapfuzz/snapfuzz/pkg/stat"
)

var (
	statIterations = stat.New("iterations", "Campaign iterations driven",
		stat.Console, stat.Rate{}, stat.Prometheus("snapfuzz_iterations"))
	statSentinel = stat.New("sentinel failures", "Runs that reported the failure marker",
		stat.Console, stat.Prometheus("snapfuzz_sentinel_failures"))
	statCrashes = stat.New("crashes", "Runs on which the guest died",
		stat.Console, stat.Prometheus("snapfuzz_crashes"))
	statTimeouts = stat.New("timeouts", "Runs that hit the deadline",
		stat.Console, stat.Prometheus("snapfuzz_timeouts"))
	statFaults = stat.New("protocol faults", "Runs that broke the control point protocol",
		stat.Simple, stat.Prometheus("snapfuzz_protocol_faults"))
	statResets = stat.New("resets", "Machine restores performed",
		stat.Simple, stat.Rate{}, stat.Prometheus("snapfuzz_resets"))
	statRunTime = stat.New("run time (us)", "Guest run wall time", stat.Distribution{})
)

// Summary aggregates one campaign.
type Summary struct {
	Iterations int // runs actually driven
	Failures   int // runs that reported the sentinel marker
	Outcomes   map[host.Outcome]int
	Duration   time.Duration
}

func (s *Summary) String() string {
	return fmt.Sprintf("ran %v iterations in %v: %v sentinel failures, %v crashes, %v timeouts, %v protocol faults",
		s.Iterations, s.Duration.Round(time.Millisecond), s.Failures,
		s.Outcomes[host.Crash], s.Outcomes[host.Timeout], s.Outcomes[host.ProtocolFault])
}

// Driver runs one campaign over a pool of machines.
type Driver struct {
	cfg *Config
	// Source provides per-iteration inputs. NewDriver fills it from the
	// config; replace it before Run for scripted campaigns.
	Source Source

	mu      sync.Mutex
	summary *Summary
}

func NewDriver(cfg *Config) (*Driver, error) {
	drv := &Driver{cfg: cfg}
	if cfg.Corpus != "" {
		src, err := NewCorpusSource(cfg.Corpus)
		if err != nil {
			return nil, err
		}
		log.Logf(0, "replaying corpus %v (%v inputs)", cfg.Corpus, src.Len())
		drv.Source = src
	} else {
		log.Logf(1, "generating inputs of %v bytes, seed %v", cfg.InputLen, cfg.Seed)
		drv.Source = NewRandSource(cfg.Seed, cfg.InputLen)
	}
	return drv, nil
}

// Run drives the configured number of iterations and returns the
// aggregate. Cancelling the context stops the campaign after the runs in
// flight; the partial summary is still returned along with the context
// error.
func (drv *Driver) Run(ctx context.Context) (*Summary, error) {
	if err := osutil.MkdirAll(drv.cfg.Workdir); err != nil {
		return nil, err
	}
	// Persist the effective config, including the derived seed, so that
	// a campaign can be reproduced later.
	if err := config.SaveFile(filepath.Join(drv.cfg.Workdir, "config.json"), drv.cfg); err != nil {
		return nil, err
	}
	pool, err := host.NewPool(&host.Config{
		Machine:       drv.cfg.Machine,
		MachineConfig: drv.cfg.MachineConfig,
		Workdir:       drv.cfg.Workdir,
		Guest:         drv.cfg.Guest,
		Capacity:      drv.cfg.Capacity,
		Procs:         drv.cfg.Procs,
		Timeout:       drv.cfg.Timeout(),
		Sentinel:      []byte(drv.cfg.Sentinel),
		Debug:         drv.cfg.Debug,
		Exe:           drv.cfg.Exe,
	})
	if err != nil {
		return nil, err
	}
	drv.summary = &Summary{Outcomes: make(map[host.Outcome]int)}
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < pool.Count(); p++ {
		p := p
		g.Go(func() error {
			return drv.runProc(gctx, pool, p)
		})
	}
	err = g.Wait()
	drv.summary.Duration = time.Since(start)
	return drv.summary, err
}

// runProc boots machine number proc and drives its stripe of iterations.
func (drv *Driver) runProc(ctx context.Context, pool *host.Pool, proc int) error {
	ctrl, err := pool.Controller(proc)
	if err != nil {
		return err
	}
	defer ctrl.Close()
	for iter := proc; iter < drv.cfg.Iterations; iter += drv.cfg.Procs {
		if err := ctx.Err(); err != nil {
			return err
		}
		input := drv.Source.Next(iter)
		res, err := drv.runOne(ctrl, input)
		if err != nil {
			return fmt.Errorf("proc %v iter %v: %w", proc, iter, err)
		}
		drv.record(iter, input, res)
		// A protocol fault means the harness itself is broken; carrying on
		// would just count garbage.
		if res.Outcome == host.ProtocolFault {
			return fmt.Errorf("proc %v iter %v: protocol fault: %v", proc, iter, res.Detail)
		}
	}
	return nil
}

func (drv *Driver) runOne(ctrl *host.Controller, input []byte) (*host.Result, error) {
	if err := ctrl.Reset(); err != nil {
		return nil, err
	}
	statResets.Add(1)
	if err := ctrl.Inject(input); err != nil {
		return nil, fmt.Errorf("input of %v bytes rejected: %w", len(input), err)
	}
	return ctrl.Run()
}

func (drv *Driver) record(iter int, input []byte, res *host.Result) {
	statIterations.Add(1)
	statRunTime.Add(int(res.Duration.Microseconds()))
	drv.mu.Lock()
	drv.summary.Iterations++
	drv.summary.Outcomes[res.Outcome]++
	if res.Outcome == host.SentinelFail {
		drv.summary.Failures++
	}
	drv.mu.Unlock()
	switch res.Outcome {
	case host.Completed:
		return
	case host.SentinelFail:
		statSentinel.Add(1)
	case host.Crash:
		statCrashes.Add(1)
	case host.Timeout:
		statTimeouts.Add(1)
	case host.ProtocolFault:
		statFaults.Add(1)
	}
	suffix := ""
	if res.Detail != "" {
		suffix = ": " + strings.SplitN(res.Detail, "\n", 2)[0]
	}
	log.Logf(0, "iter %v: %v%v", iter, res.Outcome, suffix)
	drv.saveFailure(iter, input, res)
}

// saveFailure writes the input and a report for a non-completed run under
// <workdir>/failures. Artifact write problems are logged, not fatal.
func (drv *Driver) saveFailure(iter int, input []byte, res *host.Result) {
	dir := filepath.Join(drv.cfg.Workdir, "failures", fmt.Sprintf("%v-%06d", res.Outcome, iter))
	if err := osutil.MkdirAll(dir); err != nil {
		log.Errorf("failed to create failure dir: %v", err)
		return
	}
	if err := osutil.WriteFile(filepath.Join(dir, "input"), input); err != nil {
		log.Errorf("failed to save failure input: %v", err)
	}
	report := new(bytes.Buffer)
	fmt.Fprintf(report, "outcome:   %v\n", res.Outcome)
	fmt.Fprintf(report, "iteration: %v\n", iter)
	fmt.Fprintf(report, "duration:  %v\n", res.Duration)
	if res.Detail != "" {
		fmt.Fprintf(report, "detail:    %v\n", res.Detail)
	}
	if len(res.Output) != 0 {
		fmt.Fprintf(report, "output:    %q\n", res.Output)
	}
	if cached := log.CachedLogOutput(); cached != "" {
		fmt.Fprintf(report, "\nlog tail:\n%v", cached)
	}
	if err := osutil.WriteFile(filepath.Join(dir, "report"), report.Bytes()); err != nil {
		log.Errorf("failed to save failure report: %v", err)
	}
}
