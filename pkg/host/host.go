// Copyright 2025 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package host drives snapshot machines through the restore, inject, run,
// classify cycle. A Controller owns one machine; it enforces the input
// injection window (open after a reset, closed by a run) and turns the
// machine's stop reports into outcomes.
package host

import (
	"bytes"
	"fmt"
	"time"

	"github.com/snapfuzz/snapfuzz/pkg/harness"
	"github.com/snapfuzz/snapfuzz/pkg/log"
	"github.com/snapfuzz/snapfuzz/vm"
)

// Outcome classifies one run of the guest.
type Outcome int

const (
	// Completed: the guest reached its exit point and the output did not
	// match the sentinel.
	Completed Outcome = iota
	// SentinelFail: the guest reached its exit point and reported exactly
	// the sentinel marker.
	SentinelFail
	// Timeout: the guest was still running at the deadline.
	Timeout
	// Crash: the guest died.
	Crash
	// ProtocolFault: the guest broke the control point protocol or left
	// the channel unreadable.
	ProtocolFault
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case SentinelFail:
		return "sentinel-fail"
	case Timeout:
		return "timeout"
	case Crash:
		return "crash"
	case ProtocolFault:
		return "protocol-fault"
	}
	return fmt.Sprintf("outcome-%v", int(o))
}

// Result is the report for one run.
type Result struct {
	Outcome  Outcome
	Output   []byte // the guest's report, empty unless the run completed
	Detail   string // classifier context for crashes, timeouts and faults
	Duration time.Duration
}

// ConfigError reports invalid configuration discovered during init.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config error: %v", e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// ResourceError reports that a machine could not be booted or restored.
type ResourceError struct {
	Err error
}

func (e *ResourceError) Error() string { return fmt.Sprintf("resource error: %v", e.Err) }
func (e *ResourceError) Unwrap() error { return e.Err }

// FaultError reports controller misuse, e.g. an injection outside the
// reset-run window.
type FaultError struct {
	Err error
}

func (e *FaultError) Error() string { return fmt.Sprintf("protocol fault: %v", e.Err) }
func (e *FaultError) Unwrap() error { return e.Err }

// Config describes the machine stack a Controller drives.
type Config struct {
	Machine       string // registered machine type
	MachineConfig []byte // machine-type-specific JSON config
	Workdir       string
	Guest         string // registered guest workload
	Capacity      int    // shared channel capacity in bytes
	Procs         int    // number of machines in the pool
	Timeout       time.Duration
	Sentinel      []byte // failure marker matched against run output
	Debug         bool
	Exe           string // driver executable for re-executing machine types
}

// Pool creates controllers for the machines of one campaign.
type Pool struct {
	cfg  *Config
	impl vm.Pool
}

// NewPool validates the configuration and constructs the machine pool.
// All errors are ConfigErrors; machines are not booted yet.
func NewPool(cfg *Config) (*Pool, error) {
	if cfg.Machine == "" {
		return nil, &ConfigError{fmt.Errorf("machine type is empty")}
	}
	if cfg.Guest == "" {
		return nil, &ConfigError{fmt.Errorf("guest workload is empty")}
	}
	if cfg.Timeout <= 0 {
		return nil, &ConfigError{fmt.Errorf("run timeout must be positive")}
	}
	env := &vm.Env{
		Workdir:  cfg.Workdir,
		Guest:    cfg.Guest,
		Capacity: cfg.Capacity,
		Count:    cfg.Procs,
		Debug:    cfg.Debug,
		Config:   cfg.MachineConfig,
		Exe:      cfg.Exe,
	}
	impl, err := vm.Create(cfg.Machine, env)
	if err != nil {
		return nil, &ConfigError{err}
	}
	return &Pool{cfg: cfg, impl: impl}, nil
}

func (pool *Pool) Count() int {
	return pool.impl.Count()
}

// Controller boots machine number index and returns its controller.
// Boot failures are ResourceErrors.
func (pool *Pool) Controller(index int) (*Controller, error) {
	inst, err := pool.impl.Create(index)
	if err != nil {
		return nil, &ResourceError{err}
	}
	return &Controller{cfg: pool.cfg, inst: inst}, nil
}

// Init is the single-machine convenience: it validates the config, builds
// the pool and boots machine 0.
func Init(cfg *Config) (*Controller, error) {
	pool, err := NewPool(cfg)
	if err != nil {
		return nil, err
	}
	return pool.Controller(0)
}

// Controller owns one booted machine.
type Controller struct {
	cfg        *Config
	inst       vm.Instance
	injectOpen bool
}

// Reset rewinds the machine to its snapshot baseline, discarding all
// guest progress and any staged input, and opens the injection window.
// Resetting an already pristine machine is cheap.
func (ctrl *Controller) Reset() error {
	if err := ctrl.inst.Restore(); err != nil {
		ctrl.injectOpen = false
		return &ResourceError{fmt.Errorf("restore failed: %w", err)}
	}
	ctrl.injectOpen = true
	return nil
}

// Inject stages payload as the next run's input. Legal only between a
// reset and the following run; a later injection overwrites an earlier
// one. Oversized payloads fail with shmem.ErrCapacityExceeded and leave
// the staged input unchanged.
func (ctrl *Controller) Inject(payload []byte) error {
	if !ctrl.injectOpen {
		return &FaultError{fmt.Errorf("inject outside the reset-run window")}
	}
	return ctrl.inst.Input(payload)
}

// Run lets the guest consume the staged input and runs it until its exit
// point or the configured deadline. The guest's death or wedging is a
// classified outcome, never a controller failure; a non-nil error means
// the controller itself was misused or broke.
func (ctrl *Controller) Run() (*Result, error) {
	ctrl.injectOpen = false
	start := time.Now()
	stop, err := ctrl.inst.Resume(ctrl.cfg.Timeout)
	dur := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("run failed: %w", err)
	}
	res := &Result{Duration: dur, Detail: stop.Detail}
	switch stop.Reason {
	case vm.StopExit:
		out, oerr := ctrl.inst.Output()
		if oerr != nil {
			res.Outcome = ProtocolFault
			res.Detail = fmt.Sprintf("unreadable output: %v", oerr)
			break
		}
		res.Output = out
		if ctrl.matchesSentinel(out) {
			res.Outcome = SentinelFail
		} else {
			res.Outcome = Completed
		}
	case vm.StopTimeout:
		res.Outcome = Timeout
	case vm.StopCrash:
		res.Outcome = Crash
	case vm.StopFault:
		res.Outcome = ProtocolFault
	default:
		return nil, fmt.Errorf("unknown stop reason %v", stop.Reason)
	}
	if res.Outcome != Completed {
		log.Logf(3, "machine run: %v in %v: %v", res.Outcome, dur, res.Detail)
	}
	return res, nil
}

// The comparison is strict byte equality over the length-delimited
// payload, so residue from earlier, longer outputs cannot produce a
// false match.
func (ctrl *Controller) matchesSentinel(out []byte) bool {
	return len(ctrl.cfg.Sentinel) != 0 && bytes.Equal(out, ctrl.cfg.Sentinel)
}

// GuestState reports the guest's protocol state.
func (ctrl *Controller) GuestState() harness.State {
	return ctrl.inst.GuestState()
}

// Close destroys the machine.
func (ctrl *Controller) Close() {
	ctrl.inst.Close()
}
