// Copyright 2025 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package sim implements the in-process snapshot machine. The guest
// workload runs as a goroutine (an epoch), the shared channel is a plain
// in-memory region, and the snapshot baseline is the region's content at
// the moment the workload first reaches its enter point. A restore
// abandons the current epoch, rewinds the region to the baseline and
// replays the workload's deterministic prologue by starting a fresh
// invocation parked at enter.
//
// Abandonment is cooperative: workloads are expected to watch their
// context and unwind promptly. A workload that spins without polling
// cannot be reclaimed in-process; use the subproc machine for those.
package sim

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/snapfuzz/snapfuzz/guest"
	"github.com/snapfuzz/snapfuzz/pkg/config"
	"github.com/snapfuzz/snapfuzz/pkg/harness"
	"github.com/snapfuzz/snapfuzz/pkg/log"
	"github.com/snapfuzz/snapfuzz/pkg/shmem"
	"github.com/snapfuzz/snapfuzz/vm/vmimpl"
)

func init() {
	vmimpl.Register("sim", ctor)
}

type Config struct {
	// How long the guest may take to reach its first enter point during
	// baseline capture, in milliseconds.
	SetupTimeoutMS int `json:"setup_timeout_ms"`
}

type Pool struct {
	env *vmimpl.Env
	cfg *Config
	fn  guest.Func
}

func ctor(env *vmimpl.Env) (vmimpl.Pool, error) {
	cfg := &Config{
		SetupTimeoutMS: 1000,
	}
	if len(env.Config) != 0 {
		if err := config.LoadData(env.Config, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse sim machine config: %w", err)
		}
	}
	if cfg.SetupTimeoutMS <= 0 {
		return nil, fmt.Errorf("sim machine config: setup_timeout_ms must be positive")
	}
	fn := guest.Lookup(env.Guest)
	if fn == nil {
		return nil, fmt.Errorf("unknown guest workload %q (have: %v)",
			env.Guest, strings.Join(guest.Names(), ", "))
	}
	if env.Capacity <= shmem.HeaderSize {
		return nil, fmt.Errorf("channel capacity %v is too small", env.Capacity)
	}
	if env.Count < 1 {
		return nil, fmt.Errorf("machine count %v must be at least 1", env.Count)
	}
	return &Pool{env: env, cfg: cfg, fn: fn}, nil
}

func (pool *Pool) Count() int {
	return pool.env.Count
}

func (pool *Pool) Create(index int) (vmimpl.Instance, error) {
	region := make([]byte, pool.env.Capacity)
	ch, err := shmem.OpenChannel(region)
	if err != nil {
		return nil, err
	}
	inst := &instance{
		index:  index,
		env:    pool.env,
		cfg:    pool.cfg,
		fn:     pool.fn,
		region: region,
		ch:     ch,
	}
	if err := inst.Restore(); err != nil {
		inst.Close()
		return nil, vmimpl.MakeBootError(err, nil)
	}
	log.Logf(1, "sim%v: booted guest %q, region %v bytes", index, pool.env.Guest, len(region))
	return inst, nil
}

type instance struct {
	index    int
	env      *vmimpl.Env
	cfg      *Config
	fn       guest.Func
	region   []byte
	ch       *shmem.Channel
	baseline []byte
	ep       *epoch
}

// epoch is one invocation of the guest workload. The context governs its
// lifetime; failure is set before done closes when the workload dies.
type epoch struct {
	ctx     context.Context
	cancel  context.CancelFunc
	host    *harness.Host
	done    chan struct{}
	failure *vmimpl.StopInfo
	parked  bool // guest waits at enter and no run consumed it yet
}

func (inst *instance) setupTimeout() time.Duration {
	return time.Duration(inst.cfg.SetupTimeoutMS) * time.Millisecond
}

func (inst *instance) Restore() error {
	if inst.ep != nil && inst.ep.parked {
		// The guest has made no progress since the last restore. Parked at
		// enter it cannot touch the region, so rewinding the channel alone
		// discards any staged input.
		copy(inst.region, inst.baseline)
		return nil
	}
	return inst.restart()
}

func (inst *instance) restart() error {
	inst.abandon()
	if inst.baseline != nil {
		copy(inst.region, inst.baseline)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ep := &epoch{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	g, host := harness.NewPair(ctx, inst.ch)
	ep.host = host
	go inst.runWorkload(ep, ctx, g)

	bctx, bcancel := context.WithTimeout(context.Background(), inst.setupTimeout())
	defer bcancel()
	if _, err := host.AwaitEnter(bctx); err != nil {
		cancel()
		if errors.Is(err, harness.ErrStopped) {
			<-ep.done
			if ep.failure != nil {
				return fmt.Errorf("guest workload died during setup: %v: %v",
					ep.failure.Reason, ep.failure.Detail)
			}
		}
		return fmt.Errorf("guest did not reach its enter point within %v: %w",
			inst.setupTimeout(), err)
	}
	if inst.baseline == nil {
		inst.baseline = append([]byte{}, inst.region...)
		log.Logf(2, "sim%v: captured baseline at first enter", inst.index)
	}
	ep.parked = true
	inst.ep = ep
	return nil
}

// abandon cancels the current epoch and waits for the workload to unwind.
func (inst *instance) abandon() {
	ep := inst.ep
	if ep == nil {
		return
	}
	inst.ep = nil
	ep.cancel()
	select {
	case <-ep.done:
	case <-time.After(inst.setupTimeout()):
		log.Logf(0, "sim%v: guest workload ignored epoch abandonment, leaking it", inst.index)
	}
}

func (inst *instance) runWorkload(ep *epoch, ctx context.Context, g *harness.Guest) {
	defer close(ep.done)
	defer ep.cancel()
	defer func() {
		if r := recover(); r != nil {
			detail := fmt.Sprintf("panic: %v", r)
			if inst.env.Debug {
				detail += "\n" + string(debug.Stack())
			}
			ep.failure = &vmimpl.StopInfo{Reason: vmimpl.StopCrash, Detail: detail}
		}
	}()
	err := inst.fn(ctx, g)
	switch {
	case errors.Is(err, harness.ErrStopped), errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		// Normal unwind of an abandoned epoch.
	case errors.Is(err, harness.ErrProtocol):
		ep.failure = &vmimpl.StopInfo{Reason: vmimpl.StopFault, Detail: err.Error()}
	case err != nil:
		ep.failure = &vmimpl.StopInfo{Reason: vmimpl.StopCrash, Detail: err.Error()}
	case ctx.Err() == nil:
		// The workload returned instead of suspending at a control point.
		ep.failure = &vmimpl.StopInfo{Reason: vmimpl.StopCrash, Detail: "guest workload returned"}
	}
}

func (inst *instance) Input(payload []byte) error {
	return inst.ch.Write(payload)
}

func (inst *instance) Output() ([]byte, error) {
	return inst.ch.Read()
}

func (inst *instance) Resume(timeout time.Duration) (vmimpl.StopInfo, error) {
	ep := inst.ep
	if ep == nil {
		return vmimpl.StopInfo{}, fmt.Errorf("sim%v: resume before restore", inst.index)
	}
	if !ep.parked {
		// The guest is suspended at its exit point from the previous run.
		// Resume it past the control point and let it loop to the next enter.
		if st := ep.host.State(); st != harness.Suspended {
			return vmimpl.StopInfo{}, fmt.Errorf("sim%v: guest is not runnable (state %v)", inst.index, st)
		}
		ep.host.Release()
		bctx, bcancel := context.WithTimeout(context.Background(), inst.setupTimeout())
		_, err := ep.host.AwaitEnter(bctx)
		bcancel()
		if err != nil {
			if errors.Is(err, harness.ErrStopped) {
				<-ep.done
				if ep.failure != nil {
					return *ep.failure, nil
				}
			}
			ep.cancel()
			return vmimpl.StopInfo{
				Reason: vmimpl.StopTimeout,
				Detail: fmt.Sprintf("no enter after resume from exit: %v", err),
			}, nil
		}
	}
	// Deliver whatever the shared channel currently holds. After a restore
	// that is the staged input or nothing; after a resume from exit it is
	// whatever the previous run left behind.
	staged, err := inst.ch.Read()
	if err != nil {
		return vmimpl.StopInfo{}, fmt.Errorf("sim%v: staged input is corrupt: %w", inst.index, err)
	}
	if _, err := ep.host.Resume(staged); err != nil {
		return vmimpl.StopInfo{}, err
	}
	ep.parked = false

	rctx, rcancel := context.WithTimeout(context.Background(), timeout)
	defer rcancel()
	err = ep.host.AwaitExit(rctx)
	switch {
	case err == nil:
		return vmimpl.StopInfo{Reason: vmimpl.StopExit}, nil
	case errors.Is(err, context.DeadlineExceeded):
		// Abandon the epoch but do not wait for the unwind here; the next
		// restore reaps it. This keeps the timeout overhead bounded.
		ep.cancel()
		return vmimpl.StopInfo{
			Reason: vmimpl.StopTimeout,
			Detail: fmt.Sprintf("no exit within %v", timeout),
		}, nil
	case errors.Is(err, harness.ErrStopped):
		<-ep.done
		if ep.failure != nil {
			return *ep.failure, nil
		}
		return vmimpl.StopInfo{Reason: vmimpl.StopCrash, Detail: "guest epoch ended unexpectedly"}, nil
	}
	return vmimpl.StopInfo{}, err
}

func (inst *instance) GuestState() harness.State {
	if inst.ep == nil {
		return harness.Idle
	}
	return inst.ep.host.State()
}

func (inst *instance) Close() {
	inst.abandon()
}
