// Copyright 2025 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package harness implements the guest-side control points of the
// execution protocol and the host-side counterpart that machines use to
// drive them.
//
// The two control points form a strict alternating pair. Enter publishes
// the guest's input buffer and suspends the guest until the host delivers
// an input; Exit marks the iteration's work as done and suspends the
// guest until the host either resumes it past the control point or
// abandons the whole guest epoch. Control transfer is a synchronous
// channel rendezvous, never a busy loop.
package harness

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/snapfuzz/snapfuzz/pkg/shmem"
)

// State is the guest-side protocol state.
type State int32

const (
	Idle State = iota
	AwaitingInput
	Running
	Suspended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingInput:
		return "awaiting-input"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	}
	return fmt.Sprintf("state-%v", int32(s))
}

var (
	// ErrStopped is returned by guest-side calls once the host has
	// abandoned the current guest epoch (reset, timeout, shutdown).
	// Guest workloads must unwind when they see it.
	ErrStopped = errors.New("guest epoch stopped")
	// ErrProtocol is returned on control-point ordering violations:
	// Enter while running, Exit without Enter, Output outside Running.
	ErrProtocol = errors.New("control point protocol violation")
)

type enter struct {
	buf    []byte
	resume chan int
}

type pair struct {
	ctx     context.Context
	output  *shmem.Channel
	state   atomic.Int32
	enterC  chan *enter
	exitC   chan struct{}
	release chan struct{}
}

// NewPair creates the two ends of one guest epoch. The context governs
// the epoch's lifetime: cancelling it unblocks every guest-side call with
// ErrStopped. The output channel is where Output writes land.
func NewPair(ctx context.Context, output *shmem.Channel) (*Guest, *Host) {
	p := &pair{
		ctx:     ctx,
		output:  output,
		enterC:  make(chan *enter, 1),
		exitC:   make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	return &Guest{p}, &Host{p: p}
}

func (p *pair) getState() State {
	return State(p.state.Load())
}

// Guest is the end linked into the guest workload.
type Guest struct {
	p *pair
}

// Enter yields control to the host, publishing buf as the input area the
// guest is prepared to consume. It suspends the caller until the host has
// populated the buffer, then returns the delivered prefix of buf.
func (g *Guest) Enter(buf []byte) ([]byte, error) {
	p := g.p
	if s := p.getState(); s != Idle && s != Suspended {
		return nil, fmt.Errorf("enter in state %v: %w", s, ErrProtocol)
	}
	e := &enter{buf: buf, resume: make(chan int, 1)}
	p.state.Store(int32(AwaitingInput))
	select {
	case p.enterC <- e:
	case <-p.ctx.Done():
		return nil, fmt.Errorf("enter: %w", ErrStopped)
	}
	select {
	case n := <-e.resume:
		return buf[:n], nil
	case <-p.ctx.Done():
		return nil, fmt.Errorf("enter: %w", ErrStopped)
	}
}

// Output writes a length-prefixed payload into the shared output region.
// Legal only between Enter and Exit.
func (g *Guest) Output(payload []byte) error {
	p := g.p
	if s := p.getState(); s != Running {
		return fmt.Errorf("output in state %v: %w", s, ErrProtocol)
	}
	return p.output.Write(payload)
}

// Exit signals that the iteration's work is done and suspends the caller.
// It returns nil only if the host resumes the guest past the control
// point; on epoch abandonment it returns ErrStopped.
func (g *Guest) Exit() error {
	p := g.p
	if s := p.getState(); s != Running {
		return fmt.Errorf("exit in state %v: %w", s, ErrProtocol)
	}
	p.state.Store(int32(Suspended))
	select {
	case p.exitC <- struct{}{}:
	case <-p.ctx.Done():
		return fmt.Errorf("exit: %w", ErrStopped)
	}
	select {
	case <-p.release:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("exit: %w", ErrStopped)
	}
}

// Enter describes a guest parked at its enter control point.
type Enter struct {
	// Cap is the capacity of the buffer the guest announced.
	Cap int
}

// Host is the machine-side end of the epoch.
type Host struct {
	p   *pair
	cur *enter
}

// AwaitEnter blocks until the guest reaches its enter control point.
func (h *Host) AwaitEnter(ctx context.Context) (*Enter, error) {
	select {
	case e := <-h.p.enterC:
		h.cur = e
		return &Enter{Cap: len(e.buf)}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.p.ctx.Done():
		return nil, fmt.Errorf("await enter: %w", ErrStopped)
	}
}

// Resume delivers the payload into the parked guest's buffer, truncating
// to the announced capacity, and lets the guest run. It returns the
// number of bytes delivered.
func (h *Host) Resume(payload []byte) (int, error) {
	if h.cur == nil {
		return 0, fmt.Errorf("resume without parked guest: %w", ErrProtocol)
	}
	n := copy(h.cur.buf, payload)
	h.p.state.Store(int32(Running))
	h.cur.resume <- n
	h.cur = nil
	return n, nil
}

// AwaitExit blocks until the guest reaches its exit control point or the
// context expires. On expiry the epoch is not touched; the caller decides
// whether to abandon it.
func (h *Host) AwaitExit(ctx context.Context) error {
	select {
	case <-h.p.exitC:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.p.ctx.Done():
		return fmt.Errorf("await exit: %w", ErrStopped)
	}
}

// Release resumes a guest suspended at its exit control point, letting it
// proceed to the next enter. Used when the host runs again without an
// intervening snapshot restore.
func (h *Host) Release() {
	select {
	case h.p.release <- struct{}{}:
	case <-h.p.ctx.Done():
	}
}

// State returns the guest's current protocol state.
func (h *Host) State() State {
	return h.p.getState()
}
