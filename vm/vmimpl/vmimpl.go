// Copyright 2025 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package vmimpl provides an abstract snapshot machine interface for the
// rest of the system. A machine owns one guest workload and one shared
// channel, and can rewind the guest to a captured baseline between runs.
// The package also holds the machine type registry.
package vmimpl

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/snapfuzz/snapfuzz/pkg/harness"
)

// Pool represents a set of machines of a particular type.
type Pool interface {
	// Count returns the total number of machines in the pool.
	Count() int

	// Create creates and boots machine number index.
	Create(index int) (Instance, error)
}

// Instance represents a single machine.
type Instance interface {
	// Restore rewinds the guest to the snapshot baseline and discards all
	// guest progress made since. The first call establishes the baseline:
	// it boots the guest up to its first enter point and captures the
	// machine there. Restore is idempotent.
	Restore() error

	// Input stages a payload in the shared channel for the next Resume.
	Input(payload []byte) error

	// Output reads the guest's report from the shared channel as left by
	// the last Resume.
	Output() ([]byte, error)

	// Resume lets the guest run from its enter point until it reaches its
	// exit point, dies, or the timeout expires. The machine survives all
	// three; after a crash or timeout it is unusable until Restore.
	Resume(timeout time.Duration) (StopInfo, error)

	// GuestState reports the guest's protocol state.
	GuestState() harness.State

	// Close stops and destroys the machine.
	Close()
}

// Env contains constant parameters for a pool of machines.
type Env struct {
	Workdir  string
	Guest    string // registered guest workload name
	Capacity int    // shared channel capacity in bytes
	Count    int    // number of machines in the pool
	Debug    bool
	Config   json.RawMessage // machine-type-specific config
	Exe      string          // current executable, for machine types that re-exec it
}

// StopReason says why a Resume ended.
type StopReason int

const (
	// StopExit: the guest reached its exit point.
	StopExit StopReason = iota
	// StopCrash: the guest died (panic, unexpected termination).
	StopCrash
	// StopTimeout: the guest was still running when the deadline hit.
	StopTimeout
	// StopFault: the guest violated the control point protocol.
	StopFault
)

func (r StopReason) String() string {
	switch r {
	case StopExit:
		return "exit"
	case StopCrash:
		return "crash"
	case StopTimeout:
		return "timeout"
	case StopFault:
		return "fault"
	}
	return fmt.Sprintf("stop-%v", int(r))
}

// StopInfo describes how a Resume ended.
type StopInfo struct {
	Reason StopReason
	Detail string // human-readable context, e.g. the panic message
}

// BootError is returned by Pool.Create when a machine does not boot.
type BootError struct {
	Title  string
	Output []byte
}

func MakeBootError(err error, output []byte) error {
	return BootError{err.Error(), output}
}

func (err BootError) Error() string {
	if len(err.Output) == 0 {
		return err.Title
	}
	return fmt.Sprintf("%v\n%s", err.Title, err.Output)
}

func (err BootError) BootError() (string, []byte) {
	return err.Title, err.Output
}

type ctorFunc func(env *Env) (Pool, error)

var Types = make(map[string]ctorFunc)

// Register registers a new machine type within the package.
func Register(typ string, ctor ctorFunc) {
	if Types[typ] != nil {
		panic(fmt.Sprintf("machine type %q registered twice", typ))
	}
	Types[typ] = ctor
}
