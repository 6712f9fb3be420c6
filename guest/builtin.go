// Copyright 2025 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package guest

import (
	"context"
	"time"

	"github.com/snapfuzz/snapfuzz/pkg/harness"
)

// Trigger bytes the built-in workloads react to when they lead the input.
const (
	sentinelTrigger = 0xff
	crashTrigger    = 0xcc
	spinTrigger     = 0xee
	faultTrigger    = 0xf0
)

// sentinelMarker is what the sentinel workload reports on a triggered
// input. Campaigns match it byte for byte.
var sentinelMarker = []byte("Fail")

const inputBufSize = 4 << 10

func init() {
	Register("sentinel", sentinel)
	Register("echo", echo)
	Register("crasher", crasher)
	Register("spinner", spinner)
	Register("faulty", faulty)
}

// sentinel models the classic solvable target: it reports the failure
// marker exactly when the first input byte is the trigger value and stays
// silent otherwise.
func sentinel(ctx context.Context, g *harness.Guest) error {
	buf := make([]byte, inputBufSize)
	for {
		in, err := g.Enter(buf)
		if err != nil {
			return err
		}
		if len(in) > 0 && in[0] == sentinelTrigger {
			if err := g.Output(sentinelMarker); err != nil {
				return err
			}
		}
		if err := g.Exit(); err != nil {
			return err
		}
	}
}

// echo reports every input back verbatim.
func echo(ctx context.Context, g *harness.Guest) error {
	buf := make([]byte, inputBufSize)
	for {
		in, err := g.Enter(buf)
		if err != nil {
			return err
		}
		if err := g.Output(in); err != nil {
			return err
		}
		if err := g.Exit(); err != nil {
			return err
		}
	}
}

// crasher dies on the trigger byte, like a target tripping a fatal bug.
func crasher(ctx context.Context, g *harness.Guest) error {
	buf := make([]byte, inputBufSize)
	for {
		in, err := g.Enter(buf)
		if err != nil {
			return err
		}
		if len(in) > 0 && in[0] == crashTrigger {
			panic("crasher: fatal trigger byte hit")
		}
		if err := g.Exit(); err != nil {
			return err
		}
	}
}

// faulty violates the control point protocol on the trigger byte by
// entering a second time without an intervening exit.
func faulty(ctx context.Context, g *harness.Guest) error {
	buf := make([]byte, inputBufSize)
	for {
		in, err := g.Enter(buf)
		if err != nil {
			return err
		}
		if len(in) > 0 && in[0] == faultTrigger {
			if _, err := g.Enter(buf); err != nil {
				return err
			}
		}
		if err := g.Exit(); err != nil {
			return err
		}
	}
}

// spinner wedges on the trigger byte and never reaches its exit point,
// unwinding only when the epoch is abandoned. Everything else completes
// normally.
func spinner(ctx context.Context, g *harness.Guest) error {
	buf := make([]byte, inputBufSize)
	for {
		in, err := g.Enter(buf)
		if err != nil {
			return err
		}
		if len(in) > 0 && in[0] == spinTrigger {
			for ctx.Err() == nil {
				time.Sleep(50 * time.Microsecond)
			}
			return ctx.Err()
		}
		if err := g.Exit(); err != nil {
			return err
		}
	}
}
