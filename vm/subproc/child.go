// Copyright 2025 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package subproc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strconv"

	"github.com/snapfuzz/snapfuzz/guest"
	"github.com/snapfuzz/snapfuzz/pkg/harness"
	"github.com/snapfuzz/snapfuzz/pkg/osutil"
	"github.com/snapfuzz/snapfuzz/pkg/shmem"
)

// IsChild reports whether this process was started as a subproc machine
// child. The driver must check this before touching flags or config.
func IsChild() bool {
	return os.Getenv(childEnvGuest) != ""
}

// RunChild runs the guest side of the machine and never returns. On clean
// shutdown (parent closed the pipe) it exits 0; guest death maps to the
// dedicated exit statuses the parent understands.
func RunChild() {
	if err := runChild(); err != nil {
		fmt.Fprintf(os.Stderr, "child: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func runChild() error {
	name := os.Getenv(childEnvGuest)
	fn := guest.Lookup(name)
	if fn == nil {
		return fmt.Errorf("unknown guest workload %q", name)
	}
	capacity, err := strconv.Atoi(os.Getenv(childEnvCapacity))
	if err != nil {
		return fmt.Errorf("bad %v: %w", childEnvCapacity, err)
	}
	memFile := os.NewFile(uintptr(shmemFD), "shared-channel")
	if memFile == nil {
		return fmt.Errorf("shared channel fd %v is not inherited", shmemFD)
	}
	region, err := osutil.MapSharedMemFile(memFile, capacity)
	if err != nil {
		return fmt.Errorf("failed to map shared channel: %w", err)
	}
	ch, err := shmem.OpenChannel(region)
	if err != nil {
		return err
	}

	ctx := context.Background()
	g, host := harness.NewPair(ctx, ch)
	go runGuest(ctx, fn, g)

	e, err := host.AwaitEnter(ctx)
	if err != nil {
		return fmt.Errorf("guest did not reach its enter point: %w", err)
	}
	var hello [13]byte
	binary.LittleEndian.PutUint64(hello[0:8], handshakeMagic)
	hello[8] = msgEnter
	binary.LittleEndian.PutUint32(hello[9:13], uint32(e.Cap))
	if _, err := os.Stdout.Write(hello[:]); err != nil {
		return fmt.Errorf("failed to announce enter: %w", err)
	}

	first := true
	for {
		var cmd [1]byte
		if _, err := io.ReadFull(os.Stdin, cmd[:]); err != nil {
			if errors.Is(err, io.EOF) {
				// Parent is gone; normal shutdown.
				osutil.UnmapSharedMemFile(region)
				return nil
			}
			return fmt.Errorf("failed to read command: %w", err)
		}
		if cmd[0] != msgProceed {
			return fmt.Errorf("unexpected command 0x%x", cmd[0])
		}
		if !first {
			// Resume past the previous exit point and wait for the guest
			// to loop around to its next enter.
			host.Release()
			if _, err := host.AwaitEnter(ctx); err != nil {
				return fmt.Errorf("guest did not re-enter: %w", err)
			}
		}
		first = false
		staged, err := ch.Read()
		if err != nil {
			return fmt.Errorf("staged input is corrupt: %w", err)
		}
		if _, err := host.Resume(staged); err != nil {
			return err
		}
		// No deadline here: if the guest wedges, the parent kills us.
		if err := host.AwaitExit(ctx); err != nil {
			return fmt.Errorf("guest did not exit: %w", err)
		}
		if _, err := os.Stdout.Write([]byte{msgExit}); err != nil {
			return fmt.Errorf("failed to announce exit: %w", err)
		}
	}
}

// runGuest executes the workload and converts its death into the exit
// statuses the parent's classifier expects.
func runGuest(ctx context.Context, fn guest.Func, g *harness.Guest) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "guest workload panic: %v\n%s", r, debug.Stack())
			os.Exit(statusCrash)
		}
	}()
	err := fn(ctx, g)
	switch {
	case errors.Is(err, harness.ErrStopped):
		return
	case errors.Is(err, harness.ErrProtocol):
		fmt.Fprintf(os.Stderr, "guest protocol violation: %v\n", err)
		os.Exit(statusFault)
	case err != nil:
		fmt.Fprintf(os.Stderr, "guest workload failed: %v\n", err)
		os.Exit(statusCrash)
	default:
		fmt.Fprintf(os.Stderr, "guest workload returned\n")
		os.Exit(statusCrash)
	}
}
