// Copyright 2025 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package guest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapfuzz/snapfuzz/pkg/harness"
	"github.com/snapfuzz/snapfuzz/pkg/shmem"
)

func TestRegistry(t *testing.T) {
	for _, name := range []string{"sentinel", "echo", "crasher", "spinner", "faulty"} {
		assert.NotNil(t, Lookup(name), "builtin %v not registered", name)
	}
	assert.Nil(t, Lookup("no-such-guest"))
	assert.Contains(t, Names(), "sentinel")
}

type epoch struct {
	host   *harness.Host
	out    *shmem.Channel
	cancel context.CancelFunc
	errc   chan error
}

func startGuest(t *testing.T, fn Func) *epoch {
	out, err := shmem.NewChannel(256)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	g, host := harness.NewPair(ctx, out)
	errc := make(chan error, 1)
	go func() {
		errc <- fn(ctx, g)
	}()
	return &epoch{host: host, out: out, cancel: cancel, errc: errc}
}

// runOne drives one full iteration: the guest must already be parked at
// enter (or about to park), and is left parked at exit.
func (ep *epoch) runOne(t *testing.T, input []byte) []byte {
	ctx := context.Background()
	_, err := ep.host.AwaitEnter(ctx)
	require.NoError(t, err)
	_, err = ep.host.Resume(input)
	require.NoError(t, err)
	require.NoError(t, ep.host.AwaitExit(ctx))
	payload, err := ep.out.Read()
	require.NoError(t, err)
	return payload
}

func TestSentinel(t *testing.T) {
	ep := startGuest(t, Lookup("sentinel"))
	assert.Empty(t, ep.runOne(t, []byte("benign input")))
	ep.host.Release()
	assert.Equal(t, []byte("Fail"), ep.runOne(t, []byte{sentinelTrigger, 'x', 'y'}))
}

func TestEcho(t *testing.T) {
	ep := startGuest(t, Lookup("echo"))
	assert.Equal(t, []byte("ping"), ep.runOne(t, []byte("ping")))
}

func TestCrasher(t *testing.T) {
	out, err := shmem.NewChannel(256)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, host := harness.NewPair(ctx, out)
	panicked := make(chan any, 1)
	go func() {
		defer func() { panicked <- recover() }()
		Lookup("crasher")(ctx, g)
	}()

	_, err = host.AwaitEnter(ctx)
	require.NoError(t, err)
	_, err = host.Resume([]byte{crashTrigger})
	require.NoError(t, err)
	assert.NotNil(t, <-panicked)
}

func TestFaulty(t *testing.T) {
	ep := startGuest(t, Lookup("faulty"))
	assert.Empty(t, ep.runOne(t, []byte("ok")))

	ep.host.Release()
	ctx := context.Background()
	_, err := ep.host.AwaitEnter(ctx)
	require.NoError(t, err)
	_, err = ep.host.Resume([]byte{faultTrigger})
	require.NoError(t, err)

	// The workload trips over its own double enter and unwinds with the
	// protocol violation.
	err = <-ep.errc
	assert.ErrorIs(t, err, harness.ErrProtocol)
}

func TestSpinner(t *testing.T) {
	ep := startGuest(t, Lookup("spinner"))
	// A benign input completes the iteration.
	assert.Empty(t, ep.runOne(t, []byte("ok")))

	ep.host.Release()
	ctx := context.Background()
	_, err := ep.host.AwaitEnter(ctx)
	require.NoError(t, err)
	_, err = ep.host.Resume([]byte{spinTrigger})
	require.NoError(t, err)

	// The workload wedges and never exits.
	dctx, dcancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer dcancel()
	err = ep.host.AwaitExit(dctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Abandoning the epoch unwinds it promptly.
	start := time.Now()
	ep.cancel()
	select {
	case err := <-ep.errc:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatalf("spinner did not unwind within 1s")
	}
	assert.Less(t, time.Since(start), time.Second)
}
