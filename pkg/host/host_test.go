// Copyright 2025 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package host

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapfuzz/snapfuzz/pkg/shmem"
)

func testConfig(guestName string) *Config {
	return &Config{
		Machine:  "sim",
		Guest:    guestName,
		Capacity: 4096,
		Procs:    1,
		Timeout:  5 * time.Second,
		Sentinel: []byte("Fail"),
	}
}

func initController(t *testing.T, guestName string) *Controller {
	ctrl, err := Init(testConfig(guestName))
	require.NoError(t, err)
	t.Cleanup(ctrl.Close)
	return ctrl
}

func TestInitConfigErrors(t *testing.T) {
	var cerr *ConfigError

	cfg := testConfig("echo")
	cfg.Machine = "warp-drive"
	_, err := Init(cfg)
	require.Error(t, err)
	assert.ErrorAs(t, err, &cerr)

	cfg = testConfig("no-such-guest")
	_, err = Init(cfg)
	require.Error(t, err)
	assert.ErrorAs(t, err, &cerr)

	cfg = testConfig("echo")
	cfg.Timeout = 0
	_, err = Init(cfg)
	require.Error(t, err)
	assert.ErrorAs(t, err, &cerr)

	cfg = testConfig("echo")
	cfg.Capacity = shmem.HeaderSize
	_, err = Init(cfg)
	require.Error(t, err)
	assert.ErrorAs(t, err, &cerr)
}

func TestInjectWindow(t *testing.T) {
	ctrl := initController(t, "echo")
	var ferr *FaultError

	// Before the first reset the window is closed.
	err := ctrl.Inject([]byte("early"))
	require.Error(t, err)
	assert.ErrorAs(t, err, &ferr)

	require.NoError(t, ctrl.Reset())
	require.NoError(t, ctrl.Inject([]byte("in window")))
	res, err := ctrl.Run()
	require.NoError(t, err)
	assert.Equal(t, Completed, res.Outcome)

	// The run closed the window again.
	err = ctrl.Inject([]byte("late"))
	require.Error(t, err)
	assert.ErrorAs(t, err, &ferr)

	require.NoError(t, ctrl.Reset())
	require.NoError(t, ctrl.Inject([]byte("reopened")))
}

func TestSentinelClassification(t *testing.T) {
	ctrl := initController(t, "sentinel")

	require.NoError(t, ctrl.Reset())
	require.NoError(t, ctrl.Inject([]byte("benign input bytes")))
	res, err := ctrl.Run()
	require.NoError(t, err)
	assert.Equal(t, Completed, res.Outcome)
	assert.Equal(t, []byte("benign input bytes"), res.Output)

	require.NoError(t, ctrl.Reset())
	require.NoError(t, ctrl.Inject([]byte{0xff, 'q', 'r', 's'}))
	res, err = ctrl.Run()
	require.NoError(t, err)
	assert.Equal(t, SentinelFail, res.Outcome)
	assert.Equal(t, []byte("Fail"), res.Output)
}

func TestCrashOutcome(t *testing.T) {
	ctrl := initController(t, "crasher")

	require.NoError(t, ctrl.Reset())
	require.NoError(t, ctrl.Inject([]byte{0xcc}))
	res, err := ctrl.Run()
	require.NoError(t, err)
	assert.Equal(t, Crash, res.Outcome)
	assert.Contains(t, res.Detail, "panic")

	// The controller survives and recovers with a reset.
	require.NoError(t, ctrl.Reset())
	require.NoError(t, ctrl.Inject([]byte("fine")))
	res, err = ctrl.Run()
	require.NoError(t, err)
	assert.Equal(t, Completed, res.Outcome)
}

func TestTimeoutOutcome(t *testing.T) {
	cfg := testConfig("spinner")
	cfg.Timeout = 200 * time.Millisecond
	ctrl, err := Init(cfg)
	require.NoError(t, err)
	defer ctrl.Close()

	require.NoError(t, ctrl.Reset())
	require.NoError(t, ctrl.Inject([]byte{0xee}))
	res, err := ctrl.Run()
	require.NoError(t, err)
	assert.Equal(t, Timeout, res.Outcome)
	assert.GreaterOrEqual(t, res.Duration, cfg.Timeout)
	assert.Less(t, res.Duration, time.Second)

	require.NoError(t, ctrl.Reset())
	require.NoError(t, ctrl.Inject([]byte("fine")))
	res, err = ctrl.Run()
	require.NoError(t, err)
	assert.Equal(t, Completed, res.Outcome)
}

func TestCapacityExceeded(t *testing.T) {
	cfg := testConfig("echo")
	cfg.Capacity = 64
	ctrl, err := Init(cfg)
	require.NoError(t, err)
	defer ctrl.Close()

	require.NoError(t, ctrl.Reset())
	big := make([]byte, 256)
	err = ctrl.Inject(big)
	require.Error(t, err)
	assert.ErrorIs(t, err, shmem.ErrCapacityExceeded)

	// The failed injection did not consume the window.
	require.NoError(t, ctrl.Inject([]byte("fits")))
	res, err := ctrl.Run()
	require.NoError(t, err)
	assert.Equal(t, Completed, res.Outcome)
	assert.Equal(t, []byte("fits"), res.Output)
}

func TestCapacityBoundaryRoundTrip(t *testing.T) {
	cfg := testConfig("echo")
	cfg.Capacity = 64
	ctrl, err := Init(cfg)
	require.NoError(t, err)
	defer ctrl.Close()

	// An input of exactly the payload capacity makes it through a whole
	// iteration.
	max := bytes.Repeat([]byte{0x5a}, cfg.Capacity-shmem.HeaderSize)
	require.NoError(t, ctrl.Reset())
	require.NoError(t, ctrl.Inject(max))
	res, err := ctrl.Run()
	require.NoError(t, err)
	require.Equal(t, Completed, res.Outcome)
	assert.Equal(t, max, res.Output)

	// One byte more is rejected before any run.
	require.NoError(t, ctrl.Reset())
	err = ctrl.Inject(append(max, 0x5a))
	assert.ErrorIs(t, err, shmem.ErrCapacityExceeded)
}

func TestProtocolFaultOutcome(t *testing.T) {
	ctrl := initController(t, "faulty")

	require.NoError(t, ctrl.Reset())
	require.NoError(t, ctrl.Inject([]byte{0xf0}))
	res, err := ctrl.Run()
	require.NoError(t, err)
	assert.Equal(t, ProtocolFault, res.Outcome)
	assert.Contains(t, res.Detail, "protocol")
}

func TestResetDiscardsStagedInput(t *testing.T) {
	ctrl := initController(t, "sentinel")

	require.NoError(t, ctrl.Reset())
	require.NoError(t, ctrl.Reset())
	require.NoError(t, ctrl.Inject([]byte{0xff}))
	require.NoError(t, ctrl.Reset())
	res, err := ctrl.Run()
	require.NoError(t, err)
	assert.Equal(t, Completed, res.Outcome)
	assert.Empty(t, res.Output)
}

func TestRunTwiceWithoutReset(t *testing.T) {
	ctrl := initController(t, "echo")

	require.NoError(t, ctrl.Reset())
	require.NoError(t, ctrl.Inject([]byte("payload")))
	res, err := ctrl.Run()
	require.NoError(t, err)
	require.Equal(t, Completed, res.Outcome)

	// A second run without a reset is legal; the guest consumes whatever
	// the channel holds.
	res, err = ctrl.Run()
	require.NoError(t, err)
	assert.Equal(t, Completed, res.Outcome)
	assert.Equal(t, []byte("payload"), res.Output)
}

func TestInjectOverwrites(t *testing.T) {
	ctrl := initController(t, "echo")

	require.NoError(t, ctrl.Reset())
	require.NoError(t, ctrl.Inject([]byte("first")))
	require.NoError(t, ctrl.Inject([]byte("second")))
	res, err := ctrl.Run()
	require.NoError(t, err)
	require.Equal(t, Completed, res.Outcome)
	assert.Equal(t, []byte("second"), res.Output)
}

func TestErrorTypes(t *testing.T) {
	inner := errors.New("boom")
	assert.ErrorIs(t, &ConfigError{inner}, inner)
	assert.ErrorIs(t, &ResourceError{inner}, inner)
	assert.ErrorIs(t, &FaultError{inner}, inner)
}
