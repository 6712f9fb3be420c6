// Copyright 2025 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package campaign

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapfuzz/snapfuzz/pkg/host"
	"github.com/snapfuzz/snapfuzz/pkg/osutil"
	"github.com/snapfuzz/snapfuzz/pkg/testutil"
)

// scriptedSource plants a trigger byte at chosen iterations and produces
// benign fixed-length inputs everywhere else.
type scriptedSource struct {
	trigger map[int]byte
	length  int
}

func (s *scriptedSource) Next(iter int) []byte {
	buf := bytes.Repeat([]byte{'a'}, s.length)
	if b, ok := s.trigger[iter]; ok {
		buf[0] = b
	}
	return buf
}

func testConfig(t *testing.T, guestName string) *Config {
	cfg := DefaultConfig()
	cfg.Workdir = t.TempDir()
	cfg.Guest = guestName
	cfg.Capacity = 4096
	cfg.Seed = 1
	require.NoError(t, cfg.Complete())
	return cfg
}

func scriptedDriver(t *testing.T, cfg *Config, trigger map[int]byte) *Driver {
	drv, err := NewDriver(cfg)
	require.NoError(t, err)
	drv.Source = &scriptedSource{trigger: trigger, length: cfg.InputLen}
	return drv
}

func TestSentinelCampaign(t *testing.T) {
	iters, triggers := 1000, 37
	if testing.Short() {
		iters, triggers = 200, 9
	}
	cfg := testConfig(t, "sentinel")
	cfg.Iterations = iters

	// Exactly this many trigger inputs, spread over the campaign at
	// positions chosen by the seeded generator.
	rnd := rand.New(testutil.RandSource(t))
	trigger := make(map[int]byte)
	for _, iter := range rnd.Perm(iters)[:triggers] {
		trigger[iter] = 0xff
	}
	drv := scriptedDriver(t, cfg, trigger)

	summary, err := drv.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, iters, summary.Iterations)
	assert.Equal(t, triggers, summary.Failures)
	assert.Equal(t, triggers, summary.Outcomes[host.SentinelFail])
	assert.Equal(t, iters-triggers, summary.Outcomes[host.Completed])
	assert.Zero(t, summary.Outcomes[host.Crash])
	assert.Zero(t, summary.Outcomes[host.Timeout])
	assert.Zero(t, summary.Outcomes[host.ProtocolFault])
	assert.Greater(t, summary.Duration, time.Duration(0))
}

func TestTimeoutCampaign(t *testing.T) {
	cfg := testConfig(t, "spinner")
	cfg.Iterations = 10
	cfg.TimeoutMS = 300
	drv := scriptedDriver(t, cfg, map[int]byte{4: 0xee})

	summary, err := drv.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, summary.Iterations)
	assert.Equal(t, 1, summary.Outcomes[host.Timeout])
	assert.Equal(t, 9, summary.Outcomes[host.Completed])
	assert.Zero(t, summary.Failures)
}

func TestCrashCampaignArtifacts(t *testing.T) {
	cfg := testConfig(t, "crasher")
	cfg.Iterations = 6
	drv := scriptedDriver(t, cfg, map[int]byte{1: 0xcc, 4: 0xcc})

	summary, err := drv.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Outcomes[host.Crash])
	assert.Equal(t, 4, summary.Outcomes[host.Completed])

	dir := filepath.Join(cfg.Workdir, "failures", "crash-000001")
	require.True(t, osutil.IsExist(dir), "missing failure artifact dir %v", dir)
	input, err := os.ReadFile(filepath.Join(dir, "input"))
	require.NoError(t, err)
	want := bytes.Repeat([]byte{'a'}, cfg.InputLen)
	want[0] = 0xcc
	assert.Equal(t, want, input)
	report, err := os.ReadFile(filepath.Join(dir, "report"))
	require.NoError(t, err)
	assert.Contains(t, string(report), "outcome:   crash")
	assert.Contains(t, string(report), "panic")
}

func TestSentinelArtifact(t *testing.T) {
	cfg := testConfig(t, "sentinel")
	cfg.Iterations = 3
	drv := scriptedDriver(t, cfg, map[int]byte{2: 0xff})

	_, err := drv.Run(context.Background())
	require.NoError(t, err)
	report, err := os.ReadFile(filepath.Join(cfg.Workdir, "failures", "sentinel-fail-000002", "report"))
	require.NoError(t, err)
	assert.Contains(t, string(report), `output:    "Fail"`)
}

func TestProtocolFaultAborts(t *testing.T) {
	cfg := testConfig(t, "faulty")
	cfg.Iterations = 10
	drv := scriptedDriver(t, cfg, map[int]byte{3: 0xf0})

	// A fault means the harness itself broke; unlike crashes and timeouts
	// it must stop the campaign.
	summary, err := drv.Run(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "protocol fault")
	assert.Equal(t, 3, summary.Outcomes[host.Completed])
	assert.Equal(t, 1, summary.Outcomes[host.ProtocolFault])
	assert.Equal(t, 4, summary.Iterations)
}

func TestProcsCampaign(t *testing.T) {
	cfg := testConfig(t, "echo")
	cfg.Iterations = 40
	cfg.Procs = 2
	drv := scriptedDriver(t, cfg, nil)

	summary, err := drv.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40, summary.Iterations)
	assert.Equal(t, 40, summary.Outcomes[host.Completed])
}

func TestCancelledCampaign(t *testing.T) {
	cfg := testConfig(t, "echo")
	cfg.Iterations = 100
	drv := scriptedDriver(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := drv.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, summary.Iterations)
}

func TestOversizedCorpusInput(t *testing.T) {
	corpus := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(corpus, "big"), bytes.Repeat([]byte{'x'}, 256), 0644))

	cfg := testConfig(t, "echo")
	cfg.Capacity = 64
	cfg.Corpus = corpus
	cfg.Iterations = 3
	drv, err := NewDriver(cfg)
	require.NoError(t, err)

	// An input that cannot fit the channel is a campaign setup problem,
	// not a guest failure.
	_, err = drv.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}
