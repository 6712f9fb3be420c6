// Copyright 2025 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package shmem

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"

	"github.com/snapfuzz/snapfuzz/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	const capacity = 128
	ch, err := NewChannel(capacity)
	require.NoError(t, err)
	rnd := rand.New(testutil.RandSource(t))
	for i := 0; i < testutil.IterCount(); i++ {
		payload := make([]byte, rnd.Intn(ch.PayloadCapacity()+1))
		rnd.Read(payload)
		require.NoError(t, ch.Write(payload))
		got, err := ch.Read()
		require.NoError(t, err)
		if !bytes.Equal(payload, got) {
			t.Fatalf("round-trip mismatch: wrote %v bytes, read %v bytes", len(payload), len(got))
		}
	}
}

func TestCapacityBoundary(t *testing.T) {
	const capacity = 64
	ch, err := NewChannel(capacity)
	require.NoError(t, err)

	// Exactly the payload capacity must be accepted and round-trip.
	max := bytes.Repeat([]byte{0xab}, ch.PayloadCapacity())
	require.NoError(t, ch.Write(max))
	got, err := ch.Read()
	require.NoError(t, err)
	assert.Equal(t, max, got)

	// One byte more must be rejected and leave the region unchanged.
	snapshot := append([]byte(nil), max...)
	err = ch.Write(bytes.Repeat([]byte{0xcd}, ch.PayloadCapacity()+1))
	require.ErrorIs(t, err, ErrCapacityExceeded)
	got, err = ch.Read()
	require.NoError(t, err)
	assert.Equal(t, snapshot, got, "failed write must not modify the region")
}

func TestMalformedHeader(t *testing.T) {
	region := make([]byte, 32)
	binary.LittleEndian.PutUint32(region, uint32(len(region))) // exceeds capacity-4
	ch, err := OpenChannel(region)
	require.NoError(t, err)
	_, err = ch.Read()
	require.ErrorIs(t, err, ErrMalformedHeader)
}

func TestFreshRegionReadsEmpty(t *testing.T) {
	ch, err := NewChannel(16)
	require.NoError(t, err)
	got, err := ch.Read()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResidue(t *testing.T) {
	ch, err := NewChannel(32)
	require.NoError(t, err)
	require.NoError(t, ch.Write([]byte("abcdef")))
	require.NoError(t, ch.Write([]byte("xy")))

	// Read returns only the declared payload...
	got, err := ch.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("xy"), got)

	// ...but the previous iteration's bytes remain beyond it.
	assert.Equal(t, []byte("cdef"), ch.region[HeaderSize+2:HeaderSize+6])

	ch.Clear()
	got, err = ch.Read()
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, make([]byte, 32), ch.region)
}

func TestSharedBacking(t *testing.T) {
	// Two views over the same backing slice model the host and guest
	// mappings of one shared region.
	backing := make([]byte, 64)
	host, err := OpenChannel(backing)
	require.NoError(t, err)
	guest, err := OpenChannel(backing)
	require.NoError(t, err)

	require.NoError(t, host.Write([]byte("input")))
	got, err := guest.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("input"), got)

	require.NoError(t, guest.Write([]byte("Fail")))
	got, err = host.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("Fail"), got)
}

func TestTooSmall(t *testing.T) {
	if _, err := NewChannel(HeaderSize); err == nil {
		t.Fatal("channel of header-only capacity must be rejected")
	}
	if _, err := OpenChannel(make([]byte, HeaderSize)); err == nil {
		t.Fatal("region of header-only capacity must be rejected")
	}
	errs := []error{}
	for _, c := range []int{-1, 0, 1, HeaderSize} {
		_, err := NewChannel(c)
		errs = append(errs, err)
	}
	for _, err := range errs {
		assert.Error(t, err)
		assert.False(t, errors.Is(err, ErrCapacityExceeded))
	}
}
