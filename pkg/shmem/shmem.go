// Copyright 2025 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package shmem implements the fixed-size shared region used to pass
// length-prefixed payloads between the host controller and a guest.
//
// Wire layout: [uint32 length, little-endian][payload][padding to capacity].
// A payload may occupy at most capacity-4 bytes. The stored length must
// never exceed that when the region is read by either side; such a header
// is a protocol fault, not a guest crash, and Read reports it as one.
//
// The region is not cleared between iterations: Write updates the header
// and the payload bytes and leaves everything beyond them untouched from
// the previous iteration. Callers that need isolation between iterations
// must call Clear themselves. This mirrors the reuse discipline of the
// host/guest protocol, where each run's input write lands before the
// region is read again.
//
// Channel performs no locking; the surrounding control-transfer protocol
// guarantees at most one active writer at any time.
package shmem

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the number of region bytes occupied by the length field.
const HeaderSize = 4

var (
	ErrCapacityExceeded = errors.New("payload exceeds region capacity")
	ErrMalformedHeader  = errors.New("malformed region header")
)

type Channel struct {
	region []byte
}

// NewChannel allocates a fresh zero-filled region of the given capacity.
func NewChannel(capacity int) (*Channel, error) {
	if capacity <= HeaderSize {
		return nil, fmt.Errorf("channel capacity %v does not fit the %v-byte header", capacity, HeaderSize)
	}
	return &Channel{region: make([]byte, capacity)}, nil
}

// OpenChannel creates a channel view over an existing region, typically a
// shared memory mapping. The region contents are taken as is.
func OpenChannel(region []byte) (*Channel, error) {
	if len(region) <= HeaderSize {
		return nil, fmt.Errorf("channel region of %v bytes does not fit the %v-byte header", len(region), HeaderSize)
	}
	return &Channel{region: region}, nil
}

// Capacity returns the total region size, header included.
func (ch *Channel) Capacity() int {
	return len(ch.region)
}

// PayloadCapacity returns the maximum payload size the region can carry.
func (ch *Channel) PayloadCapacity() int {
	return len(ch.region) - HeaderSize
}

// Write stores a length-prefixed payload into the region.
// On ErrCapacityExceeded the region, header included, is left unchanged.
func (ch *Channel) Write(payload []byte) error {
	if len(payload) > ch.PayloadCapacity() {
		return fmt.Errorf("write of %v bytes, payload capacity is %v: %w",
			len(payload), ch.PayloadCapacity(), ErrCapacityExceeded)
	}
	copy(ch.region[HeaderSize:], payload)
	binary.LittleEndian.PutUint32(ch.region, uint32(len(payload)))
	return nil
}

// Read returns a copy of the payload currently stored in the region.
// The payload is raw bytes; no content encoding or termination is assumed.
func (ch *Channel) Read() ([]byte, error) {
	n := binary.LittleEndian.Uint32(ch.region)
	if uint64(n) > uint64(ch.PayloadCapacity()) {
		return nil, fmt.Errorf("region header declares %v payload bytes, capacity is %v: %w",
			n, ch.PayloadCapacity(), ErrMalformedHeader)
	}
	return append([]byte(nil), ch.region[HeaderSize:HeaderSize+int(n)]...), nil
}

// Clear zeroes the whole region for callers that want isolation between
// iterations. The protocol itself never calls it on the hot path.
func (ch *Channel) Clear() {
	for i := range ch.region {
		ch.region[i] = 0
	}
}
