/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package shm

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

var (
	// ErrOverrun is the panic value when a symbol is written into a full ring.
	ErrOverrun = errors.New("ring: write would overrun unread data")
	// ErrUnderrun is the panic value when a symbol is read from an empty ring.
	ErrUnderrun = errors.New("ring: read from empty ring")
)

// Ring capacity limits.
const (
	MinCapacity     = 2
	MaxCapacity     = 1 << 16
	DefaultCapacity = 256
)

// RingState is a snapshot of the ring cursors for diagnostics.
type RingState struct {
	Capacity    int
	WriteCursor int
	ReadCursor  int
	Occupancy   int
	Free        int
}

// Ring is a fixed-capacity circular symbol buffer laid out as
// {storage [capacity]byte, writeCursor int32, readCursor int32}.
//
// One slot is always kept empty so that equal cursors mean "empty" and never
// "full". Ring is not safe for concurrent use; callers serialize access with
// a gate.
type Ring struct {
	storage  []byte
	wcur     *int32
	rcur     *int32
	capacity int32
}

// RecordSize returns the number of bytes a ring record of the given capacity
// occupies: the storage padded to 4 bytes plus the two cursors.
func RecordSize(capacity int) int {
	return align4(capacity) + 8
}

func align4(n int) int {
	return (n + 3) &^ 3
}

func validateCapacity(capacity int) error {
	if capacity < MinCapacity || capacity > MaxCapacity {
		return fmt.Errorf("ring capacity %d out of range [%d, %d]", capacity, MinCapacity, MaxCapacity)
	}
	return nil
}

// NewRing returns a zeroed ring backed by process-local memory.
func NewRing(capacity int) (*Ring, error) {
	if err := validateCapacity(capacity); err != nil {
		return nil, err
	}
	// Backed by []uint32 so the cursor words are 4-byte aligned.
	words := make([]uint32, RecordSize(capacity)/4)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*4)
	return ringAt(mem, 0, capacity), nil
}

// ringAt builds a ring view over mem starting at off. The caller guarantees
// that mem[off:off+RecordSize(capacity)] is valid and off is 4-byte aligned.
func ringAt(mem []byte, off, capacity int) *Ring {
	cursors := off + align4(capacity)
	return &Ring{
		storage:  mem[off : off+capacity : off+capacity],
		wcur:     (*int32)(unsafe.Pointer(&mem[cursors])),
		rcur:     (*int32)(unsafe.Pointer(&mem[cursors+4])),
		capacity: int32(capacity),
	}
}

// Capacity returns the number of slots, including the reserved sentinel slot.
func (r *Ring) Capacity() int {
	return int(r.capacity)
}

// AvailableToWrite returns how many symbols can be written without the write
// cursor catching up with the read cursor.
func (r *Ring) AvailableToWrite() int {
	w := atomic.LoadInt32(r.wcur)
	rd := atomic.LoadInt32(r.rcur)
	return int((rd - w - 1 + r.capacity) % r.capacity)
}

// AvailableToRead returns the ring occupancy.
func (r *Ring) AvailableToRead() int {
	w := atomic.LoadInt32(r.wcur)
	rd := atomic.LoadInt32(r.rcur)
	return int((w - rd + r.capacity) % r.capacity)
}

// WriteOne stores sym at the write cursor and advances it.
//
// The caller must have checked AvailableToWrite() >= 1. Writing into a full
// ring would silently destroy unread data, so it panics with ErrOverrun
// instead and leaves the ring unchanged.
func (r *Ring) WriteOne(sym byte) {
	if r.AvailableToWrite() < 1 {
		panic(ErrOverrun)
	}
	w := atomic.LoadInt32(r.wcur)
	r.storage[w] = sym
	atomic.StoreInt32(r.wcur, (w+1)%r.capacity)
}

// ReadOne loads the symbol at the read cursor and advances it.
// It panics with ErrUnderrun when the ring is empty.
func (r *Ring) ReadOne() byte {
	if r.AvailableToRead() < 1 {
		panic(ErrUnderrun)
	}
	rd := atomic.LoadInt32(r.rcur)
	sym := r.storage[rd]
	atomic.StoreInt32(r.rcur, (rd+1)%r.capacity)
	return sym
}

// Reset zeroes the storage and both cursors.
func (r *Ring) Reset() {
	clear(r.storage)
	atomic.StoreInt32(r.wcur, 0)
	atomic.StoreInt32(r.rcur, 0)
}

// State returns a snapshot of the ring cursors.
func (r *Ring) State() RingState {
	w := int(atomic.LoadInt32(r.wcur))
	rd := int(atomic.LoadInt32(r.rcur))
	c := int(r.capacity)
	used := (w - rd + c) % c
	return RingState{
		Capacity:    c,
		WriteCursor: w,
		ReadCursor:  rd,
		Occupancy:   used,
		Free:        c - 1 - used,
	}
}
