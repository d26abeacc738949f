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
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/uuid"
)

// Memory layout constants
const (
	// Magic bytes for segment identification
	SegmentMagic = "HISTOSHM"

	// Current layout version
	SegmentVersion = uint32(1)

	// Segment header size; the ring record starts right after it
	HeaderSize = 64
)

var (
	// ErrBadSegment reports a segment whose header fails validation.
	ErrBadSegment = errors.New("invalid shared segment")
	// ErrRunMismatch reports a segment created by a different run.
	ErrRunMismatch = errors.New("segment belongs to a different run")
)

// Header is the fixed segment header. Fields are accessed atomically since
// other processes read them without holding the gate.
type Header struct {
	magic    [8]byte  // 0x00: "HISTOSHM"
	version  uint32   // 0x08: layout version
	capacity uint32   // 0x0C: ring capacity in symbols
	ready    uint32   // 0x10: creator finished initialization (0->1)
	closed   uint32   // 0x14: consumer began teardown (0->1)
	creator  uint32   // 0x18: creator process ID
	pad      uint32   // 0x1C
	runID    [16]byte // 0x20: run identifier, written before ready
	reserved [16]byte // 0x30-0x3F
}

// Version returns the layout version
func (h *Header) Version() uint32 {
	return atomic.LoadUint32(&h.version)
}

// Capacity returns the ring capacity
func (h *Header) Capacity() int {
	return int(atomic.LoadUint32(&h.capacity))
}

// Ready reports whether the creator finished initializing the segment
func (h *Header) Ready() bool {
	return atomic.LoadUint32(&h.ready) != 0
}

// SetReady publishes the ready flag
func (h *Header) SetReady(ready bool) {
	atomic.StoreUint32(&h.ready, boolToUint32(ready))
}

// Closed reports whether teardown started
func (h *Header) Closed() bool {
	return atomic.LoadUint32(&h.closed) != 0
}

// SetClosed sets the closed flag
func (h *Header) SetClosed(closed bool) {
	atomic.StoreUint32(&h.closed, boolToUint32(closed))
}

// CreatorPID returns the PID of the process that created the segment
func (h *Header) CreatorPID() int {
	return int(atomic.LoadUint32(&h.creator))
}

// RunID returns the run identifier. Only meaningful once Ready is true.
func (h *Header) RunID() uuid.UUID {
	return uuid.UUID(h.runID)
}

func (h *Header) valid(size int) error {
	if string(h.magic[:]) != SegmentMagic {
		return fmt.Errorf("%w: bad magic %q", ErrBadSegment, h.magic[:])
	}
	if v := h.Version(); v != SegmentVersion {
		return fmt.Errorf("%w: unsupported version %d, expected %d", ErrBadSegment, v, SegmentVersion)
	}
	c := h.Capacity()
	if err := validateCapacity(c); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSegment, err)
	}
	if want := SegmentSize(c); size < want {
		return fmt.Errorf("%w: size %d smaller than layout %d", ErrBadSegment, size, want)
	}
	return nil
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// SegmentSize returns the total mapped size for a ring of the given capacity.
func SegmentSize(capacity int) int {
	return HeaderSize + RecordSize(capacity)
}

// Options describe the segment to create or attach to.
type Options struct {
	Dir      string    // directory holding the backing file; see ResolveDir
	Key      Key       // resource key
	Capacity int       // ring capacity, used only on creation
	RunID    uuid.UUID // run identifier stamped on creation
}

// Segment is a mapped shared segment.
type Segment struct {
	File *os.File // backing file
	Mem  []byte   // mapped region
	H    *Header  // header view into Mem
	Path string   // backing file path

	ring *Ring

	closeOnce   sync.Once
	closeErr    error
	destroyOnce sync.Once
	destroyErr  error
}

// Create creates and zero-initializes a new segment. It fails if the backing
// file already exists.
func Create(opts Options) (*Segment, error) {
	if err := validateCapacity(opts.Capacity); err != nil {
		return nil, err
	}
	path := ResourcePath(opts.Dir, SegmentPrefix, opts.Key)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	size := SegmentSize(opts.Capacity)
	if err := file.Truncate(int64(size)); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to resize segment file: %w", err)
	}

	mem, err := MapFile(file, size)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	s := newSegment(file, mem, path)
	copy(s.H.magic[:], SegmentMagic)
	atomic.StoreUint32(&s.H.version, SegmentVersion)
	atomic.StoreUint32(&s.H.capacity, uint32(opts.Capacity))
	atomic.StoreUint32(&s.H.creator, uint32(os.Getpid()))
	s.H.runID = [16]byte(opts.RunID)
	s.H.SetClosed(false)
	s.ring = ringAt(mem, HeaderSize, opts.Capacity)
	s.ring.Reset()

	// Attachers wait for this flag, so it goes last.
	s.H.SetReady(true)
	return s, nil
}

// Open attaches to an existing segment. It waits, bounded by ctx, for the
// creator to size the file and publish the ready flag, then validates the
// header. It never initializes anything.
func Open(ctx context.Context, dir string, key Key) (*Segment, error) {
	path := ResourcePath(dir, SegmentPrefix, key)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file %s: %w", path, err)
	}

	size, err := waitForSize(ctx, file, HeaderSize)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("segment %s never sized: %w", path, err)
	}

	mem, err := MapFile(file, size)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	s := newSegment(file, mem, path)
	if err := s.WaitReady(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("segment %s never became ready: %w", path, err)
	}
	if err := s.H.valid(size); err != nil {
		s.Close()
		return nil, err
	}
	s.ring = ringAt(mem, HeaderSize, s.H.Capacity())
	if st := s.ring.State(); st.WriteCursor >= st.Capacity || st.ReadCursor >= st.Capacity || st.WriteCursor < 0 || st.ReadCursor < 0 {
		s.Close()
		return nil, fmt.Errorf("%w: cursors out of range (w=%d r=%d)", ErrBadSegment, st.WriteCursor, st.ReadCursor)
	}
	return s, nil
}

// CreateOrOpen creates the segment when it does not exist yet and attaches to
// it otherwise. created reports which one happened.
func CreateOrOpen(ctx context.Context, opts Options) (s *Segment, created bool, err error) {
	s, err = Create(opts)
	if err == nil {
		return s, true, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, false, err
	}
	s, err = Open(ctx, opts.Dir, opts.Key)
	return s, false, err
}

func newSegment(file *os.File, mem []byte, path string) *Segment {
	return &Segment{
		File: file,
		Mem:  mem,
		Path: path,
		H:    (*Header)(unsafe.Pointer(&mem[0])),
	}
}

func waitForSize(ctx context.Context, file *os.File, min int) (int, error) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		info, err := file.Stat()
		if err != nil {
			return 0, fmt.Errorf("failed to stat segment file: %w", err)
		}
		if info.Size() >= int64(min) {
			return int(info.Size()), nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Ring returns the ring view over the mapped record.
func (s *Segment) Ring() *Ring {
	return s.ring
}

// Capacity returns the ring capacity recorded in the header
func (s *Segment) Capacity() int {
	return s.H.Capacity()
}

// RunID returns the run identifier recorded in the header
func (s *Segment) RunID() uuid.UUID {
	return s.H.RunID()
}

// VerifyRun returns ErrRunMismatch unless the segment was created by run id.
// A nil id matches any run.
func (s *Segment) VerifyRun(id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	if got := s.RunID(); got != id {
		return fmt.Errorf("%w: segment has %s, expected %s", ErrRunMismatch, got, id)
	}
	return nil
}

// Close detaches from the segment: it unmaps the memory and closes the file.
// The backing file stays in place for the other processes. Close is
// idempotent.
func (s *Segment) Close() error {
	s.closeOnce.Do(func() {
		if s.Mem != nil {
			if err := Unmap(s.Mem); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
			s.Mem = nil
			s.H = nil
			s.ring = nil
		}
		if s.File != nil {
			if err := s.File.Close(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
			s.File = nil
		}
	})
	return s.closeErr
}

// Destroy marks the segment closed, detaches and removes the backing file.
// Only the owner of destruction calls it. A second call is a no-op that
// returns the first result.
func (s *Segment) Destroy() error {
	s.destroyOnce.Do(func() {
		if s.H != nil {
			s.H.SetClosed(true)
		}
		path := s.Path
		err := s.Close()
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) && err == nil {
			err = rmErr
		}
		s.destroyErr = err
	})
	return s.destroyErr
}

// Remove deletes the backing file of a segment by key. It returns
// os.ErrNotExist when there is nothing to remove.
func Remove(dir string, key Key) error {
	return os.Remove(ResourcePath(dir, SegmentPrefix, key))
}

// Exists checks if a segment backing file exists
func Exists(dir string, key Key) bool {
	_, err := os.Stat(ResourcePath(dir, SegmentPrefix, key))
	return err == nil
}
