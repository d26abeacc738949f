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

package gate

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

	"github.com/markrussinovich/shmhisto/internal/shm"
)

const (
	gateMagic   = "HISTOGAT"
	gateVersion = uint32(1)
	fileSize    = 64
)

// header is the mapped gate file layout.
type header struct {
	magic    [8]byte  // 0x00
	version  uint32   // 0x08
	kind     uint32   // 0x0C
	ready    uint32   // 0x10
	word     uint32   // 0x14: futex lock word, 0 or holder PID
	reserved [40]byte // 0x18-0x3F
}

// Options describe the gate to create or attach to.
type Options struct {
	Dir  string  // see shm.ResolveDir
	Key  shm.Key // resource key
	Kind Kind    // used only on creation
}

// locker is a locking strategy over the mapped gate file.
type locker interface {
	lock(ctx context.Context) error
	unlock() error
}

// Shared is a handle to the gate file. Each process, and each agent in
// tests, opens its own handle; exclusion is between handles.
type Shared struct {
	path string
	file *os.File
	mem  []byte
	hdr  *header
	kind Kind
	lk   locker

	held atomic.Bool

	closeOnce   sync.Once
	closeErr    error
	destroyOnce sync.Once
	destroyErr  error
}

// Create creates and initializes the gate file in the unlocked state. It
// fails if the file already exists.
func Create(opts Options) (*Shared, error) {
	kind, err := ParseKind(string(opts.Kind))
	if err != nil {
		return nil, err
	}
	path := shm.ResourcePath(opts.Dir, shm.GatePrefix, opts.Key)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create gate file %s: %w", path, err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(path)
	}
	if err := file.Truncate(fileSize); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to resize gate file: %w", err)
	}
	mem, err := shm.MapFile(file, fileSize)
	if err != nil {
		cleanup()
		return nil, err
	}

	g := &Shared{path: path, file: file, mem: mem, hdr: (*header)(unsafe.Pointer(&mem[0])), kind: kind}
	copy(g.hdr.magic[:], gateMagic)
	atomic.StoreUint32(&g.hdr.version, gateVersion)
	atomic.StoreUint32(&g.hdr.kind, kind.code())
	atomic.StoreUint32(&g.hdr.word, 0)

	if g.lk, err = newLocker(g); err != nil {
		g.Close()
		os.Remove(path)
		return nil, err
	}
	atomic.StoreUint32(&g.hdr.ready, 1)
	return g, nil
}

// Open attaches to an existing gate, waiting for its creator to finish
// initialization. The kind comes from the gate file.
func Open(ctx context.Context, dir string, key shm.Key) (*Shared, error) {
	path := shm.ResourcePath(dir, shm.GatePrefix, key)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open gate file %s: %w", path, err)
	}

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to stat gate file: %w", err)
		}
		if info.Size() >= fileSize {
			break
		}
		select {
		case <-ctx.Done():
			file.Close()
			return nil, fmt.Errorf("gate %s never sized: %w", path, ctx.Err())
		case <-ticker.C:
		}
	}

	mem, err := shm.MapFile(file, fileSize)
	if err != nil {
		file.Close()
		return nil, err
	}
	g := &Shared{path: path, file: file, mem: mem, hdr: (*header)(unsafe.Pointer(&mem[0]))}

	for atomic.LoadUint32(&g.hdr.ready) == 0 {
		select {
		case <-ctx.Done():
			g.Close()
			return nil, fmt.Errorf("gate %s never became ready: %w", path, ctx.Err())
		case <-ticker.C:
		}
	}

	if string(g.hdr.magic[:]) != gateMagic || atomic.LoadUint32(&g.hdr.version) != gateVersion {
		g.Close()
		return nil, fmt.Errorf("gate file %s: bad header", path)
	}
	kind, ok := kindFromCode(atomic.LoadUint32(&g.hdr.kind))
	if !ok {
		g.Close()
		return nil, fmt.Errorf("gate file %s: unknown kind %d", path, g.hdr.kind)
	}
	g.kind = kind
	if g.lk, err = newLocker(g); err != nil {
		g.Close()
		return nil, err
	}
	return g, nil
}

// CreateOrOpen creates the gate when it does not exist yet and attaches to it
// otherwise.
func CreateOrOpen(ctx context.Context, opts Options) (g *Shared, created bool, err error) {
	g, err = Create(opts)
	if err == nil {
		return g, true, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, false, err
	}
	g, err = Open(ctx, opts.Dir, opts.Key)
	return g, false, err
}

func newLocker(g *Shared) (locker, error) {
	switch g.kind {
	case KindFlock:
		return &flockLocker{fd: int(g.file.Fd())}, nil
	case KindFutex:
		return newFutexLocker(&g.hdr.word)
	}
	return nil, fmt.Errorf("no locker for kind %q", g.kind)
}

// Kind returns the locking strategy recorded in the gate file.
func (g *Shared) Kind() Kind {
	return g.kind
}

// Path returns the gate file path.
func (g *Shared) Path() string {
	return g.path
}

// Held reports whether this handle currently holds the gate.
func (g *Shared) Held() bool {
	return g.held.Load()
}

// Acquire implements Gate.
func (g *Shared) Acquire(ctx context.Context) error {
	if g.held.Load() {
		return fmt.Errorf("%w: handle already holds the gate", ErrGateFailed)
	}
	if g.lk == nil {
		return fmt.Errorf("%w: gate closed", ErrGateFailed)
	}
	if err := g.lk.lock(ctx); err != nil {
		return err
	}
	g.held.Store(true)
	return nil
}

// Release implements Gate.
func (g *Shared) Release() error {
	if !g.held.Load() {
		return ErrNotHeld
	}
	if err := g.lk.unlock(); err != nil {
		return err
	}
	g.held.Store(false)
	return nil
}

// Close releases the gate if this handle holds it and detaches. The gate file
// stays in place. Close is idempotent.
func (g *Shared) Close() error {
	g.closeOnce.Do(func() {
		if g.held.Load() {
			g.closeErr = g.Release()
		}
		g.lk = nil
		if g.mem != nil {
			if err := shm.Unmap(g.mem); err != nil && g.closeErr == nil {
				g.closeErr = err
			}
			g.mem = nil
			g.hdr = nil
		}
		if g.file != nil {
			if err := g.file.Close(); err != nil && g.closeErr == nil {
				g.closeErr = err
			}
			g.file = nil
		}
	})
	return g.closeErr
}

// Destroy detaches and removes the gate file. Only the owner of destruction
// calls it; a second call is a no-op.
func (g *Shared) Destroy() error {
	g.destroyOnce.Do(func() {
		err := g.Close()
		if rmErr := os.Remove(g.path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) && err == nil {
			err = rmErr
		}
		g.destroyErr = err
	})
	return g.destroyErr
}

// Remove deletes a gate file by key.
func Remove(dir string, key shm.Key) error {
	return os.Remove(shm.ResourcePath(dir, shm.GatePrefix, key))
}
