//go:build linux

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
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux futex operations. The lock word lives in a MAP_SHARED mapping used by
// several processes, so the private variants must not be used.
const (
	futexWaitOp = 0 // FUTEX_WAIT
	futexWakeOp = 1 // FUTEX_WAKE
)

// errFutexTimeout is returned by futexWaitTimeout when the wait times out.
var errFutexTimeout = errors.New("futex timeout")

// waitSlice bounds every futex sleep so that waiters notice dead holders
// and cancelled contexts.
const waitSlice = 10 * time.Millisecond

// futexWaitTimeout waits on addr until the value changes from val or timeout
// elapses. Spurious wakeups are possible; callers re-check the condition.
func futexWaitTimeout(addr *uint32, val uint32, timeout time.Duration) error {
	// Re-check before entering the syscall so a wake between the caller's
	// snapshot and the wait is not lost.
	if atomic.LoadUint32(addr) != val {
		return nil
	}

	ts := unix.NsecToTimespec(timeout.Nanoseconds())
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWaitOp,
		uintptr(val),
		uintptr(unsafe.Pointer(&ts)),
		0,
		0,
	)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	case unix.ETIMEDOUT:
		return errFutexTimeout
	}
	return fmt.Errorf("futex wait failed: %w", errno)
}

// futexWake wakes up to n waiters on addr and returns how many were woken.
func futexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWakeOp,
		uintptr(n),
		0,
		0,
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("futex wake failed: %w", errno)
	}
	return int(r1), nil
}

// futexLocker is a lock word in shared memory: 0 when free, the holder's PID
// otherwise. A waiter that finds the recorded holder gone takes the lock over.
type futexLocker struct {
	word  *uint32
	pid   uint32
	alive func(pid int) bool
}

func newFutexLocker(word *uint32) (locker, error) {
	return &futexLocker{word: word, pid: uint32(os.Getpid()), alive: processAlive}, nil
}

func (f *futexLocker) lock(ctx context.Context) error {
	for {
		if atomic.CompareAndSwapUint32(f.word, 0, f.pid) {
			return nil
		}
		holder := atomic.LoadUint32(f.word)
		if holder == 0 {
			continue
		}
		if !f.alive(int(holder)) {
			if atomic.CompareAndSwapUint32(f.word, holder, f.pid) {
				return nil
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := futexWaitTimeout(f.word, holder, waitSlice); err != nil && !errors.Is(err, errFutexTimeout) {
			return fmt.Errorf("%w: %v", ErrGateFailed, err)
		}
	}
}

func (f *futexLocker) unlock() error {
	atomic.StoreUint32(f.word, 0)
	if _, err := futexWake(f.word, 1); err != nil {
		return fmt.Errorf("%w: %v", ErrGateFailed, err)
	}
	return nil
}
