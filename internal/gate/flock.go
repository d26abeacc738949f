//go:build unix

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
	"time"

	"golang.org/x/sys/unix"
)

// pollInterval bounds how long a context-aware waiter sleeps between
// attempts.
const pollInterval = time.Millisecond

// flockLocker locks the gate file descriptor with flock(2). Locks belong to
// the open file description, so separate handles exclude each other even
// inside one process, and the kernel drops the lock when the holder dies.
type flockLocker struct {
	fd int
}

func (f *flockLocker) lock(ctx context.Context) error {
	err := flockRetry(f.fd, unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EWOULDBLOCK) {
		return fmt.Errorf("%w: flock: %v", ErrGateFailed, err)
	}

	// No way to cancel: block in the kernel.
	if ctx.Done() == nil {
		if err := flockRetry(f.fd, unix.LOCK_EX); err != nil {
			return fmt.Errorf("%w: flock: %v", ErrGateFailed, err)
		}
		return nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		err := flockRetry(f.fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("%w: flock: %v", ErrGateFailed, err)
		}
	}
}

func (f *flockLocker) unlock() error {
	if err := flockRetry(f.fd, unix.LOCK_UN); err != nil {
		return fmt.Errorf("%w: flock unlock: %v", ErrGateFailed, err)
	}
	return nil
}

func flockRetry(fd, how int) error {
	for {
		err := unix.Flock(fd, how)
		if err != unix.EINTR {
			return err
		}
	}
}

// processAlive reports whether pid names a live process.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
