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

// Package gate implements the cross-process binary mutual-exclusion gate that
// serializes every access to the shared ring.
//
// The gate is a small memory-mapped file identified by a key. Two locking
// strategies are available, both of which recover when a holder dies:
//
//   - flock: flock(2) on the gate file. The kernel drops the lock when the
//     holder's descriptor is closed, including on abnormal termination.
//   - futex: a lock word in the mapped file holding the holder's PID. Waiters
//     sleep on a shared futex with a bounded timeout and take the lock over
//     when the recorded holder no longer exists.
package gate

import (
	"context"
	"errors"
)

var (
	// ErrGateFailed wraps failures of the underlying OS primitive. They are
	// fatal to the calling agent.
	ErrGateFailed = errors.New("gate failed")
	// ErrNotHeld is returned by Release when the caller does not hold the gate.
	ErrNotHeld = errors.New("gate not held")
	// ErrUnsupported is returned when a gate kind is unavailable on this platform.
	ErrUnsupported = errors.New("gate kind not supported on this platform")
)

// Gate is a binary mutual-exclusion primitive.
type Gate interface {
	// Acquire blocks until the caller holds the gate. It returns ctx.Err()
	// without holding the gate if ctx ends first.
	Acquire(ctx context.Context) error
	// Release gives the gate up. It returns ErrNotHeld if the caller does not
	// hold it.
	Release() error
}

// Kind selects the locking strategy.
type Kind string

const (
	KindFlock Kind = "flock"
	KindFutex Kind = "futex"
)

// ParseKind validates a kind name. The empty string selects KindFlock.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "", KindFlock:
		return KindFlock, nil
	case KindFutex:
		return KindFutex, nil
	}
	return "", errors.New("unknown gate kind " + s)
}

func (k Kind) code() uint32 {
	switch k {
	case KindFlock:
		return 1
	case KindFutex:
		return 2
	}
	return 0
}

func kindFromCode(c uint32) (Kind, bool) {
	switch c {
	case 1:
		return KindFlock, true
	case 2:
		return KindFutex, true
	}
	return "", false
}
