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

// Package agent implements the producer and consumer loops around the shared
// ring. All synchronization logic lives here: every ring access happens
// between Acquire and Release on the gate.
package agent

import "context"

// Buffer is the ring as seen by the agents. Implementations are not
// thread-safe; callers must hold the gate.
type Buffer interface {
	AvailableToWrite() int
	AvailableToRead() int
	WriteOne(sym byte)
	ReadOne() byte
}

// Gate serializes access to the Buffer across processes.
type Gate interface {
	Acquire(ctx context.Context) error
	Release() error
}

// Destroyer is a shared resource the consumer tears down at shutdown.
type Destroyer interface {
	Destroy() error
}
