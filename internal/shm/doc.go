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

// Package shm provides the shared memory segment and the circular symbol
// buffer used by the histogram producers and consumer.
//
// A segment is a memory-mapped file (under /dev/shm when available) holding a
// fixed 64-byte header followed by a single ring record: the symbol storage
// and two int32 cursors. The first process to establish the segment creates
// and zero-initializes it, then publishes a ready flag; every other process
// attaches, waits for that flag and validates the header before touching the
// ring. Only the consumer destroys the segment.
//
// Ring itself performs no locking. Every access must be bracketed by the
// cross-process gate from package gate.
package shm
