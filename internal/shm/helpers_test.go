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
	"fmt"
	"hash/fnv"
	"testing"
	"time"

	"github.com/google/uuid"
)

// createTestSegment creates a segment in a per-test directory with a key
// derived from the test name and registers removal with t.Cleanup.
func createTestSegment(t *testing.T, capacity int) (*Segment, Options) {
	t.Helper()

	opts := Options{
		Dir:      t.TempDir(),
		Key:      testKey(t),
		Capacity: capacity,
		RunID:    uuid.New(),
	}

	seg, err := Create(opts)
	if err != nil {
		t.Fatalf("Failed to create test segment: %v", err)
	}

	t.Cleanup(func() {
		seg.Close()
		Remove(opts.Dir, opts.Key)
	})

	return seg, opts
}

func testKey(t *testing.T) Key {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s-%d", t.Name(), time.Now().UnixNano())
	return Key(h.Sum32())
}
