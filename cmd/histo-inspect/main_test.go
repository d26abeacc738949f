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

package main

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markrussinovich/shmhisto/internal/shm"
)

func TestReport(t *testing.T) {
	runID := uuid.New()
	opts := shm.Options{Dir: t.TempDir(), Key: shm.Key(0x53aa0001), Capacity: 8, RunID: runID}
	seg, err := shm.Create(opts)
	require.NoError(t, err)
	defer seg.Destroy()

	seg.Ring().WriteOne('A')
	seg.Ring().WriteOne('B')
	seg.Ring().ReadOne()

	var out bytes.Buffer
	report(&out, seg)
	s := out.String()
	assert.Contains(t, s, "Run ID: "+runID.String())
	assert.Contains(t, s, "Ready: true")
	assert.Contains(t, s, "Capacity: 8 slots (7 usable)")
	assert.Contains(t, s, "Write cursor: 2\n")
	assert.Contains(t, s, "Read cursor: 1\n")
	assert.Contains(t, s, "Occupancy: 1\n")
	assert.Contains(t, s, "Free: 6\n")
}

func TestProbeCapacity(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, probeCapacity(&out, 4))
	assert.Contains(t, out.String(), "Admitted 3 of 4 slots")
	assert.Contains(t, out.String(), "Drained 3 symbols, free again: 3")

	assert.Error(t, probeCapacity(&out, 1))
}
