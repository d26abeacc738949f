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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutexWaitTimeout(t *testing.T) {
	word := new(uint32)
	atomic.StoreUint32(word, 42)

	start := time.Now()
	err := futexWaitTimeout(word, 42, 50*time.Millisecond)
	elapsed := time.Since(start)

	// Either a timeout after ~50ms or a spurious early return.
	if err != nil {
		assert.ErrorIs(t, err, errFutexTimeout)
		assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	}
}

func TestFutexWaitValueChanged(t *testing.T) {
	word := new(uint32)
	atomic.StoreUint32(word, 7)

	start := time.Now()
	require.NoError(t, futexWaitTimeout(word, 6, time.Second))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestFutexWakeFromAnotherGoroutine(t *testing.T) {
	word := new(uint32)
	atomic.StoreUint32(word, 100)

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(20 * time.Millisecond)
		atomic.StoreUint32(word, 101)
		futexWake(word, 1)
	}()

	for atomic.LoadUint32(word) == 100 {
		err := futexWaitTimeout(word, 100, time.Second)
		if err != nil {
			require.ErrorIs(t, err, errFutexTimeout)
		}
	}
	<-done
	assert.Equal(t, uint32(101), atomic.LoadUint32(word))
}

func TestFutexLocker_TakesOverFromDeadHolder(t *testing.T) {
	g, peer, _ := createTestGate(t, KindFutex)

	// A PID above the kernel's pid_max never names a live process.
	const deadPID = 1 << 30
	atomic.StoreUint32(&g.hdr.word, deadPID)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, peer.Acquire(ctx))
	assert.NotEqual(t, uint32(deadPID), atomic.LoadUint32(&g.hdr.word))
	require.NoError(t, peer.Release())
	assert.Equal(t, uint32(0), atomic.LoadUint32(&g.hdr.word))
}
