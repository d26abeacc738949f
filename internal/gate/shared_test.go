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
	"bufio"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/markrussinovich/shmhisto/internal/shm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testKinds(t *testing.T) []Kind {
	kinds := []Kind{KindFlock}
	if g, err := newFutexLocker(new(uint32)); err == nil && g != nil {
		kinds = append(kinds, KindFutex)
	}
	return kinds
}

func testOptions(t *testing.T, kind Kind) Options {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s-%d", t.Name(), time.Now().UnixNano())
	return Options{Dir: t.TempDir(), Key: shm.Key(h.Sum32()), Kind: kind}
}

// createTestGate creates a gate and a second attached handle, both closed and
// removed on cleanup.
func createTestGate(t *testing.T, kind Kind) (*Shared, *Shared, Options) {
	t.Helper()
	opts := testOptions(t, kind)

	g, err := Create(opts)
	if err != nil {
		t.Fatalf("Failed to create gate: %v", err)
	}
	peer, err := Open(context.Background(), opts.Dir, opts.Key)
	if err != nil {
		g.Destroy()
		t.Fatalf("Failed to open gate: %v", err)
	}
	t.Cleanup(func() {
		peer.Close()
		g.Destroy()
	})
	return g, peer, opts
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindFlock, k)

	k, err = ParseKind("futex")
	require.NoError(t, err)
	assert.Equal(t, KindFutex, k)

	_, err = ParseKind("sysv")
	assert.Error(t, err)
}

func TestGate_ExclusionBetweenHandles(t *testing.T) {
	for _, kind := range testKinds(t) {
		t.Run(string(kind), func(t *testing.T) {
			g, peer, _ := createTestGate(t, kind)
			assert.Equal(t, kind, peer.Kind(), "kind comes from the gate file")

			require.NoError(t, g.Acquire(context.Background()))
			assert.True(t, g.Held())

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			defer cancel()
			err := peer.Acquire(ctx)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
			assert.False(t, peer.Held())

			require.NoError(t, g.Release())
			require.NoError(t, peer.Acquire(context.Background()))
			require.NoError(t, peer.Release())
		})
	}
}

func TestGate_BlockingAcquireWakesOnRelease(t *testing.T) {
	for _, kind := range testKinds(t) {
		t.Run(string(kind), func(t *testing.T) {
			g, peer, _ := createTestGate(t, kind)
			require.NoError(t, g.Acquire(context.Background()))

			acquired := make(chan error, 1)
			go func() {
				acquired <- peer.Acquire(context.Background())
			}()

			select {
			case err := <-acquired:
				t.Fatalf("peer acquired a held gate: %v", err)
			case <-time.After(30 * time.Millisecond):
			}

			require.NoError(t, g.Release())
			select {
			case err := <-acquired:
				require.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("peer never acquired the released gate")
			}
			require.NoError(t, peer.Release())
		})
	}
}

func TestGate_ReleaseWithoutHolding(t *testing.T) {
	for _, kind := range testKinds(t) {
		t.Run(string(kind), func(t *testing.T) {
			g, _, _ := createTestGate(t, kind)
			assert.ErrorIs(t, g.Release(), ErrNotHeld)
		})
	}
}

func TestGate_ReacquireSameHandleFails(t *testing.T) {
	g, _, _ := createTestGate(t, KindFlock)
	require.NoError(t, g.Acquire(context.Background()))
	assert.ErrorIs(t, g.Acquire(context.Background()), ErrGateFailed)
	require.NoError(t, g.Release())
}

func TestGate_CloseReleases(t *testing.T) {
	for _, kind := range testKinds(t) {
		t.Run(string(kind), func(t *testing.T) {
			opts := testOptions(t, kind)
			g, err := Create(opts)
			require.NoError(t, err)
			defer g.Destroy()

			holder, err := Open(context.Background(), opts.Dir, opts.Key)
			require.NoError(t, err)
			require.NoError(t, holder.Acquire(context.Background()))
			require.NoError(t, holder.Close())

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			require.NoError(t, g.Acquire(ctx))
			require.NoError(t, g.Release())
			assert.ErrorIs(t, holder.Acquire(ctx), ErrGateFailed, "closed handle cannot acquire")
		})
	}
}

func TestGate_CreateOrOpen(t *testing.T) {
	opts := testOptions(t, KindFlock)

	g, created, err := CreateOrOpen(context.Background(), opts)
	require.NoError(t, err)
	defer g.Destroy()
	assert.True(t, created)

	opts.Kind = KindFutex
	peer, created, err := CreateOrOpen(context.Background(), opts)
	require.NoError(t, err)
	defer peer.Close()
	assert.False(t, created)
	assert.Equal(t, KindFlock, peer.Kind())
}

func TestGate_DestroyIdempotent(t *testing.T) {
	opts := testOptions(t, KindFlock)
	g, err := Create(opts)
	require.NoError(t, err)

	require.NoError(t, g.Destroy())
	require.NoError(t, g.Destroy())
	_, err = os.Stat(g.Path())
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	_, err = Open(context.Background(), opts.Dir, opts.Key)
	assert.Error(t, err)
}

func TestGate_MutualExclusionRecorded(t *testing.T) {
	for _, kind := range testKinds(t) {
		t.Run(string(kind), func(t *testing.T) {
			_, _, opts := createTestGate(t, kind)

			const workers, rounds = 4, 200
			rec := NewRecorder()
			var inside, violations, entries atomic.Int64

			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				h, err := Open(context.Background(), opts.Dir, opts.Key)
				require.NoError(t, err)
				traced := rec.Wrap(fmt.Sprintf("worker-%d", w), h)

				wg.Add(1)
				go func() {
					defer wg.Done()
					defer h.Close()
					for i := 0; i < rounds; i++ {
						if err := traced.Acquire(context.Background()); err != nil {
							t.Errorf("acquire: %v", err)
							return
						}
						if inside.Add(1) != 1 {
							violations.Add(1)
						}
						entries.Add(1)
						inside.Add(-1)
						if err := traced.Release(); err != nil {
							t.Errorf("release: %v", err)
							return
						}
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int64(workers*rounds), entries.Load())
			assert.Zero(t, violations.Load())
			assert.Len(t, rec.Intervals(), workers*rounds)
			assert.Empty(t, rec.Overlaps())
		})
	}
}

func TestRecorder_DetectsOverlap(t *testing.T) {
	rec := NewRecorder()
	rec.intervals = []Interval{
		{Holder: "a", Acquired: 1, Released: 4},
		{Holder: "b", Acquired: 2, Released: 3},
		{Holder: "c", Acquired: 5, Released: 6},
	}
	bad := rec.Overlaps()
	require.Len(t, bad, 1)
	assert.Equal(t, "a", bad[0][0].Holder)
	assert.Equal(t, "b", bad[0][1].Holder)
}

// TestHelperGateHolder is run in a child process by TestGate_OwnerDeath. It
// acquires the gate, reports it on stdout and waits to be killed.
func TestHelperGateHolder(t *testing.T) {
	dir := os.Getenv("HISTO_GATE_HELPER_DIR")
	if dir == "" {
		t.Skip("helper process only")
	}
	key, err := strconv.ParseUint(os.Getenv("HISTO_GATE_HELPER_KEY"), 10, 32)
	if err != nil {
		t.Fatalf("bad key: %v", err)
	}
	g, err := Open(context.Background(), dir, shm.Key(key))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	fmt.Println("held")
	time.Sleep(time.Minute)
}

func TestGate_OwnerDeath(t *testing.T) {
	for _, kind := range testKinds(t) {
		t.Run(string(kind), func(t *testing.T) {
			g, _, opts := createTestGate(t, kind)

			cmd := exec.Command(os.Args[0], "-test.run=^TestHelperGateHolder$")
			cmd.Env = append(os.Environ(),
				"HISTO_GATE_HELPER_DIR="+opts.Dir,
				"HISTO_GATE_HELPER_KEY="+strconv.FormatUint(uint64(opts.Key), 10),
			)
			out, err := cmd.StdoutPipe()
			require.NoError(t, err)
			require.NoError(t, cmd.Start())

			held := make(chan bool, 1)
			go func() {
				sc := bufio.NewScanner(out)
				for sc.Scan() {
					if sc.Text() == "held" {
						held <- true
						return
					}
				}
				held <- false
			}()
			select {
			case ok := <-held:
				require.True(t, ok, "helper exited without holding the gate")
			case <-time.After(10 * time.Second):
				cmd.Process.Kill()
				cmd.Wait()
				t.Fatal("helper never acquired the gate")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			err = g.Acquire(ctx)
			cancel()
			require.ErrorIs(t, err, context.DeadlineExceeded, "gate must be held by the helper")

			require.NoError(t, cmd.Process.Kill())
			cmd.Wait()

			ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			require.NoError(t, g.Acquire(ctx), "gate must recover after the holder died")
			require.NoError(t, g.Release())
		})
	}
}
