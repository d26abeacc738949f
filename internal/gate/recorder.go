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
	"sort"
	"sync"
	"sync/atomic"
)

// Interval is one recorded hold of a gate. Acquired and Released are stamps
// from a sequence shared by every gate wrapped by the same Recorder, taken
// while the gate is held.
type Interval struct {
	Holder   string
	Acquired uint64
	Released uint64
}

// Recorder wraps gates and logs their hold intervals so tests can assert
// that no two holders were ever inside the critical section together.
type Recorder struct {
	seq atomic.Uint64

	mu        sync.Mutex
	intervals []Interval
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Wrap returns a Gate that records each hold of g under holder.
func (r *Recorder) Wrap(holder string, g Gate) Gate {
	return &tracedGate{rec: r, holder: holder, inner: g}
}

// Intervals returns the completed holds in acquisition order.
func (r *Recorder) Intervals() []Interval {
	r.mu.Lock()
	out := append([]Interval(nil), r.intervals...)
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Acquired < out[j].Acquired })
	return out
}

// Overlaps returns every pair of consecutive holds that overlapped.
func (r *Recorder) Overlaps() [][2]Interval {
	iv := r.Intervals()
	var bad [][2]Interval
	for i := 1; i < len(iv); i++ {
		if iv[i].Acquired < iv[i-1].Released {
			bad = append(bad, [2]Interval{iv[i-1], iv[i]})
		}
	}
	return bad
}

type tracedGate struct {
	rec    *Recorder
	holder string
	inner  Gate
	start  uint64
}

func (t *tracedGate) Acquire(ctx context.Context) error {
	if err := t.inner.Acquire(ctx); err != nil {
		return err
	}
	t.start = t.rec.seq.Add(1)
	return nil
}

func (t *tracedGate) Release() error {
	end := t.rec.seq.Add(1)
	if err := t.inner.Release(); err != nil {
		return err
	}
	t.rec.mu.Lock()
	t.rec.intervals = append(t.rec.intervals, Interval{Holder: t.holder, Acquired: t.start, Released: end})
	t.rec.mu.Unlock()
	return nil
}
