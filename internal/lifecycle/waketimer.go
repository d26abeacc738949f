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

// Package lifecycle provides the timing and signal plumbing shared by the
// agents: the consumer's wake timer and render threshold, and the shutdown
// cascade that forwards an interrupt to the producers.
//
// Signal delivery is split in two. A watcher goroutine receives signals from
// os/signal and only flips state or signals other processes. All buffer I/O
// stays on the agent's main loop, which observes that state.
package lifecycle

import (
	"sync"
	"sync/atomic"
	"time"
)

// WakeTimer wakes an idle main loop on a fixed period and raises a render-due
// flag every renderEvery wakes. It never touches shared state.
type WakeTimer struct {
	period      time.Duration
	renderEvery uint64

	c         chan struct{}
	ticks     atomic.Uint64
	renderDue atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewWakeTimer returns a stopped timer. renderEvery below 1 is treated as 1.
func NewWakeTimer(period time.Duration, renderEvery int) *WakeTimer {
	if renderEvery < 1 {
		renderEvery = 1
	}
	return &WakeTimer{
		period:      period,
		renderEvery: uint64(renderEvery),
		c:           make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start arms the timer. Each firing re-arms it for the next period.
func (w *WakeTimer) Start() {
	go func() {
		defer close(w.done)
		t := time.NewTimer(w.period)
		defer t.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-t.C:
				w.Fire()
				t.Reset(w.period)
			}
		}
	}()
}

// Fire records one tick and wakes the main loop. Wakes coalesce: a loop that
// is still busy sees one pending wake, not a backlog.
func (w *WakeTimer) Fire() {
	n := w.ticks.Add(1)
	if n%w.renderEvery == 0 {
		w.renderDue.Store(true)
	}
	select {
	case w.c <- struct{}{}:
	default:
	}
}

// C delivers wakes.
func (w *WakeTimer) C() <-chan struct{} {
	return w.c
}

// Ticks returns the number of firings so far.
func (w *WakeTimer) Ticks() uint64 {
	return w.ticks.Load()
}

// TakeRenderDue reports and clears the render-due flag.
func (w *WakeTimer) TakeRenderDue() bool {
	return w.renderDue.Swap(false)
}

// Stop disarms the timer. Stop is idempotent.
func (w *WakeTimer) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
}

// Wait blocks until the timer goroutine exits after Stop. Only call it on a
// started timer.
func (w *WakeTimer) Wait() {
	<-w.done
}
