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

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/markrussinovich/shmhisto/internal/histogram"
)

// FinalMessage is printed after the final render once shared resources are
// gone.
const FinalMessage = "Shazam!!"

// DefaultFinalDrainTimeout bounds the gate acquire during finalization.
const DefaultFinalDrainTimeout = time.Second

// State is the consumer's position in its main loop.
type State int32

const (
	AwaitingSample State = iota
	Draining
	Rendering
	Finalizing
	Terminated
)

func (s State) String() string {
	switch s {
	case AwaitingSample:
		return "awaiting-sample"
	case Draining:
		return "draining"
	case Rendering:
		return "rendering"
	case Finalizing:
		return "finalizing"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Waker paces the consumer. C delivers wakes; TakeRenderDue reports whether
// the histogram should be printed after the next drain.
type Waker interface {
	C() <-chan struct{}
	TakeRenderDue() bool
}

// ConsumerConfig wires a Consumer to its collaborators.
type ConsumerConfig struct {
	Gate   Gate
	Buffer Buffer
	Waker  Waker

	// Shutdown is closed when the process has been asked to stop.
	Shutdown <-chan struct{}

	// Out receives renders and the final message. Defaults to os.Stdout.
	Out io.Writer

	// FinalDrainTimeout bounds the best-effort acquire in Finalize.
	FinalDrainTimeout time.Duration

	// Resources are destroyed, in order, during Finalize.
	Resources []Destroyer

	Logger *slog.Logger

	// OnState, if set, observes every state transition. It runs on the
	// consumer's main loop and must not block.
	OnState func(State)
}

// ConsumerStats are cumulative consumer counters.
type ConsumerStats struct {
	Drains   uint64
	Consumed uint64
	Renders  uint64
}

// Consumer drains the ring into a histogram and renders it.
type Consumer struct {
	cfg    ConsumerConfig
	logger *slog.Logger

	mu   sync.Mutex // guards hist and writes to cfg.Out
	hist histogram.Histogram

	state    atomic.Int32
	drains   atomic.Uint64
	consumed atomic.Uint64
	renders  atomic.Uint64

	finalizeOnce sync.Once
	finalizeErr  error
}

// NewConsumer returns a consumer in the AwaitingSample state.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.FinalDrainTimeout <= 0 {
		cfg.FinalDrainTimeout = DefaultFinalDrainTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Consumer{cfg: cfg, logger: logger.With("agent", "consumer")}
}

func (c *Consumer) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}

// State returns the current state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

// Serving reports whether the consumer is still accepting samples.
func (c *Consumer) Serving() bool {
	s := c.State()
	return s != Finalizing && s != Terminated
}

// Drain takes the gate, consumes exactly the symbols readable at that moment
// and releases the gate. It returns the number consumed.
func (c *Consumer) Drain(ctx context.Context) (int, error) {
	if err := c.cfg.Gate.Acquire(ctx); err != nil {
		return 0, err
	}
	n := c.drainLocked()
	if err := c.cfg.Gate.Release(); err != nil {
		return n, fmt.Errorf("release after draining %d symbols: %w", n, err)
	}
	return n, nil
}

// drainLocked assumes the caller holds the gate, or has given up on it.
func (c *Consumer) drainLocked() int {
	avail := c.cfg.Buffer.AvailableToRead()
	c.mu.Lock()
	for i := 0; i < avail; i++ {
		c.hist.Add(c.cfg.Buffer.ReadOne())
	}
	c.mu.Unlock()
	c.drains.Add(1)
	c.consumed.Add(uint64(avail))
	return avail
}

// Render prints the histogram to the configured output.
func (c *Consumer) Render() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.hist.Render(c.cfg.Out); err != nil {
		return fmt.Errorf("render histogram: %w", err)
	}
	c.renders.Add(1)
	return nil
}

// Run services wakes until shutdown, then finalizes. A cancelled ctx is
// treated as shutdown. Gate failures are returned without finalizing; the
// caller may still call Finalize.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer running", "final_drain_timeout", c.cfg.FinalDrainTimeout)
	for {
		c.setState(AwaitingSample)
		select {
		case <-ctx.Done():
			return c.Finalize(ctx)
		case <-c.cfg.Shutdown:
			return c.Finalize(ctx)
		case <-c.cfg.Waker.C():
		}

		// A wake and a shutdown can be ready together; shutdown wins.
		select {
		case <-c.cfg.Shutdown:
			return c.Finalize(ctx)
		default:
		}

		c.setState(Draining)
		n, err := c.Drain(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return c.Finalize(ctx)
			}
			return fmt.Errorf("consumer: %w", err)
		}
		c.logger.Debug("drained", "symbols", n)

		if c.cfg.Waker.TakeRenderDue() {
			c.setState(Rendering)
			if err := c.Render(); err != nil {
				return err
			}
		}
	}
}

// Finalize performs the last drain, the final render and the teardown of
// shared resources. Only the first call does any work; later calls return
// the first call's result.
func (c *Consumer) Finalize(ctx context.Context) error {
	c.finalizeOnce.Do(func() {
		c.finalizeErr = c.finalize(ctx)
	})
	return c.finalizeErr
}

func (c *Consumer) finalize(ctx context.Context) error {
	c.setState(Finalizing)
	c.logger.Info("finalizing")

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FinalDrainTimeout)
	defer cancel()

	var errs []error
	held := true
	if err := c.cfg.Gate.Acquire(actx); err != nil {
		// An in-flight producer write may be lost or torn here.
		c.logger.Warn("final drain proceeding without gate", "error", err)
		held = false
	}
	n := c.drainLocked()
	if held {
		if err := c.cfg.Gate.Release(); err != nil {
			c.logger.Warn("release after final drain failed", "error", err)
			errs = append(errs, err)
		}
	}
	c.logger.Info("final drain", "symbols", n, "with_gate", held)

	if err := c.Render(); err != nil {
		c.logger.Warn("final render failed", "error", err)
		errs = append(errs, err)
	}

	for _, r := range c.cfg.Resources {
		if err := r.Destroy(); err != nil {
			c.logger.Warn("destroy shared resource failed", "error", err)
			errs = append(errs, err)
		}
	}

	c.mu.Lock()
	_, err := fmt.Fprintln(c.cfg.Out, FinalMessage)
	c.mu.Unlock()
	if err != nil {
		errs = append(errs, err)
	}

	st := c.Stats()
	c.logger.Info("consumer terminated", "drains", st.Drains, "consumed", st.Consumed, "renders", st.Renders)
	c.setState(Terminated)
	return errors.Join(errs...)
}

// Snapshot returns a copy of the histogram. It is safe to call from any
// goroutine.
func (c *Consumer) Snapshot() histogram.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hist.Snapshot()
}

// Stats returns the consumer counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Drains:   c.drains.Load(),
		Consumed: c.consumed.Load(),
		Renders:  c.renders.Load(),
	}
}
