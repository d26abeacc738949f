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
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/markrussinovich/shmhisto/internal/histogram"
)

// Variant is a producer's batch size and cadence.
type Variant struct {
	Name     string
	Batch    int
	Interval time.Duration
}

// Reference variants.
var (
	Bulk = Variant{Name: "bulk", Batch: 20, Interval: 2 * time.Second}
	Fast = Variant{Name: "fast", Batch: 1, Interval: 50 * time.Millisecond}
)

// ProducerStats are cumulative producer counters.
type ProducerStats struct {
	Cycles   uint64 // completed cycles
	Written  uint64 // symbols admitted into the ring
	Deferred uint64 // symbols not written because the ring lacked room
}

// Producer appends random symbols to the ring in batches.
type Producer struct {
	v       Variant
	gate    Gate
	buf     Buffer
	logger  *slog.Logger
	next    func() byte
	limiter *rate.Limiter

	cycles   atomic.Uint64
	written  atomic.Uint64
	deferred atomic.Uint64
}

// ProducerOption customizes a Producer.
type ProducerOption func(*Producer)

// WithSymbols replaces the random symbol source.
func WithSymbols(next func() byte) ProducerOption {
	return func(p *Producer) { p.next = next }
}

// WithRand draws symbols from r.
func WithRand(r *rand.Rand) ProducerOption {
	return func(p *Producer) { p.next = func() byte { return histogram.RandomSymbol(r) } }
}

// NewProducer returns a producer for variant v.
func NewProducer(v Variant, g Gate, buf Buffer, logger *slog.Logger, opts ...ProducerOption) *Producer {
	p := &Producer{
		v:       v,
		gate:    g,
		buf:     buf,
		logger:  logger.With("producer", v.Name),
		limiter: rate.NewLimiter(rate.Every(v.Interval), 1),
	}
	WithRand(rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())))(p)
	for _, o := range opts {
		o(p)
	}
	return p
}

// Variant returns the producer's variant.
func (p *Producer) Variant() Variant {
	return p.v
}

// Cycle runs one critical section: it writes min(Batch, AvailableToWrite())
// symbols and returns how many it wrote. The rest of the batch is deferred to
// the next cycle.
func (p *Producer) Cycle(ctx context.Context) (int, error) {
	if err := p.gate.Acquire(ctx); err != nil {
		return 0, err
	}

	n := min(p.v.Batch, p.buf.AvailableToWrite())
	for i := 0; i < n; i++ {
		p.buf.WriteOne(p.next())
	}

	// The symbols are in the ring whether or not the release succeeds.
	p.cycles.Add(1)
	p.written.Add(uint64(n))
	short := p.v.Batch - n
	if short > 0 {
		p.deferred.Add(uint64(short))
	}

	if err := p.gate.Release(); err != nil {
		return n, fmt.Errorf("release after writing %d symbols: %w", n, err)
	}
	if short > 0 {
		p.logger.Debug("short write", "written", n, "deferred", short)
	}
	return n, nil
}

// Run cycles on the producer's cadence until ctx is cancelled. It never
// returns while holding the gate. A nil return means a clean stop; any
// error is fatal to the producer.
func (p *Producer) Run(ctx context.Context) error {
	p.logger.Info("producer running", "batch", p.v.Batch, "interval", p.v.Interval)
	defer func() {
		st := p.Stats()
		p.logger.Info("producer stopped", "cycles", st.Cycles, "written", st.Written, "deferred", st.Deferred)
	}()

	for {
		if err := p.limiter.Wait(ctx); err != nil {
			// Wait also fails early when the next slot lies past ctx's
			// deadline; either way ctx is what ends the loop.
			<-ctx.Done()
			return nil
		}
		if _, err := p.Cycle(ctx); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return fmt.Errorf("producer %s: %w", p.v.Name, err)
		}
	}
}

// Stats returns the producer counters.
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		Cycles:   p.cycles.Load(),
		Written:  p.written.Load(),
		Deferred: p.deferred.Load(),
	}
}
