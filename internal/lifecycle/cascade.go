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

package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// Notifier interrupts a peer process.
type Notifier interface {
	Notify(pid int) error
}

// SignalNotifier delivers Sig to the peer with kill(2).
type SignalNotifier struct {
	Sig syscall.Signal
}

// Notify implements Notifier. A peer that already exited is not an error.
func (n SignalNotifier) Notify(pid int) error {
	sig := n.Sig
	if sig == 0 {
		sig = unix.SIGINT
	}
	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

// Interrupts returns a channel receiving SIGINT and SIGTERM and a function
// that stops delivery. The buffer of 1 keeps a signal that arrives while the
// receiver is busy.
func Interrupts() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch, func() { signal.Stop(ch) }
}

// Cascade is the consumer's shutdown trigger. The first Trigger interrupts
// every peer and closes Done; later calls do nothing, so a repeated interrupt
// never notifies the peers twice.
type Cascade struct {
	peers    []int
	notifier Notifier
	logger   *slog.Logger

	once     sync.Once
	done     chan struct{}
	triggers atomic.Int32
}

// NewCascade returns a cascade that will interrupt peers. Non-positive PIDs
// are skipped.
func NewCascade(notifier Notifier, logger *slog.Logger, peers ...int) *Cascade {
	return &Cascade{
		peers:    peers,
		notifier: notifier,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Trigger starts shutdown. It reports whether this call was the first.
func (c *Cascade) Trigger() bool {
	c.triggers.Add(1)
	first := false
	c.once.Do(func() {
		first = true
		for _, pid := range c.peers {
			if pid <= 0 {
				continue
			}
			if err := c.notifier.Notify(pid); err != nil {
				c.logger.Warn("failed to interrupt peer", "pid", pid, "error", err)
				continue
			}
			c.logger.Debug("interrupted peer", "pid", pid)
		}
		close(c.done)
	})
	if !first {
		c.logger.Info("shutdown already in progress")
	}
	return first
}

// Done is closed once shutdown has been triggered and the peers notified.
func (c *Cascade) Done() <-chan struct{} {
	return c.done
}

// Triggers returns how many times Trigger was called.
func (c *Cascade) Triggers() int {
	return int(c.triggers.Load())
}

// Watch triggers the cascade for every signal received until ctx ends or
// sigs is closed. It is the only code that runs on signal delivery.
func (c *Cascade) Watch(ctx context.Context, sigs <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sigs:
			if !ok {
				return
			}
			c.logger.Info("received interrupt", "signal", sig.String())
			c.Trigger()
		}
	}
}

// InterruptContext returns a context cancelled by the first signal on sigs.
// Producers run under it.
func InterruptContext(parent context.Context, sigs <-chan os.Signal, logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-ctx.Done():
		case sig, ok := <-sigs:
			if ok {
				logger.Info("received interrupt", "signal", sig.String())
			}
			cancel()
		}
	}()
	return ctx, cancel
}
