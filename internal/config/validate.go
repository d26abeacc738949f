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

package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration and joins every problem found.
func Validate(c *Config) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Capacity < 2 || c.Capacity > 1<<16 {
		fail("capacity %d out of range [2, 65536]", c.Capacity)
	}
	if c.KeyPath == "" {
		fail("key_path is required")
	}
	if len(c.SegmentProject) != 1 || c.SegmentProject == "\x00" {
		fail("segment_project must be a single non-zero character, got %q", c.SegmentProject)
	}
	if len(c.GateProject) != 1 || c.GateProject == "\x00" {
		fail("gate_project must be a single non-zero character, got %q", c.GateProject)
	}
	if c.SegmentProject == c.GateProject && len(c.GateProject) == 1 {
		fail("segment_project and gate_project must differ")
	}
	switch c.GateKind {
	case "", "flock", "futex":
	default:
		fail("gate_kind %q must be flock or futex", c.GateKind)
	}
	if c.AttachTimeout <= 0 {
		fail("attach_timeout must be positive")
	}

	for name, p := range map[string]ProducerConfig{"bulk": c.Bulk, "fast": c.Fast} {
		if p.Batch < 1 {
			fail("%s.batch must be at least 1, got %d", name, p.Batch)
		}
		if p.Interval <= 0 {
			fail("%s.interval must be positive", name)
		}
	}

	if c.Consumer.WakePeriod <= 0 {
		fail("consumer.wake_period must be positive")
	}
	if c.Consumer.RenderEvery < 1 {
		fail("consumer.render_every must be at least 1, got %d", c.Consumer.RenderEvery)
	}
	if c.Consumer.FinalDrainTimeout <= 0 {
		fail("consumer.final_drain_timeout must be positive")
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		fail("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		fail("log.format %q must be text or json", c.Log.Format)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
