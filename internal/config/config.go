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

// Package config loads the histogram pipeline configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration that reads and writes YAML strings like "50ms".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete pipeline configuration. The same file is read by all
// three processes.
type Config struct {
	Capacity       int      `yaml:"capacity"`        // ring slots, one reserved
	KeyPath        string   `yaml:"key_path"`        // well-known path keys derive from
	SegmentProject string   `yaml:"segment_project"` // single character
	GateProject    string   `yaml:"gate_project"`    // single character
	ShmDir         string   `yaml:"shm_dir"`         // empty: /dev/shm or temp dir
	GateKind       string   `yaml:"gate_kind"`       // flock or futex
	AttachTimeout  Duration `yaml:"attach_timeout"`  // bound on waiting for a ready segment

	Bulk     ProducerConfig `yaml:"bulk"`
	Fast     ProducerConfig `yaml:"fast"`
	Consumer ConsumerConfig `yaml:"consumer"`
	Log      LogConfig      `yaml:"log"`
	Status   StatusConfig   `yaml:"status"`
}

// ProducerConfig is one producer's batch size and cadence.
type ProducerConfig struct {
	Batch    int      `yaml:"batch"`
	Interval Duration `yaml:"interval"`
}

// ConsumerConfig drives the consumer's wake timer and finalization.
type ConsumerConfig struct {
	WakePeriod        Duration `yaml:"wake_period"`
	RenderEvery       int      `yaml:"render_every"` // wake ticks per render
	FinalDrainTimeout Duration `yaml:"final_drain_timeout"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// StatusConfig enables the consumer's status endpoints. Empty addresses
// disable them.
type StatusConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// Default returns the reference configuration.
func Default() *Config {
	return &Config{
		Capacity:       256,
		KeyPath:        "/tmp",
		SegmentProject: "S",
		GateProject:    "M",
		GateKind:       "flock",
		AttachTimeout:  Duration(5 * time.Second),
		Bulk:           ProducerConfig{Batch: 20, Interval: Duration(2 * time.Second)},
		Fast:           ProducerConfig{Batch: 1, Interval: Duration(50 * time.Millisecond)},
		Consumer: ConsumerConfig{
			WakePeriod:        Duration(2 * time.Second),
			RenderEvery:       5,
			FinalDrainTimeout: Duration(time.Second),
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML file over the defaults and validates the result. An empty
// path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, Validate(cfg)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SegmentProjectID returns the segment key project byte.
func (c *Config) SegmentProjectID() byte { return c.SegmentProject[0] }

// GateProjectID returns the gate key project byte.
func (c *Config) GateProjectID() byte { return c.GateProject[0] }
