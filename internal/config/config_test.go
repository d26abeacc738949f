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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "histo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValidReference(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 256, cfg.Capacity)
	assert.Equal(t, 20, cfg.Bulk.Batch)
	assert.Equal(t, 2*time.Second, cfg.Bulk.Interval.Std())
	assert.Equal(t, 1, cfg.Fast.Batch)
	assert.Equal(t, 50*time.Millisecond, cfg.Fast.Interval.Std())
	assert.Equal(t, 2*time.Second, cfg.Consumer.WakePeriod.Std())
	assert.Equal(t, 5, cfg.Consumer.RenderEvery)
	assert.Equal(t, byte('S'), cfg.SegmentProjectID())
	assert.Equal(t, byte('M'), cfg.GateProjectID())
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
capacity: 4
gate_kind: futex
fast:
  interval: 10ms
consumer:
  wake_period: 100ms
  render_every: 2
log:
  level: debug
  format: json
status:
  http_addr: 127.0.0.1:0
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Capacity)
	assert.Equal(t, "futex", cfg.GateKind)
	assert.Equal(t, 10*time.Millisecond, cfg.Fast.Interval.Std())
	assert.Equal(t, 1, cfg.Fast.Batch, "unset fields keep their defaults")
	assert.Equal(t, 20, cfg.Bulk.Batch)
	assert.Equal(t, 100*time.Millisecond, cfg.Consumer.WakePeriod.Std())
	assert.Equal(t, 2, cfg.Consumer.RenderEvery)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "127.0.0.1:0", cfg.Status.HTTPAddr)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "bulk: [oops"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "fast:\n  interval: soon\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "capacity: 1\ngate_kind: sysv\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "capacity")
	assert.Contains(t, err.Error(), "gate_kind")
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"same projects", func(c *Config) { c.GateProject = "S" }},
		{"long project", func(c *Config) { c.SegmentProject = "SS" }},
		{"zero batch", func(c *Config) { c.Bulk.Batch = 0 }},
		{"zero interval", func(c *Config) { c.Fast.Interval = 0 }},
		{"zero render", func(c *Config) { c.Consumer.RenderEvery = 0 }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"no key path", func(c *Config) { c.KeyPath = "" }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.ErrorIs(t, Validate(cfg), ErrInvalid)
		})
	}
}

func TestDuration_RoundTrip(t *testing.T) {
	out, err := yaml.Marshal(ProducerConfig{Batch: 3, Interval: Duration(1500 * time.Millisecond)})
	require.NoError(t, err)
	assert.Contains(t, string(out), "interval: 1.5s")
}
