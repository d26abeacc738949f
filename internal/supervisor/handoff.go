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

package supervisor

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/markrussinovich/shmhisto/internal/shm"
)

// HandoffEnv carries the encoded Handoff to a spawned agent.
const HandoffEnv = "HISTO_HANDOFF"

var (
	// ErrNoHandoff is returned when a child role starts without a handoff.
	ErrNoHandoff = errors.New("supervisor: no handoff in environment")
	// ErrBadHandoff wraps handoff decoding and validation failures.
	ErrBadHandoff = errors.New("supervisor: bad handoff")
)

// Handoff describes a run's shared resources and the agents already started.
// Each spawner extends it with its own PID before passing it on.
type Handoff struct {
	RunID      string  `yaml:"run_id"`
	Dir        string  `yaml:"dir"`
	SegmentKey shm.Key `yaml:"segment_key"`
	GateKey    shm.Key `yaml:"gate_key"`
	GateKind   string  `yaml:"gate_kind"`
	Capacity   int     `yaml:"capacity"`
	BulkPID    int     `yaml:"bulk_pid,omitempty"`
	FastPID    int     `yaml:"fast_pid,omitempty"`
	ConfigPath string  `yaml:"config_path,omitempty"`
}

// Encode returns the handoff as YAML.
func (h Handoff) Encode() (string, error) {
	b, err := yaml.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encode handoff: %w", err)
	}
	return string(b), nil
}

// DecodeHandoff parses an encoded handoff.
func DecodeHandoff(s string) (Handoff, error) {
	var h Handoff
	if err := yaml.Unmarshal([]byte(s), &h); err != nil {
		return Handoff{}, fmt.Errorf("%w: %w", ErrBadHandoff, err)
	}
	return h, nil
}

// HandoffFromEnv decodes the handoff passed by the parent agent.
func HandoffFromEnv() (Handoff, error) {
	s, ok := os.LookupEnv(HandoffEnv)
	if !ok || s == "" {
		return Handoff{}, ErrNoHandoff
	}
	return DecodeHandoff(s)
}

// Run returns the parsed run ID.
func (h Handoff) Run() (uuid.UUID, error) {
	id, err := uuid.Parse(h.RunID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: run_id: %w", ErrBadHandoff, err)
	}
	return id, nil
}

// Validate checks that h carries what an agent of role needs to attach.
func (h Handoff) Validate(role Role) error {
	var errs []error
	if _, err := h.Run(); err != nil {
		errs = append(errs, err)
	}
	if h.Dir == "" {
		errs = append(errs, fmt.Errorf("%w: dir is empty", ErrBadHandoff))
	}
	if h.SegmentKey == 0 || h.GateKey == 0 {
		errs = append(errs, fmt.Errorf("%w: missing segment or gate key", ErrBadHandoff))
	}
	if h.BulkPID <= 0 && role != RoleBulk {
		errs = append(errs, fmt.Errorf("%w: bulk_pid is required for %s", ErrBadHandoff, role))
	}
	if h.FastPID <= 0 && role == RoleConsumer {
		errs = append(errs, fmt.Errorf("%w: fast_pid is required for %s", ErrBadHandoff, role))
	}
	return errors.Join(errs...)
}
