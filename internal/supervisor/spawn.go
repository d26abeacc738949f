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
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// Spawner starts the agent for role with handoff h and returns its PID.
type Spawner interface {
	Spawn(role Role, h Handoff) (int, error)
}

// ExecSpawner starts agents as child processes of Path. The child inherits
// the parent's environment plus HandoffEnv, and its stdout and stderr.
type ExecSpawner struct {
	Path string
	// Args precede the -role and -config flags.
	Args   []string
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger

	wg sync.WaitGroup
}

// NewExecSpawner returns a spawner that re-executes the running binary.
func NewExecSpawner(logger *slog.Logger) (*ExecSpawner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return &ExecSpawner{Path: exe, Stdout: os.Stdout, Stderr: os.Stderr, Logger: logger}, nil
}

// Spawn implements Spawner. A goroutine reaps the child when it exits.
func (s *ExecSpawner) Spawn(role Role, h Handoff) (int, error) {
	enc, err := h.Encode()
	if err != nil {
		return 0, err
	}

	args := append(append([]string(nil), s.Args...), "-role", string(role))
	if h.ConfigPath != "" {
		args = append(args, "-config", h.ConfigPath)
	}
	cmd := exec.Command(s.Path, args...)
	cmd.Env = append(os.Environ(), HandoffEnv+"="+enc)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn %s: %w", role, err)
	}
	pid := cmd.Process.Pid
	s.Logger.Info("spawned agent", "child_role", role, "child_pid", pid)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := cmd.Wait()
		s.Logger.Debug("agent exited", "child_role", role, "child_pid", pid, "error", err)
	}()
	return pid, nil
}

// Wait blocks until every spawned child has been reaped or ctx is done.
func (s *ExecSpawner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
