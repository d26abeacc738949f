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

// Command histo runs one agent of the shared-memory histogram pipeline.
// Started without -role it runs the bulk producer, which sets up the shared
// segment and gate and starts the other two agents.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/markrussinovich/shmhisto/internal/config"
	"github.com/markrussinovich/shmhisto/internal/lifecycle"
	"github.com/markrussinovich/shmhisto/internal/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	roleFlag := flag.String("role", string(supervisor.RoleBulk), "Agent to run: bulk, fast or consumer")
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	role, err := supervisor.ParseRole(*roleFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if *configPath != "" {
		if abs, err := filepath.Abs(*configPath); err == nil {
			*configPath = abs
		}
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logger = logger.With("role", role.String(), "pid", os.Getpid())

	var handoff supervisor.Handoff
	if role != supervisor.RoleBulk {
		handoff, err = supervisor.HandoffFromEnv()
		if err != nil {
			logger.Error("failed to read handoff", "error", err)
			return 1
		}
	}

	spawner, err := supervisor.NewExecSpawner(logger)
	if err != nil {
		logger.Error("failed to create spawner", "error", err)
		return 1
	}

	sigs, stop := lifecycle.Interrupts()
	defer stop()

	env := supervisor.Env{
		Config:     cfg,
		ConfigPath: *configPath,
		Handoff:    handoff,
		Logger:     logger,
		Out:        os.Stdout,
		Spawner:    spawner,
		Signals:    sigs,
		Notifier:   lifecycle.SignalNotifier{},
		PID:        os.Getpid(),
	}

	logger.Info("starting agent", "config", *configPath)
	ctx := context.Background()
	switch role {
	case supervisor.RoleBulk, supervisor.RoleFast:
		stage := supervisor.RunBulk
		if role == supervisor.RoleFast {
			stage = supervisor.RunFast
		}
		st, err := stage(ctx, env)
		if err != nil {
			logger.Error("producer failed", "error", err)
			reap(spawner, logger)
			return 1
		}
		logger.Info("producer exited", "cycles", st.Cycles, "written", st.Written, "deferred", st.Deferred)
		reap(spawner, logger)
	case supervisor.RoleConsumer:
		st, err := supervisor.RunConsumer(ctx, env)
		if err != nil {
			logger.Error("consumer failed", "error", err)
			return 1
		}
		logger.Info("consumer exited", "drains", st.Drains, "consumed", st.Consumed, "renders", st.Renders)
	}
	return 0
}

// reapTimeout bounds how long a producer waits for its child agent to exit.
const reapTimeout = 5 * time.Second

func reap(spawner *supervisor.ExecSpawner, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
	defer cancel()
	if err := spawner.Wait(ctx); err != nil {
		logger.Warn("child agent still running at exit", "error", err)
	}
}

// newLogger builds the process logger from the log section of the config.
func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level := slog.LevelInfo
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}

	switch cfg.Format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, errors.New("log format must be text or json")
	}
}
