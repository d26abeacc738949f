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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/markrussinovich/shmhisto/internal/agent"
	"github.com/markrussinovich/shmhisto/internal/config"
	"github.com/markrussinovich/shmhisto/internal/gate"
	"github.com/markrussinovich/shmhisto/internal/lifecycle"
	"github.com/markrussinovich/shmhisto/internal/shm"
	"github.com/markrussinovich/shmhisto/internal/status"
)

// Env is everything a stage needs from its process.
type Env struct {
	Config     *config.Config
	ConfigPath string
	Handoff    Handoff // unused by the bulk stage
	Logger     *slog.Logger
	Out        io.Writer // consumer renders
	Spawner    Spawner
	Signals    <-chan os.Signal
	Notifier   lifecycle.Notifier
	PID        int
}

func variant(name string, p config.ProducerConfig) agent.Variant {
	return agent.Variant{Name: name, Batch: p.Batch, Interval: p.Interval.Std()}
}

// RunBulk creates (or reuses) the run's segment and gate, spawns the fast
// producer and runs the bulk producer until interrupted.
func RunBulk(ctx context.Context, env Env) (agent.ProducerStats, error) {
	cfg := env.Config
	dir := shm.ResolveDir(cfg.ShmDir)

	segKey, err := shm.DeriveKey(cfg.KeyPath, cfg.SegmentProjectID())
	if err != nil {
		return agent.ProducerStats{}, err
	}
	gateKey, err := shm.DeriveKey(cfg.KeyPath, cfg.GateProjectID())
	if err != nil {
		return agent.ProducerStats{}, err
	}
	kind, err := gate.ParseKind(cfg.GateKind)
	if err != nil {
		return agent.ProducerStats{}, err
	}

	// Leftovers of a crashed run may never become ready; do not wait on them
	// forever.
	actx, cancel := context.WithTimeout(ctx, cfg.AttachTimeout.Std())
	defer cancel()

	seg, segCreated, err := shm.CreateOrOpen(actx, shm.Options{Dir: dir, Key: segKey, Capacity: cfg.Capacity, RunID: uuid.New()})
	if err != nil {
		return agent.ProducerStats{}, fmt.Errorf("bulk: segment: %w", err)
	}
	defer seg.Close()

	g, gateCreated, err := gate.CreateOrOpen(actx, gate.Options{Dir: dir, Key: gateKey, Kind: kind})
	if err != nil {
		if segCreated {
			seg.Destroy()
		}
		return agent.ProducerStats{}, fmt.Errorf("bulk: gate: %w", err)
	}
	defer g.Close()

	logger := env.Logger.With("run_id", seg.RunID().String())
	st := seg.Ring().State()
	logger.Info("segment ready",
		"path", seg.Path,
		"key", segKey.String(),
		"created", segCreated,
		"capacity", st.Capacity,
		"write_cursor", st.WriteCursor,
		"read_cursor", st.ReadCursor,
	)
	logger.Info("gate ready", "path", g.Path(), "kind", g.Kind(), "created", gateCreated)

	h := Handoff{
		RunID:      seg.RunID().String(),
		Dir:        dir,
		SegmentKey: segKey,
		GateKey:    gateKey,
		GateKind:   string(g.Kind()),
		Capacity:   seg.Capacity(),
		BulkPID:    env.PID,
		ConfigPath: env.ConfigPath,
	}
	if _, err := env.Spawner.Spawn(RoleFast, h); err != nil {
		if segCreated {
			seg.Destroy()
		}
		if gateCreated {
			g.Destroy()
		}
		return agent.ProducerStats{}, err
	}

	return runProducer(ctx, env, logger, variant("bulk", cfg.Bulk), g, seg)
}

// RunFast attaches to the run described by env.Handoff, spawns the consumer
// and runs the fast producer until interrupted.
func RunFast(ctx context.Context, env Env) (agent.ProducerStats, error) {
	h := env.Handoff
	if err := h.Validate(RoleFast); err != nil {
		return agent.ProducerStats{}, err
	}
	logger := env.Logger.With("run_id", h.RunID)
	logger.Info("handoff received", "dir", h.Dir, "segment_key", h.SegmentKey.String(), "gate_key", h.GateKey.String(), "bulk_pid", h.BulkPID)

	seg, g, err := attach(ctx, env.Config, h)
	if err != nil {
		return agent.ProducerStats{}, fmt.Errorf("fast: %w", err)
	}
	defer seg.Close()
	defer g.Close()

	h.FastPID = env.PID
	if _, err := env.Spawner.Spawn(RoleConsumer, h); err != nil {
		return agent.ProducerStats{}, err
	}

	return runProducer(ctx, env, logger, variant("fast", env.Config.Fast), g, seg)
}

func runProducer(ctx context.Context, env Env, logger *slog.Logger, v agent.Variant, g agent.Gate, seg *shm.Segment) (agent.ProducerStats, error) {
	pctx, cancel := lifecycle.InterruptContext(ctx, env.Signals, logger)
	defer cancel()

	p := agent.NewProducer(v, g, seg.Ring(), logger)
	err := p.Run(pctx)
	return p.Stats(), err
}

// attach opens the run's segment and gate, waiting up to the configured
// attach timeout for each to become ready, and checks the run ID.
func attach(ctx context.Context, cfg *config.Config, h Handoff) (*shm.Segment, *gate.Shared, error) {
	runID, err := h.Run()
	if err != nil {
		return nil, nil, err
	}

	actx, cancel := context.WithTimeout(ctx, cfg.AttachTimeout.Std())
	defer cancel()

	seg, err := shm.Open(actx, h.Dir, h.SegmentKey)
	if err != nil {
		return nil, nil, fmt.Errorf("attach segment: %w", err)
	}
	if err := seg.VerifyRun(runID); err != nil {
		seg.Close()
		return nil, nil, err
	}
	g, err := gate.Open(actx, h.Dir, h.GateKey)
	if err != nil {
		seg.Close()
		return nil, nil, fmt.Errorf("attach gate: %w", err)
	}
	return seg, g, nil
}

// RunConsumer attaches to the run, services wake-ups until the shutdown
// cascade fires and then finalizes, destroying the segment and gate.
func RunConsumer(ctx context.Context, env Env) (agent.ConsumerStats, error) {
	cfg := env.Config
	h := env.Handoff
	if err := h.Validate(RoleConsumer); err != nil {
		return agent.ConsumerStats{}, err
	}
	logger := env.Logger.With("run_id", h.RunID)
	logger.Info("handoff received", "bulk_pid", h.BulkPID, "fast_pid", h.FastPID)

	cascade := lifecycle.NewCascade(env.Notifier, logger, h.BulkPID, h.FastPID)

	seg, g, err := attach(ctx, cfg, h)
	if err != nil {
		// Nothing will ever drain the ring; stop the producers.
		cascade.Trigger()
		return agent.ConsumerStats{}, fmt.Errorf("consumer: %w", err)
	}
	// Finalize destroys both; Close after Destroy is a no-op.
	defer seg.Close()
	defer g.Close()

	waker := lifecycle.NewWakeTimer(cfg.Consumer.WakePeriod.Std(), cfg.Consumer.RenderEvery)

	var srv *status.Server
	consumer := agent.NewConsumer(agent.ConsumerConfig{
		Gate:              g,
		Buffer:            seg.Ring(),
		Waker:             waker,
		Shutdown:          cascade.Done(),
		Out:               env.Out,
		FinalDrainTimeout: cfg.Consumer.FinalDrainTimeout.Std(),
		Resources:         []agent.Destroyer{seg, g},
		Logger:            logger,
		OnState: func(s agent.State) {
			srv.SetServing(s != agent.Finalizing && s != agent.Terminated)
		},
	})
	srv = status.NewServer(status.Config{HTTPAddr: cfg.Status.HTTPAddr, GRPCAddr: cfg.Status.GRPCAddr}, consumer, logger)
	if err := srv.Listen(); err != nil {
		cascade.Trigger()
		consumer.Finalize(ctx)
		return consumer.Stats(), err
	}

	grp, gctx := errgroup.WithContext(ctx)
	sctx, stop := context.WithCancel(gctx)

	grp.Go(func() error {
		defer stop()
		err := consumer.Run(gctx)
		// The loop can also end without an interrupt; producers must not
		// outlive the consumer.
		select {
		case <-cascade.Done():
		default:
			cascade.Trigger()
		}
		if err != nil {
			logger.Error("consumer loop failed", "error", err)
			if ferr := consumer.Finalize(gctx); ferr != nil {
				err = errors.Join(err, ferr)
			}
		}
		return err
	})
	grp.Go(func() error {
		cascade.Watch(sctx, env.Signals)
		return nil
	})
	grp.Go(func() error {
		return srv.Serve(sctx)
	})

	waker.Start()
	err = grp.Wait()
	waker.Stop()
	waker.Wait()
	stop()

	return consumer.Stats(), err
}
