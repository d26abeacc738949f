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

package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside the
// overall ("") status.
const ServiceName = "shmhisto.Consumer"

const shutdownTimeout = 2 * time.Second

// Config selects the listen addresses. An empty address disables that
// surface.
type Config struct {
	HTTPAddr string
	GRPCAddr string
}

// Server runs the configured status surfaces.
type Server struct {
	cfg    Config
	logger *slog.Logger

	httpSrv *http.Server
	grpcSrv *grpc.Server
	health  *health.Server

	httpLn net.Listener
	grpcLn net.Listener
}

// NewServer returns a server reporting on src. Call Listen, then Serve.
func NewServer(cfg Config, src Source, logger *slog.Logger) *Server {
	s := &Server{cfg: cfg, logger: logger.With("component", "status")}
	if cfg.HTTPAddr != "" {
		s.httpSrv = &http.Server{
			Handler:      NewHandler(src, s.logger),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}
	}
	if cfg.GRPCAddr != "" {
		s.health = health.NewServer()
		s.grpcSrv = grpc.NewServer()
		healthpb.RegisterHealthServer(s.grpcSrv, s.health)
	}
	s.SetServing(src.Serving())
	return s
}

// Enabled reports whether any surface is configured.
func (s *Server) Enabled() bool {
	return s.httpSrv != nil || s.grpcSrv != nil
}

// Listen binds the configured addresses.
func (s *Server) Listen() error {
	if s.httpSrv != nil {
		ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("status http listen %s: %w", s.cfg.HTTPAddr, err)
		}
		s.httpLn = ln
	}
	if s.grpcSrv != nil {
		ln, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			if s.httpLn != nil {
				s.httpLn.Close()
			}
			return fmt.Errorf("status grpc listen %s: %w", s.cfg.GRPCAddr, err)
		}
		s.grpcLn = ln
	}
	return nil
}

// HTTPAddr returns the bound HTTP address, or "" if HTTP is disabled or not
// listening.
func (s *Server) HTTPAddr() string {
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// GRPCAddr returns the bound gRPC address, or "".
func (s *Server) GRPCAddr() string {
	if s.grpcLn == nil {
		return ""
	}
	return s.grpcLn.Addr().String()
}

// SetServing flips the gRPC health status. Safe for concurrent use.
func (s *Server) SetServing(serving bool) {
	if s.health == nil {
		return
	}
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Serve serves on the bound listeners until ctx is done, then shuts both
// surfaces down.
func (s *Server) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if s.httpLn != nil {
		g.Go(func() error {
			s.logger.Info("http status listening", "addr", s.HTTPAddr())
			if err := s.httpSrv.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status http: %w", err)
			}
			return nil
		})
	}
	if s.grpcLn != nil {
		g.Go(func() error {
			s.logger.Info("grpc health listening", "addr", s.GRPCAddr())
			if err := s.grpcSrv.Serve(s.grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("status grpc: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})

	return g.Wait()
}

func (s *Server) shutdown() {
	if s.grpcSrv != nil {
		s.health.Shutdown()
		s.grpcSrv.GracefulStop()
	}
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Warn("http status shutdown", "error", err)
		}
	}
	s.logger.Debug("status surfaces stopped")
}
