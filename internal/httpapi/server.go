// Loomis - Media Server Playlist and Watch-State Orchestrator
// Copyright 2026 Brikim
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brikim/loomis

// Package httpapi serves the operational HTTP surface: a liveness probe
// and the Prometheus metrics endpoint. The daemon has no other inbound
// API; everything it does goes out to the media servers.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brikim/loomis/internal/config"
	"github.com/brikim/loomis/internal/logging"
)

const shutdownTimeout = 5 * time.Second

// Server is the operational HTTP listener. It implements suture.Service.
type Server struct {
	addr string
	srv  *http.Server
}

// New builds the listener from configuration.
func New(cfg config.HTTPConfig) *Server {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second},
	}
}

// Serve runs the listener until the context is canceled. The signature
// matches what the supervisor expects from a service.
func (s *Server) Serve(ctx context.Context) error {
	logging.Info().Str("addr", s.addr).Msg("Operational HTTP server listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) String() string { return "httpapi" }
