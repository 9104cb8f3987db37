// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-router/internal/server"
)

// ShutdownTimeout bounds graceful shutdown of the HTTP server.
const ShutdownTimeout = 15 * time.Second

func newServeCommand(app *App) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"server"},
		Short:   "Run the HTTP API",
		Long: `Run the HTTP API until interrupted.

Endpoints:
  POST /v1/query         conversational pipeline
  POST /v1/query/smart   cost-aware routing
  POST /v1/cache/clear   clear both cache levels
  GET  /v1/cache/stats   cache statistics
  GET  /v1/evaluations   run quality summary
  GET  /health           tier health report
  GET  /metrics          Prometheus metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				app.cfg.Server.Addr = addr
			}
			return app.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

// serve runs until ctx is cancelled, then drains in-flight requests.
func (a *App) serve(ctx context.Context) error {
	eng, err := a.openEngine(ctx)
	if err != nil {
		return err
	}
	defer a.closeEngine(eng)

	sc := a.cfg.Server
	srv := server.New(eng, server.Config{
		Addr:           sc.Addr,
		RateLimitRPS:   sc.RateLimitRPS,
		RateLimitBurst: sc.RateLimitBurst,
		RequestTimeout: sc.RequestTimeout.Duration,
		AuthToken:      sc.AuthToken,
		Version:        Version,
		Metrics:        eng.Metrics().Handler(),
		Logger:         a.logger,
	})
	if sc.AuthToken == "" && !isLoopback(sc.Addr) {
		a.logger.Warn("serving without auth on a non-loopback address", "addr", sc.Addr)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return &CommandError{Command: "serve", Action: "listen", Reason: "server stopped", Err: err}
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return &CommandError{Command: "serve", Action: "shutdown", Reason: "graceful shutdown failed", Err: err}
	}
	return <-errCh
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
