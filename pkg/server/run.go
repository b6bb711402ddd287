package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NicolasHaas/huddle/pkg/repair"
	"github.com/NicolasHaas/huddle/pkg/upload"
)

const shutdownTimeout = 5 * time.Second

// Run starts the server and blocks until a shutdown signal or a fatal
// listener error.
func (s *Server) Run() error {
	if s.store == nil {
		return fmt.Errorf("server: missing store dependency")
	}
	st := s.store
	defer func() { _ = st.Close() }()

	ctx, stop := signal.NotifyContext(s.ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if s.uploads == nil {
		uploads, err := s.openUploads(ctx)
		if err != nil {
			return err
		}
		s.uploads = uploads
	}

	// Startup repair failures are logged; the affected workspaces are retried
	// on the next pass.
	if _, err := s.Repair(ctx); err != nil {
		slog.Error("startup repair incomplete", "err", err)
	}

	httpSrv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if s.cfg.TLS {
		cert, err := loadOrGenerateTLS(s.cfg)
		if err != nil {
			return fmt.Errorf("server: tls: %w", err)
		}
		httpSrv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("huddle server running", "addr", s.cfg.Addr, "tls", s.cfg.TLS, "db", s.cfg.DBDriver)
		var err error
		if s.cfg.TLS {
			err = httpSrv.ListenAndServeTLS("", "")
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")
		s.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if s.cfg.RepairInterval > 0 {
		g.Go(func() error {
			s.every(gctx, s.cfg.RepairInterval, func() {
				if _, err := s.Repair(gctx); err != nil {
					slog.Error("periodic repair incomplete", "err", err)
				}
			})
			return nil
		})
	}

	if s.cfg.MetricsLogInterval > 0 {
		g.Go(func() error {
			s.every(gctx, s.cfg.MetricsLogInterval, s.metrics.LogSummary)
			return nil
		})
	}

	return g.Wait()
}

// Shutdown stops accepting work and closes every live connection.
func (s *Server) Shutdown() {
	s.cancel()
}

// Repair runs one consistency repair pass over the store.
func (s *Server) Repair(ctx context.Context) (repair.Report, error) {
	rep, err := repair.Run(ctx, s.store.NonTx())
	s.metrics.RepairRuns.Add(1)
	s.metrics.RepairWrites.Add(int64(rep.Writes()))
	return rep, err
}

func (s *Server) openUploads(ctx context.Context) (upload.Storage, error) {
	switch s.cfg.UploadBackend {
	case "s3":
		st, err := upload.NewS3Storage(ctx, s.cfg.S3())
		if err != nil {
			return nil, fmt.Errorf("server: s3 uploads: %w", err)
		}
		slog.Info("uploads stored in s3", "bucket", s.cfg.S3Bucket)
		return st, nil
	case "local", "":
		st, err := upload.NewLocalStorage(s.cfg.UploadDir)
		if err != nil {
			return nil, fmt.Errorf("server: local uploads: %w", err)
		}
		slog.Info("uploads stored locally", "dir", st.Dir())
		return st, nil
	default:
		return nil, fmt.Errorf("server: unknown upload backend %q", s.cfg.UploadBackend)
	}
}

// every calls fn on each tick until ctx is done.
func (s *Server) every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
