package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const janitorInterval = time.Minute

// Run serves HTTP, connects every chat receiver and runs the expiry sweeps
// until ctx ends or one of them fails.
func (b *BuildResult) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	b.Tasks.StartJanitor(ctx, janitorInterval)
	b.Sessions.Start(ctx)

	httpServer := &http.Server{
		Addr:              b.Config.Server.BindAddr,
		Handler:           b.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		b.Logger.Info("server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), b.Config.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			b.Logger.Warn("graceful shutdown failed", zap.Error(err))
			_ = httpServer.Close()
		}
		return nil
	})

	for _, rc := range b.Receivers {
		rc := rc
		g.Go(func() error {
			if err := rc.Receiver.Start(ctx, b.Orchestrator.HandleMessage); err != nil {
				return fmt.Errorf("agent %s receiver: %w", rc.AgentID, err)
			}
			return nil
		})
	}

	err := g.Wait()
	b.Logger.Info("shutdown complete")
	return err
}
