package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/spf13/cobra"

	"github.com/datallboy/nzbstream/internal/api"
	"github.com/datallboy/nzbstream/internal/nntp"
)

const shutdownGrace = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP streaming server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(false)
			if err != nil {
				return err
			}
			defer a.Close()
			defer a.Logger.Sync()

			if mgr, ok := a.NNTP.(*nntp.Manager); ok {
				if err := mgr.Check(ctx); err != nil {
					return err
				}
			}
			if err := a.OpenStore(); err != nil {
				return err
			}

			idle := a.Config.Stream.SessionIdleTimeout
			go a.Streams.RunReaper(ctx, max(idle/4, time.Second), idle)

			e := echo.New()
			api.RegisterRoutes(e, a)

			srv := &http.Server{
				Addr:              ":" + a.Config.Port,
				Handler:           e,
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				<-ctx.Done()
				a.Logger.Info("Shutting down...")
				sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
				defer cancel()
				if err := srv.Shutdown(sctx); err != nil {
					a.Logger.Warn("Shutdown: %v", err)
				}
			}()

			a.Logger.Info("Listening on :%s (providers: %s)", a.Config.Port, servers(a.Config))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}
