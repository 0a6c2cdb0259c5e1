package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"governor/internal/relay"
	"governor/internal/server"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the governance loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			err = a.Service().Start(cmd.Context())
			if errors.Is(err, context.Canceled) {
				logger.Info("governance loop stopped")
				return nil
			}
			return err
		},
	}
}

func serveCmd() *cobra.Command {
	var (
		addr, basePath string
		noLoop         bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the admin API alongside the governance loop and outbox relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("GOVERNOR_JWT_SECRET is required for bearer auth")
			}
			a, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, Logger: logger.Named("http")},
				Registry: a.Registry,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				logger.Info("serving admin API", zap.String("addr", addr), zap.String("base_path", basePath))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if !noLoop {
				g.Go(func() error {
					return ignoreCanceled(a.Service().Start(ctx))
				})
			}
			rl := relay.New(a.Engine.Repo, a.Config, logger.Named("relay"))
			if rl.Enabled() {
				rl.Metrics = relay.NewMetrics(a.Registry)
				g.Go(func() error {
					return ignoreCanceled(rl.Run(ctx))
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&noLoop, "no-loop", false, "serve the API only; do not run the governance loop")
	return cmd
}

func tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run a single governance tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			tickErr := a.Engine.RunTick(cmd.Context(), actorID())
			status := map[string]any{"status": "ok"}
			if tickErr != nil {
				status = map[string]any{"status": "degraded", "error": tickErr.Error()}
			}
			if viper.GetBool("json") {
				return printJSON(status)
			}
			if tickErr != nil {
				return tickErr
			}
			fmt.Println("tick ok")
			return nil
		},
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
