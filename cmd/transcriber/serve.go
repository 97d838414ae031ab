package main

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/openwhisper/transcriber/internal/appinfo"
	"github.com/openwhisper/transcriber/internal/server"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand(root *rootOptions) *cobra.Command {
	var preload bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket API and the gRPC health service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), root, preload)
		},
	}
	cmd.Flags().BoolVar(&preload, "preload", true, "load the model before reporting SERVING")
	return cmd
}

func runServe(ctx context.Context, root *rootOptions, preload bool) error {
	cfg, logger, err := root.load(os.Stdout)
	if err != nil {
		return err
	}
	logger.Info("starting service",
		"version", appinfo.Version(),
		"listen_addr", cfg.ListenAddr,
		"health_addr", cfg.HealthAddr,
		"model_size", cfg.Transcription.ModelSize,
		"engine", cfg.Engine,
		"language", cfg.Language,
		"data_dir", cfg.DataDir,
	)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	deps := server.Deps{
		Config:  cfg,
		Runner:  a.runner,
		Store:   a.store,
		Metrics: a.metrics,
		Ready:   a.registry.Ready,
		Logger:  logger,
	}
	if a.index != nil {
		deps.Index = a.index
	}
	if a.summarizer != nil {
		deps.Summarizer = a.summarizer
		deps.Rewriter = a.summarizer
	}
	srv, err := server.New(deps)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", cfg.HealthAddr)
	if err != nil {
		return err
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthgrpc.RegisterHealthServer(grpcServer, healthServer)
	serviceName := appinfo.Info.Slug
	setServing := func(status healthgrpc.HealthCheckResponse_ServingStatus) {
		healthServer.SetServingStatus("", status)
		healthServer.SetServingStatus(serviceName, status)
	}
	setServing(healthgrpc.HealthCheckResponse_NOT_SERVING)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(srv.ListenAndServe)

	g.Go(func() error {
		if preload {
			if err := a.warm(gctx); err != nil {
				// Sessions retry the load and report a model error.
				logger.Error("failed to preload model", "error", err)
				return nil
			}
		}
		setServing(healthgrpc.HealthCheckResponse_SERVING)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown requested, stopping servers")
		setServing(healthgrpc.HealthCheckResponse_NOT_SERVING)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown incomplete", "error", err)
		}

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			logger.Warn("graceful stop timed out, forcing stop")
			grpcServer.Stop()
		}
		return nil
	})

	err = g.Wait()
	logger.Info("service stopped")
	return err
}
