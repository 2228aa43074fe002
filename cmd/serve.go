package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"jobstore/db/memory"
	"jobstore/handlers"
	"jobstore/services"
	"jobstore/stream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the job store over HTTP",
	Long: `Serve the job store over HTTP.

Routes:
  POST   /jobs               create a job
  GET    /jobs               query jobs (topic, region, state, include_deleted, limit)
  GET    /jobs/{id}          read a job
  PUT    /jobs/{id}          update a job
  DELETE /jobs/{id}          delete a job
  DELETE /jobs               delete every job of the region
  DELETE /jobs/expired       remove expired soft-deleted jobs
  GET    /jobs/{id}/watch    stream progress updates of one job
  GET    /updates            stream progress updates of every job
  GET    /health             health probe`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Bool("memory", false, "keep jobs in memory instead of MongoDB")
	serveCmd.Flags().Bool("log-updates", false, "log every progress update from the change feed")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	useMemory, _ := cmd.Flags().GetBool("memory")
	logUpdates, _ := cmd.Flags().GetBool("log-updates")

	var (
		store  handlers.JobStore
		health handlers.HealthChecker
	)
	if useMemory {
		mem := memory.New(memory.Options{
			Region:       cfg.Region,
			RecordExpiry: cfg.RecordExpiry,
			Limits:       cfg.Limits,
		}, memory.WithLogger(logger))
		defer func() { _ = mem.Close() }()
		store, health = mem, mem
		logger.Warn("serving from memory, jobs are lost on exit")
	} else {
		conn, mongoStore, cleanup, err := openStore(cfg, logger)
		if err != nil {
			return err
		}
		defer cleanup()
		if _, err := conn.Initialize(cmd.Context()); err != nil {
			return err
		}
		store, health = mongoStore, conn
	}

	var sweeper *services.ExpirySweeper
	if cfg.Sweeper.Enabled {
		if sweeper, err = services.NewExpirySweeper(store, cfg.Sweeper.Schedule, services.WithSweeperLogger(logger)); err != nil {
			return err
		}
	}

	var sub *stream.Subscriber
	if logUpdates {
		if sub, err = store.Subscribe("serve-log"); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handlers.NewJobHandler(store, health, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(cmd.Context())

	g.Go(func() error {
		logger.Info("starting server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if sweeper != nil {
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	if sub != nil {
		defer store.Unsubscribe(sub)
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case item, ok := <-sub.C():
					if !ok {
						return nil
					}
					fields := []zap.Field{zap.String("job_id", item.Id), zap.String("state", string(item.State))}
					if item.Progress != nil {
						fields = append(fields, zap.Int("progress", *item.Progress))
					}
					logger.Info("job progress", fields...)
				}
			}
		})
	}

	err = g.Wait()
	logger.Info("server stopped")
	return err
}
