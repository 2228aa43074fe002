package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"jobstore/config"
	"jobstore/db"
	"jobstore/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "jobstore",
	Short: "Job record store with live change notification",
	Long: `jobstore persists job records in MongoDB, keeps a history of their
state changes, expires soft-deleted records and streams progress updates
to any number of watchers.

Configuration is read from jobstore.yaml (or --config) and JOBSTORE_*
environment variables, e.g. JOBSTORE_MONGO_ENDPOINT.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./jobstore.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (json, console)")
	rootCmd.PersistentFlags().String("region", "", "region this store serves")
	rootCmd.PersistentFlags().String("endpoint", "", "MongoDB connection string")

	flags := rootCmd.PersistentFlags()
	_ = v.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("logging.format", flags.Lookup("log-format"))
	_ = v.BindPFlag("region", flags.Lookup("region"))
	_ = v.BindPFlag("mongo.endpoint", flags.Lookup("endpoint"))

	rootCmd.AddCommand(serveCmd, watchCmd, purgeCmd, sweepCmd, pingCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openStore connects to MongoDB. The returned cleanup closes the store and
// then the client.
func openStore(cfg *config.Config, logger *zap.Logger) (*db.Connector, *db.Store, func(), error) {
	conn, err := db.NewConnector(cfg.StoreOptions(), db.WithLogger(logger))
	if err != nil {
		return nil, nil, nil, err
	}
	store := db.NewStore(conn, db.WithStoreLogger(logger))
	cleanup := func() {
		_ = store.Close()
		if err := conn.Close(context.Background()); err != nil {
			logger.Warn("failed to disconnect from MongoDB", zap.Error(err))
		}
	}
	return conn, store, cleanup, nil
}
