package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	gatehouse "github.com/ledgerline/gatehouse"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "gatehoused",
		Short: "Feature-flag policy engine service",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "gatehouse.yaml", "path to config file")

	root.AddCommand(serveCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with its management API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gatehouse.LoadConfig(configPath)
			if err != nil {
				return err
			}

			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			db, err := openDB(cfg)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}

			opts := []gatehouse.Option{
				gatehouse.WithStore(gatehouse.NewGormStore(db)),
				gatehouse.WithLogger(logger),
				gatehouse.WithConfig(cfg),
			}
			if cfg.Redis.Addr != "" {
				client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
				opts = append(opts, gatehouse.WithRedisNotifier(client, cfg.Redis.Channel))
			}

			engine, err := gatehouse.New(opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := engine.Start(ctx); err != nil {
				return err
			}
			logger.Info("gatehouse started",
				zap.String("store", cfg.Store.Driver),
				zap.String("management", cfg.Management.Addr),
			)

			<-ctx.Done()
			logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return engine.Stop(shutdownCtx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gatehouse.LoadConfig(configPath)
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			if err := gatehouse.Migrate(db); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Println("schema up to date")
			return nil
		},
	}
}

func openDB(cfg gatehouse.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	switch cfg.Store.Driver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.Store.DSN), gormCfg)
	case "sqlite":
		return gorm.Open(sqlite.Open(cfg.Store.DSN), gormCfg)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
