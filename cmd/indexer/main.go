// Command indexer runs the materialised-view builder (C8): it consumes validated record ops and
// label events off Redis streams and writes the relational rows the app-view API reads from.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/atpcore/federation/indexer"

	"github.com/carlmjohnson/versioninfo"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"
)

func main() {
	_ = godotenv.Load()
	undo, err := maxprocs.Set(maxprocs.Logger(func(s string, a ...interface{}) {
		slog.Info(fmt.Sprintf(s, a...), "system", "maxprocs")
	}))
	if err == nil {
		defer undo()
	}

	app := &cli.App{
		Name:    "indexer",
		Usage:   "AT Protocol record/label indexer",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "database-url", Required: true, EnvVars: []string{"INDEXER_DATABASE_URL"}},
			&cli.StringFlag{Name: "redis-addr", Value: "127.0.0.1:6379", EnvVars: []string{"INDEXER_REDIS_ADDR"}},
			&cli.StringFlag{Name: "record-stream", Value: "firehose_live", EnvVars: []string{"INDEXER_RECORD_STREAM"}},
			&cli.StringFlag{Name: "label-stream", Value: "label_live", EnvVars: []string{"INDEXER_LABEL_STREAM"}},
			&cli.StringFlag{Name: "consumer-group", Value: "indexer", EnvVars: []string{"INDEXER_CONSUMER_GROUP"}},
			&cli.StringFlag{Name: "consumer-name", EnvVars: []string{"INDEXER_CONSUMER_NAME"}},
			&cli.Int64Flag{Name: "batch-size", Value: 500, EnvVars: []string{"INDEXER_BATCH_SIZE"}},
			&cli.Int64Flag{Name: "concurrency", Value: 100, EnvVars: []string{"INDEXER_CONCURRENCY"}},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("indexer exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cctx *cli.Context) error {
	log := slog.Default().With("system", "indexer-main")

	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cctx.String("database-url"))
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	redisClient := goredis.NewClient(&goredis.Options{Addr: cctx.String("redis-addr")})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to redis at %s: %w", cctx.String("redis-addr"), err)
	}
	defer redisClient.Close()

	consumerName := cctx.String("consumer-name")
	if consumerName == "" {
		hostname, _ := os.Hostname()
		consumerName = fmt.Sprintf("indexer-%s-%d", hostname, os.Getpid())
	}

	recordConsumer := indexer.NewRedisConsumer(redisClient, cctx.String("record-stream"), cctx.String("consumer-group"), consumerName)
	labelConsumer := indexer.NewRedisConsumer(redisClient, cctx.String("label-stream"), cctx.String("consumer-group"), consumerName)

	cfg := indexer.DefaultConfig()
	cfg.BatchSize = cctx.Int64("batch-size")
	cfg.Concurrency = cctx.Int64("concurrency")
	cfg.LabelStream = cctx.String("label-stream")

	ix := indexer.New(recordConsumer, labelConsumer, pool, indexer.DefaultRegistry(), cfg, log)

	log.Info("indexer starting", "record_stream", cctx.String("record-stream"), "label_stream", cctx.String("label-stream"))
	if err := ix.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("indexer run: %w", err)
	}
	return nil
}
