// Command relay runs the federation relay: the crawler (C4), durable staging queue (C5), per-DID
// validator (C6), and the firehose store/publisher (C7) that re-broadcasts accepted commits to
// subscribeRepos clients and bridges them onto the indexer's Redis stream.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/atpcore/federation/atproto/identity"
	"github.com/atpcore/federation/ingester"
	"github.com/atpcore/federation/relay"
	"github.com/atpcore/federation/relay/firehose"

	"github.com/adrg/xdg"
	"github.com/carlmjohnson/versioninfo"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	slogGorm "github.com/orandin/slog-gorm"
)

// defaultStateDir resolves an XDG state-directory path for name, falling back to a relative
// data/ directory when xdg can't determine the user's state home (e.g. unset $HOME in a
// container without XDG_STATE_HOME either).
func defaultStateDir(name string) string {
	if dir, err := xdg.StateFile("relay/" + name); err == nil {
		return dir
	}
	return "data/relay/" + name
}

func main() {
	_ = godotenv.Load()
	undo, err := maxprocs.Set(maxprocs.Logger(func(s string, a ...interface{}) {
		slog.Info(fmt.Sprintf(s, a...), "system", "maxprocs")
	}))
	if err == nil {
		defer undo()
	}

	app := &cli.App{
		Name:    "relay",
		Usage:   "AT Protocol federation relay",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: ":2470", EnvVars: []string{"RELAY_ADDR"}},
			&cli.StringFlag{Name: "database-url", Required: true, EnvVars: []string{"RELAY_DATABASE_URL"}},
			&cli.StringFlag{Name: "firehose-path", Value: defaultStateDir("firehose"), EnvVars: []string{"RELAY_FIREHOSE_PATH"}},
			&cli.StringFlag{Name: "raw-queue-path", Value: defaultStateDir("rawqueue"), EnvVars: []string{"RELAY_RAW_QUEUE_PATH"}},
			&cli.DurationFlag{Name: "firehose-retention", Value: 72 * time.Hour, EnvVars: []string{"RELAY_FIREHOSE_RETENTION"}},
			&cli.StringFlag{Name: "redis-addr", Value: "127.0.0.1:6379", EnvVars: []string{"RELAY_REDIS_ADDR"}},
			&cli.StringFlag{Name: "plc-url", Value: "https://plc.directory", EnvVars: []string{"RELAY_PLC_URL"}},
			&cli.BoolFlag{Name: "no-ssl", EnvVars: []string{"RELAY_NO_SSL"}},
			&cli.Int64Flag{Name: "default-repo-limit", Value: 500_000, EnvVars: []string{"RELAY_DEFAULT_REPO_LIMIT"}},
			&cli.Int64Flag{Name: "concurrency-per-host", Value: 100, EnvVars: []string{"RELAY_CONCURRENCY_PER_HOST"}},
			&cli.Int64Flag{Name: "max-queue-per-host", Value: 1_000, EnvVars: []string{"RELAY_MAX_QUEUE_PER_HOST"}},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("relay exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cctx *cli.Context) error {
	log := slog.Default().With("system", "relay-main")

	db, err := gorm.Open(postgres.Open(cctx.String("database-url")), &gorm.Config{
		Logger: slogGorm.New(slogGorm.WithHandler(log.Handler())),
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	store, err := firehose.Open(cctx.String("firehose-path"), cctx.Duration("firehose-retention"))
	if err != nil {
		return fmt.Errorf("opening firehose store: %w", err)
	}
	publisher := firehose.NewPublisher(store)

	rawQueue, err := ingester.OpenRawQueue(cctx.String("raw-queue-path"))
	if err != nil {
		return fmt.Errorf("opening raw queue: %w", err)
	}
	ig := ingester.New(rawQueue, ingester.DefaultConfig(), log)

	dir, err := identity.NewCachedDirectory(identity.CachedDirectoryConfig{
		PLCURL: cctx.String("plc-url"),
	})
	if err != nil {
		return fmt.Errorf("building identity directory: %w", err)
	}

	validator := relay.NewValidator(dir)

	redisClient := goredis.NewClient(&goredis.Options{Addr: cctx.String("redis-addr")})
	if err := redisClient.Ping(cctx.Context).Err(); err != nil {
		return fmt.Errorf("connecting to redis at %s: %w", cctx.String("redis-addr"), err)
	}

	relayConfig := &relay.RelayConfig{
		SSL:                !cctx.Bool("no-ssl"),
		DefaultRepoLimit:   cctx.Int64("default-repo-limit"),
		ConcurrencyPerHost: cctx.Int64("concurrency-per-host"),
		MaxQueuePerHost:    cctx.Int64("max-queue-per-host"),
	}

	r, err := relay.NewRelay(db, validator, ig, store, publisher, dir, redisClient, relayConfig)
	if err != nil {
		return fmt.Errorf("starting relay: %w", err)
	}
	defer store.Close()
	defer ig.Close()

	go sweepLoop(store, log)

	srv := relay.NewServer(r)
	log.Info("relay listening", "addr", cctx.String("addr"))
	return srv.Start(cctx.String("addr"))
}

// sweepLoop periodically evicts firehose entries past retention (spec §4.7's TTL expiry).
func sweepLoop(store *firehose.Store, log *slog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		n, err := store.Sweep()
		if err != nil {
			log.Warn("firehose sweep failed", "err", err)
			continue
		}
		if n > 0 {
			log.Info("firehose sweep", "removed", n)
		}
	}
}
