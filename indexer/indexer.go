package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/atpcore/federation/atproto/syntax"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Config tunes the indexer's consumer-group read batch size and dispatch concurrency.
type Config struct {
	BatchSize   int64
	Concurrency int64
	LabelStream string
}

func DefaultConfig() Config {
	return Config{BatchSize: 500, Concurrency: 100, LabelStream: "label_live"}
}

// streamRecord is the wire shape of one entry on the firehose consumer stream: a single
// create/update/delete operation already resolved to a DID-scoped AT-URI, mirroring what the
// relay's drainLoop (or a bridging stream writer) emits per repo op.
type streamRecord struct {
	Action    string          `json:"action"`
	URI       string          `json:"uri"`
	CID       string          `json:"cid"`
	Record    json.RawMessage `json:"record"`
	IndexedAt string          `json:"indexedAt"`
}

// Indexer is C8: it reads validated repo operations off a Redis consumer group stream and
// dispatches each to the RecordPlugin registered for its collection, bounding in-flight work
// with a semaphore the way the teacher's LabelIndexer bounds itself with a tokio Semaphore.
type Indexer struct {
	consumer *RedisConsumer
	labels   *LabelIndexer
	pool     *pgxpool.Pool
	registry *Registry
	cfg      Config
	log      *slog.Logger
	sem      *semaphore.Weighted
}

func New(consumer *RedisConsumer, labelConsumer *RedisConsumer, pool *pgxpool.Pool, registry *Registry, cfg Config, log *slog.Logger) *Indexer {
	return &Indexer{
		consumer: consumer,
		labels:   NewLabelIndexer(labelConsumer, pool, log),
		pool:     pool,
		registry: registry,
		cfg:      cfg,
		log:      log.With("system", "indexer"),
		sem:      semaphore.NewWeighted(cfg.Concurrency),
	}
}

// DefaultRegistry returns a Registry with every plugin this module ships wired in.
func DefaultRegistry() *Registry {
	reg := NewRegistry()
	reg.Register(LikePlugin{})
	reg.Register(RepostPlugin{})
	reg.Register(ProfilePlugin{})
	reg.Register(PostGatePlugin{})
	reg.Register(VerificationPlugin{})
	reg.Register(FollowPlugin{})
	reg.Register(BlockPlugin{})
	reg.Register(PostPlugin{})
	return reg
}

// Run drives both the record stream and the label stream until ctx is cancelled.
func (ix *Indexer) Run(ctx context.Context) error {
	if err := ix.consumer.EnsureGroup(ctx); err != nil {
		return err
	}
	if err := ix.labels.consumer.EnsureGroup(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ix.runRecords(ctx) })
	g.Go(func() error { return ix.runLabels(ctx) })
	return g.Wait()
}

func (ix *Indexer) runRecords(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		messages, err := ix.consumer.ReadMessages(ctx, ix.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		var eg errgroup.Group
		acked := make(chan string, len(messages))
		for _, msg := range messages {
			msg := msg
			if err := ix.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			eg.Go(func() error {
				defer ix.sem.Release(1)
				if err := ix.handleMessage(ctx, msg); err != nil {
					ix.log.Error("processing record message failed", "id", msg.ID, "err", err)
					return nil // a bad message is dropped, not retried forever
				}
				acked <- msg.ID
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
		close(acked)

		var ids []string
		for id := range acked {
			ids = append(ids, id)
		}
		if err := ix.consumer.Ack(ctx, ids...); err != nil {
			ix.log.Warn("acking record messages failed", "err", err)
		}
	}
}

func (ix *Indexer) runLabels(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := ix.labels.Run(ctx, ix.cfg.BatchSize); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (ix *Indexer) handleMessage(ctx context.Context, msg StreamMessage) error {
	raw, ok := msg.Contents["record"]
	if !ok {
		return fmt.Errorf("indexer: message %s missing record field", msg.ID)
	}
	var rec streamRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return fmt.Errorf("indexer: decoding stream record: %w", err)
	}

	uri, err := syntax.ParseATURI(rec.URI)
	if err != nil {
		return fmt.Errorf("indexer: invalid AT-URI %q: %w", rec.URI, err)
	}

	return Dispatch(ctx, ix.registry, ix.pool, RecordOp{
		Action:    rec.Action,
		URI:       uri,
		CID:       rec.CID,
		Record:    rec.Record,
		IndexedAt: rec.IndexedAt,
	})
}
