package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Label is one moderation label attached to a subject URI, matching the firehose #labels event
// body's shape.
type Label struct {
	Src string `json:"src"`
	URI string `json:"uri"`
	CID string `json:"cid,omitempty"`
	Val string `json:"val"`
	Cts string `json:"cts"`
	Neg bool   `json:"neg,omitempty"`
}

// LabelIndexer reads the label_live stream and upserts (or, for negations, deletes) rows into
// the label table, grounded on rsky-indexer's label_indexer.rs.
type LabelIndexer struct {
	consumer *RedisConsumer
	pool     *pgxpool.Pool
	log      *slog.Logger
}

func NewLabelIndexer(consumer *RedisConsumer, pool *pgxpool.Pool, log *slog.Logger) *LabelIndexer {
	return &LabelIndexer{consumer: consumer, pool: pool, log: log.With("system", "label-indexer")}
}

// Run processes one read-batch of the label stream; callers loop this inside their own
// polling/backoff cadence (see Indexer.runLabels).
func (li *LabelIndexer) Run(ctx context.Context, batchSize int64) error {
	messages, err := li.consumer.ReadMessages(ctx, batchSize)
	if err != nil {
		return err
	}
	var ids []string
	for _, msg := range messages {
		if err := li.handleMessage(ctx, msg); err != nil {
			li.log.Error("processing label message failed", "id", msg.ID, "err", err)
			continue
		}
		ids = append(ids, msg.ID)
	}
	if len(ids) > 0 {
		return li.consumer.Ack(ctx, ids...)
	}
	return nil
}

func (li *LabelIndexer) handleMessage(ctx context.Context, msg StreamMessage) error {
	raw, ok := msg.Contents["labels"]
	if !ok {
		return fmt.Errorf("indexer: label message %s missing labels field", msg.ID)
	}
	var event struct {
		Labels []Label `json:"labels"`
	}
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return fmt.Errorf("indexer: decoding label event: %w", err)
	}
	for _, label := range event.Labels {
		if err := li.applyLabel(ctx, label); err != nil {
			return err
		}
	}
	return nil
}

func (li *LabelIndexer) applyLabel(ctx context.Context, label Label) error {
	if label.Neg {
		_, err := li.pool.Exec(ctx, `DELETE FROM label WHERE src = $1 AND uri = $2 AND val = $3`,
			label.Src, label.URI, label.Val)
		return err
	}
	_, err := li.pool.Exec(ctx, `
		INSERT INTO label (src, uri, cid, val, cts, exp)
		VALUES ($1, $2, $3, $4, $5, NULL)
		ON CONFLICT (src, uri, cid, val) DO UPDATE
		SET cid = EXCLUDED.cid, cts = EXCLUDED.cts, exp = EXCLUDED.exp
	`, label.Src, label.URI, nullable(label.CID), label.Val, label.Cts)
	return err
}
