package indexer

import (
	"context"
	"fmt"

	"github.com/atpcore/federation/atproto/syntax"
	"github.com/jackc/pgx/v5/pgxpool"
)

// FollowPlugin materialises app.bsky.graph.follow records. Not present in the retrieved plugin
// set; built by analogy to RepostPlugin's duplicate-suppression-plus-notification shape, with
// "subject" here being a bare DID string rather than a strong-ref.
type FollowPlugin struct{}

func (FollowPlugin) Collection() string { return "app.bsky.graph.follow" }

func (FollowPlugin) Insert(ctx context.Context, pool *pgxpool.Pool, uri syntax.ATURI, cid string, record []byte, indexedAtStr string) error {
	creator := extractCreator(uri.String())
	subjectDID := stringField(record, "subject")

	indexedAt := parseTimestamp(indexedAtStr)
	createdAt := indexedAt
	if cts := stringField(record, "createdAt"); cts != "" {
		createdAt = parseTimestamp(cts)
	}

	if creator != "" && subjectDID != "" {
		var existing string
		err := pool.QueryRow(ctx, `SELECT uri FROM follow WHERE creator = $1 AND subject_did = $2`, creator, subjectDID).Scan(&existing)
		if err == nil {
			return nil
		}
	}

	_, err := pool.Exec(ctx, `
		INSERT INTO follow (uri, cid, creator, subject_did, created_at, indexed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (uri) DO NOTHING
	`, uri.String(), cid, creator, nullable(subjectDID), createdAt, indexedAt)
	if err != nil {
		return fmt.Errorf("indexer: inserting follow %s: %w", uri, err)
	}

	if subjectDID != "" && subjectDID != creator {
		if err := Notify(ctx, pool, Notification{
			DID: subjectDID, Author: creator,
			RecordURI: uri.String(), RecordCID: cid,
			Reason: "follow",
			SortAt: indexedAt.Format("2006-01-02T15:04:05.000Z"),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (FollowPlugin) Update(ctx context.Context, pool *pgxpool.Pool, uri syntax.ATURI, cid string, record []byte, indexedAt string) error {
	return nil // follows are immutable once created
}

func (FollowPlugin) Delete(ctx context.Context, pool *pgxpool.Pool, uri syntax.ATURI) error {
	if _, err := pool.Exec(ctx, `DELETE FROM follow WHERE uri = $1`, uri.String()); err != nil {
		return fmt.Errorf("indexer: deleting follow %s: %w", uri, err)
	}
	return DeleteNotificationsFor(ctx, pool, uri.String())
}
