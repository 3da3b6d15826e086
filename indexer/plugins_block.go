package indexer

import (
	"context"
	"fmt"

	"github.com/atpcore/federation/atproto/syntax"
	"github.com/jackc/pgx/v5/pgxpool"
)

// BlockPlugin materialises app.bsky.graph.block records. Not present in the retrieved plugin
// set; built by analogy to FollowPlugin, minus notifications — blocks are deliberately silent
// per the application-level convention that a blocked account is never told.
type BlockPlugin struct{}

func (BlockPlugin) Collection() string { return "app.bsky.graph.block" }

func (BlockPlugin) Insert(ctx context.Context, pool *pgxpool.Pool, uri syntax.ATURI, cid string, record []byte, indexedAtStr string) error {
	creator := extractCreator(uri.String())
	subjectDID := stringField(record, "subject")

	indexedAt := parseTimestamp(indexedAtStr)
	createdAt := indexedAt
	if cts := stringField(record, "createdAt"); cts != "" {
		createdAt = parseTimestamp(cts)
	}

	if creator != "" && subjectDID != "" {
		var existing string
		err := pool.QueryRow(ctx, `SELECT uri FROM "block" WHERE creator = $1 AND subject_did = $2`, creator, subjectDID).Scan(&existing)
		if err == nil {
			return nil
		}
	}

	_, err := pool.Exec(ctx, `
		INSERT INTO "block" (uri, cid, creator, subject_did, created_at, indexed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (uri) DO NOTHING
	`, uri.String(), cid, creator, nullable(subjectDID), createdAt, indexedAt)
	if err != nil {
		return fmt.Errorf("indexer: inserting block %s: %w", uri, err)
	}
	return nil
}

func (BlockPlugin) Update(ctx context.Context, pool *pgxpool.Pool, uri syntax.ATURI, cid string, record []byte, indexedAt string) error {
	return nil // blocks are immutable once created
}

func (BlockPlugin) Delete(ctx context.Context, pool *pgxpool.Pool, uri syntax.ATURI) error {
	if _, err := pool.Exec(ctx, `DELETE FROM "block" WHERE uri = $1`, uri.String()); err != nil {
		return fmt.Errorf("indexer: deleting block %s: %w", uri, err)
	}
	return nil
}
