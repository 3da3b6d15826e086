package indexer

import (
	"context"
	"fmt"

	"github.com/atpcore/federation/atproto/syntax"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostGatePlugin materialises app.bsky.feed.postgate records, grounded on post_gate.rs:
// validates the gate's own rkey/creator match its target post's, upserts (postgates can be
// updated in place), and flips post.has_post_gate.
type PostGatePlugin struct{}

func (PostGatePlugin) Collection() string { return "app.bsky.feed.postgate" }

func (PostGatePlugin) Insert(ctx context.Context, pool *pgxpool.Pool, uri syntax.ATURI, cid string, record []byte, indexedAtStr string) error {
	creator := extractCreator(uri.String())
	postURI := stringField(record, "post")

	if postURI != "" && extractCreator(postURI) != creator {
		return fmt.Errorf("indexer: postgate %s creator does not match post %s", uri, postURI)
	}
	if postURI != "" {
		if pu, err := syntax.ParseATURI(postURI); err == nil && pu.RecordKey() != uri.RecordKey() {
			return fmt.Errorf("indexer: postgate %s rkey does not match post %s", uri, postURI)
		}
	}

	indexedAt := parseTimestamp(indexedAtStr)
	createdAt := indexedAt
	if cts := stringField(record, "createdAt"); cts != "" {
		createdAt = parseTimestamp(cts)
	}

	_, err := pool.Exec(ctx, `
		INSERT INTO post_gate (uri, cid, creator, post_uri, created_at, indexed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (uri) DO UPDATE SET
			cid = EXCLUDED.cid, post_uri = EXCLUDED.post_uri, indexed_at = EXCLUDED.indexed_at
	`, uri.String(), cid, creator, nullable(postURI), createdAt, indexedAt)
	if err != nil {
		return fmt.Errorf("indexer: upserting post_gate %s: %w", uri, err)
	}

	if postURI != "" {
		if _, err := pool.Exec(ctx, `UPDATE post SET has_post_gate = true WHERE uri = $1`, postURI); err != nil {
			return fmt.Errorf("indexer: flagging has_post_gate on %s: %w", postURI, err)
		}
	}
	return nil
}

func (p PostGatePlugin) Update(ctx context.Context, pool *pgxpool.Pool, uri syntax.ATURI, cid string, record []byte, indexedAt string) error {
	return p.Insert(ctx, pool, uri, cid, record, indexedAt)
}

func (PostGatePlugin) Delete(ctx context.Context, pool *pgxpool.Pool, uri syntax.ATURI) error {
	var postURI string
	err := pool.QueryRow(ctx, `SELECT post_uri FROM post_gate WHERE uri = $1`, uri.String()).Scan(&postURI)

	if _, derr := pool.Exec(ctx, `DELETE FROM post_gate WHERE uri = $1`, uri.String()); derr != nil {
		return fmt.Errorf("indexer: deleting post_gate %s: %w", uri, derr)
	}
	if err == nil && postURI != "" {
		if _, uerr := pool.Exec(ctx, `UPDATE post SET has_post_gate = false WHERE uri = $1`, postURI); uerr != nil {
			return fmt.Errorf("indexer: clearing has_post_gate on %s: %w", postURI, uerr)
		}
	}
	return nil
}
