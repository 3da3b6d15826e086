package indexer

import (
	"context"
	"fmt"

	"github.com/atpcore/federation/atproto/syntax"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostPlugin materialises app.bsky.feed.post records. Not present in the retrieved plugin set;
// built by analogy to RepostPlugin's feed_item bookkeeping and LikePlugin's aggregate-counter
// pattern, since a post is the subject every like/repost/reply aggregate references.
type PostPlugin struct{}

func (PostPlugin) Collection() string { return "app.bsky.feed.post" }

func (PostPlugin) Insert(ctx context.Context, pool *pgxpool.Pool, uri syntax.ATURI, cid string, record []byte, indexedAtStr string) error {
	creator := extractCreator(uri.String())
	text := stringField(record, "text")
	replyParentURI, replyParentCID := subjectRef(record, "replyParent")
	replyRootURI, replyRootCID := subjectRef(record, "replyRoot")

	// app.bsky.feed.post's actual "reply" field nests parent/root one level deeper than the
	// synthetic replyParent/replyRoot keys above; fall back to that shape if present.
	if replyParentURI == "" {
		if p, pc := nestedRef(record, "reply", "parent"); p != "" {
			replyParentURI, replyParentCID = p, pc
		}
		if r, rc := nestedRef(record, "reply", "root"); r != "" {
			replyRootURI, replyRootCID = r, rc
		}
	}

	indexedAt := parseTimestamp(indexedAtStr)
	createdAt := indexedAt
	if cts := stringField(record, "createdAt"); cts != "" {
		createdAt = parseTimestamp(cts)
	}
	sa := sortAt(indexedAt, createdAt)

	_, err := pool.Exec(ctx, `
		INSERT INTO post (uri, cid, creator, text, reply_parent_uri, reply_parent_cid, reply_root_uri, reply_root_cid, created_at, indexed_at, sort_at, has_post_gate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, false)
		ON CONFLICT (uri) DO NOTHING
	`, uri.String(), cid, creator, nullable(text), nullable(replyParentURI), nullable(replyParentCID), nullable(replyRootURI), nullable(replyRootCID), createdAt, indexedAt, sa)
	if err != nil {
		return fmt.Errorf("indexer: inserting post %s: %w", uri, err)
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO feed_item (type, uri, cid, post_uri, originator_did, sort_at)
		VALUES ('post', $1, $2, $1, $3, $4)
		ON CONFLICT (uri, cid) DO NOTHING
	`, uri.String(), cid, creator, sa)
	if err != nil {
		return fmt.Errorf("indexer: inserting feed_item for post %s: %w", uri, err)
	}

	if _, err := pool.Exec(ctx, `
		INSERT INTO post_agg (uri, like_count, repost_count, reply_count)
		VALUES ($1, 0, 0, 0)
		ON CONFLICT (uri) DO NOTHING
	`, uri.String()); err != nil {
		return fmt.Errorf("indexer: seeding post_agg for %s: %w", uri, err)
	}

	if replyParentURI != "" {
		if err := Notify(ctx, pool, Notification{
			DID: extractCreator(replyParentURI), Author: creator,
			RecordURI: uri.String(), RecordCID: cid,
			Reason: "reply", ReasonSubject: replyParentURI,
			SortAt: sa.Format("2006-01-02T15:04:05.000Z"),
		}); err != nil {
			return err
		}
		if err := bumpPostAgg(ctx, pool, replyParentURI, "reply_count", 1); err != nil {
			return err
		}
	}
	_ = replyRootURI // retained on the row for thread reconstruction, not separately notified
	return nil
}

func (PostPlugin) Update(ctx context.Context, pool *pgxpool.Pool, uri syntax.ATURI, cid string, record []byte, indexedAt string) error {
	return nil // posts are immutable once created; edits publish as a new record in practice
}

func (PostPlugin) Delete(ctx context.Context, pool *pgxpool.Pool, uri syntax.ATURI) error {
	var replyParentURI string
	_ = pool.QueryRow(ctx, `SELECT reply_parent_uri FROM post WHERE uri = $1`, uri.String()).Scan(&replyParentURI)

	if _, err := pool.Exec(ctx, `DELETE FROM post WHERE uri = $1`, uri.String()); err != nil {
		return fmt.Errorf("indexer: deleting post %s: %w", uri, err)
	}
	if _, err := pool.Exec(ctx, `DELETE FROM feed_item WHERE post_uri = $1`, uri.String()); err != nil {
		return fmt.Errorf("indexer: deleting feed_item for post %s: %w", uri, err)
	}
	if _, err := pool.Exec(ctx, `DELETE FROM post_agg WHERE uri = $1`, uri.String()); err != nil {
		return fmt.Errorf("indexer: deleting post_agg for %s: %w", uri, err)
	}
	if err := DeleteNotificationsFor(ctx, pool, uri.String()); err != nil {
		return err
	}
	if replyParentURI != "" {
		return bumpPostAgg(ctx, pool, replyParentURI, "reply_count", -1)
	}
	return nil
}

// nestedRef pulls a strong-ref out of a two-level-nested field, e.g. record["reply"]["parent"].
func nestedRef(record []byte, outer, inner string) (uri, cid string) {
	outerRaw := rawField(record, outer)
	if outerRaw == nil {
		return "", ""
	}
	return subjectRef(outerRaw, inner)
}
