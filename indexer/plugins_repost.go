package indexer

import (
	"context"
	"fmt"

	"github.com/atpcore/federation/atproto/syntax"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RepostPlugin materialises app.bsky.feed.repost records, grounded on repost.rs: same
// duplicate-suppression and notification shape as likes, plus a feed_item row so reposts show
// up in the reposting account's own feed.
type RepostPlugin struct{}

func (RepostPlugin) Collection() string { return "app.bsky.feed.repost" }

func (RepostPlugin) Insert(ctx context.Context, pool *pgxpool.Pool, uri syntax.ATURI, cid string, record []byte, indexedAtStr string) error {
	creator := extractCreator(uri.String())
	subjectURI, subjectCID := subjectRef(record, "subject")
	viaURI, viaCID := subjectRef(record, "via")

	indexedAt := parseTimestamp(indexedAtStr)
	createdAt := indexedAt
	if cts := stringField(record, "createdAt"); cts != "" {
		createdAt = parseTimestamp(cts)
	}
	sa := sortAt(indexedAt, createdAt)

	if creator != "" && subjectURI != "" {
		var existing string
		err := pool.QueryRow(ctx, `SELECT uri FROM repost WHERE creator = $1 AND subject = $2`, creator, subjectURI).Scan(&existing)
		if err == nil {
			return nil
		}
	}

	_, err := pool.Exec(ctx, `
		INSERT INTO repost (uri, cid, creator, subject, subject_cid, via, via_cid, created_at, indexed_at, sort_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (uri) DO NOTHING
	`, uri.String(), cid, creator, subjectURI, subjectCID, viaURI, viaCID, createdAt, indexedAt, sa)
	if err != nil {
		return fmt.Errorf("indexer: inserting repost %s: %w", uri, err)
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO feed_item (type, uri, cid, post_uri, originator_did, sort_at)
		VALUES ('repost', $1, $2, $3, $4, $5)
		ON CONFLICT (uri, cid) DO NOTHING
	`, uri.String(), cid, subjectURI, creator, sa)
	if err != nil {
		return fmt.Errorf("indexer: inserting feed_item for repost %s: %w", uri, err)
	}

	if creator != "" && subjectURI != "" {
		subjectCreator := extractCreator(subjectURI)
		if err := Notify(ctx, pool, Notification{
			DID: subjectCreator, Author: creator,
			RecordURI: uri.String(), RecordCID: cid,
			Reason: "repost", ReasonSubject: subjectURI,
			SortAt: sa.Format("2006-01-02T15:04:05.000Z"),
		}); err != nil {
			return err
		}
		if err := NotifyVia(ctx, pool, Notification{
			Author: creator, RecordURI: uri.String(), RecordCID: cid,
			SortAt: sa.Format("2006-01-02T15:04:05.000Z"),
		}, viaURI, "repost-via-repost"); err != nil {
			return err
		}
	}

	if subjectURI != "" {
		return bumpPostAgg(ctx, pool, subjectURI, "repost_count", 1)
	}
	return nil
}

func (RepostPlugin) Update(ctx context.Context, pool *pgxpool.Pool, uri syntax.ATURI, cid string, record []byte, indexedAt string) error {
	return nil // reposts are immutable once created
}

func (RepostPlugin) Delete(ctx context.Context, pool *pgxpool.Pool, uri syntax.ATURI) error {
	var subjectURI string
	err := pool.QueryRow(ctx, `SELECT subject FROM repost WHERE uri = $1`, uri.String()).Scan(&subjectURI)

	if _, derr := pool.Exec(ctx, `DELETE FROM repost WHERE uri = $1`, uri.String()); derr != nil {
		return fmt.Errorf("indexer: deleting repost %s: %w", uri, derr)
	}
	if _, derr := pool.Exec(ctx, `DELETE FROM feed_item WHERE uri = $1`, uri.String()); derr != nil {
		return fmt.Errorf("indexer: deleting feed_item for repost %s: %w", uri, derr)
	}
	if err := DeleteNotificationsFor(ctx, pool, uri.String()); err != nil {
		return err
	}
	if err == nil && subjectURI != "" {
		return bumpPostAgg(ctx, pool, subjectURI, "repost_count", -1)
	}
	return nil
}
