package indexer

import (
	"context"
	"fmt"

	"github.com/atpcore/federation/atproto/syntax"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LikePlugin materialises app.bsky.feed.like records, grounded on the teacher pack's
// rsky-indexer like.rs: creator+subject duplicate suppression, self-suppressed notifications
// with a like-via-repost chain reason, and no eager COUNT(*) aggregate maintenance.
type LikePlugin struct{}

func (LikePlugin) Collection() string { return "app.bsky.feed.like" }

func (LikePlugin) Insert(ctx context.Context, pool *pgxpool.Pool, uri syntax.ATURI, cid string, record []byte, indexedAtStr string) error {
	creator := extractCreator(uri.String())
	subjectURI, subjectCID := subjectRef(record, "subject")
	viaURI, viaCID := subjectRef(record, "via")

	indexedAt := parseTimestamp(indexedAtStr)
	createdAt := indexedAt
	if cts := stringField(record, "createdAt"); cts != "" {
		createdAt = parseTimestamp(cts)
	}

	if creator != "" && subjectURI != "" {
		var existing string
		err := pool.QueryRow(ctx, `SELECT uri FROM "like" WHERE creator = $1 AND subject = $2`, creator, subjectURI).Scan(&existing)
		if err == nil {
			return nil // duplicate like from this creator on this subject
		}
	}

	_, err := pool.Exec(ctx, `
		INSERT INTO "like" (uri, cid, creator, subject, subject_cid, via, via_cid, created_at, indexed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (uri) DO NOTHING
	`, uri.String(), cid, creator, subjectURI, subjectCID, viaURI, viaCID, createdAt, indexedAt)
	if err != nil {
		return fmt.Errorf("indexer: inserting like %s: %w", uri, err)
	}

	if creator != "" && subjectURI != "" {
		subjectCreator := extractCreator(subjectURI)
		if err := Notify(ctx, pool, Notification{
			DID: subjectCreator, Author: creator,
			RecordURI: uri.String(), RecordCID: cid,
			Reason: "like", ReasonSubject: subjectURI,
			SortAt: indexedAt.Format("2006-01-02T15:04:05.000Z"),
		}); err != nil {
			return err
		}
		if err := NotifyVia(ctx, pool, Notification{
			Author: creator, RecordURI: uri.String(), RecordCID: cid,
			SortAt: indexedAt.Format("2006-01-02T15:04:05.000Z"),
		}, viaURI, "like-via-repost"); err != nil {
			return err
		}
	}

	// Aggregate likeCount is maintained incrementally (see bumpPostAgg), not by a
	// COUNT(*) rescan on every like: that pattern starved the pool under load upstream.
	if subjectURI != "" {
		return bumpPostAgg(ctx, pool, subjectURI, "like_count", 1)
	}
	return nil
}

func (LikePlugin) Update(ctx context.Context, pool *pgxpool.Pool, uri syntax.ATURI, cid string, record []byte, indexedAt string) error {
	return nil // likes are immutable once created
}

func (LikePlugin) Delete(ctx context.Context, pool *pgxpool.Pool, uri syntax.ATURI) error {
	var subjectURI string
	err := pool.QueryRow(ctx, `SELECT subject FROM "like" WHERE uri = $1`, uri.String()).Scan(&subjectURI)

	if _, derr := pool.Exec(ctx, `DELETE FROM "like" WHERE uri = $1`, uri.String()); derr != nil {
		return fmt.Errorf("indexer: deleting like %s: %w", uri, derr)
	}
	if err := DeleteNotificationsFor(ctx, pool, uri.String()); err != nil {
		return err
	}
	if err == nil && subjectURI != "" {
		return bumpPostAgg(ctx, pool, subjectURI, "like_count", -1)
	}
	return nil
}
