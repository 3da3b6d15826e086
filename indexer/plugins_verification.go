package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/atpcore/federation/atproto/syntax"
	"github.com/jackc/pgx/v5/pgxpool"
)

// VerificationPlugin materialises app.bsky.actor.verification records, grounded on
// verification.rs: creator+subject duplicate suppression, a "verified" notification to the
// subject on insert and an "unverified" one on delete.
type VerificationPlugin struct{}

func (VerificationPlugin) Collection() string { return "app.bsky.actor.verification" }

func (VerificationPlugin) Insert(ctx context.Context, pool *pgxpool.Pool, uri syntax.ATURI, cid string, record []byte, indexedAtStr string) error {
	creator := extractCreator(uri.String())
	subject := stringField(record, "subject")
	handle := stringField(record, "handle")
	displayName := stringField(record, "displayName")

	indexedAt := parseTimestamp(indexedAtStr)
	createdAt := indexedAt
	if cts := stringField(record, "createdAt"); cts != "" {
		createdAt = parseTimestamp(cts)
	}
	sa := sortAt(indexedAt, createdAt)

	if subject != "" && creator != "" {
		var existing string
		err := pool.QueryRow(ctx, `SELECT uri FROM verification WHERE subject = $1 AND creator = $2`, subject, creator).Scan(&existing)
		if err == nil {
			return nil
		}
	}

	_, err := pool.Exec(ctx, `
		INSERT INTO verification (uri, cid, rkey, creator, subject, handle, display_name, created_at, indexed_at, sorted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (uri) DO NOTHING
	`, uri.String(), cid, uri.RecordKey(), creator, nullable(subject), nullable(handle), nullable(displayName), createdAt, indexedAt, sa)
	if err != nil {
		return fmt.Errorf("indexer: inserting verification %s: %w", uri, err)
	}

	if subject != "" && creator != "" {
		if err := Notify(ctx, pool, Notification{
			DID: subject, Author: creator,
			RecordURI: uri.String(), RecordCID: cid,
			Reason: "verified",
			SortAt: indexedAt.Format("2006-01-02T15:04:05.000Z"),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (VerificationPlugin) Update(ctx context.Context, pool *pgxpool.Pool, uri syntax.ATURI, cid string, record []byte, indexedAt string) error {
	return nil // verifications are immutable once created
}

func (VerificationPlugin) Delete(ctx context.Context, pool *pgxpool.Pool, uri syntax.ATURI) error {
	var subject, creator, recordCID string
	err := pool.QueryRow(ctx, `SELECT subject, creator, cid FROM verification WHERE uri = $1`, uri.String()).
		Scan(&subject, &creator, &recordCID)

	if _, derr := pool.Exec(ctx, `DELETE FROM verification WHERE uri = $1`, uri.String()); derr != nil {
		return fmt.Errorf("indexer: deleting verification %s: %w", uri, derr)
	}

	if err == nil && subject != "" && creator != "" {
		if nerr := Notify(ctx, pool, Notification{
			DID: subject, Author: creator,
			RecordURI: uri.String(), RecordCID: recordCID,
			Reason: "unverified",
			SortAt: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		}); nerr != nil {
			return nerr
		}
	}
	return nil
}
