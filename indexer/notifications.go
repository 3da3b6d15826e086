package indexer

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Notification mirrors one row of the notification table: something actor did that did may
// want to be told about.
type Notification struct {
	DID           string // recipient
	Author        string // who caused the notification
	Reason        string // "like", "repost", "follow", "like-via-repost", "repost-via-repost", ...
	RecordURI     string
	RecordCID     string
	ReasonSubject string
	SortAt        string
}

// Notify inserts a notification row unless Author is notifying themselves about their own
// action, mirroring like.rs's `subject_creator != like_creator` self-suppression check: nobody
// gets notified about their own likes, reposts, or follows.
func Notify(ctx context.Context, pool *pgxpool.Pool, n Notification) error {
	if n.DID == "" || n.DID == n.Author {
		return nil
	}
	_, err := pool.Exec(ctx, `
		INSERT INTO notification (did, author, record_uri, record_cid, reason, reason_subject, sort_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, n.DID, n.Author, n.RecordURI, n.RecordCID, n.Reason, n.ReasonSubject, n.SortAt)
	if err != nil {
		return fmt.Errorf("indexer: inserting notification: %w", err)
	}
	return nil
}

// NotifyVia additionally notifies the author of a "via" record (e.g. a like on a repost also
// notifies the original reposter), with a distinct chain reason such as "like-via-repost", and
// is itself self-suppressed against the acting creator.
func NotifyVia(ctx context.Context, pool *pgxpool.Pool, direct Notification, viaURI, viaReason string) error {
	if viaURI == "" {
		return nil
	}
	viaCreator := extractCreator(viaURI)
	if viaCreator == "" || viaCreator == direct.Author {
		return nil
	}
	chained := direct
	chained.DID = viaCreator
	chained.Reason = viaReason
	chained.ReasonSubject = viaURI
	return Notify(ctx, pool, chained)
}

// DeleteNotificationsFor removes notifications generated by a record that was itself deleted.
func DeleteNotificationsFor(ctx context.Context, pool *pgxpool.Pool, recordURI string) error {
	_, err := pool.Exec(ctx, `DELETE FROM notification WHERE record_uri = $1`, recordURI)
	return err
}
