package indexer

import (
	"context"
	"fmt"

	"github.com/atpcore/federation/atproto/syntax"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProfilePlugin materialises app.bsky.actor.profile records, grounded on profile.rs. Only the
// singleton "self" record key is indexed, matching the teacher's rkey validation.
type ProfilePlugin struct{}

func (ProfilePlugin) Collection() string { return "app.bsky.actor.profile" }

func (ProfilePlugin) Insert(ctx context.Context, pool *pgxpool.Pool, uri syntax.ATURI, cid string, record []byte, indexedAtStr string) error {
	if uri.RecordKey() != "self" {
		return nil
	}
	creator := extractCreator(uri.String())

	displayName := stringField(record, "displayName")
	description := stringField(record, "description")
	avatarCID := refField(record, "avatar")
	bannerCID := refField(record, "banner")
	starterPackURI, _ := subjectRef(record, "joinedViaStarterPack")

	indexedAt := parseTimestamp(indexedAtStr)
	createdAt := indexedAt
	if cts := stringField(record, "createdAt"); cts != "" {
		createdAt = parseTimestamp(cts)
	}

	_, err := pool.Exec(ctx, `
		INSERT INTO profile (uri, cid, creator, display_name, description, avatar_cid, banner_cid, joined_via_starter_pack_uri, created_at, indexed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (uri) DO UPDATE SET
			cid = EXCLUDED.cid, display_name = EXCLUDED.display_name, description = EXCLUDED.description,
			avatar_cid = EXCLUDED.avatar_cid, banner_cid = EXCLUDED.banner_cid, indexed_at = EXCLUDED.indexed_at
	`, uri.String(), cid, creator, nullable(displayName), nullable(description), nullable(avatarCID), nullable(bannerCID), nullable(starterPackURI), createdAt, indexedAt)
	if err != nil {
		return fmt.Errorf("indexer: upserting profile %s: %w", uri, err)
	}

	if starterPackURI != "" && creator != "" {
		if packCreator := extractCreator(starterPackURI); packCreator != "" {
			if err := Notify(ctx, pool, Notification{
				DID: packCreator, Author: creator,
				RecordURI: uri.String(), RecordCID: cid,
				Reason: "starterpack-joined", ReasonSubject: starterPackURI,
				SortAt: indexedAt.Format("2006-01-02T15:04:05.000Z"),
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Update is an upsert, unlike the teacher's no-op: display name and bio edits are common and
// this module has no separate profile-history table to make immutability a deliberate choice.
func (p ProfilePlugin) Update(ctx context.Context, pool *pgxpool.Pool, uri syntax.ATURI, cid string, record []byte, indexedAt string) error {
	return p.Insert(ctx, pool, uri, cid, record, indexedAt)
}

func (ProfilePlugin) Delete(ctx context.Context, pool *pgxpool.Pool, uri syntax.ATURI) error {
	if _, err := pool.Exec(ctx, `DELETE FROM profile WHERE uri = $1`, uri.String()); err != nil {
		return fmt.Errorf("indexer: deleting profile %s: %w", uri, err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
