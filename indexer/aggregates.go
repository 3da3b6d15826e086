package indexer

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// bumpPostAgg adjusts one counter column on post_agg by delta using an atomic upsert instead of
// a COUNT(*) rescan: the teacher's like.rs disabled its COUNT(*)-based update under the comment
// "EMERGENCY FIX: Disabled expensive COUNT(*) aggregate update...exhausting connection pool", so
// this module maintains aggregates incrementally from the start.
func bumpPostAgg(ctx context.Context, pool *pgxpool.Pool, postURI, column string, delta int) error {
	query := fmt.Sprintf(`
		INSERT INTO post_agg (uri, %s)
		VALUES ($1, $2)
		ON CONFLICT (uri) DO UPDATE SET %s = post_agg.%s + $2
	`, column, column, column)
	if _, err := pool.Exec(ctx, query, postURI, delta); err != nil {
		return fmt.Errorf("indexer: bumping post_agg.%s for %s: %w", column, postURI, err)
	}
	return nil
}
