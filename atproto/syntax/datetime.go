package syntax

import (
	"fmt"
	"time"

	"github.com/araddon/dateparse"
)

// ParseDatetime validates and parses an atproto "datetime" string. atproto requires RFC 3339,
// but tolerates the variety of timestamp formats real-world implementations emit (missing
// timezone, space instead of 'T', etc); dateparse covers that tolerance the way the broader
// indigo/rsky ecosystem does when ingesting third-party repo content.
func ParseDatetime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("syntax: empty datetime")
	}
	t, err := dateparse.ParseAny(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("syntax: invalid datetime %q: %w", raw, err)
	}
	return t.UTC(), nil
}
