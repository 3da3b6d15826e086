package indexer

import (
	"encoding/json"
	"strings"
	"time"
)

// extractCreator pulls the DID out of an AT-URI's authority segment, mirroring every plugin's
// Rust `extract_creator`.
func extractCreator(uri string) string {
	rest := strings.TrimPrefix(uri, "at://")
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		return rest[:idx]
	}
	return ""
}

// parseTimestamp parses an RFC3339 timestamp, falling back to now on malformed input rather
// than rejecting the whole record: a bad createdAt shouldn't keep a record out of the index.
func parseTimestamp(ts string) time.Time {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}

// sortAt is min(indexedAt, createdAt), matching the teacher's "sortAt = MIN(indexedAt,
// createdAt)" rule so that backfilled records sort by their original creation time rather than
// indexing time.
func sortAt(indexedAt, createdAt time.Time) time.Time {
	if createdAt.Before(indexedAt) {
		return createdAt
	}
	return indexedAt
}

// subjectRef pulls a strong-ref ({uri, cid}) sub-object out of a record's raw JSON, used for
// "subject" and "via" fields common to like/repost/post_gate records.
func subjectRef(record []byte, field string) (uri, cid string) {
	var rec map[string]json.RawMessage
	if err := json.Unmarshal(record, &rec); err != nil {
		return "", ""
	}
	raw, ok := rec[field]
	if !ok {
		return "", ""
	}
	var ref struct {
		URI string `json:"uri"`
		CID string `json:"cid"`
	}
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", ""
	}
	return ref.URI, ref.CID
}

// refField pulls a blob's nested "ref" link string out of a field shaped like
// {"ref": "bafy...", ...}, used for avatar/banner blob references.
func refField(record []byte, field string) string {
	var rec map[string]json.RawMessage
	if err := json.Unmarshal(record, &rec); err != nil {
		return ""
	}
	raw, ok := rec[field]
	if !ok {
		return ""
	}
	var blob struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(raw, &blob); err != nil {
		return ""
	}
	return blob.Ref
}

// rawField returns the raw JSON bytes of a top-level field, for callers that need to recurse
// into a nested object (e.g. record["reply"]["parent"]).
func rawField(record []byte, field string) []byte {
	var rec map[string]json.RawMessage
	if err := json.Unmarshal(record, &rec); err != nil {
		return nil
	}
	raw, ok := rec[field]
	if !ok {
		return nil
	}
	return []byte(raw)
}

// stringField pulls a plain string field out of a record's raw JSON.
func stringField(record []byte, field string) string {
	var rec map[string]json.RawMessage
	if err := json.Unmarshal(record, &rec); err != nil {
		return ""
	}
	raw, ok := rec[field]
	if !ok {
		return ""
	}
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}
