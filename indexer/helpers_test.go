package indexer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExtractCreator(t *testing.T) {
	require.Equal(t, "did:plc:abc123", extractCreator("at://did:plc:abc123/app.bsky.feed.post/rkey1"))
	require.Equal(t, "", extractCreator("not-a-uri"))
}

func TestParseTimestampFallsBackToNow(t *testing.T) {
	good := parseTimestamp("2024-01-02T03:04:05Z")
	require.Equal(t, 2024, good.Year())

	bad := parseTimestamp("not a timestamp")
	require.WithinDuration(t, time.Now().UTC(), bad, time.Second)
}

func TestSortAtPicksEarlier(t *testing.T) {
	indexed := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, created, sortAt(indexed, created))
	require.Equal(t, indexed, sortAt(indexed, indexed.Add(time.Hour)))
}

func TestSubjectRef(t *testing.T) {
	record := []byte(`{"subject":{"uri":"at://did:plc:xyz/app.bsky.feed.post/r1","cid":"bafy1"}}`)
	uri, cid := subjectRef(record, "subject")
	require.Equal(t, "at://did:plc:xyz/app.bsky.feed.post/r1", uri)
	require.Equal(t, "bafy1", cid)

	uri, cid = subjectRef(record, "missing")
	require.Empty(t, uri)
	require.Empty(t, cid)
}

func TestRefField(t *testing.T) {
	record := []byte(`{"avatar":{"ref":"bafyavatar","mimeType":"image/png"}}`)
	require.Equal(t, "bafyavatar", refField(record, "avatar"))
	require.Empty(t, refField(record, "banner"))
}

func TestRawField(t *testing.T) {
	record := []byte(`{"reply":{"parent":{"uri":"at://did:plc:a/app.bsky.feed.post/p1","cid":"bafyp"}}}`)
	raw := rawField(record, "reply")
	require.NotNil(t, raw)
	uri, cid := subjectRef(raw, "parent")
	require.Equal(t, "at://did:plc:a/app.bsky.feed.post/p1", uri)
	require.Equal(t, "bafyp", cid)
}

func TestStringField(t *testing.T) {
	record := []byte(`{"text":"hello world","createdAt":"2024-01-01T00:00:00Z"}`)
	require.Equal(t, "hello world", stringField(record, "text"))
	require.Equal(t, "", stringField(record, "missing"))
}
