package ingester

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBackfillQueueEnqueueDedup(t *testing.T) {
	q := NewBackfillQueue()
	q.Enqueue("pds.example.com", 0)
	q.Enqueue("pds.example.com", 5) // already pending, priority bump is ignored

	snap := q.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, 0, snap[0].Priority)
}

func TestBackfillQueueNextPrefersPriority(t *testing.T) {
	q := NewBackfillQueue()
	q.Enqueue("low.example.com", 0)
	q.Enqueue("high.example.com", 10)

	entry, ok := q.Next()
	require.True(t, ok)
	require.Equal(t, "high.example.com", entry.Hostname)
	require.Equal(t, BackfillRunning, entry.State)

	entry, ok = q.Next()
	require.True(t, ok)
	require.Equal(t, "low.example.com", entry.Hostname)

	_, ok = q.Next()
	require.False(t, ok, "no pending entries remain")
}

func TestBackfillQueueRetryRequeues(t *testing.T) {
	q := NewBackfillQueue()
	q.Enqueue("flaky.example.com", 0)

	entry, ok := q.Next()
	require.True(t, ok)

	q.Retry(entry.Hostname, errors.New("connection reset"))

	again, ok := q.Next()
	require.True(t, ok)
	require.Equal(t, 1, again.RetryCount)
	require.Equal(t, "connection reset", again.LastError)
}

func TestBackfillQueueDoneAllowsReEnqueue(t *testing.T) {
	q := NewBackfillQueue()
	q.Enqueue("done.example.com", 0)

	entry, ok := q.Next()
	require.True(t, ok)
	q.Done(entry.Hostname)

	// Enqueue is a no-op while pending/running, but a completed host can be re-queued,
	// e.g. for a later OutdatedCursor recovery.
	q.Enqueue("done.example.com", 7)

	snap := q.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, BackfillPending, snap[0].State)
	require.Equal(t, 7, snap[0].Priority)
}
