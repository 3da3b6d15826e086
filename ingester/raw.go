// Package ingester implements the ingester (C5): the durable, at-least-once staging queue
// between a crawler's websocket connections and the validator. Frames are appended to a durable
// "raw" queue before a host's cursor is advanced, so a crash between receipt and validation never
// loses an acknowledged event.
package ingester

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

// RawEvent is one frame pulled back out of the raw queue, tagged with the host it came from and
// its position in the queue.
type RawEvent struct {
	Hostname string
	Seq      int64
	Frame    []byte
}

// RawQueue is the durable ordered queue named `raw` in spec terms: pebble-backed, keyed by a
// global monotonic insertion sequence so a single consumer can drain every host's frames in
// receipt order without needing to fan out per-host iterators.
type RawQueue struct {
	db *pebble.DB

	mu      sync.Mutex
	nextSeq int64
}

func seqKey(seq int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(seq))
	return b
}

func decodeSeqKey(k []byte) int64 { return int64(binary.BigEndian.Uint64(k)) }

// OpenRawQueue opens (creating if necessary) the durable raw queue at path.
func OpenRawQueue(path string) (*RawQueue, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("ingester: opening raw queue at %s: %w", path, err)
	}
	q := &RawQueue{db: db}
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	if iter.Last() {
		q.nextSeq = decodeSeqKey(iter.Key()) + 1
	}
	return q, nil
}

func (q *RawQueue) Close() error { return q.db.Close() }

// Enqueue durably appends frame for hostname, returning the assigned global raw-queue seq.
func (q *RawQueue) Enqueue(hostname string, frame []byte) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	seq := q.nextSeq
	val := encodeValue(hostname, frame)
	if err := q.db.Set(seqKey(seq), val, pebble.Sync); err != nil {
		return 0, fmt.Errorf("ingester: enqueueing from %s: %w", hostname, err)
	}
	q.nextSeq++
	return seq, nil
}

// Len reports how many entries are currently queued, for backpressure decisions.
func (q *RawQueue) Len() (int, error) {
	iter, err := q.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

// Read returns up to limit entries with seq strictly greater than afterSeq.
func (q *RawQueue) Read(afterSeq int64, limit int) ([]RawEvent, error) {
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: seqKey(afterSeq + 1)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []RawEvent
	for iter.First(); iter.Valid() && (limit <= 0 || len(out) < limit); iter.Next() {
		hostname, frame, err := decodeValue(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, RawEvent{Hostname: hostname, Seq: decodeSeqKey(iter.Key()), Frame: frame})
	}
	return out, iter.Error()
}

// Ack deletes every entry with seq <= uptoSeq: once the validator has durably produced firehose
// entries for everything up to uptoSeq, those raw frames no longer need to be retained.
func (q *RawQueue) Ack(uptoSeq int64) error {
	return q.db.DeleteRange(seqKey(0), seqKey(uptoSeq+1), pebble.Sync)
}

func encodeValue(hostname string, frame []byte) []byte {
	h := []byte(hostname)
	out := make([]byte, 2+len(h)+len(frame))
	binary.BigEndian.PutUint16(out[:2], uint16(len(h)))
	copy(out[2:2+len(h)], h)
	copy(out[2+len(h):], frame)
	return out
}

func decodeValue(val []byte) (string, []byte, error) {
	if len(val) < 2 {
		return "", nil, fmt.Errorf("ingester: corrupt raw queue entry")
	}
	hlen := int(binary.BigEndian.Uint16(val[:2]))
	if len(val) < 2+hlen {
		return "", nil, fmt.Errorf("ingester: corrupt raw queue entry")
	}
	return string(val[2 : 2+hlen]), val[2+hlen:], nil
}
