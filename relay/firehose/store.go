package firehose

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// Store is the durable, ordered event log (C7): an 8-byte big-endian seq key, a value of an
// 8-byte big-endian unix-micro timestamp followed by the raw frame bytes (header || body), per
// spec §4.7.
type Store struct {
	db        *pebble.DB
	mu        sync.Mutex
	nextSeq   int64
	retention time.Duration
}

// Entry is one decoded row read back out of the log.
type Entry struct {
	Seq       int64
	Timestamp time.Time
	Header    Header
	Body      []byte
	Raw       []byte // header || body, exactly as stored/broadcast
}

func seqKey(seq int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(seq))
	return b
}

func decodeSeqKey(k []byte) int64 { return int64(binary.BigEndian.Uint64(k)) }

// Open opens (creating if necessary) the pebble-backed firehose log at path.
func Open(path string, retention time.Duration) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("firehose: opening store at %s: %w", path, err)
	}
	s := &Store{db: db, retention: retention}
	maxSeq, err := s.maxSeqLocked()
	if err != nil {
		return nil, err
	}
	s.nextSeq = maxSeq + 1
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) maxSeqLocked() (int64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, nil
	}
	return decodeSeqKey(iter.Key()), nil
}

// Append assigns the next seq to frame and persists it, returning the assigned seq.
func (s *Store) Append(frame []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.nextSeq
	val := make([]byte, 8+len(frame))
	binary.BigEndian.PutUint64(val[:8], uint64(time.Now().UnixMicro()))
	copy(val[8:], frame)

	if err := s.db.Set(seqKey(seq), val, pebble.Sync); err != nil {
		return 0, fmt.Errorf("firehose: appending seq %d: %w", seq, err)
	}
	s.nextSeq++
	return seq, nil
}

// MaxSeq returns the highest seq currently stored (0 if the log is empty).
func (s *Store) MaxSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq - 1
}

// MinSeq returns the lowest seq currently stored, or 0 if the log is empty.
func (s *Store) MinSeq() (int64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.First() {
		return 0, nil
	}
	return decodeSeqKey(iter.Key()), nil
}

// Read returns every entry with seq strictly greater than afterSeq, up to limit entries.
func (s *Store) Read(afterSeq int64, limit int) ([]Entry, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: seqKey(afterSeq + 1)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Entry
	for iter.First(); iter.Valid() && (limit <= 0 || len(out) < limit); iter.Next() {
		e, err := decodeEntry(iter.Key(), iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, iter.Error()
}

func decodeEntry(key, val []byte) (Entry, error) {
	if len(val) < 8 {
		return Entry{}, fmt.Errorf("firehose: corrupt log entry at seq %d: value too short", decodeSeqKey(key))
	}
	ts := time.UnixMicro(int64(binary.BigEndian.Uint64(val[:8])))
	raw := append([]byte(nil), val[8:]...)
	h, body, err := ParseFrame(raw)
	if err != nil {
		return Entry{}, fmt.Errorf("firehose: parsing log entry at seq %d: %w", decodeSeqKey(key), err)
	}
	return Entry{Seq: decodeSeqKey(key), Timestamp: ts, Header: h, Body: body, Raw: raw}, nil
}

// Sweep removes entries older than the configured retention, starting from the oldest key and
// stopping at the first entry still within retention (spec §4.7's TTL expiry rule: "scan from
// the oldest key ... stop at the first non-expired entry").
func (s *Store) Sweep() (int, error) {
	cutoff := time.Now().Add(-s.retention)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	batch := s.db.NewBatch()
	removed := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if len(iter.Value()) < 8 {
			continue
		}
		ts := time.UnixMicro(int64(binary.BigEndian.Uint64(iter.Value()[:8])))
		if !ts.Before(cutoff) {
			break
		}
		if err := batch.Delete(iter.Key(), nil); err != nil {
			return removed, err
		}
		removed++
	}
	if removed == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("firehose: committing sweep: %w", err)
	}
	return removed, nil
}
