package repo

import (
	"context"
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	blockstore "github.com/ipfs/go-ipfs-blockstore"

	sqlite3bs "github.com/ipfs/go-bs-sqlite3"
)

// BlockMap is an in-memory mapping from CID to raw block bytes, as passed around while
// building and diffing MSTs. Insertion order is irrelevant; a BlockMap never contains
// duplicate keys by construction.
type BlockMap map[cid.Cid][]byte

func NewBlockMap() BlockMap { return make(BlockMap) }

func (m BlockMap) Add(c cid.Cid, data []byte) { m[c] = data }

func (m BlockMap) Merge(other BlockMap) {
	for c, b := range other {
		m[c] = b
	}
}

// ContentStore is the content-addressed block store backing a repo (C1 in the spec): it holds
// raw CBOR-encoded MST nodes and records, keyed by their own content hash, tagged with the
// repo revision that wrote them.
type ContentStore interface {
	PutBlock(ctx context.Context, c cid.Cid, data []byte, rev string) error
	PutMany(ctx context.Context, blocks BlockMap, rev string) error
	GetBlock(ctx context.Context, c cid.Cid) ([]byte, bool, error)
	GetBlocks(ctx context.Context, cids []cid.Cid) (found BlockMap, missing []cid.Cid, err error)
	HasBlock(ctx context.Context, c cid.Cid) (bool, error)
	Delete(ctx context.Context, cids []cid.Cid) error
}

// SQLiteContentStore is a ContentStore backed by a single-file sqlite database, one row per
// block. It is the default store for a single repo, matching the PDS's one-sqlite-db-per-actor
// convention. The revision tag of each block written through this handle is tracked in an
// in-memory map beside the sqlite file; it is not persisted and starts empty on every open.
type SQLiteContentStore struct {
	bs  blockstore.Blockstore
	rev map[cid.Cid]string
}

// NewSQLiteContentStore opens (creating if necessary) a sqlite-backed blockstore at path.
func NewSQLiteContentStore(path string) (*SQLiteContentStore, error) {
	raw, err := sqlite3bs.Open(path, true)
	if err != nil {
		return nil, fmt.Errorf("repo: opening sqlite blockstore: %w", err)
	}
	return &SQLiteContentStore{bs: raw, rev: make(map[cid.Cid]string)}, nil
}

func (s *SQLiteContentStore) PutBlock(ctx context.Context, c cid.Cid, data []byte, rev string) error {
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return fmt.Errorf("repo: block CID mismatch: %w", err)
	}
	if err := s.bs.Put(ctx, blk); err != nil {
		return fmt.Errorf("repo: put block: %w", err)
	}
	s.rev[c] = rev
	return nil
}

func (s *SQLiteContentStore) PutMany(ctx context.Context, bm BlockMap, rev string) error {
	batch := make([]blocks.Block, 0, len(bm))
	for c, data := range bm {
		blk, err := blocks.NewBlockWithCid(data, c)
		if err != nil {
			return fmt.Errorf("repo: block CID mismatch for %s: %w", c, err)
		}
		batch = append(batch, blk)
	}
	if err := s.bs.PutMany(ctx, batch); err != nil {
		return fmt.Errorf("repo: put many blocks: %w", err)
	}
	for c := range bm {
		s.rev[c] = rev
	}
	return nil
}

func (s *SQLiteContentStore) GetBlock(ctx context.Context, c cid.Cid) ([]byte, bool, error) {
	blk, err := s.bs.Get(ctx, c)
	if err != nil {
		if err == blockstore.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("repo: get block: %w", err)
	}
	return blk.RawData(), true, nil
}

func (s *SQLiteContentStore) GetBlocks(ctx context.Context, cids []cid.Cid) (BlockMap, []cid.Cid, error) {
	found := NewBlockMap()
	var missing []cid.Cid
	for _, c := range cids {
		data, ok, err := s.GetBlock(ctx, c)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			missing = append(missing, c)
			continue
		}
		found.Add(c, data)
	}
	return found, missing, nil
}

func (s *SQLiteContentStore) HasBlock(ctx context.Context, c cid.Cid) (bool, error) {
	ok, err := s.bs.Has(ctx, c)
	if err != nil {
		return false, fmt.Errorf("repo: has block: %w", err)
	}
	return ok, nil
}

func (s *SQLiteContentStore) Delete(ctx context.Context, cids []cid.Cid) error {
	for _, c := range cids {
		if err := s.bs.DeleteBlock(ctx, c); err != nil {
			return fmt.Errorf("repo: delete block %s: %w", c, err)
		}
		delete(s.rev, c)
	}
	return nil
}

// MemContentStore is a trivial in-memory ContentStore, used for importing a remote CAR file
// during validation (§4.3 "Import of a remote repo") where nothing is persisted unless the
// commit passes verification.
type MemContentStore struct {
	blocks BlockMap
}

func NewMemContentStore() *MemContentStore {
	return &MemContentStore{blocks: NewBlockMap()}
}

func (s *MemContentStore) PutBlock(_ context.Context, c cid.Cid, data []byte, _ string) error {
	s.blocks.Add(c, data)
	return nil
}

func (s *MemContentStore) PutMany(_ context.Context, bm BlockMap, _ string) error {
	s.blocks.Merge(bm)
	return nil
}

func (s *MemContentStore) GetBlock(_ context.Context, c cid.Cid) ([]byte, bool, error) {
	data, ok := s.blocks[c]
	return data, ok, nil
}

func (s *MemContentStore) GetBlocks(_ context.Context, cids []cid.Cid) (BlockMap, []cid.Cid, error) {
	found := NewBlockMap()
	var missing []cid.Cid
	for _, c := range cids {
		if data, ok := s.blocks[c]; ok {
			found.Add(c, data)
		} else {
			missing = append(missing, c)
		}
	}
	return found, missing, nil
}

func (s *MemContentStore) HasBlock(_ context.Context, c cid.Cid) (bool, error) {
	_, ok := s.blocks[c]
	return ok, nil
}

func (s *MemContentStore) Delete(_ context.Context, cids []cid.Cid) error {
	for _, c := range cids {
		delete(s.blocks, c)
	}
	return nil
}
