package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	car "github.com/ipld/go-car"
	dssync "github.com/ipfs/go-datastore/sync"

	mapds "github.com/ipfs/go-datastore"
)

// DecodeCAR reads a v1 CAR stream in to a BlockMap plus its single root CID. Every block's
// CID is recomputed from its bytes and checked against the claimed CID on the wire; any
// mismatch fails the whole decode, per spec §4.1.
func DecodeCAR(ctx context.Context, r io.Reader) (root cid.Cid, bm BlockMap, err error) {
	bs := blockstore.NewBlockstore(dssync.MutexWrap(mapds.NewMapDatastore()))
	bs.HashOnRead(true)
	header, err := car.LoadCar(ctx, bs, r)
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("repo: CAR decode: %w", err)
	}
	if len(header.Roots) != 1 {
		return cid.Undef, nil, fmt.Errorf("repo: CAR must have exactly one root, got %d", len(header.Roots))
	}

	bm = NewBlockMap()
	keys, err := bs.AllKeysChan(ctx)
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("repo: CAR decode: listing blocks: %w", err)
	}
	for c := range keys {
		blk, err := bs.Get(ctx, c)
		if err != nil {
			if errors.Is(err, blockstore.ErrHashMismatch) {
				return cid.Undef, nil, fmt.Errorf("%w: block %s: %v", ErrBlockHashMismatch, c, err)
			}
			return cid.Undef, nil, fmt.Errorf("repo: CAR decode: reading block %s: %w", c, err)
		}
		// HashOnRead(true) above makes this Get recompute and check the multihash against c;
		// a mismatch surfaces as ErrHashMismatch, handled above.
		bm.Add(c, blk.RawData())
	}
	return header.Roots[0], bm, nil
}

// EncodeCAR writes a v1 CAR stream: a header naming the single root CID, followed by every
// block in bm in arbitrary order. Decoders must not rely on block ordering (spec §4.1).
func EncodeCAR(ctx context.Context, w io.Writer, root cid.Cid, bm BlockMap) error {
	bs := blockstore.NewBlockstore(dssync.MutexWrap(mapds.NewMapDatastore()))
	for c, data := range bm {
		blk, err := blocks.NewBlockWithCid(data, c)
		if err != nil {
			return fmt.Errorf("repo: CAR encode: block %s: %w", c, err)
		}
		if err := bs.Put(ctx, blk); err != nil {
			return fmt.Errorf("repo: CAR encode: %w", err)
		}
	}
	if err := car.WriteCar(ctx, bs, []cid.Cid{root}, w); err != nil {
		return fmt.Errorf("repo: CAR encode: %w", err)
	}
	return nil
}

// EncodeCARBytes is a convenience wrapper returning the encoded CAR as a byte slice, used when
// formatting firehose commit event bodies.
func EncodeCARBytes(ctx context.Context, root cid.Cid, bm BlockMap) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeCAR(ctx, &buf, root, bm); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
