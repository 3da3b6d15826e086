package repo

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/atpcore/federation/atproto/crypto"
	"github.com/atpcore/federation/atproto/syntax"
	"github.com/ipfs/go-cid"
	cbornode "github.com/ipfs/go-ipld-cbor"
	mh "github.com/multiformats/go-multihash"
)

// commitVersion is the only commit schema version atproto currently defines.
const commitVersion = 3

// Commit is the signed root object of a repo, per spec §4.3: a pointer to the repo's MST root
// plus enough metadata (did, rev) for a firehose consumer to order and attribute it.
type Commit struct {
	DID     string   `json:"did"`
	Version int64    `json:"version"`
	Data    cid.Cid  `json:"data"`
	Rev     string   `json:"rev"`
	Prev    *cid.Cid `json:"prev"` // previous commit's CID; nil on a repo's genesis commit
	Sig     []byte   `json:"sig"`
}

// unsignedCommit is the same shape minus Sig: the exact bytes a signature covers.
type unsignedCommit struct {
	DID     string   `json:"did"`
	Version int64    `json:"version"`
	Data    cid.Cid  `json:"data"`
	Rev     string   `json:"rev"`
	Prev    *cid.Cid `json:"prev"`
}

func (c *Commit) unsigned() unsignedCommit {
	return unsignedCommit{DID: c.DID, Version: c.Version, Data: c.Data, Rev: c.Rev, Prev: c.Prev}
}

// signingBytes returns the canonical dag-cbor encoding that a commit's signature is computed
// over: the commit object with its sig field omitted entirely (not merely null).
func (c *Commit) signingBytes() ([]byte, error) {
	n, err := cbornode.WrapObject(c.unsigned(), mh.SHA2_256, -1)
	if err != nil {
		return nil, fmt.Errorf("repo: encoding commit for signing: %w", err)
	}
	return n.RawData(), nil
}

// VerifySignature checks commit.Sig against pk over the commit's canonical signing bytes.
func (c *Commit) VerifySignature(pk crypto.PublicKey) error {
	sb, err := c.signingBytes()
	if err != nil {
		return err
	}
	if err := pk.HashAndVerify(sb, c.Sig); err != nil {
		return fmt.Errorf("repo: %w", err)
	}
	return nil
}

// encode serializes the full signed commit to canonical dag-cbor and returns its CID.
func (c *Commit) encode() (cid.Cid, []byte, error) {
	n, err := cbornode.WrapObject(c, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("repo: encoding commit: %w", err)
	}
	return n.Cid(), n.RawData(), nil
}

func decodeCommit(data []byte) (*Commit, error) {
	n, err := cbornode.Decode(data, mh.SHA2_256, -1)
	if err != nil {
		return nil, fmt.Errorf("repo: decoding commit: %w", err)
	}
	var c Commit
	if err := n.Decode(&c); err != nil {
		return nil, fmt.Errorf("repo: decoding commit fields: %w", err)
	}
	return &c, nil
}

// FormatCommit builds, signs, and serializes a new commit object. The caller is responsible
// for persisting the returned bytes under the returned CID.
func FormatCommit(did string, data cid.Cid, rev string, prev *cid.Cid, signer crypto.PrivateKey) (*Commit, cid.Cid, []byte, error) {
	c := &Commit{DID: did, Version: commitVersion, Data: data, Rev: rev, Prev: prev}
	sb, err := c.signingBytes()
	if err != nil {
		return nil, cid.Undef, nil, err
	}
	sig, err := signer.HashAndSign(sb)
	if err != nil {
		return nil, cid.Undef, nil, fmt.Errorf("repo: signing commit: %w", err)
	}
	c.Sig = sig
	cc, raw, err := c.encode()
	if err != nil {
		return nil, cid.Undef, nil, err
	}
	return c, cc, raw, nil
}

// Repo is an in-memory handle on one actor's repo: its current commit plus the MST it points
// at. Mutating operations return a new Repo; the receiver is left untouched.
type Repo struct {
	cs     ContentStore
	MST    *MST
	Commit Commit
	cid    cid.Cid
}

// CID returns the CID of the repo's current (signed, serialized) commit block.
func (r *Repo) CID() cid.Cid { return r.cid }

// Create initializes a brand new, empty repo for did and persists its genesis commit.
func Create(ctx context.Context, cs ContentStore, did string, signer crypto.PrivateKey) (*Repo, error) {
	mst := NewMST(cs)
	root, err := mst.Flush(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("repo: create: flushing empty tree: %w", err)
	}
	rev := syntax.NextTID().String()
	commit, commitCID, raw, err := FormatCommit(did, root, rev, nil, signer)
	if err != nil {
		return nil, fmt.Errorf("repo: create: %w", err)
	}
	if err := cs.PutBlock(ctx, commitCID, raw, rev); err != nil {
		return nil, fmt.Errorf("repo: create: storing commit: %w", err)
	}
	return &Repo{cs: cs, MST: mst, Commit: *commit, cid: commitCID}, nil
}

// Load opens a repo at a known commit CID, lazily hydrating its MST from cs.
func Load(ctx context.Context, cs ContentStore, commitCID cid.Cid) (*Repo, error) {
	raw, ok, err := cs.GetBlock(ctx, commitCID)
	if err != nil {
		return nil, fmt.Errorf("repo: load: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("repo: load: %w: commit %s", ErrMissingBlock, commitCID)
	}
	commit, err := decodeCommit(raw)
	if err != nil {
		return nil, err
	}
	return &Repo{cs: cs, MST: LoadMST(cs, commit.Data), Commit: *commit, cid: commitCID}, nil
}

// Operation is one write within a commit: a create (Prev nil, Value set), a delete (Prev set,
// Value nil), or an update (both set).
type Operation struct {
	Path  string
	Prev  *cid.Cid
	Value *cid.Cid
}

func (op Operation) isCreate() bool { return op.Prev == nil && op.Value != nil }
func (op Operation) isDelete() bool { return op.Prev != nil && op.Value == nil }
func (op Operation) isUpdate() bool { return op.Prev != nil && op.Value != nil }

// NormalizeOps collapses repeated writes to the same path within a single ops list (which the
// wire protocol allows, e.g. a create immediately followed by an update) in to the single net
// operation needed to invert the commit back to its prevData, preserving write order and
// validating that each path's chain of Prev values is internally consistent.
func NormalizeOps(ops []Operation) ([]Operation, error) {
	order := make([]string, 0, len(ops))
	byPath := make(map[string]*Operation, len(ops))
	for _, op := range ops {
		if op.Path == "" {
			return nil, fmt.Errorf("repo: normalize ops: empty path")
		}
		if existing, ok := byPath[op.Path]; ok {
			if !cidPtrEqual(existing.Value, op.Prev) {
				return nil, fmt.Errorf("repo: normalize ops: %s: non-contiguous op chain", op.Path)
			}
			existing.Value = op.Value
			continue
		}
		cp := op
		byPath[op.Path] = &cp
		order = append(order, op.Path)
	}
	out := make([]Operation, 0, len(order))
	for _, p := range order {
		merged := *byPath[p]
		if merged.Prev == nil && merged.Value == nil {
			continue // net no-op: created then deleted within the same commit
		}
		out = append(out, merged)
	}
	return out, nil
}

func cidPtrEqual(a, b *cid.Cid) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equals(*b)
}

// InvertOp applies the inverse of op to tree in place, used to walk a received commit's MST
// back to its claimed prevData root for verification (spec §4.6).
func InvertOp(ctx context.Context, tree *MST, op *Operation) error {
	var nt *MST
	var err error
	switch {
	case op.isCreate():
		nt, err = tree.Delete(ctx, op.Path)
	case op.isDelete():
		nt, err = tree.Add(ctx, op.Path, *op.Prev)
	case op.isUpdate():
		nt, err = tree.Update(ctx, op.Path, *op.Prev)
	default:
		return fmt.Errorf("repo: invert op: %s: neither create, update, nor delete", op.Path)
	}
	if err != nil {
		return fmt.Errorf("repo: invert op: %s: %w", op.Path, err)
	}
	*tree = *nt
	return nil
}

// GetRecordCID looks up the MST value (a record's CID) at collection/rkey.
func (r *Repo) GetRecordCID(ctx context.Context, collection syntax.NSID, rkey string) (*cid.Cid, error) {
	key := collection.String() + "/" + rkey
	c, ok, err := r.MST.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("repo: %w: %s", ErrKeyNotFound, key)
	}
	return &c, nil
}

// GetRecordBytes fetches the raw DAG-CBOR record bytes at collection/rkey, verifying they hash
// to the CID recorded in the MST.
func (r *Repo) GetRecordBytes(ctx context.Context, collection syntax.NSID, rkey string) ([]byte, cid.Cid, error) {
	c, err := r.GetRecordCID(ctx, collection, rkey)
	if err != nil {
		return nil, cid.Undef, err
	}
	raw, ok, err := r.cs.GetBlock(ctx, *c)
	if err != nil {
		return nil, cid.Undef, err
	}
	if !ok {
		return nil, cid.Undef, fmt.Errorf("repo: %w: record %s", ErrMissingBlock, c)
	}
	return raw, *c, nil
}

// ApplyWrites applies a batch of record writes atomically, producing a new Repo (new MST, new
// signed commit) and the DataDiff between the previous and new trees. Writes are applied in
// the order given; ops must already describe record-level changes (record CIDs, not bytes) with
// the record blocks themselves already stored in cs by the caller.
func (r *Repo) ApplyWrites(ctx context.Context, writes []Operation, signer crypto.PrivateKey) (*Repo, *DataDiff, error) {
	oldMST := r.MST
	cur := r.MST
	for _, w := range writes {
		var err error
		switch {
		case w.isCreate():
			cur, err = cur.Add(ctx, w.Path, *w.Value)
		case w.isDelete():
			cur, err = cur.Delete(ctx, w.Path)
		case w.isUpdate():
			cur, err = cur.Update(ctx, w.Path, *w.Value)
		default:
			err = fmt.Errorf("repo: apply writes: %s: neither create, update, nor delete", w.Path)
		}
		if err != nil {
			return nil, nil, err
		}
	}

	diff, err := Diff(ctx, oldMST, cur)
	if err != nil {
		return nil, nil, fmt.Errorf("repo: apply writes: diffing: %w", err)
	}

	rev := syntax.NextTID().String()
	// Diff already serialized cur, so its new nodes are in diff.NewBlocks, not left for Flush.
	if err := r.cs.PutMany(ctx, diff.NewBlocks, rev); err != nil {
		return nil, nil, fmt.Errorf("repo: apply writes: flushing tree: %w", err)
	}
	root, err := cur.RootCID(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("repo: apply writes: computing root: %w", err)
	}
	prevCommit := r.cid
	commit, commitCID, raw, err := FormatCommit(r.Commit.DID, root, rev, &prevCommit, signer)
	if err != nil {
		return nil, nil, err
	}
	if err := r.cs.PutBlock(ctx, commitCID, raw, rev); err != nil {
		return nil, nil, fmt.Errorf("repo: apply writes: storing commit: %w", err)
	}

	return &Repo{cs: r.cs, MST: cur, Commit: *commit, cid: commitCID}, diff, nil
}

// LoadRepoFromCAR decodes a full repo CAR (as served by com.atproto.sync.getRepo, or carried in
// a firehose #sync message): its single root must be the signed commit block. All blocks are
// loaded in to an in-memory store; nothing touches durable storage here, so that a commit can be
// fully verified before anything about it is trusted.
func LoadRepoFromCAR(ctx context.Context, r io.Reader) (*Commit, *Repo, error) {
	root, bm, err := DecodeCAR(ctx, r)
	if err != nil {
		return nil, nil, err
	}
	raw, ok := bm[root]
	if !ok {
		return nil, nil, fmt.Errorf("repo: CAR root block missing from CAR body")
	}
	commit, err := decodeCommit(raw)
	if err != nil {
		return nil, nil, err
	}
	mem := NewMemContentStore()
	if err := mem.PutMany(ctx, bm, commit.Rev); err != nil {
		return nil, nil, err
	}
	repo := &Repo{cs: mem, MST: LoadMST(mem, commit.Data), Commit: *commit, cid: root}
	return commit, repo, nil
}

// LoadCommitFromCAR decodes just the signed commit out of a CAR stream (as carried in a
// firehose #sync message), without materializing the rest of the tree. The returned CID is the
// CAR's root (the commit block's own CID).
func LoadCommitFromCAR(ctx context.Context, r io.Reader) (*Commit, cid.Cid, error) {
	root, bm, err := DecodeCAR(ctx, r)
	if err != nil {
		return nil, cid.Undef, err
	}
	raw, ok := bm[root]
	if !ok {
		return nil, cid.Undef, fmt.Errorf("repo: CAR root block missing from CAR body")
	}
	commit, err := decodeCommit(raw)
	if err != nil {
		return nil, cid.Undef, err
	}
	return commit, root, nil
}

// FormatCommitCAR encodes a repo's full signed-commit CAR: root is the commit block, and the
// body is every block reachable from it (the full MST plus, if requested by the caller, record
// blocks already merged in to bm).
func FormatCommitCAR(ctx context.Context, commitCID cid.Cid, commitRaw []byte, bm BlockMap) ([]byte, error) {
	full := NewBlockMap()
	full.Merge(bm)
	full.Add(commitCID, commitRaw)
	var buf bytes.Buffer
	if err := EncodeCAR(ctx, &buf, commitCID, full); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
