package repo

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
)

// DataDiff describes the record-level and block-level changes between two versions of a
// repo's MST, per spec §4.2. It is computed once per commit and drives both the firehose
// commit event body (new_blocks, removed_blocks, ops) and the indexer's view of what changed.
type DataDiff struct {
	Adds    map[string]cid.Cid // rpath -> new record CID
	Updates map[string]DiffUpdate
	Deletes map[string]cid.Cid // rpath -> old record CID

	NewBlocks     BlockMap       // MST structural blocks introduced since the previous root
	RemovedBlocks map[cid.Cid]struct{}
}

type DiffUpdate struct {
	Old cid.Cid
	New cid.Cid
}

// Diff compares old (the previously committed tree, already fully persisted) against new (the
// tree after applying this commit's writes, not yet required to be flushed). Record-level
// changes are found via a merge-compare over both trees' sorted key order; new_blocks is read
// directly off new's not-yet-stored nodes, and removed_blocks is the set difference of the two
// trees' full structural node sets.
func Diff(ctx context.Context, oldTree, newTree *MST) (*DataDiff, error) {
	oldEntries, err := oldTree.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("repo: diff: walking old tree: %w", err)
	}
	newEntries, err := newTree.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("repo: diff: walking new tree: %w", err)
	}

	d := &DataDiff{
		Adds:    make(map[string]cid.Cid),
		Updates: make(map[string]DiffUpdate),
		Deletes: make(map[string]cid.Cid),
	}

	i, j := 0, 0
	for i < len(oldEntries) && j < len(newEntries) {
		o, n := oldEntries[i], newEntries[j]
		switch {
		case o.Key == n.Key:
			if !o.Value.Equals(n.Value) {
				d.Updates[o.Key] = DiffUpdate{Old: o.Value, New: n.Value}
			}
			i++
			j++
		case o.Key < n.Key:
			d.Deletes[o.Key] = o.Value
			i++
		default:
			d.Adds[n.Key] = n.Value
			j++
		}
	}
	for ; i < len(oldEntries); i++ {
		d.Deletes[oldEntries[i].Key] = oldEntries[i].Value
	}
	for ; j < len(newEntries); j++ {
		d.Adds[newEntries[j].Key] = newEntries[j].Value
	}

	_, newBlocks, err := newTree.GetUnstoredBlocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("repo: diff: collecting new blocks: %w", err)
	}
	d.NewBlocks = newBlocks

	oldCIDs, err := oldTree.allNodeCIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("repo: diff: walking old node set: %w", err)
	}
	newCIDs, err := newTree.allNodeCIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("repo: diff: walking new node set: %w", err)
	}
	d.RemovedBlocks = make(map[cid.Cid]struct{})
	for c := range oldCIDs {
		if _, ok := newCIDs[c]; !ok {
			d.RemovedBlocks[c] = struct{}{}
		}
	}

	return d, nil
}

// allNodeCIDs returns the CID of every MST structural node reachable from t. t must already be
// fully serialized (RootCID/Flush called) so that every node, including freshly edited ones,
// carries a pointer.
func (t *MST) allNodeCIDs(ctx context.Context) (map[cid.Cid]struct{}, error) {
	out := make(map[cid.Cid]struct{})
	if err := t.collectNodeCIDs(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *MST) collectNodeCIDs(ctx context.Context, out map[cid.Cid]struct{}) error {
	if err := t.hydrate(ctx); err != nil {
		return err
	}
	if t.pointer != cid.Undef {
		if _, seen := out[t.pointer]; seen {
			return nil
		}
		out[t.pointer] = struct{}{}
	}
	if t.node.left != nil {
		if err := t.node.left.collectNodeCIDs(ctx, out); err != nil {
			return err
		}
	}
	for _, e := range t.node.entries {
		if e.right != nil {
			if err := e.right.collectNodeCIDs(ctx, out); err != nil {
				return err
			}
		}
	}
	return nil
}
