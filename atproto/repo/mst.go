package repo

import (
	"context"
	"fmt"
	"sort"

	"github.com/ipfs/go-cid"
)

// MST is an immutable, content-addressed Merkle Search Tree node. Mutating operations
// (Add/Update/Delete) return a new MST value; the receiver is never modified. Child subtrees
// are hydrated from the backing ContentStore lazily, only as an operation's recursion actually
// reaches them.
type MST struct {
	cs      ContentStore
	pointer cid.Cid // cid.Undef until RootCID has been called and the node serialized
	node    *hydratedNode
}

type hydratedNode struct {
	left    *MST
	entries []mstEntry
}

type mstEntry struct {
	key   string
	value cid.Cid
	right *MST
}

// NewMST returns an empty tree backed by cs.
func NewMST(cs ContentStore) *MST {
	return &MST{cs: cs, node: &hydratedNode{}}
}

// LoadMST returns a tree rooted at an existing, already-stored node.
func LoadMST(cs ContentStore, root cid.Cid) *MST {
	return &MST{cs: cs, pointer: root}
}

func (t *MST) isHydrated() bool { return t.node != nil }

// hydrate decodes this node's wire representation from the content store, if it has not been
// already. Child pointers are constructed as un-hydrated MST stubs; they are only decoded in
// turn if and when an operation recurses in to them.
func (t *MST) hydrate(ctx context.Context) error {
	if t.isHydrated() {
		return nil
	}
	if t.pointer == cid.Undef {
		return fmt.Errorf("repo: MST node has neither pointer nor in-memory state")
	}
	raw, ok, err := t.cs.GetBlock(ctx, t.pointer)
	if err != nil {
		return fmt.Errorf("repo: loading MST node %s: %w", t.pointer, err)
	}
	if !ok {
		return fmt.Errorf("repo: %w: MST node %s", ErrMissingBlock, t.pointer)
	}
	nd, err := decodeNode(raw)
	if err != nil {
		return err
	}

	hn := &hydratedNode{}
	if nd.Left != nil {
		hn.left = LoadMST(t.cs, *nd.Left)
	}
	prevKey := ""
	hn.entries = make([]mstEntry, 0, len(nd.Entries))
	for _, e := range nd.Entries {
		if int(e.PrefixLen) > len(prevKey) {
			return fmt.Errorf("repo: MST node %s: prefix_len exceeds previous key length", t.pointer)
		}
		key := prevKey[:e.PrefixLen] + string(e.KeySuffix)
		me := mstEntry{key: key, value: e.Value}
		if e.Right != nil {
			me.right = LoadMST(t.cs, *e.Right)
		}
		hn.entries = append(hn.entries, me)
		prevKey = key
	}
	t.node = hn
	return nil
}

// layer returns the layer this node's entries belong to. An empty node (no entries, used
// transiently during edits) has no well-defined layer of its own; callers track the intended
// layer out of band in that case.
func (t *MST) layer(ctx context.Context) (int, error) {
	if err := t.hydrate(ctx); err != nil {
		return 0, err
	}
	if len(t.node.entries) == 0 {
		if t.node.left != nil {
			l, err := t.node.left.layer(ctx)
			if err != nil {
				return 0, err
			}
			return l + 1, err
		}
		return 0, nil
	}
	return keyLayer(t.node.entries[0].key), nil
}

func (t *MST) dirty() *MST {
	if t.isHydrated() {
		return t
	}
	cp := *t
	return &cp
}

func cloneEmptyAt(cs ContentStore) *MST {
	return &MST{cs: cs, node: &hydratedNode{}}
}

// Get returns the value CID stored at key, if present.
func (t *MST) Get(ctx context.Context, key string) (cid.Cid, bool, error) {
	if err := t.hydrate(ctx); err != nil {
		return cid.Undef, false, err
	}
	idx, exact := t.findEntry(key)
	if exact {
		return t.node.entries[idx].value, true, nil
	}
	sub := t.subtreeBefore(idx)
	if sub == nil {
		return cid.Undef, false, nil
	}
	return sub.Get(ctx, key)
}

// findEntry returns the index of key if present (exact=true), or the index of the first entry
// with a key greater than the target (the insertion point), if not.
func (t *MST) findEntry(key string) (idx int, exact bool) {
	entries := t.node.entries
	i := sort.Search(len(entries), func(i int) bool { return entries[i].key >= key })
	if i < len(entries) && entries[i].key == key {
		return i, true
	}
	return i, false
}

// subtreeBefore returns the subtree pointer covering keys immediately before entries[idx]:
// either the previous entry's `right`, or the node's `left` if idx==0.
func (t *MST) subtreeBefore(idx int) *MST {
	if idx == 0 {
		return t.node.left
	}
	return t.node.entries[idx-1].right
}

// Add inserts a new key; it is an error if the key already exists (use Update to overwrite).
func (t *MST) Add(ctx context.Context, key string, value cid.Cid) (*MST, error) {
	if _, ok, err := t.Get(ctx, key); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("repo: %w: %s", ErrKeyExists, key)
	}
	return t.insert(ctx, key, value)
}

// Update overwrites the value at an existing key; it is an error if the key is absent.
func (t *MST) Update(ctx context.Context, key string, value cid.Cid) (*MST, error) {
	if _, ok, err := t.Get(ctx, key); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("repo: %w: %s", ErrKeyNotFound, key)
	}
	return t.insert(ctx, key, value)
}

func (t *MST) insert(ctx context.Context, key string, value cid.Cid) (*MST, error) {
	if err := t.hydrate(ctx); err != nil {
		return nil, err
	}
	nodeLayer, err := t.layer(ctx)
	if err != nil {
		return nil, err
	}
	keyL := keyLayer(key)

	if len(t.node.entries) == 0 && t.node.left == nil {
		// genuinely empty tree: the new entry defines the tree's layer.
		out := cloneEmptyAt(t.cs)
		out.node.entries = []mstEntry{{key: key, value: value}}
		return out, nil
	}

	if keyL > nodeLayer {
		// the new key belongs above the current root; wrap the existing tree as a subtree
		// of a fresh single-entry node, growing new layers until they match.
		under := t
		for l := nodeLayer; l < keyL; l++ {
			parent := cloneEmptyAt(t.cs)
			if l == keyL-1 {
				// place `under` on the correct side of the new entry based on key order.
				// Since under's layer is strictly below keyL at this final step, and all of
				// under's keys are on one side of `key` (layers are a hash property
				// independent of key order, so we must check explicitly).
				less, err := under.allKeysLessThan(ctx, key)
				if err != nil {
					return nil, err
				}
				if less {
					parent.node.left = under
					parent.node.entries = []mstEntry{{key: key, value: value}}
				} else {
					parent.node.entries = []mstEntry{{key: key, value: value, right: under}}
				}
			} else {
				parent.node.left = under
			}
			under = parent
		}
		return under, nil
	}

	if keyL == nodeLayer {
		idx, exact := t.findEntry(key)
		if exact {
			out := t.dirty()
			out.node = cloneNodeShallow(t.node)
			out.node.entries[idx].value = value
			out.pointer = cid.Undef
			return out, nil
		}
		span := t.subtreeBefore(idx)
		var left, right *MST
		var err error
		if span != nil {
			left, right, err = span.splitAround(ctx, key)
			if err != nil {
				return nil, err
			}
		}
		out := cloneEmptyAt(t.cs)
		out.node.left = t.node.left
		if idx == 0 {
			out.node.left = left
		}
		newEntries := make([]mstEntry, 0, len(t.node.entries)+1)
		newEntries = append(newEntries, t.node.entries[:idx]...)
		if idx > 0 {
			newEntries[idx-1].right = left
		}
		newEntries = append(newEntries, mstEntry{key: key, value: value, right: right})
		newEntries = append(newEntries, t.node.entries[idx:]...)
		out.node.entries = newEntries
		return out, nil
	}

	// keyL < nodeLayer: descend in to the subtree that should contain key.
	idx, _ := t.findEntry(key)
	sub := t.subtreeBefore(idx)
	if sub == nil {
		sub = cloneEmptyAt(t.cs)
	}
	newSub, err := sub.insert(ctx, key, value)
	if err != nil {
		return nil, err
	}
	out := cloneEmptyAt(t.cs)
	out.node.left = t.node.left
	out.node.entries = append([]mstEntry{}, t.node.entries...)
	if idx == 0 {
		out.node.left = newSub
	} else {
		out.node.entries[idx-1].right = newSub
	}
	return out, nil
}

// allKeysLessThan reports whether every key in this subtree sorts before target. Used only
// while growing the root by one or more layers, where the existing tree must land entirely on
// one side of the newly-inserted key.
func (t *MST) allKeysLessThan(ctx context.Context, target string) (bool, error) {
	if err := t.hydrate(ctx); err != nil {
		return false, err
	}
	if len(t.node.entries) == 0 {
		if t.node.left == nil {
			return true, nil
		}
		return t.node.left.allKeysLessThan(ctx, target)
	}
	last := t.node.entries[len(t.node.entries)-1]
	if last.right != nil {
		return last.right.allKeysLessThan(ctx, target)
	}
	return last.key < target, nil
}

func cloneNodeShallow(n *hydratedNode) *hydratedNode {
	out := &hydratedNode{left: n.left, entries: append([]mstEntry{}, n.entries...)}
	return out
}

// splitAround partitions this subtree in to (keys < at, keys > at); `at` itself must not be
// present. Used when inserting a key whose layer places it inside a span currently covered by
// a single lower-layer subtree.
func (t *MST) splitAround(ctx context.Context, at string) (left, right *MST, err error) {
	if err := t.hydrate(ctx); err != nil {
		return nil, nil, err
	}
	idx, exact := t.findEntry(at)
	if exact {
		return nil, nil, fmt.Errorf("repo: splitAround: key %q already present", at)
	}

	l := cloneEmptyAt(t.cs)
	l.node.left = t.node.left
	l.node.entries = append([]mstEntry{}, t.node.entries[:idx]...)

	r := cloneEmptyAt(t.cs)
	r.node.entries = append([]mstEntry{}, t.node.entries[idx:]...)

	span := t.node.left
	if idx > 0 {
		span = t.node.entries[idx-1].right
	}
	if span != nil {
		splitL, splitR, err := span.splitAround(ctx, at)
		if err != nil {
			return nil, nil, err
		}
		if idx > 0 {
			l.node.entries[len(l.node.entries)-1].right = splitL
		} else {
			l.node.left = splitL
		}
		r.node.left = splitR
	}

	if len(l.node.entries) == 0 && l.node.left == nil {
		l = nil
	}
	if len(r.node.entries) == 0 && r.node.left == nil {
		r = nil
	}
	return l, r, nil
}

// Delete removes key; it is an error if the key is absent.
func (t *MST) Delete(ctx context.Context, key string) (*MST, error) {
	if err := t.hydrate(ctx); err != nil {
		return nil, err
	}
	idx, exact := t.findEntry(key)
	if !exact {
		return nil, fmt.Errorf("repo: %w: %s", ErrKeyNotFound, key)
	}

	nodeLayer, err := t.layer(ctx)
	if err != nil {
		return nil, err
	}
	if keyLayer(key) != nodeLayer {
		return nil, fmt.Errorf("repo: inconsistent MST: key %q layer does not match node", key)
	}

	leftSub := t.subtreeBefore(idx)
	rightSub := t.node.entries[idx].right

	merged, err := mergeSubtrees(ctx, leftSub, rightSub)
	if err != nil {
		return nil, err
	}

	out := cloneEmptyAt(t.cs)
	out.node.left = t.node.left
	out.node.entries = append([]mstEntry{}, t.node.entries[:idx]...)
	if idx > 0 {
		out.node.entries[idx-1].right = merged
	} else {
		out.node.left = merged
	}
	out.node.entries = append(out.node.entries, t.node.entries[idx+1:]...)

	if len(out.node.entries) == 0 && out.node.left != nil {
		// collapse a now-entry-less layer: the tree continues at out.node.left's own layer.
		return out.node.left, nil
	}
	return out, nil
}

// mergeSubtrees combines the subtree ending just before a deleted entry with the subtree
// starting just after it. Both cover disjoint key ranges, so this is a concatenation, not a
// structural merge; if both are non-nil they must be at the same layer (an MST invariant), so
// we append right's entries after left's, and the two subtrees that meet at the seam (left's
// rightmost subtree and right's leftmost) are merged the same way, recursively.
func mergeSubtrees(ctx context.Context, left, right *MST) (*MST, error) {
	if left == nil {
		return right, nil
	}
	if right == nil {
		return left, nil
	}
	if err := left.hydrate(ctx); err != nil {
		return nil, err
	}
	if err := right.hydrate(ctx); err != nil {
		return nil, err
	}
	out := cloneEmptyAt(left.cs)
	out.node.left = left.node.left
	out.node.entries = append(append([]mstEntry{}, left.node.entries...), right.node.entries...)
	if last := len(left.node.entries) - 1; last >= 0 {
		seam, err := mergeSubtrees(ctx, left.node.entries[last].right, right.node.left)
		if err != nil {
			return nil, err
		}
		out.node.entries[last].right = seam
	} else {
		seam, err := mergeSubtrees(ctx, left.node.left, right.node.left)
		if err != nil {
			return nil, err
		}
		out.node.left = seam
	}
	return out, nil
}

// RootCID serializes any not-yet-serialized nodes reachable from this tree (bottom-up) and
// returns the resulting root CID. It writes nothing to the ContentStore, and the encoded blocks
// are discarded. It is idempotent: calling it twice with no edits in between returns the same
// CID.
func (t *MST) RootCID(ctx context.Context) (cid.Cid, error) {
	c, _, err := t.serialize(ctx, NewBlockMap())
	return c, err
}

// GetUnstoredBlocks serializes the tree and returns the block of every node that had no CID
// yet. A node keeps its CID once serialized, so nodes already serialized by an earlier RootCID,
// GetUnstoredBlocks or Flush call are not returned again, whether or not they were stored.
func (t *MST) GetUnstoredBlocks(ctx context.Context) (cid.Cid, BlockMap, error) {
	bm := NewBlockMap()
	c, bm, err := t.serialize(ctx, bm)
	return c, bm, err
}

func (t *MST) serialize(ctx context.Context, out BlockMap) (cid.Cid, BlockMap, error) {
	if !t.isHydrated() {
		// already stored; nothing new under this pointer.
		return t.pointer, out, nil
	}
	if t.pointer != cid.Undef {
		return t.pointer, out, nil
	}
	if err := t.hydrate(ctx); err != nil {
		return cid.Undef, nil, err
	}

	nd := nodeData{}
	if t.node.left != nil {
		lc, _, err := t.node.left.serialize(ctx, out)
		if err != nil {
			return cid.Undef, nil, err
		}
		nd.Left = &lc
	}
	prevKey := ""
	for _, e := range t.node.entries {
		pl := commonPrefixLen(prevKey, e.key)
		ed := treeEntryData{
			PrefixLen: int64(pl),
			KeySuffix: []byte(e.key[pl:]),
			Value:     e.value,
		}
		if e.right != nil {
			rc, _, err := e.right.serialize(ctx, out)
			if err != nil {
				return cid.Undef, nil, err
			}
			ed.Right = &rc
		}
		nd.Entries = append(nd.Entries, ed)
		prevKey = e.key
	}

	c, raw, err := encodeNode(nd)
	if err != nil {
		return cid.Undef, nil, err
	}
	out.Add(c, raw)
	t.pointer = c
	return c, out, nil
}

// Flush writes GetUnstoredBlocks' output to the backing ContentStore under the given revision
// tag, and returns the resulting root CID.
func (t *MST) Flush(ctx context.Context, rev string) (cid.Cid, error) {
	c, bm, err := t.GetUnstoredBlocks(ctx)
	if err != nil {
		return cid.Undef, err
	}
	if len(bm) > 0 {
		if err := t.cs.PutMany(ctx, bm, rev); err != nil {
			return cid.Undef, err
		}
	}
	return c, nil
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// KV is one key/value pair as yielded by Walk.
type KV struct {
	Key   string
	Value cid.Cid
}

// Walk lazily yields every (key, value) pair in key order, hydrating only the nodes it visits.
func (t *MST) Walk(ctx context.Context, fn func(KV) (more bool, err error)) error {
	if err := t.hydrate(ctx); err != nil {
		return err
	}
	if t.node.left != nil {
		more, err := walkSubtree(ctx, t.node.left, fn)
		if err != nil || !more {
			return err
		}
	}
	for _, e := range t.node.entries {
		more, err := fn(KV{Key: e.key, Value: e.value})
		if err != nil || !more {
			return err
		}
		if e.right != nil {
			more, err = walkSubtree(ctx, e.right, fn)
			if err != nil || !more {
				return err
			}
		}
	}
	return nil
}

func walkSubtree(ctx context.Context, t *MST, fn func(KV) (bool, error)) (bool, error) {
	more := true
	err := t.Walk(ctx, func(kv KV) (bool, error) {
		m, e := fn(kv)
		more = m
		return m, e
	})
	return more, err
}

// Entries materializes the entire tree in to a sorted slice. Intended for small trees (tests,
// debug tooling); large repos should use Walk.
func (t *MST) Entries(ctx context.Context) ([]KV, error) {
	var out []KV
	err := t.Walk(ctx, func(kv KV) (bool, error) {
		out = append(out, kv)
		return true, nil
	})
	return out, err
}

// Copy returns a shallow handle to the same persisted tree, safe to mutate independently (used
// by the validator when inverting ops against a received commit's tree, per spec §4.6).
func (t *MST) Copy() MST {
	return *t
}
