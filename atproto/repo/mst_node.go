package repo

import (
	"fmt"

	"github.com/ipfs/go-cid"
	cbornode "github.com/ipfs/go-ipld-cbor"
	sha256simd "github.com/minio/sha256-simd"
	mh "github.com/multiformats/go-multihash"
)

// nodeData is the on-the-wire DAG-CBOR encoding of one MST node, matching the atproto MST
// schema: an optional pointer to the subtree holding keys below the node's first entry,
// followed by an ordered list of entries. Field names match the wire schema exactly
// ("l", "e", "p", "k", "v", "t") so that blocks we write interoperate with any other atproto
// implementation reading them back.
type nodeData struct {
	Left    *cid.Cid        `json:"l"`
	Entries []treeEntryData `json:"e"`
}

// treeEntryData is one entry in a node: a key (reconstructed on read by prepending PrefixLen
// bytes of the previous entry's full key), its value CID, and an optional subtree pointer for
// keys between this entry and the next.
type treeEntryData struct {
	PrefixLen int64   `json:"p"`
	KeySuffix []byte  `json:"k"`
	Value     cid.Cid `json:"v"`
	Right     *cid.Cid `json:"t"`
}

// encodeNode serializes a nodeData to canonical DAG-CBOR bytes and computes its CID.
func encodeNode(nd nodeData) (cid.Cid, []byte, error) {
	n, err := cbornode.WrapObject(nd, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("repo: encoding MST node: %w", err)
	}
	return n.Cid(), n.RawData(), nil
}

// decodeNode parses raw DAG-CBOR bytes in to a nodeData. It does not check the bytes against
// any expected CID.
func decodeNode(data []byte) (nodeData, error) {
	n, err := cbornode.Decode(data, mh.SHA2_256, -1)
	if err != nil {
		return nodeData{}, fmt.Errorf("repo: decoding MST node: %w", err)
	}
	var nd nodeData
	if err := n.Decode(&nd); err != nil {
		return nodeData{}, fmt.Errorf("repo: decoding MST node fields: %w", err)
	}
	return nd, nil
}

// leadingZeroNibbles computes an MST key's layer: the count of leading zero hex digits
// ("half-nibbles") in SHA-256(key), per spec §3/§4.2.
func leadingZeroNibbles(key string) int {
	h := sha256simd.Sum256([]byte(key))
	n := 0
	for _, b := range h {
		if b == 0x00 {
			n += 2
			continue
		}
		if b < 0x10 {
			n++
		}
		break
	}
	return n
}

// keyLayer is the package-internal name for a key's natural layer in the tree, used by the
// insert, delete and layer logic in mst.go.
func keyLayer(key string) int { return leadingZeroNibbles(key) }
