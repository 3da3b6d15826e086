// Package firehose implements the ordered, replayable commit log (C7): a durable append-only
// store keyed by a monotonic sequence number, and a websocket publisher that fans validated
// events out to resumable subscribers, bit-compatible with com.atproto.sync.subscribeRepos.
package firehose

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	cbornode "github.com/ipfs/go-ipld-cbor"
	mh "github.com/multiformats/go-multihash"
)

// Each subscribeRepos websocket message is two concatenated CBOR values: a short header naming
// the message type, then the type-specific body. Neither go-ipld-cbor nor the refmt codec
// underneath it supports decoding "one object then stop, tell me how many bytes you consumed"
// out of the box, so ParseFrame walks the raw CBOR item structure by hand to find the byte
// boundary between header and body; each half is then decoded normally.

// Header is the first CBOR value in every frame.
type Header struct {
	Op int64  `json:"op"` // 1 = message, -1 = error
	T  string `json:"t"`  // "#commit", "#identity", "#account", "#handle", "#tombstone", "#info", "#sync"
}

const (
	FrameOpMessage = int64(1)
	FrameOpError   = int64(-1)
)

const (
	TypeCommit    = "#commit"
	TypeSync      = "#sync"
	TypeIdentity  = "#identity"
	TypeAccount   = "#account"
	TypeHandle    = "#handle"    // deprecated, kept for wire compatibility
	TypeTombstone = "#tombstone" // deprecated, kept for wire compatibility
	TypeInfo      = "#info"
)

type RepoOp struct {
	Action string   `json:"action"` // "create", "update", "delete"
	Path   string   `json:"path"`
	Cid    *cid.Cid `json:"cid"`
	Prev   *cid.Cid `json:"prev"`
}

type CommitBody struct {
	Seq      int64    `json:"seq"`
	Rebase   bool     `json:"rebase"`
	TooBig   bool     `json:"tooBig"`
	Repo     string   `json:"repo"`
	Commit   cid.Cid  `json:"commit"`
	Prev     *cid.Cid `json:"prev"`
	Rev      string   `json:"rev"`
	Since    *string  `json:"since"`
	Blocks   []byte   `json:"blocks"`
	Ops      []RepoOp `json:"ops"`
	Blobs    []cid.Cid `json:"blobs"`
	PrevData *cid.Cid `json:"prevData"`
	Time     string   `json:"time"`
}

type SyncBody struct {
	Did    string `json:"did"`
	Seq    int64  `json:"seq"`
	Rev    string `json:"rev"`
	Blocks []byte `json:"blocks"`
	Time   string `json:"time"`
}

type IdentityBody struct {
	Did    string  `json:"did"`
	Seq    int64   `json:"seq"`
	Time   string  `json:"time"`
	Handle *string `json:"handle"`
}

type AccountBody struct {
	Did    string  `json:"did"`
	Seq    int64   `json:"seq"`
	Time   string  `json:"time"`
	Active bool    `json:"active"`
	Status *string `json:"status"`
}

type InfoBody struct {
	Name    string  `json:"name"` // "OutdatedCursor", "ConsumerTooSlow"
	Message *string `json:"message"`
}

// ParseFrame splits a raw websocket message in to its header and raw body bytes.
func ParseFrame(data []byte) (Header, []byte, error) {
	hlen, err := cborSkip(data, 0)
	if err != nil {
		return Header{}, nil, fmt.Errorf("firehose: scanning frame header: %w", err)
	}
	n, err := cbornode.Decode(data[:hlen], mh.SHA2_256, -1)
	if err != nil {
		return Header{}, nil, fmt.Errorf("firehose: decoding frame header: %w", err)
	}
	var h Header
	if err := n.Decode(&h); err != nil {
		return Header{}, nil, fmt.Errorf("firehose: decoding frame header fields: %w", err)
	}
	return h, data[hlen:], nil
}

// EncodeFrame concatenates an encoded header with an already-encoded body.
func EncodeFrame(h Header, body []byte) ([]byte, error) {
	n, err := cbornode.WrapObject(h, mh.SHA2_256, -1)
	if err != nil {
		return nil, fmt.Errorf("firehose: encoding frame header: %w", err)
	}
	out := make([]byte, 0, len(n.RawData())+len(body))
	out = append(out, n.RawData()...)
	out = append(out, body...)
	return out, nil
}

// EncodeBody is a convenience wrapper for the common "wrap one Go value as dag-cbor" step used
// for every frame body type.
func EncodeBody(v any) ([]byte, error) {
	n, err := cbornode.WrapObject(v, mh.SHA2_256, -1)
	if err != nil {
		return nil, fmt.Errorf("firehose: encoding frame body: %w", err)
	}
	return n.RawData(), nil
}

func DecodeBody(data []byte, v any) error {
	n, err := cbornode.Decode(data, mh.SHA2_256, -1)
	if err != nil {
		return fmt.Errorf("firehose: decoding frame body: %w", err)
	}
	return n.Decode(v)
}

// cborSkip returns the offset just past the single, complete CBOR (major-type/RFC 8949) item
// starting at pos, recursing in to arrays/maps/tagged values as needed to find their end. Only
// definite-length items are supported, which is all dag-cbor (and this wire format) ever emits.
func cborSkip(data []byte, pos int) (int, error) {
	if pos >= len(data) {
		return 0, io.ErrUnexpectedEOF
	}
	b := data[pos]
	major := b >> 5
	info := b & 0x1f

	var arg uint64
	consumed := 1
	switch {
	case info < 24:
		arg = uint64(info)
	case info == 24:
		if pos+2 > len(data) {
			return 0, io.ErrUnexpectedEOF
		}
		arg = uint64(data[pos+1])
		consumed = 2
	case info == 25:
		if pos+3 > len(data) {
			return 0, io.ErrUnexpectedEOF
		}
		arg = uint64(binary.BigEndian.Uint16(data[pos+1 : pos+3]))
		consumed = 3
	case info == 26:
		if pos+5 > len(data) {
			return 0, io.ErrUnexpectedEOF
		}
		arg = uint64(binary.BigEndian.Uint32(data[pos+1 : pos+5]))
		consumed = 5
	case info == 27:
		if pos+9 > len(data) {
			return 0, io.ErrUnexpectedEOF
		}
		arg = binary.BigEndian.Uint64(data[pos+1 : pos+9])
		consumed = 9
	default:
		return 0, fmt.Errorf("firehose: indefinite-length CBOR items are not supported")
	}

	end := pos + consumed
	var err error
	switch major {
	case 0, 1, 7:
		// integers and simple/float values carry no further body.
	case 2, 3:
		end += int(arg)
	case 4:
		for i := uint64(0); i < arg; i++ {
			if end, err = cborSkip(data, end); err != nil {
				return 0, err
			}
		}
	case 5:
		for i := uint64(0); i < 2*arg; i++ {
			if end, err = cborSkip(data, end); err != nil {
				return 0, err
			}
		}
	case 6:
		if end, err = cborSkip(data, end); err != nil {
			return 0, err
		}
	}
	if end > len(data) {
		return 0, io.ErrUnexpectedEOF
	}
	return end, nil
}
