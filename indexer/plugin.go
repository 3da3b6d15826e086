package indexer

import (
	"context"
	"fmt"
	"sync"

	"github.com/atpcore/federation/atproto/syntax"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RecordPlugin materialises one collection's records into relational rows. Dispatch is by
// collection NSID rather than a tagged union of known record types, since collections are
// added to the protocol far more often than the dispatch shape itself changes.
type RecordPlugin interface {
	// Collection returns the NSID this plugin handles, e.g. "app.bsky.feed.like".
	Collection() string
	Insert(ctx context.Context, pool *pgxpool.Pool, uri syntax.ATURI, cid string, record []byte, indexedAt string) error
	Update(ctx context.Context, pool *pgxpool.Pool, uri syntax.ATURI, cid string, record []byte, indexedAt string) error
	Delete(ctx context.Context, pool *pgxpool.Pool, uri syntax.ATURI) error
}

// Registry maps a collection NSID to the plugin responsible for it.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]RecordPlugin
}

func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]RecordPlugin)}
}

func (r *Registry) Register(p RecordPlugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[p.Collection()] = p
}

func (r *Registry) Lookup(collection string) (RecordPlugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[collection]
	return p, ok
}

// RecordOp is one insert/update/delete dispatched to a plugin, derived from a validated repo
// operation on the firehose.
type RecordOp struct {
	Action    string // "create", "update", "delete"
	URI       syntax.ATURI
	CID       string
	Record    []byte
	IndexedAt string
}

// Dispatch derives the plugin for op.URI's collection and invokes the matching method. An
// unregistered collection is not an error: most of the namespace isn't indexed.
func Dispatch(ctx context.Context, reg *Registry, pool *pgxpool.Pool, op RecordOp) error {
	collection := op.URI.Collection()
	plugin, ok := reg.Lookup(collection)
	if !ok {
		return nil
	}

	switch op.Action {
	case "create":
		return plugin.Insert(ctx, pool, op.URI, op.CID, op.Record, op.IndexedAt)
	case "update":
		return plugin.Update(ctx, pool, op.URI, op.CID, op.Record, op.IndexedAt)
	case "delete":
		return plugin.Delete(ctx, pool, op.URI)
	default:
		return fmt.Errorf("indexer: unknown op action %q", op.Action)
	}
}
