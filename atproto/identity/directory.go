package identity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/RussellLuo/slidingwindow"
	"github.com/atpcore/federation/atproto/syntax"
)

// Directory resolves DIDs and handles to Identity values, caching and rate-limiting outbound
// lookups the way a relay, ingester, or indexer shares a single directory instance across all
// of its workers (spec §4.9/§4.10).
type Directory interface {
	LookupDID(ctx context.Context, did syntax.DID) (*Identity, error)
	LookupHandle(ctx context.Context, handle string) (*Identity, error)
}

// CachedDirectory is the default Directory: did:plc and did:web resolvers behind a fresh/
// stale/expired TTL cache, a handle resolver, and a shared sliding-window rate budget on
// outbound PLC directory requests (so a crawl of many new repos can't overwhelm plc.directory).
type CachedDirectory struct {
	plc    *PLCResolver
	web    *WebResolver
	handle *HandleResolver
	cache  *Cache
	limit  *slidingwindow.Limiter

	log *slog.Logger
}

type CachedDirectoryConfig struct {
	PLCURL           string
	Timeout          time.Duration
	FreshFor         time.Duration
	StaleFor         time.Duration
	LocalCacheSize   int
	PLCRateLimit     int64         // requests per PLCRateWindow
	PLCRateWindow    time.Duration
	BackupNameservers []string
}

func NewCachedDirectory(cfg CachedDirectoryConfig) (*CachedDirectory, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.FreshFor == 0 {
		cfg.FreshFor = time.Minute
	}
	if cfg.StaleFor == 0 {
		cfg.StaleFor = time.Hour
	}
	if cfg.LocalCacheSize == 0 {
		cfg.LocalCacheSize = 100_000
	}
	if cfg.PLCRateLimit == 0 {
		cfg.PLCRateLimit = 500
	}
	if cfg.PLCRateWindow == 0 {
		cfg.PLCRateWindow = time.Second
	}

	limiter, _, err := slidingwindow.NewLimiter(cfg.PLCRateWindow, cfg.PLCRateLimit, func() (slidingwindow.Window, error) {
		return slidingwindow.NewLocalWindow()
	})
	if err != nil {
		return nil, fmt.Errorf("identity: building rate limiter: %w", err)
	}

	return &CachedDirectory{
		plc:    NewPLCResolver(cfg.PLCURL, cfg.Timeout),
		web:    NewWebResolver(cfg.Timeout),
		handle: NewHandleResolver(cfg.Timeout, cfg.BackupNameservers),
		cache:  NewCache(cfg.FreshFor, cfg.StaleFor, cfg.LocalCacheSize, nil),
		limit:  limiter,
		log:    slog.Default().With("system", "identity"),
	}, nil
}

// LookupDID resolves did, serving a fresh or stale cache hit immediately (kicking off a
// background refresh for stale hits) and only blocking on a real lookup for a miss or expired
// entry.
func (d *CachedDirectory) LookupDID(ctx context.Context, did syntax.DID) (*Identity, error) {
	res, err := d.cache.Check(ctx, did.String())
	if err != nil {
		return nil, err
	}
	if res != nil {
		if res.Stale {
			go d.refresh(context.Background(), did)
		}
		if !res.Expired {
			return newIdentity(did, res.Doc), nil
		}
	}
	doc, err := d.resolveNoCache(ctx, did)
	if err != nil {
		if err == ErrNotFound {
			d.cache.Clear(ctx, did.String())
		}
		return nil, err
	}
	if err := d.cache.Put(ctx, did.String(), *doc); err != nil {
		d.log.Warn("cache put failed", "did", did.String(), "err", err)
	}
	return newIdentity(did, *doc), nil
}

func (d *CachedDirectory) refresh(ctx context.Context, did syntax.DID) {
	doc, err := d.resolveNoCache(ctx, did)
	if err != nil {
		d.log.Warn("background refresh failed", "did", did.String(), "err", err)
		return
	}
	if err := d.cache.Put(ctx, did.String(), *doc); err != nil {
		d.log.Warn("background refresh cache put failed", "did", did.String(), "err", err)
	}
}

func (d *CachedDirectory) resolveNoCache(ctx context.Context, did syntax.DID) (*Document, error) {
	method := did.Method()
	switch method {
	case "plc":
		if !d.limit.Allow() {
			return nil, fmt.Errorf("identity: plc directory rate limit exceeded")
		}
		return d.plc.Resolve(ctx, did.String())
	case "web":
		return d.web.Resolve(ctx, did.String())
	default:
		return nil, fmt.Errorf("identity: unsupported DID method %q", method)
	}
}

// LookupHandle resolves a handle to its claimed DID via DNS/HTTPS, then confirms the
// bidirectional link by resolving that DID and checking that its declared handle (the first
// at:// alsoKnownAs entry) matches, case-insensitively (spec §4.10's handle verification step).
func (d *CachedDirectory) LookupHandle(ctx context.Context, handle string) (*Identity, error) {
	handle = strings.ToLower(strings.TrimSuffix(handle, "."))
	didStr, err := d.handle.Resolve(ctx, handle)
	if err != nil {
		return nil, err
	}
	if didStr == "" {
		return nil, ErrNotFound
	}
	did, err := syntax.ParseDID(didStr)
	if err != nil {
		return nil, fmt.Errorf("identity: handle %s resolved to invalid DID %q: %w", handle, didStr, err)
	}
	ident, err := d.LookupDID(ctx, did)
	if err != nil {
		return nil, err
	}
	if !ident.HasHandle || !strings.EqualFold(ident.Handle, handle) {
		return nil, fmt.Errorf("identity: handle %s does not verify against DID %s's declared handle", handle, did.String())
	}
	return ident, nil
}
