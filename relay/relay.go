package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/atpcore/federation/atproto/identity"
	"github.com/atpcore/federation/atproto/repo"
	"github.com/atpcore/federation/atproto/syntax"
	"github.com/atpcore/federation/indexer"
	"github.com/atpcore/federation/ingester"
	"github.com/atpcore/federation/relay/firehose"
	"github.com/atpcore/federation/relay/models"

	lru "github.com/hashicorp/golang-lru/v2"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// RelayConfig mirrors the teacher's relay config knobs; ApplyHostClientSettings (an
// xrpc.Client hook in the teacher) has no equivalent here since this module has no xrpc
// package, so outbound HTTP tuning instead lives on HostChecker directly.
type RelayConfig struct {
	SSL                  bool
	DefaultRepoLimit     int64
	ConcurrencyPerHost   int64
	MaxQueuePerHost      int64
	SkipAccountHostCheck bool // only used for testing
}

func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		SSL:                true,
		DefaultRepoLimit:   100,
		ConcurrencyPerHost: 100,
		MaxQueuePerHost:    1_000,
	}
}

// Relay ties the crawler (Slurper), the durable staging queue (Ingester), the validator, and
// the firehose store/publisher together. A Slurper worker hands every raw frame it reads to
// Ingester; drainLoop pulls batches back out in receipt order, validates each one, and on
// success re-broadcasts it on this relay's own firehose.
type Relay struct {
	db     *gorm.DB
	dir    identity.Directory
	Logger *slog.Logger

	Slurper     *Slurper
	Ingester    *ingester.Ingester
	Validator   *Validator
	HostChecker HostChecker
	Store       *firehose.Store
	Publisher   *firehose.Publisher

	Config RelayConfig

	// redisClient, when non-nil, is where validated create/update/delete ops are published, on
	// the indexStream stream, for the indexer's (C8) RedisConsumer to pick up — the bridge between this relay's own
	// firehose (the external-subscriber-facing C7 layer) and rsky-indexer's stream-consumer-
	// group architecture.
	redisClient *goredis.Client
	indexStream string

	extUserLk sync.Mutex

	accountCache *lru.Cache[string, *models.Account]
}

// DefaultIndexStream is the Redis stream name the indexer's RedisConsumer reads validated
// record ops from.
const DefaultIndexStream = "firehose_live"

func NewRelay(db *gorm.DB, vldtr *Validator, ig *ingester.Ingester, store *firehose.Store, publisher *firehose.Publisher, dir identity.Directory, redisClient *goredis.Client, config *RelayConfig) (*Relay, error) {
	if config == nil {
		config = DefaultRelayConfig()
	}

	uc, _ := lru.New[string, *models.Account](2_000_000)

	r := &Relay{
		db:           db,
		dir:          dir,
		Logger:       slog.Default().With("system", "relay"),
		Ingester:     ig,
		Validator:    vldtr,
		HostChecker:  NewHostClient("atpcore-relay"),
		Store:        store,
		Publisher:    publisher,
		Config:       *config,
		accountCache: uc,
		redisClient:  redisClient,
		indexStream:  DefaultIndexStream,
	}

	if err := r.MigrateDatabase(); err != nil {
		return nil, err
	}

	slOpts := DefaultSlurperConfig()
	slOpts.SSL = config.SSL
	slOpts.DefaultRepoLimit = config.DefaultRepoLimit
	slOpts.ConcurrencyPerHost = config.ConcurrencyPerHost
	slOpts.MaxQueuePerHost = config.MaxQueuePerHost
	s, err := NewSlurper(db, ig, slOpts, r.Logger)
	if err != nil {
		return nil, err
	}
	r.Slurper = s

	go r.drainLoop(context.Background())

	if err := r.Slurper.RestartAll(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Relay) MigrateDatabase() error {
	if err := r.db.AutoMigrate(&models.DomainBan{}); err != nil {
		return err
	}
	if err := r.db.AutoMigrate(&models.Host{}); err != nil {
		return err
	}
	if err := r.db.AutoMigrate(&models.Account{}); err != nil {
		return err
	}
	if err := r.db.AutoMigrate(&models.AccountRepo{}); err != nil {
		return err
	}
	return nil
}

func (r *Relay) Healthcheck() error {
	return r.db.Exec("SELECT 1").Error
}

// drainLoop is the validator side of C6: it pulls batches the Ingester has durably staged, in
// receipt order, validates each one, and acks the raw queue once every event in the batch has
// been handled (whether accepted or rejected — a rejected event is not retried).
func (r *Relay) drainLoop(ctx context.Context) {
	for batch := range r.Ingester.Batches() {
		var maxSeq int64
		for _, raw := range batch {
			if raw.Seq > maxSeq {
				maxSeq = raw.Seq
			}
			env, err := firehose.DecodeEnvelope(raw.Frame)
			if err != nil {
				r.Logger.Warn("dropping malformed raw event", "host", raw.Hostname, "err", err)
				continue
			}
			if err := r.handleFedEvent(ctx, raw.Hostname, env); err != nil {
				r.Logger.Info("commit rejected", "host", raw.Hostname, "err", err)
			}
		}
		if err := r.Ingester.Ack(maxSeq); err != nil {
			r.Logger.Warn("acking raw queue failed", "err", err)
		}
	}
}

// handleFedEvent runs validation on whichever message type arrived, and on success re-encodes
// and appends the frame to this relay's own firehose so that Publisher.Notify fans it out to
// subscribers under a relay-assigned seq.
func (r *Relay) handleFedEvent(ctx context.Context, hostname string, env *firehose.Envelope) error {
	var host models.Host
	if err := r.db.Where("hostname = ?", hostname).FirstOrCreate(&host, models.Host{Hostname: hostname}).Error; err != nil {
		return fmt.Errorf("relay: loading host %s: %w", hostname, err)
	}

	switch {
	case env.Commit != nil:
		return r.handleCommit(ctx, &host, env.Commit)
	case env.Sync != nil:
		return r.handleSync(ctx, &host, env.Sync)
	case env.Identity != nil, env.Account != nil:
		return r.republish(env.Header, mustBody(env))
	default:
		return nil // #info frames from upstream are not re-published
	}
}

func (r *Relay) handleCommit(ctx context.Context, host *models.Host, msg *firehose.CommitBody) error {
	did, err := syntax.ParseDID(msg.Repo)
	if err != nil {
		return fmt.Errorf("relay: invalid repo DID from %s: %w", host.Hostname, err)
	}

	r.extUserLk.Lock()
	var acctRepo models.AccountRepo
	var account models.Account
	err = r.db.Where("did = ?", did.String()).First(&account).Error
	if err != nil {
		account = models.Account{DID: did.String()}
		if cerr := r.db.Create(&account).Error; cerr != nil {
			r.extUserLk.Unlock()
			return fmt.Errorf("relay: creating account: %w", cerr)
		}
	}
	hasPrev := r.db.Where("account_id = ?", account.ID).First(&acctRepo).Error == nil
	r.extUserLk.Unlock()

	var prevRev *syntax.TID
	if hasPrev && acctRepo.Rev != "" {
		t, err := syntax.ParseTID(acctRepo.Rev)
		if err == nil {
			prevRev = &t
		}
	}

	newRoot, repoFragment, err := r.Validator.HandleCommit(ctx, host.Hostname, did.String(), msg, prevRev, nil)
	if err != nil {
		return fmt.Errorf("relay: commit validation failed: %w", err)
	}

	r.extUserLk.Lock()
	if hasPrev {
		r.db.Model(&acctRepo).Updates(models.AccountRepo{Rev: msg.Rev, Root: newRoot.String(), HostID: host.ID})
	} else {
		r.db.Create(&models.AccountRepo{AccountID: account.ID, HostID: host.ID, Rev: msg.Rev, Root: newRoot.String()})
	}
	r.extUserLk.Unlock()

	r.bridgeOpsToIndexer(ctx, did.String(), msg, repoFragment)

	return r.republish(firehose.Header{Op: firehose.FrameOpMessage, T: firehose.TypeCommit}, mustEncodeBody(msg))
}

// bridgeOpsToIndexer publishes each non-delete op's record bytes, and each delete op's bare
// URI, onto the indexer's Redis stream. A failure here never fails commit validation: the
// indexer is a best-effort materialised view, not a durability boundary the way Store.Append
// is, so publish errors are only logged.
func (r *Relay) bridgeOpsToIndexer(ctx context.Context, did string, msg *firehose.CommitBody, repoFragment *repo.Repo) {
	if r.redisClient == nil {
		return
	}
	authorDID, err := syntax.ParseDID(did)
	if err != nil {
		return
	}

	for _, op := range msg.Ops {
		collection, rkey, err := syntax.ParseRepoPath(op.Path)
		if err != nil {
			continue
		}
		uri := syntax.NewATURI(authorDID, collection, rkey)

		fields := map[string]string{"did": did}
		switch op.Action {
		case "create", "update":
			recordBytes, recordCID, err := repoFragment.GetRecordBytes(ctx, collection, rkey)
			if err != nil {
				r.Logger.Warn("indexer bridge: record lookup failed", "uri", uri.String(), "err", err)
				continue
			}
			rec, err := json.Marshal(struct {
				Action    string          `json:"action"`
				URI       string          `json:"uri"`
				CID       string          `json:"cid"`
				Record    json.RawMessage `json:"record"`
				IndexedAt string          `json:"indexedAt"`
			}{op.Action, uri.String(), recordCID.String(), recordBytes, msg.Time})
			if err != nil {
				continue
			}
			fields["record"] = string(rec)
		case "delete":
			rec, err := json.Marshal(struct {
				Action    string `json:"action"`
				URI       string `json:"uri"`
				IndexedAt string `json:"indexedAt"`
			}{op.Action, uri.String(), msg.Time})
			if err != nil {
				continue
			}
			fields["record"] = string(rec)
		default:
			continue
		}

		if _, err := indexer.Publish(ctx, r.redisClient, r.indexStream, fields); err != nil {
			r.Logger.Warn("indexer bridge: publish failed", "uri", uri.String(), "err", err)
		}
	}
}

func (r *Relay) handleSync(ctx context.Context, host *models.Host, msg *firehose.SyncBody) error {
	if _, err := r.Validator.HandleSync(ctx, host.Hostname, msg); err != nil {
		return fmt.Errorf("relay: sync validation failed: %w", err)
	}
	return r.republish(firehose.Header{Op: firehose.FrameOpMessage, T: firehose.TypeSync}, mustEncodeBody(msg))
}

func (r *Relay) republish(h firehose.Header, body []byte) error {
	frame, err := firehose.EncodeFrame(h, body)
	if err != nil {
		return err
	}
	if _, err := r.Store.Append(frame); err != nil {
		return err
	}
	r.Publisher.Notify()
	return nil
}

func mustBody(env *firehose.Envelope) []byte {
	var v any
	switch {
	case env.Identity != nil:
		v = env.Identity
	case env.Account != nil:
		v = env.Account
	}
	return mustEncodeBody(v)
}

func mustEncodeBody(v any) []byte {
	b, err := firehose.EncodeBody(v)
	if err != nil {
		return nil
	}
	return b
}
