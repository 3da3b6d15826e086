package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/atpcore/federation/ingester"
	"github.com/atpcore/federation/relay/firehose"
	"github.com/atpcore/federation/relay/models"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
)

var (
	slurperConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_slurper_connected_hosts",
		Help: "Hosts the crawler currently holds an open subscribeRepos connection to.",
	})
	slurperEventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_slurper_events_received_total",
		Help: "Frames received from upstream hosts, by hostname.",
	}, []string{"host"})
)

// RawSink is the durable staging queue (C5, github.com/atpcore/federation/ingester.Ingester)
// a crawler hands every raw frame to before a host's cursor is allowed to advance.
type RawSink interface {
	Accept(hostname string, frame []byte) (int64, error)
	Paused(hostname string) bool
}

// SlurperConfig holds the crawler's (C4) settings. The crawler reads only SSL, as the default
// for newly requested hosts; DefaultRepoLimit, ConcurrencyPerHost and MaxQueuePerHost are
// carried over from RelayConfig but nothing reads them, and backpressure comes from the
// RawSink's Paused instead.
type SlurperConfig struct {
	SSL                bool
	DefaultRepoLimit   int64
	ConcurrencyPerHost int64
	MaxQueuePerHost    int64
}

func DefaultSlurperConfig() *SlurperConfig {
	return &SlurperConfig{
		SSL:                true,
		DefaultRepoLimit:   100,
		ConcurrencyPerHost: 100,
		MaxQueuePerHost:    1_000,
	}
}

// Slurper is the crawler (C4): it maintains one reconnecting subscribeRepos websocket client per
// upstream host, handing every frame that decodes to its RawSink in arrival order.
type Slurper struct {
	db     *gorm.DB
	sink   RawSink
	config *SlurperConfig
	log    *slog.Logger

	lk      sync.Mutex
	workers map[uint64]*hostWorker

	// Backfill tracks hosts awaiting historical enumeration (com.atproto.sync.listRepos), e.g.
	// a newly requested host whose live stream we're now following but whose pre-existing repos
	// we haven't yet walked. Not durable: losing this queue across a restart only means
	// re-requesting backfill for those hosts, not losing a committed event.
	Backfill *ingester.BackfillQueue
}

func NewSlurper(db *gorm.DB, sink RawSink, config *SlurperConfig, log *slog.Logger) (*Slurper, error) {
	if config == nil {
		config = DefaultSlurperConfig()
	}
	return &Slurper{
		db:       db,
		sink:     sink,
		config:   config,
		log:      log.With("system", "slurper"),
		workers:  make(map[uint64]*hostWorker),
		Backfill: ingester.NewBackfillQueue(),
	}, nil
}

// RestartAll reconnects to every host in the database that isn't banned, resuming from its
// last persisted cursor.
func (s *Slurper) RestartAll() error {
	var hosts []models.Host
	if err := s.db.Where("status != ?", models.HostStatusBanned).Find(&hosts).Error; err != nil {
		return fmt.Errorf("relay: loading hosts: %w", err)
	}
	for i := range hosts {
		h := hosts[i]
		s.startWorker(&h)
	}
	return nil
}

// RequestCrawl registers hostname (creating its Host row if necessary) and ensures a worker is
// running for it, per com.atproto.sync.requestCrawl.
func (s *Slurper) RequestCrawl(ctx context.Context, hostname string) error {
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return errors.New("relay: empty hostname")
	}

	var banCount int64
	if err := s.db.Model(&models.DomainBan{}).Where("? LIKE '%' || domain", hostname).Count(&banCount).Error; err != nil {
		return err
	}
	if banCount > 0 {
		return fmt.Errorf("relay: host %s is domain-banned", hostname)
	}

	var host models.Host
	err := s.db.Where("hostname = ?", hostname).First(&host).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		host = models.Host{Hostname: hostname, NoSSL: !s.config.SSL, Status: models.HostStatusActive}
		if err := s.db.Create(&host).Error; err != nil {
			return fmt.Errorf("relay: creating host: %w", err)
		}
		// A brand new host has existing repos we've never enumerated; queue it for backfill
		// at normal priority alongside following its live stream from cursor 0.
		s.Backfill.Enqueue(hostname, 0)
	case err != nil:
		return err
	case host.Banned || host.Status == models.HostStatusBanned:
		return fmt.Errorf("relay: host %s is banned", hostname)
	}

	s.lk.Lock()
	_, running := s.workers[host.ID]
	s.lk.Unlock()
	if running {
		return nil
	}
	s.startWorker(&host)
	return nil
}

func (s *Slurper) startWorker(host *models.Host) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &hostWorker{
		slurper: s,
		host:    host,
		cancel:  cancel,
	}
	s.lk.Lock()
	s.workers[host.ID] = w
	s.lk.Unlock()
	slurperConnected.Inc()
	go w.run(ctx)
}

func (s *Slurper) removeWorker(hostID uint64) {
	s.lk.Lock()
	delete(s.workers, hostID)
	s.lk.Unlock()
	slurperConnected.Dec()
}

// hostWorker owns the reconnecting websocket client for one upstream host.
type hostWorker struct {
	slurper *Slurper
	host    *models.Host
	cancel  context.CancelFunc
}

func (w *hostWorker) run(ctx context.Context) {
	defer w.slurper.removeWorker(w.host.ID)

	backoff := time.Second
	const maxBackoff = 5 * time.Minute

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := w.connectAndPump(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.slurper.log.Warn("upstream connection dropped", "host", w.host.Hostname, "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (w *hostWorker) connectAndPump(ctx context.Context) error {
	scheme := "wss"
	if w.host.NoSSL {
		scheme = "ws"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     w.host.Hostname,
		Path:     "/xrpc/com.atproto.sync.subscribeRepos",
		RawQuery: fmt.Sprintf("cursor=%d", w.host.LastCursor),
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", u.String(), err)
	}
	defer conn.Close()

	w.slurper.log.Info("connected to upstream", "host", w.host.Hostname, "cursor", w.host.LastCursor)

	// backoff is not reset after a successful connection: run() doubles it after every
	// disconnect, up to maxBackoff, however long the connection lasted.
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Backpressure (spec §4.4): stop reading from this host's websocket while the sink has
		// it paused (one of its frames was accepted with the total raw-queue length at or over
		// the high-water mark), instead of buffering unboundedly.
		for w.slurper.sink.Paused(w.host.Hostname) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		env, err := firehose.DecodeEnvelope(data)
		if err != nil {
			w.slurper.log.Warn("dropping malformed frame", "host", w.host.Hostname, "err", err)
			continue
		}
		slurperEventsReceived.WithLabelValues(w.host.Hostname).Inc()

		if env.Header.Op == firehose.FrameOpError && env.Info != nil {
			if env.Info.Name == "OutdatedCursor" {
				w.slurper.log.Warn("upstream rejected cursor as outdated, restarting from scratch", "host", w.host.Hostname)
				w.host.LastCursor = 0
				w.slurper.db.Model(&models.Host{}).Where("id = ?", w.host.ID).Update("last_cursor", 0)
				// The gap between our old cursor and the host's current window is unrecoverable
				// from the live stream alone; re-enumerate at higher priority than a routine
				// first-time backfill.
				w.slurper.Backfill.Enqueue(w.host.Hostname, 10)
			}
			return fmt.Errorf("upstream error frame: %s", env.Info.Name)
		}

		// Cursor is persisted only once the frame is durably enqueued (spec §4.4: "so no
		// acknowledged event is lost and events are at-least-once").
		if _, err := w.slurper.sink.Accept(w.host.Hostname, data); err != nil {
			w.slurper.log.Warn("enqueueing raw frame failed", "host", w.host.Hostname, "err", err)
			continue
		}

		if seq := env.Seq(); seq > 0 {
			w.host.LastCursor = seq
			if err := w.slurper.db.Model(&models.Host{}).Where("id = ?", w.host.ID).
				Update("last_cursor", seq).Error; err != nil {
				w.slurper.log.Warn("persisting cursor failed", "host", w.host.Hostname, "err", err)
			}
		}
	}
}
