package ingester

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ingesterQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingester_raw_queue_depth",
		Help: "Entries currently sitting in the durable raw queue.",
	})
	ingesterAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingester_raw_accepted_total",
		Help: "Frames durably enqueued, by host.",
	}, []string{"host"})
	ingesterPaused = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingester_host_paused",
		Help: "1 if a host's crawler is currently paused for backpressure, else 0.",
	}, []string{"host"})
)

// Config tunes batch size/timeout and backpressure. HighWaterMark is compared with the total
// raw-queue length, not a per-host count; the host whose frame is accepted while that length is
// at or above it is paused for PauseFor.
type Config struct {
	BatchSize     int
	BatchTimeout  time.Duration
	HighWaterMark int
	PauseFor      time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:     64,
		BatchTimeout:  100 * time.Millisecond,
		HighWaterMark: 50_000,
		PauseFor:      5 * time.Second,
	}
}

// Ingester is C5: crawlers call Accept for every frame they read; Ingester durably enqueues it
// to RawQueue and batches it for the validator to drain via Batches(). Paused reports whether a
// given host's crawler should stop reading pending backpressure relief.
type Ingester struct {
	queue   *RawQueue
	batcher *Batcher[RawEvent]
	cfg     Config
	log     *slog.Logger

	mu     sync.Mutex
	paused map[string]time.Time
}

func New(queue *RawQueue, cfg Config, log *slog.Logger) *Ingester {
	return &Ingester{
		queue:   queue,
		batcher: NewBatcher[RawEvent](cfg.BatchSize, cfg.BatchTimeout),
		cfg:     cfg,
		log:     log.With("system", "ingester"),
		paused:  make(map[string]time.Time),
	}
}

// Accept durably enqueues frame from hostname and returns the assigned raw-queue seq. Cursor
// persistence by the caller must happen only after Accept returns successfully (spec §4.4: "an
// acknowledged event" can't be dropped by a later reconnect).
func (ig *Ingester) Accept(hostname string, frame []byte) (int64, error) {
	seq, err := ig.queue.Enqueue(hostname, frame)
	if err != nil {
		return 0, err
	}
	ingesterAccepted.WithLabelValues(hostname).Inc()
	ig.batcher.Send(RawEvent{Hostname: hostname, Seq: seq, Frame: frame})

	if n, lerr := ig.queue.Len(); lerr == nil {
		ingesterQueueDepth.Set(float64(n))
		if n >= ig.cfg.HighWaterMark {
			ig.pause(hostname)
		}
	}
	return seq, nil
}

func (ig *Ingester) pause(hostname string) {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	if _, already := ig.paused[hostname]; !already {
		ig.log.Warn("backpressure: pausing host", "host", hostname)
	}
	ig.paused[hostname] = time.Now().Add(ig.cfg.PauseFor)
	ingesterPaused.WithLabelValues(hostname).Set(1)
}

// Paused reports whether hostname's crawler should currently stop reading from its websocket.
func (ig *Ingester) Paused(hostname string) bool {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	until, ok := ig.paused[hostname]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(ig.paused, hostname)
		ingesterPaused.WithLabelValues(hostname).Set(0)
		return false
	}
	return true
}

// Batches yields flushed batches of raw events for a drain loop (the validator) to consume.
func (ig *Ingester) Batches() <-chan []RawEvent { return ig.batcher.Out() }

// Ack forwards to the underlying queue's Ack, pruning durably-processed entries.
func (ig *Ingester) Ack(uptoSeq int64) error { return ig.queue.Ack(uptoSeq) }

func (ig *Ingester) Close() error {
	ig.batcher.Close()
	return ig.queue.Close()
}
