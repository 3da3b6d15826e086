package firehose

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publisherSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "firehose_publisher_subscribers",
		Help: "Currently connected firehose subscribers.",
	})
	publisherDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "firehose_publisher_dropped_total",
		Help: "Subscribers disconnected for falling behind.",
	}, []string{"reason"})
)

const defaultSendQueueSize = 5_000

// Publisher drives many long-lived subscriber connections, each with its own cursor and bounded
// send queue and served by its own tail and write goroutines. A new commit calls Notify once
// it's durably appended; every subscriber catches up from the log rather than receiving the
// frame directly, so a slow subscriber can never block ingestion.
type Publisher struct {
	store *Store
	log   *slog.Logger

	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
}

type subscriber struct {
	id     uint64
	conn   *websocket.Conn
	send   chan []byte
	notify chan struct{}
	cancel context.CancelFunc
}

func NewPublisher(store *Store) *Publisher {
	return &Publisher{
		store: store,
		log:   slog.Default().With("system", "firehose-publisher"),
		subs:  make(map[uint64]*subscriber),
	}
}

// Notify wakes every subscriber's tail loop to check for newly appended entries, per spec §4.7:
// broadcast to every subscriber whose socket is writable. Each subscriber has its own coalescing
// notify channel, so one slow or absent receiver can never swallow the wake meant for another.
func (p *Publisher) Notify() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sub := range p.subs {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
}

// Subscribe serves one downstream subscriber connection from cursor (0 means "from the start of
// what's retained"). It blocks until the connection closes or ctx is canceled.
func (p *Publisher) Subscribe(ctx context.Context, conn *websocket.Conn, cursor int64) error {
	if cursor > 0 {
		minSeq, err := p.store.MinSeq()
		if err != nil {
			return err
		}
		if minSeq > 0 && cursor < minSeq-1 {
			p.sendInfo(conn, "OutdatedCursor", "requested cursor is older than the retained log")
			return conn.Close()
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub := &subscriber{
		id:     p.nextSubID(),
		conn:   conn,
		send:   make(chan []byte, defaultSendQueueSize),
		notify: make(chan struct{}, 1),
		cancel: cancel,
	}
	p.addSub(sub)
	defer p.removeSub(sub)

	writerDone := make(chan error, 1)
	go p.writeLoop(subCtx, sub, writerDone)

	err := p.tailLoop(subCtx, sub, cursor)
	cancel()
	<-writerDone
	return err
}

func (p *Publisher) nextSubID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	return p.nextID
}

func (p *Publisher) addSub(s *subscriber) {
	p.mu.Lock()
	p.subs[s.id] = s
	p.mu.Unlock()
	publisherSubscribers.Inc()
}

func (p *Publisher) removeSub(s *subscriber) {
	p.mu.Lock()
	delete(p.subs, s.id)
	p.mu.Unlock()
	publisherSubscribers.Dec()
}

func (p *Publisher) writeLoop(ctx context.Context, sub *subscriber, done chan<- error) {
	for {
		select {
		case <-ctx.Done():
			done <- nil
			return
		case msg := <-sub.send:
			if err := sub.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				done <- err
				return
			}
		}
	}
}

// tailLoop reads entries after cursor in batches, handing each raw frame to the subscriber's
// send channel. If the channel is ever full, the subscriber is too slow to keep up and is
// dropped per spec §4.7/§8 scenario 6.
func (p *Publisher) tailLoop(ctx context.Context, sub *subscriber, cursor int64) error {
	for {
		entries, err := p.store.Read(cursor, 1000)
		if err != nil {
			return fmt.Errorf("firehose: publisher: reading log: %w", err)
		}
		for _, e := range entries {
			select {
			case sub.send <- e.Raw:
				cursor = e.Seq
			default:
				publisherDropped.WithLabelValues("slow").Inc()
				p.sendInfo(sub.conn, "ConsumerTooSlow", "send queue full")
				return fmt.Errorf("firehose: publisher: subscriber %d too slow", sub.id)
			}
		}
		if len(entries) > 0 {
			continue // immediately check for more before waiting
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.notify:
		case <-time.After(30 * time.Second):
			// idle timeout: a periodic wake lets us notice a canceled context even if
			// Notify is never called again (e.g. upstream went quiet).
		}
	}
}

func (p *Publisher) sendInfo(conn *websocket.Conn, name, message string) {
	body, err := EncodeBody(InfoBody{Name: name, Message: &message})
	if err != nil {
		p.log.Warn("encoding info frame failed", "err", err)
		return
	}
	frame, err := EncodeFrame(Header{Op: FrameOpMessage, T: TypeInfo}, body)
	if err != nil {
		p.log.Warn("encoding info frame failed", "err", err)
		return
	}
	_ = conn.WriteMessage(websocket.BinaryMessage, frame)
}
