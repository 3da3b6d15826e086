package ingester

import "time"

// Batcher groups items sent on In into slices flushed either once size items have accumulated
// or timeout has elapsed since the first unflushed item, per spec §4.5 ("Flushes are triggered
// by either batch size ... or a flush timeout").
type Batcher[T any] struct {
	size    int
	timeout time.Duration
	in      chan T
	out     chan []T
	done    chan struct{}
}

func NewBatcher[T any](size int, timeout time.Duration) *Batcher[T] {
	b := &Batcher[T]{
		size:    size,
		timeout: timeout,
		in:      make(chan T, size*4),
		out:     make(chan []T, 4),
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

// Send enqueues item for batching. Safe to call concurrently.
func (b *Batcher[T]) Send(item T) { b.in <- item }

// Out yields completed batches in the order they were flushed.
func (b *Batcher[T]) Out() <-chan []T { return b.out }

// Close stops accepting new items and flushes any partial batch.
func (b *Batcher[T]) Close() { close(b.in) }

func (b *Batcher[T]) run() {
	defer close(b.out)

	var pending []T
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		b.out <- pending
		pending = nil
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case item, ok := <-b.in:
			if !ok {
				flush()
				return
			}
			pending = append(pending, item)
			if timer == nil {
				timer = time.NewTimer(b.timeout)
				timerC = timer.C
			}
			if len(pending) >= b.size {
				flush()
			}
		case <-timerC:
			flush()
		}
	}
}
