package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrClosed is returned by Publish after a terminal event, and by Next once
// a closed bus has been drained.
var ErrClosed = errors.New("progress bus closed")

// Bus carries the events of exactly one crawl from its orchestrator to one
// observer. Publish never blocks on the observer; Next blocks until an event
// is available or the keepalive interval passes.
type Bus struct {
	mu     sync.Mutex
	events []Event
	seq    uint64
	closed bool
	notify chan struct{}
	now    func() time.Time
}

// NewBus creates an empty, open bus.
func NewBus() *Bus {
	return &Bus{
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Publish appends ev to the stream. Publishing a terminal event closes the
// bus; any later Publish returns ErrClosed.
func (b *Bus) Publish(ev Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	if ev.Type == TypeKeepalive {
		return fmt.Errorf("publish %s: keepalives are generated by the bus", ev.Type)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.seq++
	ev.Seq = b.seq
	ev.TS = b.now()
	b.events = append(b.events, ev)
	if ev.Terminal() {
		b.closed = true
	}
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Next returns the next event in publish order. When nothing arrives within
// timeout it returns a keepalive. Once the terminal event has been consumed
// it returns ErrClosed.
func (b *Bus) Next(ctx context.Context, timeout time.Duration) (Event, error) {
	var timer *time.Timer
	var expired <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		if ev, ok, closed := b.pop(); ok {
			return ev, nil
		} else if closed {
			return Event{}, ErrClosed
		}
		select {
		case <-b.notify:
		case <-expired:
			return Keepalive(), nil
		case <-ctx.Done():
			return Event{}, fmt.Errorf("progress next: %w", ctx.Err())
		}
	}
}

// Closed reports whether a terminal event has been published.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bus) pop() (Event, bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		return Event{}, false, b.closed
	}
	ev := b.events[0]
	b.events[0] = Event{}
	b.events = b.events[1:]
	return ev, true, false
}
