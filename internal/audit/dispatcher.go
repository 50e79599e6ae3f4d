package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Config controls dispatcher buffering.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull drops routine events when the buffer is full. Event types in
	// CriticalTypes still wait up to CriticalWait for room.
	DropIfFull    bool
	CriticalTypes []string
	CriticalWait  time.Duration
}

// Dispatcher moves governance events off the request path. One worker
// delivers to the Sink in arrival order; Close delivers everything accepted
// before it returned. A nil *Dispatcher discards everything.
type Dispatcher struct {
	cfg      Config
	sink     Sink
	critical map[string]struct{}

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	delivered       atomic.Uint64
	dropped         atomic.Uint64
	droppedCritical atomic.Uint64
}

// NewDispatcher starts a dispatcher, or returns nil when cfg is disabled.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if cfg.CriticalWait <= 0 {
		cfg.CriticalWait = 100 * time.Millisecond
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	critical := make(map[string]struct{}, len(cfg.CriticalTypes))
	for _, t := range cfg.CriticalTypes {
		critical[t] = struct{}{}
	}

	d := &Dispatcher{
		cfg:      cfg,
		sink:     sink,
		critical: critical,
		queue:    make(chan Event, cfg.BufferSize),
		stop:     make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		case <-d.stop:
			for {
				select {
				case event := <-d.queue:
					d.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(event Event) {
	d.sink.Emit(context.Background(), event)
	d.delivered.Add(1)
}

// IsCritical reports whether eventType is exempt from DropIfFull.
func (d *Dispatcher) IsCritical(eventType string) bool {
	if d == nil {
		return false
	}
	_, ok := d.critical[eventType]
	return ok
}

// Emit queues event. A full buffer drops routine events under DropIfFull,
// gives critical events CriticalWait to find room, and otherwise waits
// until ctx ends. Events emitted after Close are ignored.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	select {
	case d.queue <- event:
		return
	default:
	}

	critical := d.IsCritical(event.EventType)
	if d.cfg.DropIfFull && !critical {
		d.drop(critical)
		return
	}

	var deadline <-chan time.Time
	if d.cfg.DropIfFull {
		timer := time.NewTimer(d.cfg.CriticalWait)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case d.queue <- event:
	case <-ctx.Done():
		d.drop(critical)
	case <-deadline:
		d.drop(critical)
	}
}

func (d *Dispatcher) drop(critical bool) {
	d.dropped.Add(1)
	if critical {
		d.droppedCritical.Add(1)
	}
}

// Close stops accepting events and blocks until every accepted event has
// reached the sink.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()

		close(d.stop)
		d.wg.Wait()
	})
}

// Dropped counts every event lost to a full buffer.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// DroppedCritical is the subset of Dropped that were critical event types.
func (d *Dispatcher) DroppedCritical() uint64 {
	if d == nil {
		return 0
	}
	return d.droppedCritical.Load()
}

func (d *Dispatcher) Delivered() uint64 {
	if d == nil {
		return 0
	}
	return d.delivered.Load()
}
