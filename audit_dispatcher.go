package authcore

import (
	"context"
	"sync"
	"sync/atomic"
)

// undroppable lists events that wait for buffer space even when DropIfFull is set.
// Losing a replay record would hide a stolen refresh token.
var undroppable = map[string]struct{}{
	auditEventReplayDetected: {},
}

// auditDispatcher hands audit events to the sink on a single writer goroutine so that
// a slow sink never sits on the login or refresh path.
type auditDispatcher struct {
	sink       AuditSink
	queue      chan AuditEvent
	stop       chan struct{}
	writer     sync.WaitGroup
	stopOnce   sync.Once
	stopping   atomic.Bool
	dropIfFull bool
	dropped    atomic.Uint64
	onDrop     func(AuditEvent)
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink, onDrop func(AuditEvent)) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &auditDispatcher{
		sink:       sink,
		queue:      make(chan AuditEvent, size),
		stop:       make(chan struct{}),
		dropIfFull: cfg.DropIfFull,
		onDrop:     onDrop,
	}
	d.writer.Add(1)
	go d.write()
	return d
}

func (d *auditDispatcher) write() {
	defer d.writer.Done()

	ctx := context.Background()
	for {
		select {
		case event := <-d.queue:
			d.sink.Emit(ctx, event)
		case <-d.stop:
			d.flush(ctx)
			return
		}
	}
}

// flush hands whatever is still buffered to the sink.
func (d *auditDispatcher) flush(ctx context.Context) {
	for {
		select {
		case event := <-d.queue:
			d.sink.Emit(ctx, event)
		default:
			return
		}
	}
}

// Emit queues event. With DropIfFull an ordinary event is dropped and counted when the
// buffer is full. Undroppable events, and every event without DropIfFull, wait for room
// until ctx ends or the dispatcher closes.
func (d *auditDispatcher) Emit(ctx context.Context, event AuditEvent) {
	if d == nil || d.stopping.Load() {
		return
	}

	_, mustWait := undroppable[event.EventType]
	if d.dropIfFull && !mustWait {
		select {
		case d.queue <- event:
		case <-d.stop:
		default:
			d.drop(event)
		}
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case d.queue <- event:
	case <-ctx.Done():
	case <-d.stop:
	}
}

func (d *auditDispatcher) drop(event AuditEvent) {
	d.dropped.Add(1)
	if d.onDrop != nil {
		d.onDrop(event)
	}
}

// Close stops accepting events, flushes the buffer into the sink and waits for it.
// It is safe to call more than once.
func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}
	d.stopOnce.Do(func() {
		d.stopping.Store(true)
		close(d.stop)
		d.writer.Wait()
	})
}

func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
