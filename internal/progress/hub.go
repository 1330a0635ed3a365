package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrHubClosed is returned by Flush once the hub has shut down.
var ErrHubClosed = errors.New("progress hub closed")

// Config controls buffering and batching for the Hub. Zero values fall back
// to the defaults below.
type Config struct {
	// BufferSize is the capacity of the emit channel.
	BufferSize int
	// MaxBatchEvents triggers a flush once this many entries are pending.
	MaxBatchEvents int
	// MaxBatchWait bounds how long a partial batch waits before a flush.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each Consume call.
	SinkTimeout time.Duration
	// BlockOnFull makes Emit wait for buffer space instead of dropping.
	BlockOnFull bool
	// BaseContext parents every sink call.
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 200
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub batches run-log events and hands each batch to every sink in
// emission order. It is safe for concurrent use.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	dropped     atomic.Int64
	lastDropLog atomic.Int64
	closed      atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine over sinks. Nil sinks are ignored.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	live := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  live,
		events: make(chan Event, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: cfg.Logger,
	}
	go h.loop()
	return h
}

// Emit enqueues an Event. Without BlockOnFull a full buffer drops the event
// and logs a rate-limited warning.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	evt.flush = nil
	if h.cfg.BlockOnFull {
		select {
		case h.events <- evt:
		case <-h.stopCh:
		}
		return
	}
	select {
	case h.events <- evt:
	default:
		h.noteDrop()
	}
}

func (h *Hub) noteDrop() {
	h.dropped.Add(1)
	now := time.Now().UnixNano()
	last := h.lastDropLog.Load()
	if now-last < dropLogInterval.Nanoseconds() || !h.lastDropLog.CompareAndSwap(last, now) {
		return
	}
	h.logger.Warn("progress events dropped due to backpressure", zap.Int64("dropped", h.dropped.Swap(0)))
}

// Flush blocks until every event emitted before the call reached the sinks.
func (h *Hub) Flush(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if h.closed.Load() {
		return ErrHubClosed
	}
	marker := Event{flush: make(chan struct{})}
	select {
	case h.events <- marker:
	case <-h.stopCh:
		return ErrHubClosed
	case <-ctx.Done():
		return fmt.Errorf("progress hub flush: %w", ctx.Err())
	}
	select {
	case <-marker.flush:
	case <-h.doneCh:
	case <-ctx.Done():
		return fmt.Errorf("progress hub flush: %w", ctx.Err())
	}
	return nil
}

// Close drains pending events, closes the sinks and waits for the batching
// goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

// batcher owns the pending batch and its deadline. Only loop touches it.
type batcher struct {
	hub     *Hub
	pending []Event
	timer   *time.Timer
	armed   bool
}

func (b *batcher) add(evt Event) {
	if evt.flush != nil {
		b.drain()
		close(evt.flush)
		return
	}
	b.pending = append(b.pending, evt)
	if len(b.pending) >= b.hub.cfg.MaxBatchEvents {
		b.drain()
		return
	}
	if !b.armed {
		b.timer.Reset(b.hub.cfg.MaxBatchWait)
		b.armed = true
	}
}

// drain delivers the pending batch and disarms the deadline.
func (b *batcher) drain() {
	if b.armed {
		if !b.timer.Stop() {
			select {
			case <-b.timer.C:
			default:
			}
		}
		b.armed = false
	}
	if len(b.pending) == 0 {
		return
	}
	b.hub.deliver(append([]Event(nil), b.pending...))
	b.pending = b.pending[:0]
}

func (h *Hub) loop() {
	defer close(h.doneCh)
	b := &batcher{
		hub:     h,
		pending: make([]Event, 0, h.cfg.MaxBatchEvents),
		timer:   time.NewTimer(time.Hour),
	}
	b.timer.Stop()

	for {
		select {
		case evt := <-h.events:
			b.add(evt)
		case <-b.timer.C:
			b.armed = false
			b.drain()
		case <-h.stopCh:
		pending:
			for {
				select {
				case evt := <-h.events:
					b.add(evt)
				default:
					break pending
				}
			}
			b.drain()
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) deliver(batch []Event) {
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
