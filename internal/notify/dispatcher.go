package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/odflow/model"
)

// ErrQueueFull is returned when the dispatcher cannot accept another event.
var ErrQueueFull = errors.New("notify: dispatch queue full")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("notify: dispatcher closed")

// queued pairs an event with the span of the request that produced it.
type queued struct {
	event model.StageEvent
	span  trace.SpanContext
}

// Dispatcher delivers events to a downstream notifier on background workers
// so that slow sinks never hold up a workflow request. Events that do not
// fit the queue are dropped and reported.
type Dispatcher struct {
	next    Notifier
	queue   chan queued
	timeout time.Duration
	logger  *zap.Logger
	onError func(model.StageEvent, error)

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
	// Timeout bounds each delivery.
	Timeout time.Duration
	Logger  *zap.Logger
	// OnError is called for each failed delivery.
	OnError func(model.StageEvent, error)
}

// NewDispatcher starts workers delivering to next.
func NewDispatcher(next Notifier, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 2
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	d := &Dispatcher{
		next:    next,
		queue:   make(chan queued, cfg.QueueSize),
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
		onError: cfg.OnError,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// Notify enqueues the event without waiting for delivery.
func (d *Dispatcher) Notify(ctx context.Context, event model.StageEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- queued{event: event, span: trace.SpanContextFromContext(ctx)}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for q := range d.queue {
		event := q.event
		ctx := trace.ContextWithRemoteSpanContext(context.Background(), q.span)
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := d.next.Notify(ctx, event)
		cancel()
		if err == nil {
			continue
		}
		d.logger.Warn("notification delivery failed",
			zap.String("submission_id", event.SubmissionID),
			zap.String("action", string(event.Action)),
			zap.Error(err),
		)
		if d.onError != nil {
			d.onError(event, err)
		}
	}
}

// Close stops accepting events and waits for queued ones to be delivered or
// for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
