/*
Package notify delivers ledger notification intents.

PURPOSE:
  The engine hands intents to a Notifier and moves on. Dispatcher is that
  Notifier: it queues intents in memory and a worker goroutine fans each
  one out to the configured sinks.

DELIVERY SEMANTICS:
  - Emit never blocks. A full queue drops the intent and returns
    ErrQueueFull; the engine logs it.
  - Sink failures are logged per sink and never retried here. Retrying
    is the business of whatever consumes the RabbitMQ exchange.
  - Close stops intake and drains what is already queued.

SINKS:
  LogSink:    writes "You received N. Your balance B" through logrus
  RabbitSink: publishes a JSON event to a topic exchange

USAGE:
  d := notify.NewDispatcher(256, logger, notify.NewLogSink(logger), rabbitSink)
  d.Start()
  defer d.Close(ctx)

  engine := ledger.NewEngine(accounts, journal, rules, d)
*/
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/points-ledger/ledger"
)

// DefaultQueueSize is used when NewDispatcher gets a non-positive size.
const DefaultQueueSize = 256

// deliverTimeout bounds a single sink delivery.
const deliverTimeout = 10 * time.Second

var (
	// ErrQueueFull is returned by Emit when the intent was dropped.
	ErrQueueFull = errors.New("notification queue is full")

	// ErrClosed is returned by Emit after Close.
	ErrClosed = errors.New("notification dispatcher is closed")
)

// Sink delivers one intent over one channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, intent ledger.Intent) error
}

// Dispatcher is an asynchronous ledger.Notifier.
type Dispatcher struct {
	sinks  []Sink
	queue  chan ledger.Intent
	logger logrus.FieldLogger

	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}
}

var _ ledger.Notifier = (*Dispatcher)(nil)

func NewDispatcher(queueSize int, logger logrus.FieldLogger, sinks ...Sink) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{
		sinks:  sinks,
		queue:  make(chan ledger.Intent, queueSize),
		logger: logger.WithField("component", "notify"),
		done:   make(chan struct{}),
	}
}

// Start launches the worker. Calling it twice is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	go d.run()
}

// Emit enqueues the intent without blocking.
func (d *Dispatcher) Emit(_ context.Context, intent ledger.Intent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.queue <- intent:
		return nil
	default:
		d.logger.WithFields(logrus.Fields{
			"kind": intent.Kind,
			"tx":   intent.TransactionID,
		}).Warn("Notification queue full, dropping intent")
		return ErrQueueFull
	}
}

// Close stops accepting intents and waits until the queue is drained or
// ctx expires.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		// Nobody will drain the queue; deliver inline.
		go d.run()
	}

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued intents.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for intent := range d.queue {
		d.dispatch(intent)
	}
}

func (d *Dispatcher) dispatch(intent ledger.Intent) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		err := sink.Deliver(ctx, intent)
		cancel()
		if err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{
				"sink":    sink.Name(),
				"kind":    intent.Kind,
				"account": intent.AccountID,
				"tx":      intent.TransactionID,
			}).Warn("Notification delivery failed")
		}
	}
}
