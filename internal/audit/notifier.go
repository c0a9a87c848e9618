package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// publishTimeout bounds each publisher call.
	publishTimeout = 5 * time.Second

	// queueSize is the per-publisher backlog once the notifier is started.
	// Records arriving while a queue is full are dropped and logged.
	queueSize = 256
)

// Publisher receives committed audit records. MQTT, AMQP and the WebSocket
// hub implement it.
type Publisher interface {
	PublishAudit(ctx context.Context, rec Record) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, rec Record) error

// PublishAudit calls f.
func (f PublisherFunc) PublishAudit(ctx context.Context, rec Record) error { return f(ctx, rec) }

// Notifier fans committed records out to every publisher. It must only be
// called after the transaction that wrote the records has committed.
// Publisher failures are logged and never returned.
//
// Until Start is called, Notify delivers inline on the caller's goroutine.
// After Start, each publisher drains its own buffered queue so a slow or
// unreachable broker never blocks the request that produced the record.
//
// Thread Safety:
//   - Add must be called before Start.
//   - Notify is safe for concurrent use.
type Notifier struct {
	publishers []Publisher
	logger     *slog.Logger

	mu      sync.RWMutex
	queues  []chan Record // one per publisher, nil until Start
	stopped bool
	wg      sync.WaitGroup
}

// NewNotifier creates a notifier. Nil publishers are skipped.
func NewNotifier(logger *slog.Logger, publishers ...Publisher) *Notifier {
	n := &Notifier{logger: logger}
	for _, p := range publishers {
		if p != nil {
			n.publishers = append(n.publishers, p)
		}
	}
	return n
}

// Add registers another publisher.
func (n *Notifier) Add(p Publisher) {
	if p != nil {
		n.publishers = append(n.publishers, p)
	}
}

// Start launches one delivery goroutine per publisher. Calling it twice is
// a no-op.
func (n *Notifier) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.queues != nil || n.stopped {
		return
	}
	n.queues = make([]chan Record, len(n.publishers))
	for i, p := range n.publishers {
		q := make(chan Record, queueSize)
		n.queues[i] = q
		n.wg.Add(1)
		go n.drain(p, q)
	}
}

// Close stops accepting records, then waits for queued records to be
// delivered. Notify calls after Close are dropped.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	queues := n.queues
	n.queues = nil
	n.stopped = true
	n.mu.Unlock()

	for _, q := range queues {
		close(q)
	}
	n.wg.Wait()
}

func (n *Notifier) drain(p Publisher, q <-chan Record) {
	defer n.wg.Done()
	for rec := range q {
		n.publish(context.Background(), p, rec)
	}
}

// Notify publishes each record to each publisher. The request context's
// cancellation is detached so a client hang-up does not drop events.
func (n *Notifier) Notify(ctx context.Context, recs ...Record) {
	if n == nil {
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.stopped {
		return
	}
	if n.queues == nil {
		base := context.WithoutCancel(ctx)
		for _, rec := range recs {
			for _, p := range n.publishers {
				n.publish(base, p, rec)
			}
		}
		return
	}

	for _, rec := range recs {
		for _, q := range n.queues {
			select {
			case q <- rec:
			default:
				n.logger.Warn("audit fan-out queue full, record dropped",
					"audit_id", rec.ID,
					"action", string(rec.Action),
				)
			}
		}
	}
}

func (n *Notifier) publish(base context.Context, p Publisher, rec Record) {
	ctx, cancel := context.WithTimeout(base, publishTimeout)
	defer cancel()
	if err := p.PublishAudit(ctx, rec); err != nil {
		n.logger.Warn("audit fan-out failed",
			"audit_id", rec.ID,
			"action", string(rec.Action),
			"error", err,
		)
	}
}
