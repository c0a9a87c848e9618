// Package amqp publishes committed audit records to a durable RabbitMQ
// queue for downstream consumers (archival, SIEM ingestion).
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nerrad567/dcp-core/internal/audit"
	"github.com/nerrad567/dcp-core/internal/infrastructure/config"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("amqp: publisher closed")

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// dialFunc opens a connection and a channel on it.
type dialFunc func(ctx context.Context, url string) (io.Closer, channel, error)

func dialAMQP(ctx context.Context, url string) (io.Closer, channel, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial: func(network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, nil, fmt.Errorf("channel open: %w", err)
	}
	return conn, ch, nil
}

// Publisher keeps one connection and channel open and re-dials lazily when
// the broker drops them. Messages are persistent and routed through the
// default exchange to the configured queue.
//
// Thread Safety:
//   - All methods are safe for concurrent use; publishes are serialised
//     because AMQP channels are not.
//   - Dialling happens outside mu, so Close and HealthCheck never wait on
//     an unreachable broker.
type Publisher struct {
	url   string
	queue string
	dial  dialFunc
	now   func() time.Time

	mu     sync.Mutex
	conn   io.Closer
	ch     channel
	closed bool
}

// Dial connects to the broker and declares the queue. ctx bounds the
// initial connection attempt.
func Dial(ctx context.Context, cfg config.AMQPConfig) (*Publisher, error) {
	return newPublisher(ctx, cfg, dialAMQP)
}

func newPublisher(ctx context.Context, cfg config.AMQPConfig, dial dialFunc) (*Publisher, error) {
	p := &Publisher{url: cfg.URL, queue: cfg.Queue, dial: dial, now: time.Now}
	if err := p.ensureChannel(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// usableLocked reports whether the current channel can be published on.
// Caller holds mu.
func (p *Publisher) usableLocked() bool {
	return p.ch != nil && !p.ch.IsClosed()
}

// ensureChannel (re)connects when there is no usable channel. The dial runs
// without mu held; if another caller installed a channel first, or the
// publisher was closed meanwhile, the fresh one is discarded.
func (p *Publisher) ensureChannel(ctx context.Context) error {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return ErrClosed
	case p.usableLocked():
		p.mu.Unlock()
		return nil
	}
	p.dropLocked()
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("amqp: %w", err)
	}
	conn, ch, err := p.dial(ctx, p.url)
	if err != nil {
		return fmt.Errorf("amqp: %w", err)
	}
	// Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		ch.Close()   //nolint:errcheck // Best effort cleanup on error path
		conn.Close() //nolint:errcheck // Best effort cleanup on error path
		return fmt.Errorf("amqp: queue declare: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.usableLocked() {
		ch.Close()   //nolint:errcheck // Superseded channel
		conn.Close() //nolint:errcheck // Superseded connection
		if p.closed {
			return ErrClosed
		}
		return nil
	}
	p.conn, p.ch = conn, ch
	return nil
}

func (p *Publisher) dropLocked() {
	if p.ch != nil {
		p.ch.Close() //nolint:errcheck // Channel may already be closed
	}
	if p.conn != nil {
		p.conn.Close() //nolint:errcheck // Connection may already be closed
	}
	p.conn, p.ch = nil, nil
}

// PublishAudit sends rec as a persistent JSON message. It implements
// audit.Publisher.
func (p *Publisher) PublishAudit(ctx context.Context, rec audit.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("amqp: encoding audit record: %w", err)
	}

	if err := p.ensureChannel(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if !p.usableLocked() {
		return errors.New("amqp: channel lost before publish")
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    rec.ID,
		Type:         "audit." + string(rec.Action),
		Timestamp:    p.now().UTC(),
		Body:         body,
	}
	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		// Force a fresh channel on the next publish.
		p.dropLocked()
		return fmt.Errorf("amqp: publish: %w", err)
	}
	return nil
}

// HealthCheck reports whether a channel to the broker is open, re-dialling
// if the last one was dropped.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("amqp health check: %w", err)
	}
	return p.ensureChannel(ctx)
}

// Close shuts the channel and connection. Further publishes fail with
// ErrClosed.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.dropLocked()
	return nil
}
