// Package publisher fans live market events out to RabbitMQ. Each event type
// goes to its own fanout exchange; the hot path never blocks on the broker.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/johnayoung/go-market-aggregator/internal/config"
	"github.com/johnayoung/go-market-aggregator/internal/metrics"
	"github.com/johnayoung/go-market-aggregator/internal/models"
)

const (
	DefaultBufferSize = 1024
	publishTimeout    = 5 * time.Second
)

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Message is the JSON body of every published event.
type Message struct {
	ID          string       `json:"id"`
	PublishedAt int64        `json:"published_at"` // epoch milliseconds
	Event       models.Event `json:"event"`
}

// Publisher queues events in a bounded buffer and publishes them from one goroutine.
type Publisher struct {
	ch       Channel
	conn     *amqp.Connection
	routes   map[models.EventType]string
	queue    chan models.Event
	metrics  *metrics.MetricsCollector
	logger   *slog.Logger
	now      func() time.Time
	mu       sync.RWMutex
	closed   bool
	started  bool
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Dial connects to cfg.URL, opens a channel and declares the exchanges.
func Dial(cfg config.PublisherConfig, collector *metrics.MetricsCollector, logger *slog.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	p, err := New(ch, cfg, collector, logger)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// New declares one durable fanout exchange per configured event type on ch.
// Event types with an empty exchange name are not published.
func New(ch Channel, cfg config.PublisherConfig, collector *metrics.MetricsCollector, logger *slog.Logger) (*Publisher, error) {
	if ch == nil {
		return nil, errors.New("amqp channel is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}

	routes := map[models.EventType]string{
		models.EventTrade:     cfg.TradesExchange,
		models.EventTicker:    cfg.TickersExchange,
		models.EventCandle:    cfg.CandlesExchange,
		models.EventOrderBook: cfg.OrderBooksExchange,
	}
	for typ, exchange := range routes {
		if exchange == "" {
			delete(routes, typ)
			continue
		}
		if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
	}

	return &Publisher{
		ch:      ch,
		routes:  routes,
		queue:   make(chan models.Event, size),
		metrics: collector,
		logger:  logger.With("component", "publisher"),
		now:     time.Now,
	}, nil
}

// Start launches the publish loop. It returns when ctx is done or Close drains the queue.
func (p *Publisher) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(ctx)
}

// Publish enqueues ev without blocking. A full buffer drops the event.
func (p *Publisher) Publish(ev models.Event) {
	if _, ok := p.routes[ev.Type]; !ok {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	select {
	case p.queue <- ev:
	default:
		p.logger.Warn("publish buffer full, dropping event",
			"type", string(ev.Type), "symbol", ev.Symbol, "exchange", ev.Exchange)
		if p.metrics != nil {
			p.metrics.RecordCounter(metrics.PublisherDropped, "Events dropped because the publish buffer was full",
				map[string]string{"type": string(ev.Type)})
		}
	}
}

// Close stops accepting events, publishes what is already queued and releases
// the broker connection. ctx bounds the drain.
func (p *Publisher) Close(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		started := p.started
		p.mu.Unlock()

		if started {
			done := make(chan struct{})
			go func() {
				p.wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}

		if cerr := p.ch.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			err = errors.Join(err, cerr)
		}
		if p.conn != nil {
			if cerr := p.conn.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
				err = errors.Join(err, cerr)
			}
		}
	})
	return err
}

func (p *Publisher) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.queue:
			if !ok {
				return
			}
			if err := p.publish(ctx, ev); err != nil {
				p.logger.Warn("failed to publish event", "type", string(ev.Type), "symbol", ev.Symbol, "error", err)
				if p.metrics != nil {
					p.metrics.RecordError(metrics.PublishFailures, "Events the broker rejected",
						map[string]string{"type": string(ev.Type)})
				}
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, ev models.Event) error {
	now := p.now()
	msg := Message{ID: uuid.NewString(), PublishedAt: now.UnixMilli(), Event: ev}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	return p.ch.PublishWithContext(pubCtx, p.routes[ev.Type], ev.Symbol, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		MessageId:    msg.ID,
		Timestamp:    now,
		Type:         string(ev.Type),
		Body:         body,
	})
}
