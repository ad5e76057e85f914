// Package broker wraps the AMQP connection behind a destination routing
// table. Logical channel names are resolved to exchange/routing-key pairs at
// publish time; an unknown channel is a configuration fault, never a silently
// dropped message.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// ErrUnknownChannel reports a publish against a channel missing from the
// routing table.
var ErrUnknownChannel = errors.New("unknown broker channel")

// Destination is one exchange/routing-key pair. Kind selects the exchange
// type; empty means direct. Fanout destinations deliver to every bound queue
// regardless of the routing key, which then only annotates the message.
type Destination struct {
	Exchange   string
	RoutingKey string
	Kind       string
}

func (d Destination) kind() string {
	if d.Kind == "" {
		return "direct"
	}
	return d.Kind
}

// RoutingTable maps logical channel names to broker destinations. It is
// built once at startup and read-only afterwards.
type RoutingTable map[string]Destination

// Route resolves a channel name.
func (t RoutingTable) Route(channel string) (Destination, error) {
	d, ok := t[channel]
	if !ok {
		return Destination{}, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	return d, nil
}

// Require verifies that every named channel has a destination. Called at
// startup so a broken topology fails the process, not the first publish.
func (t RoutingTable) Require(channels ...string) error {
	for _, ch := range channels {
		if _, ok := t[ch]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownChannel, ch)
		}
	}
	return nil
}

// Client owns the AMQP connection and channel used by publishers and
// listeners.
type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial connects to the broker and opens a channel.
func Dial(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &Client{conn: conn, ch: ch}, nil
}

// DeclareTopology declares each destination's exchange and binds one durable
// queue per destination. Queue name and binding key are both the
// destination's routing key, the convention used throughout the consent
// topology.
func (c *Client) DeclareTopology(table RoutingTable) error {
	for _, dest := range table {
		if err := c.ch.ExchangeDeclare(dest.Exchange, dest.kind(), true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %q: %w", dest.Exchange, err)
		}
		if _, err := c.ch.QueueDeclare(dest.RoutingKey, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %q: %w", dest.RoutingKey, err)
		}
		if err := c.ch.QueueBind(dest.RoutingKey, dest.RoutingKey, dest.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %q: %w", dest.RoutingKey, err)
		}
	}
	return nil
}

// Close tears down the channel and connection.
func (c *Client) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

// Publisher publishes JSON payloads to routed destinations. Publishing is
// fire-and-forget: no confirm is awaited, so callers are never blocked on
// broker acknowledgement.
type Publisher struct {
	ch    *amqp.Channel
	table RoutingTable
	log   zerolog.Logger
}

// NewPublisher creates a Publisher over an open client.
func NewPublisher(c *Client, table RoutingTable, log zerolog.Logger) *Publisher {
	return &Publisher{ch: c.ch, table: table, log: log}
}

// Publish sends payload to the channel's configured destination.
func (p *Publisher) Publish(ctx context.Context, channel string, payload any) error {
	dest, err := p.table.Route(channel)
	if err != nil {
		return err
	}
	return p.send(ctx, dest.Exchange, dest.RoutingKey, payload)
}

// PublishTo sends payload to the channel's exchange under an explicit routing
// key, used for per-party destinations keyed by provider id.
func (p *Publisher) PublishTo(ctx context.Context, channel, routingKey string, payload any) error {
	dest, err := p.table.Route(channel)
	if err != nil {
		return err
	}
	return p.send(ctx, dest.Exchange, routingKey, payload)
}

func (p *Publisher) send(ctx context.Context, exchange, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	err = p.ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, key, err)
	}
	p.log.Debug().Str("exchange", exchange).Str("routing_key", key).Msg("published message")
	return nil
}

// Handler processes one message body. A non-nil error diverts the message
// without requeue.
type Handler func(ctx context.Context, body []byte) error

// Listener consumes one named queue on a dedicated goroutine, one message at
// a time, and delivers each body to its handler. It is owned by the process
// composition and carries an explicit start/stop lifecycle.
type Listener struct {
	ch      *amqp.Channel
	queue   string
	handler Handler
	log     zerolog.Logger
	tag     string
	done    chan struct{}
}

// NewListener creates a listener over an open client. Each listener opens its
// own channel so a poison message on one queue cannot disturb the others.
func NewListener(c *Client, queue string, handler Handler, log zerolog.Logger) (*Listener, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open listener channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &Listener{
		ch:      ch,
		queue:   queue,
		handler: handler,
		log:     log.With().Str("queue", queue).Logger(),
		tag:     "consent-" + queue,
		done:    make(chan struct{}),
	}, nil
}

// Start begins consuming. Messages whose handler fails are rejected without
// requeue so one bad message cannot stall the queue.
func (l *Listener) Start(ctx context.Context) error {
	deliveries, err := l.ch.Consume(l.queue, l.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %q: %w", l.queue, err)
	}

	go func() {
		defer close(l.done)
		for d := range deliveries {
			if err := l.handler(ctx, d.Body); err != nil {
				l.log.Error().Err(err).Msg("message processing failed, rejecting without requeue")
				if nerr := d.Nack(false, false); nerr != nil {
					l.log.Error().Err(nerr).Msg("nack failed")
				}
				continue
			}
			if aerr := d.Ack(false); aerr != nil {
				l.log.Error().Err(aerr).Msg("ack failed")
			}
		}
	}()

	l.log.Info().Msg("listener started")
	return nil
}

// Stop cancels the consumer and waits for the in-flight message to finish.
func (l *Listener) Stop() {
	if err := l.ch.Cancel(l.tag, false); err != nil {
		l.log.Error().Err(err).Msg("cancel consumer failed")
	}
	<-l.done
	l.ch.Close()
	l.log.Info().Msg("listener stopped")
}
