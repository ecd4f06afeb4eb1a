// Package rabbitmq relays broker events to a RabbitMQ exchange. Each event
// is published with its kind as routing key, so consumers can bind to
// "job.*", "queue.full" and the like on a topic exchange.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BranchIntl/rocket"
	"github.com/BranchIntl/rocket/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Name is the plugin name of the relay
const Name = "amqp-relay"

// publisher is the part of an AMQP channel the relay publishes through
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Relay publishes every event it is notified of. It registers as a
// rocket.Plugin. Publishing failures are logged and never fail the
// mutation that raised the event.
type Relay struct {
	options Options
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.RWMutex
	connection  *amqp.Connection
	channel     *amqp.Channel
	pub         publisher
	notifyClose chan *amqp.Error
	isConnected bool
	closed      bool
}

// NewRelay creates a relay. Call Connect before registering it.
func NewRelay(options Options, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		options: options,
		logger:  logger.With("relay", "rabbitmq", "exchange", options.Exchange),
		now:     time.Now,
	}
}

// Name implements rocket.Plugin
func (r *Relay) Name() string { return Name }

// Register implements rocket.Plugin. The relay takes the Rocket's clock.
func (r *Relay) Register(rk *rocket.Rocket) error {
	r.now = rk.Now
	rk.Subscribe(r)
	return nil
}

// Connect dials RabbitMQ and declares the exchange
func (r *Relay) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.connect(ctx)
}

// connect expects the caller to hold the lock
func (r *Relay) connect(ctx context.Context) error {
	conn, err := amqp.Dial(r.options.URI)
	if err != nil {
		return errors.NewConnectionError(r.options.URI,
			fmt.Errorf("failed to connect to RabbitMQ: %w", err))
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.NewConnectionError(r.options.URI,
			fmt.Errorf("failed to open channel: %w", err))
	}

	err = ch.ExchangeDeclare(
		r.options.Exchange,     // name
		r.options.ExchangeType, // kind
		true,                   // durable
		false,                  // auto-deleted
		false,                  // internal
		false,                  // no-wait
		nil,                    // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return errors.NewConnectionError(r.options.URI,
			fmt.Errorf("failed to declare exchange %s: %w", r.options.Exchange, err))
	}

	r.connection = conn
	r.channel = ch
	r.pub = ch

	r.notifyClose = make(chan *amqp.Error, 1)
	r.connection.NotifyClose(r.notifyClose)
	r.isConnected = true

	if r.options.ReconnectEnabled {
		go r.handleReconnection(context.WithoutCancel(ctx), r.notifyClose)
	}
	r.logger.Info("Connected to RabbitMQ")
	return nil
}

func (r *Relay) handleReconnection(ctx context.Context, notifyClose <-chan *amqp.Error) {
	err, ok := <-notifyClose
	if !ok || err == nil {
		return
	}
	r.logger.Warn("Connection closed, reconnecting", "error", err)

	r.mu.Lock()
	r.isConnected = false
	r.mu.Unlock()

	for {
		time.Sleep(r.options.ReconnectDelay)

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		err := r.connect(ctx)
		r.mu.Unlock()

		if err == nil {
			r.logger.Info("Reconnected to RabbitMQ")
			return
		}
		r.logger.Warn("Reconnect failed", "error", err)
	}
}

// Close closes the channel and the connection
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.isConnected = false
	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			return err
		}
	}
	if r.connection != nil {
		return r.connection.Close()
	}
	return nil
}

// Health reports whether the relay can publish
func (r *Relay) Health() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.isConnected || r.pub == nil {
		return errors.ErrNotConnected
	}
	if r.connection != nil && r.connection.IsClosed() {
		return errors.ErrNotConnected
	}
	return nil
}

// Notify implements rocket.Observer
func (r *Relay) Notify(ctx context.Context, e rocket.Event) error {
	if err := r.Publish(ctx, e); err != nil {
		r.logger.Warn("Event not relayed", "event", e.Kind(), "error", err)
	}
	return nil
}

// Publish sends one event to the exchange
func (r *Relay) Publish(ctx context.Context, e rocket.Event) error {
	r.mu.RLock()
	pub, connected := r.pub, r.isConnected
	r.mu.RUnlock()
	if !connected || pub == nil {
		return errors.ErrNotConnected
	}

	msg := newMessage(e, r.now())
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.Kind(), err)
	}

	return pub.PublishWithContext(
		ctx,
		r.options.Exchange, // exchange
		msg.Event,          // routing key
		false,              // mandatory
		false,              // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    msg.Time,
			Type:         msg.Event,
		})
}
