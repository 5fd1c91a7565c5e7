package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"driverlink/internal/contracts"
	"driverlink/internal/logger"
	"driverlink/internal/session"
)

// AMQPOptions tunes the broker-direct channel. Zero values get defaults.
type AMQPOptions struct {
	URL        string
	Prefetch   int
	BackoffMin time.Duration
	BackoffMax time.Duration
}

func (o *AMQPOptions) applyDefaults() {
	if o.Prefetch == 0 {
		o.Prefetch = 8
	}
	if o.BackoffMin == 0 {
		o.BackoffMin = time.Second
	}
	if o.BackoffMax == 0 {
		o.BackoffMax = 30 * time.Second
	}
}

// AMQPChannel is the alternate Channel implementation for deployments where
// the driver agent talks to the broker directly instead of the websocket
// gateway. Events arrive on a per-driver queue; commands are published to the
// driver topic exchange.
type AMQPChannel struct {
	opts   AMQPOptions
	sess   session.Session
	logger *logger.Logger
	logCtx context.Context

	events chan Event
	states chan StateChange

	mu      sync.RWMutex
	conn    *amqp.Connection
	pubChan *amqp.Channel

	pubMu       sync.Mutex
	pubConfirms chan amqp.Confirmation

	closed    chan struct{}
	closeOnce sync.Once
	reconnect chan struct{}
}

// DialAMQP establishes the initial connection, declares topology, and starts
// a background watcher that reconnects on failures.
func DialAMQP(ctx context.Context, sess session.Session, opts AMQPOptions, log *logger.Logger) (*AMQPChannel, error) {
	opts.applyDefaults()
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("transport: amqp url is required")
	}

	ch := &AMQPChannel{
		opts:      opts,
		sess:      sess,
		logger:    log,
		logCtx:    log.WithDriverID(context.WithoutCancel(ctx), sess.DriverID),
		events:    make(chan Event, 64),
		states:    make(chan StateChange, 8),
		closed:    make(chan struct{}),
		reconnect: make(chan struct{}, 1),
	}

	// initial connect (single attempt; further retries happen in the watcher)
	if err := ch.connectOnce(); err != nil {
		return nil, err
	}

	go ch.watch()

	return ch, nil
}

// Events streams inbound events in arrival order.
func (ch *AMQPChannel) Events() <-chan Event { return ch.events }

// States streams connection lifecycle signals.
func (ch *AMQPChannel) States() <-chan StateChange { return ch.states }

// Send publishes a persistent command frame and waits for the broker confirm.
func (ch *AMQPChannel) Send(ctx context.Context, name string, payload any) error {
	body, err := encodeFrame(name, payload)
	if err != nil {
		return err
	}

	ch.mu.RLock()
	conn := ch.conn
	pub := ch.pubChan
	ch.mu.RUnlock()

	if conn == nil || conn.IsClosed() || pub == nil || pub.IsClosed() {
		return ErrNotConnected
	}

	ch.pubMu.Lock()
	defer ch.pubMu.Unlock()
	confirms := ch.pubConfirms

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	routingKey := contracts.RouteDriverCommandPrefix + ch.sess.DriverID
	if err := pub.PublishWithContext(pubCtx, contracts.ExchangeDriverTopic, routingKey, true /* mandatory */, false, /* immediate */
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
		},
	); err != nil {
		return err
	}

	select {
	case c, ok := <-confirms:
		if !ok {
			return ErrNotConnected
		}
		if !c.Ack {
			return fmt.Errorf("transport: publish not acknowledged")
		}
	case <-pubCtx.Done():
		return pubCtx.Err()
	}

	return nil
}

// Close gracefully stops the watcher and closes AMQP resources.
func (ch *AMQPChannel) Close() error {
	ch.closeOnce.Do(func() {
		close(ch.closed)

		ch.mu.Lock()
		if ch.pubChan != nil {
			_ = ch.pubChan.Close()
			ch.pubChan = nil
		}
		if ch.conn != nil {
			_ = ch.conn.Close()
			ch.conn = nil
		}
		ch.mu.Unlock()

		ch.pubMu.Lock()
		if ch.pubConfirms != nil {
			close(ch.pubConfirms)
			ch.pubConfirms = nil
		}
		ch.pubMu.Unlock()
	})
	return nil
}

// --- internals ---

// connectOnce dials, declares topology, and starts the consumer for the
// per-driver event queue.
func (ch *AMQPChannel) connectOnce() (err error) {
	ch.setState(StateConnecting)

	conn, err := amqp.DialConfig(ch.opts.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(30 * time.Second),
	})
	if err != nil {
		ch.setState(StateDisconnected)
		return fmt.Errorf("transport: amqp dial failed: %w", err)
	}

	defer func() {
		if err != nil && conn != nil {
			_ = conn.Close()
		}
	}()

	pub, err := conn.Channel()
	if err != nil {
		ch.setState(StateDisconnected)
		return fmt.Errorf("transport: open publish channel: %w", err)
	}

	if err = ch.declareTopology(pub); err != nil {
		ch.setState(StateDisconnected)
		return fmt.Errorf("transport: declare topology: %w", err)
	}

	if err = pub.Confirm(false); err != nil {
		ch.setState(StateDisconnected)
		return fmt.Errorf("transport: enable confirms: %w", err)
	}

	ch.pubMu.Lock()
	oldConfirms := ch.pubConfirms
	ch.pubConfirms = pub.NotifyPublish(make(chan amqp.Confirmation, 1))
	ch.pubMu.Unlock()
	if oldConfirms != nil {
		close(oldConfirms)
	}

	// consumer runs on its own channel so QoS does not affect publishing
	consumeChan, err := conn.Channel()
	if err != nil {
		ch.setState(StateDisconnected)
		return fmt.Errorf("transport: open consume channel: %w", err)
	}
	if err = consumeChan.Qos(ch.opts.Prefetch, 0, false); err != nil {
		ch.setState(StateDisconnected)
		return fmt.Errorf("transport: set QoS: %w", err)
	}

	deliveries, err := consumeChan.Consume(
		contracts.DriverEventQueue(ch.sess.DriverID),
		"driver-agent-"+ch.sess.DriverID, // consumerTag
		false,                            // autoAck
		false,                            // exclusive
		false,                            // noLocal (ignored by RabbitMQ)
		false,                            // noWait
		nil,                              // args
	)
	if err != nil {
		ch.setState(StateDisconnected)
		return fmt.Errorf("transport: consume: %w", err)
	}

	// atomically install the new connection + publishing channel
	ch.mu.Lock()
	if ch.pubChan != nil && !ch.pubChan.IsClosed() {
		_ = ch.pubChan.Close()
	}
	ch.conn = conn
	ch.pubChan = pub
	ch.mu.Unlock()

	go ch.consumeLoop(deliveries)

	// connection or publish channel closing triggers reconnect
	go func(conn *amqp.Connection, pub *amqp.Channel) {
		connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
		chClosed := pub.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-ch.closed:
			return
		case <-connClosed:
		case <-chClosed:
		}

		ch.setState(StateDisconnected)
		select {
		case ch.reconnect <- struct{}{}:
		default:
			// already enqueued; no-op
		}
	}(conn, pub)

	ch.setState(StateConnected)
	ch.logger.Info(ch.logCtx, "amqp_connected", "AMQP connection established", nil)

	return nil
}

func (ch *AMQPChannel) declareTopology(c *amqp.Channel) error {
	if err := c.ExchangeDeclare(contracts.ExchangeDriverTopic, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	queue := contracts.DriverEventQueue(ch.sess.DriverID)
	if _, err := c.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return err
	}

	return c.QueueBind(queue, contracts.RouteDriverEventPrefix+ch.sess.DriverID, contracts.ExchangeDriverTopic, false, nil)
}

// consumeLoop acks decoded deliveries and forwards them as events.
func (ch *AMQPChannel) consumeLoop(deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ch.closed:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}

			var f frame
			if err := json.Unmarshal(d.Body, &f); err != nil || strings.TrimSpace(f.Type) == "" {
				ch.logger.Error(ch.logCtx, "amqp_bad_frame", "Dropping malformed AMQP message", err, map[string]any{"size": len(d.Body)})
				_ = d.Nack(false, false) // drop poison message
				continue
			}

			select {
			case ch.events <- Event{Name: f.Type, Payload: f.Data, ReceivedAt: time.Now().UTC()}:
				_ = d.Ack(false)
			case <-ch.closed:
				_ = d.Nack(false, true)
				return
			}
		}
	}
}

// watch runs in background and attempts reconnects with exponential backoff.
func (ch *AMQPChannel) watch() {
	backoff := ch.opts.BackoffMin
	for {
		select {
		case <-ch.closed:
			return
		case <-ch.reconnect:
			for {
				select {
				case <-ch.closed:
					return
				default:
				}

				err := ch.connectOnce()
				if err == nil {
					backoff = ch.opts.BackoffMin
					ch.logger.Info(ch.logCtx, "amqp_reconnected", "Reconnected to AMQP and re-ensured topology", nil)
					break
				}

				ch.logger.Error(ch.logCtx, "amqp_retry_attempted", "Failed to reconnect to AMQP", err, map[string]any{"retry_in": backoff.String()})

				select {
				case <-ch.closed:
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > ch.opts.BackoffMax {
					backoff = ch.opts.BackoffMax
				}
			}
		}
	}
}

func (ch *AMQPChannel) setState(state ConnState) {
	change := StateChange{State: state, At: time.Now().UTC()}
	select {
	case ch.states <- change:
	default:
		// consumer is behind; connection signals are best-effort
	}
}
