package bus

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// wazoHeadersExchange is the well-known wazo-bus exchange every service
// subscribes to; events are routed by an AMQP header match rather than by
// routing key (original_source/integration_tests/suite/helpers/bus.py
// publishes with headers={'name': event['name']}, not a routing key).
const wazoHeadersExchange = "wazo-headers"

// AMQPConfig configures an AMQPConsumer.
type AMQPConfig struct {
	URL string
	// QueueName is durable across restarts so events published while this
	// process is down are not lost; a per-process random queue would drop
	// them. Defaults to "provd-tenant-deleted" when empty.
	QueueName string
}

// AMQPConsumer is the production Consumer: a queue bound to wazo-headers
// with a header match on name=auth_tenant_deleted, matching the exchange
// type and binding wazo's own auth service uses to publish the event. This
// is the one file in the package that depends on the wire protocol; it is
// grounded on the general AMQP 0-9-1 client shape (connection, channel,
// exchange/queue declare, header-match binding, consume) rather than on
// any example repo, since no repo in the pack consumes from a RabbitMQ
// headers exchange — see DESIGN.md.
type AMQPConsumer struct {
	cfg AMQPConfig
}

// NewAMQPConsumer builds a consumer against the given broker URL.
func NewAMQPConsumer(cfg AMQPConfig) *AMQPConsumer {
	if cfg.QueueName == "" {
		cfg.QueueName = "provd-tenant-deleted"
	}
	return &AMQPConsumer{cfg: cfg}
}

// Run connects, declares the wazo-headers exchange and this consumer's
// durable queue, binds the queue with a header match on
// name=auth_tenant_deleted, and delivers bodies to handle until ctx is
// cancelled or the connection drops.
func (c *AMQPConsumer) Run(ctx context.Context, handle MessageHandler) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("bus: dial amqp: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("bus: open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(wazoHeadersExchange, "headers", true, false, false, false, nil); err != nil {
		return fmt.Errorf("bus: declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(c.cfg.QueueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("bus: declare queue: %w", err)
	}

	bindArgs := amqp.Table{
		"x-match": "all",
		"name":    "auth_tenant_deleted",
	}
	if err := ch.QueueBind(q.Name, "", wazoHeadersExchange, false, bindArgs); err != nil {
		return fmt.Errorf("bus: bind queue: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, "provd", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("bus: start consuming: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return nil
		case connErr, ok := <-closed:
			if !ok || connErr == nil {
				return nil
			}
			return fmt.Errorf("bus: connection closed: %w", connErr)
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("bus: delivery channel closed")
			}
			if err := handle(ctx, d.Body); err != nil {
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}
