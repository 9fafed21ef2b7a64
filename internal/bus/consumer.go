package bus

import (
	"context"
	"log/slog"
)

// MessageHandler processes one delivered message body. A non-nil error
// nacks the delivery (requeue is left to the Consumer implementation); a
// nil error acks it.
type MessageHandler func(ctx context.Context, body []byte) error

// Consumer delivers messages from a bus subscription to a handler until
// Run's context is cancelled. It abstracts the underlying broker client so
// TenantDeletedHandler (and anything that runs it) never depends on the
// wire protocol directly — only the adapter in amqp.go does.
type Consumer interface {
	Run(ctx context.Context, handle MessageHandler) error
}

// Subscription runs a Consumer against a TenantDeletedHandler until its
// context is cancelled, logging delivery errors rather than stopping (one
// malformed event must not take the whole subscription down), mirroring
// the run-until-cancelled worker shape used across this codebase (see
// internal/business/silencing's gcWorker in the teacher repo this package
// generalizes from a ticker loop to an event-delivery loop).
type Subscription struct {
	consumer Consumer
	handler  *TenantDeletedHandler
	logger   *slog.Logger

	doneCh chan struct{}
}

// NewSubscription builds a Subscription. logger may be nil.
func NewSubscription(consumer Consumer, handler *TenantDeletedHandler, logger *slog.Logger) *Subscription {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscription{consumer: consumer, handler: handler, logger: logger, doneCh: make(chan struct{})}
}

// Run blocks delivering messages to the handler until ctx is cancelled or
// the underlying Consumer returns (e.g. the broker connection dropped).
func (s *Subscription) Run(ctx context.Context) error {
	defer close(s.doneCh)
	err := s.consumer.Run(ctx, func(ctx context.Context, body []byte) error {
		if err := s.handler.HandleMessage(ctx, body); err != nil {
			s.logger.Error("bus: failed to handle message", "error", err)
			return err
		}
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Done closes once Run has returned, for callers that started Run in a
// goroutine and need to wait for it to unwind.
func (s *Subscription) Done() <-chan struct{} {
	return s.doneCh
}
