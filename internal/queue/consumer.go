package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/ewaste-tracker/internal/apperror"
)

// Syncer applies one claims sync request.
type Syncer interface {
	Sync(ctx context.Context, accountID uint64) error
}

// StartClaimsSyncConsumer consumes ClaimsSyncQueue until ctx is cancelled,
// redialing the broker with exponential backoff whenever the connection
// drops. Messages that fail are rejected without requeue; the periodic
// reconciliation sweep repairs whatever they missed.
func StartClaimsSyncConsumer(ctx context.Context, url string, syncer Syncer, jobTimeout time.Duration, log logrus.FieldLogger) error {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "claims-consumer")

	backoff := time.Second
	for {
		conn, err := amqp.Dial(url)
		if err != nil {
			log.WithError(err).Warnf("failed to dial broker; retrying in %s", backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = consumeLoop(ctx, conn, syncer, jobTimeout, log)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WithError(err).Warn("consume loop ended; reconnecting")
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, syncer Syncer, jobTimeout time.Duration, log logrus.FieldLogger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		log.WithError(err).Warn("set QoS failed")
	}
	if _, err := ch.QueueDeclare(ClaimsSyncQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, ClaimsSyncQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for d := range msgs {
		if err := handleMessage(ctx, d.Body, syncer, jobTimeout); err != nil {
			again := shouldRequeue(err, d.Redelivered)
			log.WithError(err).WithField("requeue", again).Warn("claims sync message failed")
			_ = d.Nack(false, again)
			continue
		}
		_ = d.Ack(false)
	}
	return errors.New("deliveries channel closed")
}

// shouldRequeue gives a transient provider failure one more delivery. A
// message that already came back is dropped; the reconciliation sweep
// picks the account up instead of the queue spinning on a dead provider.
func shouldRequeue(err error, redelivered bool) bool {
	return apperror.IsTransient(err) && !redelivered
}

func handleMessage(ctx context.Context, body []byte, syncer Syncer, jobTimeout time.Duration) error {
	var ev ClaimsSyncRequested
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if ev.AccountID == 0 {
		return errors.New("message has no account_id")
	}
	if jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, jobTimeout)
		defer cancel()
	}
	return syncer.Sync(ctx, ev.AccountID)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
