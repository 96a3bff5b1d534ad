// Package service holds adapters that connect the approval core to outside
// infrastructure.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/ewaste-tracker/internal/metrics"
	"github.com/iliyamo/ewaste-tracker/internal/queue"
)

// ClaimsPublisher schedules claims syncs by publishing ClaimsSyncRequested
// to RabbitMQ, so any instance running the consumer can apply them. It
// keeps one connection and channel open and redials after a failure.
type ClaimsPublisher struct {
	url     string
	timeout time.Duration
	log     logrus.FieldLogger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
	wg   sync.WaitGroup
}

func NewClaimsPublisher(url string, timeout time.Duration, log logrus.FieldLogger) *ClaimsPublisher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ClaimsPublisher{url: url, timeout: timeout, log: log.WithField("component", "claims-publisher")}
}

// Schedule publishes in the background. A failed publish is logged and
// counted as dropped; the reconciliation sweep covers it.
func (p *ClaimsPublisher) Schedule(accountID uint64) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if err := p.Publish(ctx, accountID); err != nil {
			metrics.ClaimsSyncDropped.Inc()
			p.log.WithError(err).WithField("account_id", accountID).Warn("claims sync publish failed")
		}
	}()
}

// Publish sends one persistent ClaimsSyncRequested message.
func (p *ClaimsPublisher) Publish(ctx context.Context, accountID uint64) error {
	body, err := encodeSyncRequest(accountID, time.Now().UTC())
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, "", queue.ClaimsSyncQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		p.reset()
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Close waits for in-flight publishes and closes the connection.
func (p *ClaimsPublisher) Close() {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
}

// channel returns an open channel, dialing when needed. Callers hold mu.
func (p *ClaimsPublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.reset()
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue.ClaimsSyncQueue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("queue declare: %w", err)
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *ClaimsPublisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func encodeSyncRequest(accountID uint64, at time.Time) ([]byte, error) {
	return json.Marshal(queue.ClaimsSyncRequested{AccountID: accountID, RequestedAt: at})
}
