// Package queue defines the messages exchanged over RabbitMQ and the
// consumer that applies them.
package queue

import "time"

// ClaimsSyncQueue is the durable queue claims sync requests travel on.
const ClaimsSyncQueue = "claims.sync"

// ClaimsSyncRequested asks a worker to push the claims of one account to the
// identity provider. It carries only the id: the worker always reads the
// current record, so duplicate or reordered messages are harmless.
type ClaimsSyncRequested struct {
	AccountID   uint64    `json:"account_id"`
	RequestedAt time.Time `json:"requested_at"`
}
