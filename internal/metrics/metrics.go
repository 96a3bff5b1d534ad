// Package metrics holds the Prometheus collectors of the approval core.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ApprovalTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ewaste_role_request_transitions_total",
			Help: "Role request review actions by outcome.",
		},
		[]string{"to", "result"},
	)

	ClaimsSyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ewaste_claims_sync_total",
			Help: "Claims pushes to the identity provider by result.",
		},
		[]string{"result"},
	)

	ClaimsSyncDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ewaste_claims_sync_dropped_total",
		Help: "Claims sync jobs dropped because the dispatch queue was full.",
	})

	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ewaste_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		},
		[]string{"class"},
	)

	RateLimitErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ewaste_rate_limit_store_errors_total",
		Help: "Rate limiter store failures (requests were let through).",
	})

	TokensRevoked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ewaste_tokens_revoked_total",
			Help: "Session revocations by scope.",
		},
		[]string{"scope"},
	)
)

var once sync.Once

// Init registers every collector with the default registry. Safe to call
// more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			ApprovalTransitions,
			ClaimsSyncs,
			ClaimsSyncDropped,
			RateLimited,
			RateLimitErrors,
			TokensRevoked,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}
