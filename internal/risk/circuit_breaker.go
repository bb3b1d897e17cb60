package risk

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

// Circuit breaker states for Prometheus metrics
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"

	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Circuit breaker thresholds per service type
const (
	// Exchange REST settings
	ExchangeMinRequests     = 5
	ExchangeFailureRatio    = 0.6
	ExchangeOpenTimeout     = 30 * time.Second
	ExchangeHalfOpenMaxReqs = 3
	ExchangeCountInterval   = 10 * time.Second

	// Store settings (faster recovery)
	StoreMinRequests     = 10
	StoreFailureRatio    = 0.6
	StoreOpenTimeout     = 15 * time.Second
	StoreHalfOpenMaxReqs = 5
	StoreCountInterval   = 10 * time.Second
)

// CircuitBreakerManager manages circuit breakers for the external services
type CircuitBreakerManager struct {
	exchange *gobreaker.CircuitBreaker
	store    *gobreaker.CircuitBreaker
	metrics  *circuitBreakerMetrics
}

type circuitBreakerMetrics struct {
	state    *prometheus.GaugeVec
	requests *prometheus.CounterVec
}

var (
	globalMetrics *circuitBreakerMetrics
	metricsOnce   sync.Once
)

// initMetrics initializes the metrics singleton exactly once
func initMetrics() {
	metricsOnce.Do(func() {
		globalMetrics = &circuitBreakerMetrics{
			state: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "coinpilot_circuit_breaker_state",
					Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
				},
				[]string{"service"},
			),
			requests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "coinpilot_circuit_breaker_requests_total",
					Help: "Total number of requests through circuit breaker",
				},
				[]string{"service", "result"},
			),
		}
	})
}

// NewCircuitBreakerManager creates breakers for the exchange and the store
func NewCircuitBreakerManager() *CircuitBreakerManager {
	initMetrics()

	newBreaker := func(name string, minReqs uint32, ratio float64, openTimeout, interval time.Duration, halfOpenMax uint32) *gobreaker.CircuitBreaker {
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: halfOpenMax,
			Interval:    interval,
			Timeout:     openTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= minReqs && failureRatio >= ratio
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				globalMetrics.state.WithLabelValues(name).Set(stateValue(to))
			},
		})
	}

	return &CircuitBreakerManager{
		exchange: newBreaker("exchange", ExchangeMinRequests, ExchangeFailureRatio,
			ExchangeOpenTimeout, ExchangeCountInterval, ExchangeHalfOpenMaxReqs),
		store: newBreaker("store", StoreMinRequests, StoreFailureRatio,
			StoreOpenTimeout, StoreCountInterval, StoreHalfOpenMaxReqs),
		metrics: globalMetrics,
	}
}

// Exchange returns the exchange REST breaker
func (m *CircuitBreakerManager) Exchange() *gobreaker.CircuitBreaker {
	return m.exchange
}

// Store returns the store breaker
func (m *CircuitBreakerManager) Store() *gobreaker.CircuitBreaker {
	return m.store
}

// RecordRequest updates the request counter for a service
func (m *CircuitBreakerManager) RecordRequest(service string, success bool) {
	result := ResultSuccess
	if !success {
		result = ResultFailure
	}
	m.metrics.requests.WithLabelValues(service, result).Inc()
}

// stateValue maps gobreaker states onto gauge values
func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
