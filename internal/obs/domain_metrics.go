package obs

import (
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainSetup sync.Once

	// CheckoutSessionTotal counts checkout session creation outcomes.
	CheckoutSessionTotal *prometheus.CounterVec
	// CheckoutOutcomeTotal counts settled session outcomes by canonical status.
	CheckoutOutcomeTotal *prometheus.CounterVec
	// SignatureMismatchTotal counts return redirects rejected for a bad signature.
	SignatureMismatchTotal *prometheus.CounterVec
	// ReturnInterceptTotal counts intercepted return navigations by route.
	ReturnInterceptTotal *prometheus.CounterVec
	// ProviderSessionLatency records hosted-session creation latency in milliseconds.
	ProviderSessionLatency *prometheus.HistogramVec
	// WebhookDeliveriesTotal counts finished deliveries by outcome.
	WebhookDeliveriesTotal *prometheus.CounterVec
	// WebhookAttemptLatency is per-attempt delivery time in milliseconds.
	WebhookAttemptLatency *prometheus.HistogramVec
	// WebhookAttemptsTotal counts every dispatch try, success or not.
	WebhookAttemptsTotal prometheus.Counter
	// WebhookParkedTotal counts deliveries parked after the attempt cap.
	WebhookParkedTotal prometheus.Counter
)

// MustRegisterDomainMetrics builds and registers the checkout and webhook
// collectors exactly once. A nil reg falls back to the default registerer.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainSetup.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}

		counter := func(name, help string, labels ...string) *prometheus.CounterVec {
			return prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      name,
				Help:      help,
			}, labels)
		}
		histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
			return prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      name,
				Help:      help,
				Buckets:   buckets,
			}, labels)
		}

		CheckoutSessionTotal = counter("checkout_session_total",
			"Checkout session creation outcomes.", "provider", "result")
		CheckoutOutcomeTotal = counter("checkout_outcome_total",
			"Settled checkout sessions by canonical status.", "provider", "status")
		SignatureMismatchTotal = counter("signature_mismatch_total",
			"Return redirects rejected for signature mismatch.", "provider")
		ReturnInterceptTotal = counter("return_intercept_total",
			"Intercepted return navigations by route.", "provider", "route")
		ProviderSessionLatency = histogram("provider_session_duration_ms",
			"Hosted-session creation call time in milliseconds.",
			[]float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}, "result")
		WebhookDeliveriesTotal = counter("webhook_deliveries_total",
			"Finished webhook deliveries by outcome.", "result")
		WebhookAttemptLatency = histogram("webhook_attempt_duration_ms",
			"Webhook delivery attempt time in milliseconds.",
			[]float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000}, "result")
		WebhookAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_attempts_total",
			Help:      "Dispatch attempts, successful or not.",
		})
		WebhookParkedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_parked_total",
			Help:      "Deliveries parked in the dead letter queue after the retry cap.",
		})

		registerOrReuse(reg, CheckoutSessionTotal, reuseCounterVec(&CheckoutSessionTotal))
		registerOrReuse(reg, CheckoutOutcomeTotal, reuseCounterVec(&CheckoutOutcomeTotal))
		registerOrReuse(reg, SignatureMismatchTotal, reuseCounterVec(&SignatureMismatchTotal))
		registerOrReuse(reg, ReturnInterceptTotal, reuseCounterVec(&ReturnInterceptTotal))
		registerOrReuse(reg, ProviderSessionLatency, reuseHistogramVec(&ProviderSessionLatency))
		registerOrReuse(reg, WebhookDeliveriesTotal, reuseCounterVec(&WebhookDeliveriesTotal))
		registerOrReuse(reg, WebhookAttemptLatency, reuseHistogramVec(&WebhookAttemptLatency))
		registerOrReuse(reg, WebhookAttemptsTotal, reuseCounter(&WebhookAttemptsTotal))
		registerOrReuse(reg, WebhookParkedTotal, reuseCounter(&WebhookParkedTotal))
	})
}

func reuseCounterVec(dst **prometheus.CounterVec) func(prometheus.Collector) {
	return func(existing prometheus.Collector) {
		if v, ok := existing.(*prometheus.CounterVec); ok {
			*dst = v
		}
	}
}

func reuseHistogramVec(dst **prometheus.HistogramVec) func(prometheus.Collector) {
	return func(existing prometheus.Collector) {
		if v, ok := existing.(*prometheus.HistogramVec); ok {
			*dst = v
		}
	}
}

func reuseCounter(dst *prometheus.Counter) func(prometheus.Collector) {
	return func(existing prometheus.Collector) {
		if v, ok := existing.(prometheus.Counter); ok {
			*dst = v
		}
	}
}

func reuseGauge(dst *prometheus.Gauge) func(prometheus.Collector) {
	return func(existing prometheus.Collector) {
		if v, ok := existing.(prometheus.Gauge); ok {
			*dst = v
		}
	}
}

// registerOrReuse registers collector on reg, adopting the collector already
// registered under the same name instead of failing.
func registerOrReuse(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	err := reg.Register(collector)
	if err == nil {
		return
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if reuse != nil {
			reuse(are.ExistingCollector)
		}
		return
	}
	panic(fmt.Errorf("obs: register collector: %w", err))
}
