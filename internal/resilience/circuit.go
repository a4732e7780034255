// Package resilience guards the two outbound dependencies of the checkout
// flow, the hosted-session source and merchant webhook endpoints, with a
// failure-ratio circuit breaker and bounded, jittered retries.
package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned when the breaker refuses a request outright.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State is the breaker position.
type State int

const (
	// Closed lets traffic through while counting outcomes.
	Closed State = iota
	// Open rejects traffic until the cool-off window has passed.
	Open
	// HalfOpen admits one probe to test whether the dependency recovered.
	HalfOpen
)

var stateNames = [...]string{Closed: "closed", Open: "open", HalfOpen: "half_open"}

func (s State) String() string {
	if s < Closed || s > HalfOpen {
		return "unknown"
	}
	return stateNames[s]
}

// gaugeValue is the state as exported by the circuit state gauge: closed 0,
// open 1, half-open 2.
func (s State) gaugeValue() float64 {
	if s < Closed || s > HalfOpen {
		return -1
	}
	return float64(s)
}

// Breaker trips when the failure ratio over the observed sample crosses the
// threshold. One breaker guards one logical dependency; the target name only
// labels telemetry.
type Breaker struct {
	mu       sync.Mutex
	state    State
	okCount  int
	failed   int
	openedAt time.Time

	minSamples int
	tripRatio  float64
	coolOff    time.Duration
	target     string
	logger     *zerolog.Logger
}

// NewBreaker builds a closed breaker. It opens once at least minSamples
// outcomes are recorded and the failure share reaches tripRatio, and stays
// open for coolOff before probing.
func NewBreaker(minSamples int, tripRatio float64, coolOff time.Duration) *Breaker {
	if minSamples <= 0 {
		minSamples = 1
	}
	if tripRatio <= 0 {
		tripRatio = 0.5
	}
	if tripRatio > 1 {
		tripRatio = 1
	}
	if coolOff <= 0 {
		coolOff = 30 * time.Second
	}
	return &Breaker{minSamples: minSamples, tripRatio: tripRatio, coolOff: coolOff}
}

// WithTarget names the guarded dependency for metrics and transition logs.
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	b.target = strings.TrimSpace(target)
	b.publishState()
	b.mu.Unlock()
	return b
}

// WithLogger sets the fallback logger for transition events. A logger carried
// by the request context still wins.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	b.logger = &logger
	b.mu.Unlock()
	return b
}

// Allow reports whether a request may proceed. An open breaker whose cool-off
// has lapsed flips to half-open and admits the caller as the probe.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return true
	}
	if time.Since(b.openedAt) < b.coolOff {
		return false
	}
	b.setState(ctx, HalfOpen)
	return true
}

// Record feeds one outcome into the breaker. A half-open probe decides the
// next state on its own; otherwise the ratio check runs once the sample is
// large enough.
func (b *Breaker) Record(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		return
	case HalfOpen:
		next := Open
		if success {
			next = Closed
		}
		b.setState(ctx, next)
		return
	}

	if success {
		b.okCount++
	} else {
		b.failed++
	}
	seen := b.okCount + b.failed
	if seen < b.minSamples {
		return
	}
	if float64(b.failed)/float64(seen) >= b.tripRatio {
		b.setState(ctx, Open)
		return
	}
	if seen > b.minSamples*2 {
		// Age the sample so one old burst cannot dominate forever.
		b.okCount = (b.okCount + 1) / 2
		b.failed = (b.failed + 1) / 2
	}
}

func (b *Breaker) setState(ctx context.Context, next State) {
	prev := b.state
	if prev == next {
		b.publishState()
		return
	}
	b.state = next
	b.okCount = 0
	b.failed = 0
	switch next {
	case Open:
		b.openedAt = time.Now()
	case Closed:
		b.openedAt = time.Time{}
	}
	b.publishState()

	name := b.label()
	if CircuitTransitions != nil {
		CircuitTransitions.WithLabelValues(name, prev.String(), next.String()).Inc()
	}
	if next == Open && CircuitOpenTotal != nil {
		CircuitOpenTotal.WithLabelValues(name).Inc()
	}
	evt := b.transitionLogger(ctx).Info().
		Str("target", name).
		Str("from_state", prev.String()).
		Str("to_state", next.String())
	if span := trace.SpanContextFromContext(ctx); span.IsValid() {
		evt = evt.Str("trace_id", span.TraceID().String())
	}
	evt.Msg("breaker_transition")
}

func (b *Breaker) publishState() {
	if CircuitState != nil {
		CircuitState.WithLabelValues(b.label()).Set(b.state.gaugeValue())
	}
}

func (b *Breaker) label() string {
	if b.target == "" {
		return "default"
	}
	return b.target
}

var discardLogger = zerolog.Nop()

func (b *Breaker) transitionLogger(ctx context.Context) *zerolog.Logger {
	if ctxLogger := zerolog.Ctx(ctx); ctxLogger != nil && ctxLogger.GetLevel() != zerolog.Disabled {
		return ctxLogger
	}
	if b.logger != nil {
		return b.logger
	}
	return &discardLogger
}
