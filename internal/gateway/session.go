package gateway

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State tracks the session lifecycle.
type State string

const (
	// StateIdle: constructed, redirect not yet handed to a surface.
	StateIdle State = "idle"
	// StateProcessing: the hosted page owns the customer.
	StateProcessing State = "processing"
	// StateCompleted: terminal. The outcome is frozen; no transition leaves
	// this state.
	StateCompleted State = "completed"
)

// Session binds one payment request to one in-flight redirect flow. All
// transitions are serialized internally; the completion channel closes exactly
// once and the outcome never changes afterwards. Loggers travel on the
// context (zerolog.Ctx), so the zero host stays quiet.
type Session struct {
	id      string
	profile Profile
	cfg     Config
	req     Request

	observer Observer

	mu      sync.Mutex
	state   State
	outcome *Response
	done    chan struct{}
}

// NewSession constructs an idle session.
func NewSession(profile Profile, cfg Config, req Request) *Session {
	return &Session{
		id:       uuid.NewString(),
		profile:  profile,
		cfg:      cfg,
		req:      req,
		observer: NewObserver(cfg),
		state:    StateIdle,
		done:     make(chan struct{}),
	}
}

// Restore rebuilds a session from persisted state, for hosts that park
// sessions between navigation events. A completed outcome arrives already
// resolved.
func Restore(id string, profile Profile, cfg Config, req Request, state State, outcome *Response) *Session {
	s := NewSession(profile, cfg, req)
	if id != "" {
		s.id = id
	}
	switch state {
	case StateProcessing:
		s.state = StateProcessing
	case StateCompleted:
		s.state = StateCompleted
		s.outcome = outcome
		close(s.done)
	}
	return s
}

// StartCheckout builds the signed redirect for one attempt and returns the
// live session whose Await resolves with the terminal outcome. Errors here
// are configuration or session-source failures only; business outcomes arrive
// through the response.
func StartCheckout(ctx context.Context, b Builder, cfg Config, req Request) (*Session, Redirect, error) {
	redirect, err := b.Build(ctx, cfg, req)
	if err != nil {
		return nil, Redirect{}, err
	}
	return NewSession(b.Profile, cfg, req), redirect, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Request returns the originating payment request.
func (s *Session) Request() Request { return s.req }

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkProcessing records the hand-off to the hosted page. Idempotent; a
// completed session stays completed.
func (s *Session) MarkProcessing(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle {
		s.state = StateProcessing
	}
}

// OnNavigation feeds one navigation URL through the observer. It returns the
// match and true when the URL terminated the flow, in which case the surface
// must stop that navigation, or false to let it proceed. Terminal-shaped
// events after completion are logged and ignored; the settled outcome never
// changes.
func (s *Session) OnNavigation(ctx context.Context, rawURL string) (Match, bool) {
	m, ok := s.observer.Classify(rawURL)
	if !ok {
		return Match{}, false
	}
	resp := Adjudicator{Profile: s.profile, Config: s.cfg}.Adjudicate(m)
	s.complete(ctx, resp)
	return m, true
}

// OnSurfaceClosed handles the host surface closing before any terminal match:
// an explicit cancellation.
func (s *Session) OnSurfaceClosed(ctx context.Context) {
	s.complete(ctx, Response{
		Status:  StatusCanceled,
		Reason:  ReasonUserCanceled,
		Message: "surface closed before completion",
	})
}

// Dispose releases the session. A non-terminal session resolves as canceled;
// a completed one is untouched.
func (s *Session) Dispose(ctx context.Context) {
	s.complete(ctx, Response{
		Status:  StatusCanceled,
		Reason:  ReasonUserCanceled,
		Message: "session disposed before completion",
	})
}

// Await blocks until the session completes or ctx ends.
func (s *Session) Await(ctx context.Context) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return *s.outcome, nil
	}
}

// Outcome returns the terminal response once resolved.
func (s *Session) Outcome() (Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome == nil {
		return Response{}, false
	}
	return *s.outcome, true
}

// complete performs the single terminal transition. Exactly one caller wins;
// later outcomes are dropped with a debug log.
func (s *Session) complete(ctx context.Context, resp Response) bool {
	s.mu.Lock()
	if s.state == StateCompleted {
		s.mu.Unlock()
		zerolog.Ctx(ctx).Debug().
			Str("session_id", s.id).
			Str("dropped_status", string(resp.Status)).
			Msg("terminal event after completion ignored")
		return false
	}
	s.state = StateCompleted
	s.outcome = &resp
	s.mu.Unlock()
	close(s.done)
	return true
}
