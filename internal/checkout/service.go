// Package checkout is the service shell around the gateway state machine: it
// creates sessions, serves the hand-off document, settles return navigations
// exactly once and drives disposal of abandoned attempts.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/redirectpay/internal/audit"
	"github.com/noah-isme/redirectpay/internal/common"
	"github.com/noah-isme/redirectpay/internal/config"
	"github.com/noah-isme/redirectpay/internal/events"
	"github.com/noah-isme/redirectpay/internal/gateway"
	"github.com/noah-isme/redirectpay/internal/lock"
	"github.com/noah-isme/redirectpay/internal/obs"
	"github.com/noah-isme/redirectpay/internal/queue"
	"github.com/noah-isme/redirectpay/internal/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ProviderSettings carries the deployment's gateway credentials. One provider
// per deployment; the per-session return prefixes are derived at create time.
type ProviderSettings struct {
	Provider       string
	MerchantID     string
	AccessCode     string
	RequestSecret  string
	ResponseSecret string
	TestMode       bool
	CheckoutURL    string
	SessionURL     string
}

// SettingsFromConfig extracts the gateway settings from the app config.
func SettingsFromConfig(cfg *config.Config) ProviderSettings {
	return ProviderSettings{
		Provider:       cfg.GatewayProvider,
		MerchantID:     cfg.GatewayMerchantID,
		AccessCode:     cfg.GatewayAccessCode,
		RequestSecret:  cfg.GatewayRequestSecret,
		ResponseSecret: cfg.GatewayResponseSecret,
		TestMode:       cfg.GatewayTestMode,
		CheckoutURL:    cfg.GatewayCheckoutURL,
		SessionURL:     cfg.GatewaySessionURL,
	}
}

// CreateInput is the merchant-facing request to open a checkout session.
type CreateInput struct {
	Provider      string `json:"provider" validate:"omitempty,max=32"`
	Reference     string `json:"reference" validate:"required,max=64"`
	Amount        string `json:"amount" validate:"required,max=32"`
	Currency      string `json:"currency" validate:"required,len=3,alpha"`
	CustomerEmail string `json:"customerEmail" validate:"omitempty,email"`
	CustomerName  string `json:"customerName" validate:"omitempty,max=128"`
	Locale        string `json:"locale" validate:"omitempty,max=8"`
}

// SessionView is the merchant-facing projection of a session record.
type SessionView struct {
	ID          string            `json:"id"`
	State       gateway.State     `json:"state"`
	Provider    string            `json:"provider"`
	Reference   string            `json:"reference"`
	Amount      string            `json:"amount"`
	Currency    string            `json:"currency"`
	RedirectURL string            `json:"redirectUrl,omitempty"`
	Outcome     *gateway.Response `json:"outcome,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	ExpiresAt   time.Time         `json:"expiresAt"`
}

// Service orchestrates the hosted-redirect flow. All collaborators are plain
// fields so tests can assemble a service against miniredis and stub stores.
type Service struct {
	Providers *gateway.Registry
	Settings  ProviderSettings
	// ReturnBase is the public base URL; return prefixes and redirect links
	// are derived from it.
	ReturnBase string

	Sessions store.Sessions
	Locker   lock.Locker
	LockTTL  time.Duration
	// TTL is the checkout window; the expiry task fires when it lapses.
	TTL time.Duration

	Events *events.Bus
	Audit  audit.Service
	Queue  queue.Enqueuer
	// SourceClient calls the hosted-session collaborator for profiles that
	// need one, normally the breaker-wrapped client.
	SourceClient gateway.Doer
}

// Create validates the input, builds the signed redirect and persists a fresh
// idle session. Configuration problems are 422, session-source failures 502.
func (s *Service) Create(ctx context.Context, merchantID string, in CreateInput) (SessionView, error) {
	if err := validate.Struct(in); err != nil {
		return SessionView{}, validationErr(err)
	}
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		provider = s.Settings.Provider
	}
	if provider != s.Settings.Provider {
		return SessionView{}, common.NewAppError(
			"GATEWAY_CONFIG_INVALID",
			"provider "+provider+" is not configured for this deployment",
			http.StatusUnprocessableEntity, nil,
		)
	}
	profile, err := s.Providers.Get(provider)
	if err != nil {
		s.countSession(provider, "config_error")
		return SessionView{}, mapGatewayErr(err)
	}

	id := uuid.NewString()
	cfg := s.gatewayConfig(id)
	req := gateway.Request{
		Reference:     strings.TrimSpace(in.Reference),
		Amount:        strings.TrimSpace(in.Amount),
		Currency:      strings.ToUpper(strings.TrimSpace(in.Currency)),
		CustomerEmail: strings.TrimSpace(in.CustomerEmail),
		CustomerName:  strings.TrimSpace(in.CustomerName),
		Locale:        strings.TrimSpace(in.Locale),
	}

	builder := gateway.Builder{Profile: profile, Source: gateway.SessionSource{Client: s.SourceClient}}
	start := time.Now()
	redirect, err := builder.Build(ctx, cfg, req)
	if profile.RequiresSession {
		result := "success"
		if err != nil {
			result = "failure"
		}
		if obs.ProviderSessionLatency != nil {
			obs.ProviderSessionLatency.WithLabelValues(result).Observe(obs.DurationMillis(time.Since(start)))
		}
	}
	if err != nil {
		s.countSession(provider, buildFailureKind(err))
		return SessionView{}, mapGatewayErr(err)
	}

	now := time.Now().UTC()
	rec := store.SessionRecord{
		ID:         id,
		MerchantID: merchantID,
		Provider:   provider,
		State:      gateway.StateIdle,
		Request:    req,
		Redirect:   redirect,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(s.ttl()),
	}
	if err := s.Sessions.Create(ctx, rec); err != nil {
		return SessionView{}, fmt.Errorf("checkout: persist session: %w", err)
	}
	s.scheduleExpiry(ctx, id)
	s.countSession(provider, "created")

	zerolog.Ctx(ctx).Info().
		Str("session_id", id).
		Str("provider", provider).
		Str("reference", req.Reference).
		Msg("checkout: session created")
	return s.view(rec), nil
}

// RedirectDocument renders the auto-submit hand-off page and flips a fresh
// session to Processing. A settled session comes back with a nil document so
// the handler can serve the outcome page instead.
func (s *Service) RedirectDocument(ctx context.Context, id string) ([]byte, store.SessionRecord, error) {
	rec, err := s.Sessions.Get(ctx, id)
	if err != nil {
		return nil, rec, mapStoreErr(err)
	}
	if rec.Terminal() {
		return nil, rec, nil
	}
	doc, err := rec.Redirect.Document()
	if err != nil {
		return nil, rec, fmt.Errorf("checkout: render redirect: %w", err)
	}
	if rec.State == gateway.StateIdle {
		// The transition is bookkeeping; a failure here must not block the
		// customer hand-off.
		lockErr := s.Locker.WithLock(ctx, sessionLockKey(id), s.lockTTL(), func(ctx context.Context) error {
			cur, err := s.Sessions.Get(ctx, id)
			if err != nil {
				return err
			}
			if cur.State != gateway.StateIdle {
				return nil
			}
			cur.State = gateway.StateProcessing
			return s.Sessions.Save(ctx, cur)
		})
		if lockErr != nil {
			zerolog.Ctx(ctx).Warn().Err(lockErr).Str("session_id", id).Msg("checkout: mark processing failed")
		}
	}
	return doc, rec, nil
}

// HandleReturn settles one provider return navigation. The per-session lock
// serializes concurrent duplicates; the terminal check under it makes replays
// a read of the settled record, adjudicated exactly once.
func (s *Service) HandleReturn(ctx context.Context, id string, route gateway.Route, params url.Values) (store.SessionRecord, error) {
	var settled store.SessionRecord
	err := s.Locker.WithLock(ctx, sessionLockKey(id), s.lockTTL(), func(ctx context.Context) error {
		rec, err := s.Sessions.Get(ctx, id)
		if err != nil {
			return mapStoreErr(err)
		}
		if rec.Terminal() {
			settled = rec
			return nil
		}
		profile, err := s.Providers.Get(rec.Provider)
		if err != nil {
			return mapGatewayErr(err)
		}
		cfg := s.gatewayConfig(id)
		nav := s.returnPrefix(id, route)
		if encoded := params.Encode(); encoded != "" {
			nav += "?" + encoded
		}

		sess := gateway.Restore(id, profile, cfg, rec.Request, rec.State, nil)
		m, ok := sess.OnNavigation(ctx, nav)
		if !ok {
			return common.NewAppError("INTERNAL", "return navigation did not classify", http.StatusInternalServerError, nil)
		}
		out, _ := sess.Outcome()

		rec.State = gateway.StateCompleted
		rec.Outcome = &out
		if err := s.Sessions.Save(ctx, rec); err != nil {
			return fmt.Errorf("checkout: persist outcome: %w", err)
		}
		settled = rec
		s.observeOutcome(ctx, rec, m.Route, out, profile, cfg)
		s.emitSettled(ctx, rec, string(m.Route), topicFor(out.Status))
		return nil
	})
	return settled, err
}

// Cancel disposes a session on merchant request. Terminal sessions are
// untouched and returned as-is.
func (s *Service) Cancel(ctx context.Context, id, merchantID string) (SessionView, error) {
	var settled store.SessionRecord
	err := s.Locker.WithLock(ctx, sessionLockKey(id), s.lockTTL(), func(ctx context.Context) error {
		rec, err := s.Sessions.Get(ctx, id)
		if err != nil {
			return mapStoreErr(err)
		}
		if merchantID != "" && rec.MerchantID != merchantID {
			return sessionNotFound(nil)
		}
		if rec.Terminal() {
			settled = rec
			return nil
		}
		profile, err := s.Providers.Get(rec.Provider)
		if err != nil {
			return mapGatewayErr(err)
		}
		sess := gateway.Restore(id, profile, s.gatewayConfig(id), rec.Request, rec.State, nil)
		sess.Dispose(ctx)
		out, _ := sess.Outcome()

		rec.State = gateway.StateCompleted
		rec.Outcome = &out
		if err := s.Sessions.Save(ctx, rec); err != nil {
			return fmt.Errorf("checkout: persist outcome: %w", err)
		}
		settled = rec
		if obs.CheckoutOutcomeTotal != nil {
			obs.CheckoutOutcomeTotal.WithLabelValues(rec.Provider, string(out.Status)).Inc()
		}
		zerolog.Ctx(ctx).Info().
			Str("session_id", id).
			Str("provider", rec.Provider).
			Msg("checkout: session disposed")
		s.emitSettled(ctx, rec, "dispose", events.TopicPaymentCanceled)
		return nil
	})
	if err != nil {
		return SessionView{}, err
	}
	return s.view(settled), nil
}

// Expire applies the disposal rule to a session whose checkout window lapsed.
// Fired by the delayed queue task; settled and vanished sessions are no-ops.
func (s *Service) Expire(ctx context.Context, id string) error {
	return s.Locker.WithLock(ctx, sessionLockKey(id), s.lockTTL(), func(ctx context.Context) error {
		rec, err := s.Sessions.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Terminal() {
			return nil
		}
		out := gateway.Response{
			Status:  gateway.StatusCanceled,
			Reason:  gateway.ReasonUserCanceled,
			Message: "session expired before completion",
		}
		rec.State = gateway.StateCompleted
		rec.Outcome = &out
		if err := s.Sessions.Save(ctx, rec); err != nil {
			return fmt.Errorf("checkout: persist expiry: %w", err)
		}
		if obs.CheckoutOutcomeTotal != nil {
			obs.CheckoutOutcomeTotal.WithLabelValues(rec.Provider, string(out.Status)).Inc()
		}
		zerolog.Ctx(ctx).Info().
			Str("session_id", id).
			Str("provider", rec.Provider).
			Msg("checkout: session expired")
		s.emitSettled(ctx, rec, "expire", events.TopicSessionExpired)
		return nil
	})
}

// Get returns the merchant view of one session. Records belonging to another
// merchant read as not found.
func (s *Service) Get(ctx context.Context, id, merchantID string) (SessionView, error) {
	rec, err := s.Sessions.Get(ctx, id)
	if err != nil {
		return SessionView{}, mapStoreErr(err)
	}
	if merchantID != "" && rec.MerchantID != merchantID {
		return SessionView{}, sessionNotFound(nil)
	}
	return s.view(rec), nil
}

func (s *Service) view(rec store.SessionRecord) SessionView {
	v := SessionView{
		ID:        rec.ID,
		State:     rec.State,
		Provider:  rec.Provider,
		Reference: rec.Request.Reference,
		Amount:    rec.Request.Amount,
		Currency:  strings.ToUpper(rec.Request.Currency),
		Outcome:   rec.Outcome,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
	}
	if !rec.Terminal() {
		v.RedirectURL = fmt.Sprintf("%s/v1/checkout/%s/redirect", strings.TrimRight(s.ReturnBase, "/"), rec.ID)
	}
	return v
}

func (s *Service) gatewayConfig(sessionID string) gateway.Config {
	return gateway.Config{
		Provider:       s.Settings.Provider,
		MerchantID:     s.Settings.MerchantID,
		AccessCode:     s.Settings.AccessCode,
		RequestSecret:  s.Settings.RequestSecret,
		ResponseSecret: s.Settings.ResponseSecret,
		TestMode:       s.Settings.TestMode,
		CheckoutURL:    s.Settings.CheckoutURL,
		SessionURL:     s.Settings.SessionURL,
		SuccessPrefix:  s.returnPrefix(sessionID, gateway.RouteSuccess),
		FailurePrefix:  s.returnPrefix(sessionID, gateway.RouteFailure),
		CancelPrefix:   s.returnPrefix(sessionID, gateway.RouteCancel),
	}
}

func (s *Service) returnPrefix(sessionID string, route gateway.Route) string {
	return fmt.Sprintf("%s/v1/return/%s/%s", strings.TrimRight(s.ReturnBase, "/"), sessionID, route)
}

func (s *Service) ttl() time.Duration {
	if s.TTL <= 0 {
		return 30 * time.Minute
	}
	return s.TTL
}

func (s *Service) lockTTL() time.Duration {
	if s.LockTTL <= 0 {
		return 10 * time.Second
	}
	return s.LockTTL
}

func sessionLockKey(id string) string { return "lock:session:" + id }

func (s *Service) scheduleExpiry(ctx context.Context, id string) {
	if s.Queue.Client == nil {
		return
	}
	if err := s.Queue.Enqueue(ctx, SessionExpireTask(id, s.ttl())); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("session_id", id).Msg("checkout: schedule expiry failed")
	}
}

func (s *Service) countSession(provider, result string) {
	if obs.CheckoutSessionTotal != nil {
		obs.CheckoutSessionTotal.WithLabelValues(provider, result).Inc()
	}
}

// observeOutcome records metrics and the adjudication log line. Signature
// mismatches log the digest lengths only; neither secret nor digest content
// ever reaches the log.
func (s *Service) observeOutcome(ctx context.Context, rec store.SessionRecord, route gateway.Route, out gateway.Response, profile gateway.Profile, cfg gateway.Config) {
	if obs.ReturnInterceptTotal != nil {
		obs.ReturnInterceptTotal.WithLabelValues(rec.Provider, string(route)).Inc()
	}
	if obs.CheckoutOutcomeTotal != nil {
		obs.CheckoutOutcomeTotal.WithLabelValues(rec.Provider, string(out.Status)).Inc()
	}
	log := zerolog.Ctx(ctx)
	if out.Reason == gateway.ReasonSignatureMismatch {
		if obs.SignatureMismatchTotal != nil {
			obs.SignatureMismatchTotal.WithLabelValues(rec.Provider).Inc()
		}
		field := profile.SignatureField
		if field == "" {
			field = gateway.FieldSignature
		}
		signer := gateway.Signer{Field: profile.SignatureField, Digest: profile.Digest}
		want := signer.Sign(out.Raw, cfg.ResponseSecretOrRequest())
		log.Warn().
			Str("session_id", rec.ID).
			Str("provider", rec.Provider).
			Str("route", string(route)).
			Int("claimed_digest_len", len(out.Raw[field])).
			Int("expected_digest_len", len(want)).
			Msg("checkout: response signature mismatch")
		return
	}
	log.Info().
		Str("session_id", rec.ID).
		Str("provider", rec.Provider).
		Str("route", string(route)).
		Str("status", string(out.Status)).
		Str("reason", out.Reason).
		Str("code", out.Code).
		Msg("checkout: session settled")
}

// emitSettled records the audit row and publishes the domain event. Both are
// best-effort: the settled record is already durable and replays are guarded
// by the terminal check, so failures log and move on.
func (s *Service) emitSettled(ctx context.Context, rec store.SessionRecord, route, topic string) {
	log := zerolog.Ctx(ctx)
	sid, err := uuid.Parse(rec.ID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", rec.ID).Msg("checkout: session id is not a uuid")
		return
	}
	if rec.Outcome == nil {
		return
	}
	if err := s.Audit.RecordOutcome(ctx, sid, rec.MerchantID, rec.Provider, route, rec.Request, *rec.Outcome); err != nil {
		log.Warn().Err(err).Str("session_id", rec.ID).Msg("checkout: outcome audit failed")
	}
	if s.Events == nil {
		return
	}
	if _, err := s.Events.Emit(ctx, topic, sid, outcomePayload(rec)); err != nil {
		log.Warn().Err(err).Str("session_id", rec.ID).Str("topic", topic).Msg("checkout: event emit failed")
	}
}

func outcomePayload(rec store.SessionRecord) map[string]any {
	out := rec.Outcome
	p := map[string]any{
		"sessionId": rec.ID,
		"provider":  rec.Provider,
		"reference": rec.Request.Reference,
		"amount":    rec.Request.Amount,
		"currency":  strings.ToUpper(rec.Request.Currency),
		"status":    out.Status,
	}
	if out.TransactionID != "" {
		p["transactionId"] = out.TransactionID
	}
	if out.Code != "" {
		p["code"] = out.Code
	}
	if out.Reason != "" {
		p["reason"] = out.Reason
	}
	return p
}

func topicFor(status gateway.Status) string {
	switch status {
	case gateway.StatusSuccess:
		return events.TopicPaymentSucceeded
	case gateway.StatusFailure:
		return events.TopicPaymentFailed
	case gateway.StatusCanceled:
		return events.TopicPaymentCanceled
	default:
		// processing and unknown both need a second look
		return events.TopicPaymentReview
	}
}

func buildFailureKind(err error) string {
	var srcErr *gateway.SessionCreationError
	if errors.As(err, &srcErr) {
		return "source_error"
	}
	return "config_error"
}

func mapGatewayErr(err error) error {
	var cfgErr *gateway.ConfigError
	if errors.As(err, &cfgErr) {
		return common.NewAppError("GATEWAY_CONFIG_INVALID", cfgErr.Error(), http.StatusUnprocessableEntity, err)
	}
	var srcErr *gateway.SessionCreationError
	if errors.As(err, &srcErr) {
		return common.NewAppError("SESSION_SOURCE_FAILED", "hosted session creation failed", http.StatusBadGateway, err)
	}
	return err
}

func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return sessionNotFound(err)
	}
	return err
}

func sessionNotFound(err error) error {
	return common.NewAppError("SESSION_NOT_FOUND", "checkout session not found", http.StatusNotFound, err)
}

func validationErr(err error) error {
	appErr := common.NewAppError("VALIDATION_FAILED", "request validation failed", http.StatusBadRequest, err)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		details := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			details[fe.Field()] = fe.Tag()
		}
		return appErr.WithDetails(details)
	}
	return appErr
}
