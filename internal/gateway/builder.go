package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"
)

// Redirect is the transport payload handed to the host surface: where to send
// the customer and the signed fields that travel along.
type Redirect struct {
	URL    string            `json:"url"`
	Method string            `json:"method"`
	Fields map[string]string `json:"fields"`
}

var redirectTmpl = template.Must(template.New("redirect").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Redirecting to secure checkout</title></head>
<body onload="document.forms[0].submit()">
<form method="{{.Method}}" action="{{.URL}}">
{{- range $k, $v := .Fields}}
<input type="hidden" name="{{$k}}" value="{{$v}}">
{{- end}}
<noscript><button type="submit">Continue to payment</button></noscript>
</form>
</body>
</html>
`))

// Document renders the minimal self-submitting page embedding every field as a
// hidden input. Rendering is deterministic (template map ranges are
// key-sorted) and safe to repeat: the fields are already signed.
func (r Redirect) Document() ([]byte, error) {
	var buf bytes.Buffer
	if err := redirectTmpl.Execute(&buf, r); err != nil {
		return nil, fmt.Errorf("gateway: render redirect document: %w", err)
	}
	return buf.Bytes(), nil
}

// Doer executes HTTP requests. Satisfied by *http.Client and by the
// circuit-breaker-wrapped client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SessionSource obtains a hosted page URL from the backend collaborator for
// profiles whose checkout page is created server-side.
type SessionSource struct {
	Client Doer
}

type sessionSourceRequest struct {
	MerchantID string            `json:"merchantId"`
	Amount     string            `json:"amount"`
	Currency   string            `json:"currency"`
	OrderID    string            `json:"orderId"`
	ReturnURLs map[string]string `json:"returnUrls"`
}

type sessionSourceResponse struct {
	PaymentURL   string `json:"paymentUrl"`
	SessionToken string `json:"sessionToken"`
}

// Create asks the collaborator for a hosted session. The response carries
// either the full page URL or a bare token to embed against the profile
// endpoint. Failures reject the attempt as SessionCreationError; the caller
// owns any retry.
func (s SessionSource) Create(ctx context.Context, cfg Config, req Request, amountMinor string) (pageURL, token string, err error) {
	payload, err := json.Marshal(sessionSourceRequest{
		MerchantID: cfg.MerchantID,
		Amount:     amountMinor,
		Currency:   strings.ToUpper(req.Currency),
		OrderID:    req.Reference,
		ReturnURLs: map[string]string{
			"success": cfg.SuccessPrefix,
			"failure": cfg.FailurePrefix,
			"cancel":  cfg.CancelPrefix,
		},
	})
	if err != nil {
		return "", "", &SessionCreationError{Endpoint: cfg.SessionURL, Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.SessionURL, bytes.NewReader(payload))
	if err != nil {
		return "", "", &SessionCreationError{Endpoint: cfg.SessionURL, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return "", "", &SessionCreationError{Endpoint: cfg.SessionURL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", &SessionCreationError{Endpoint: cfg.SessionURL, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", &SessionCreationError{Endpoint: cfg.SessionURL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	var decoded sessionSourceResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", "", &SessionCreationError{Endpoint: cfg.SessionURL, Err: fmt.Errorf("decode response: %w", err)}
	}
	if decoded.PaymentURL == "" && decoded.SessionToken == "" {
		return "", "", &SessionCreationError{Endpoint: cfg.SessionURL, Err: fmt.Errorf("response carries neither paymentUrl nor sessionToken")}
	}
	return decoded.PaymentURL, decoded.SessionToken, nil
}

// Builder turns a config and request into a signed redirect. One builder per
// profile; safe for concurrent use.
type Builder struct {
	Profile Profile
	Source  SessionSource
}

// Build validates, assembles and signs the outbound parameter set, then
// packages it with the hosted page URL. No network is touched unless the
// profile requires a server-created session.
func (b Builder) Build(ctx context.Context, cfg Config, req Request) (Redirect, error) {
	if err := cfg.Validate(b.Profile); err != nil {
		return Redirect{}, err
	}
	if err := validate.Struct(req); err != nil {
		return Redirect{}, configErrFrom(err)
	}
	minor, err := MinorUnits(req.Amount, req.Currency)
	if err != nil {
		return Redirect{}, err
	}

	fields := b.assemble(cfg, req, minor)
	signer := b.Profile.signer()
	fields[signer.field()] = signer.Sign(fields, cfg.RequestSecret)

	target := b.Profile.Endpoint(cfg)
	if b.Profile.RequiresSession {
		pageURL, token, err := b.Source.Create(ctx, cfg, req, minor)
		if err != nil {
			return Redirect{}, err
		}
		if pageURL != "" {
			target = pageURL
		} else {
			// The token travels unsigned; the provider issued it and
			// verifies it on its own side.
			fields["token"] = token
		}
	}

	return Redirect{URL: target, Method: b.Profile.Method, Fields: fields}, nil
}

func (b Builder) assemble(cfg Config, req Request, amountMinor string) map[string]string {
	f := b.Profile.Fields
	out := make(map[string]string, 12)
	set := func(name, value string) {
		if name != "" && value != "" {
			out[name] = value
		}
	}
	set(f.MerchantID, cfg.MerchantID)
	set(f.AccessCode, cfg.AccessCode)
	set(f.Command, f.CommandValue)
	set(f.Amount, amountMinor)
	set(f.Currency, strings.ToUpper(strings.TrimSpace(req.Currency)))
	set(f.Reference, req.Reference)
	set(f.ReturnURL, cfg.SuccessPrefix)
	set(f.Email, req.CustomerEmail)
	set(f.Name, req.CustomerName)
	locale := req.Locale
	if locale == "" {
		locale = "en"
	}
	set(f.Language, locale)
	return out
}
