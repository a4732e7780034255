// Package gateway implements the hosted-redirect payment protocol: it builds
// signed checkout requests, renders the auto-submitting hand-off document,
// classifies return navigations against configured prefixes, verifies response
// signatures and adjudicates provider codes into one canonical outcome per
// session. Provider differences live in Profile values; the state machine is
// shared.
package gateway

// Status is the canonical outcome of a checkout attempt.
type Status string

const (
	// StatusSuccess means the provider confirmed the payment.
	StatusSuccess Status = "success"
	// StatusFailure means the provider rejected the payment, or the response
	// failed verification.
	StatusFailure Status = "failure"
	// StatusCanceled means the customer abandoned the attempt.
	StatusCanceled Status = "canceled"
	// StatusProcessing means the provider holds the payment in a documented
	// provisional state.
	StatusProcessing Status = "processing"
	// StatusUnknown means the provider code is undocumented. Requires manual
	// reconciliation; never to be read as success or failure.
	StatusUnknown Status = "unknown"
)

// Failure reasons carried on Response.Reason.
const (
	ReasonSignatureMismatch = "signature_mismatch"
	ReasonUserCanceled      = "user_canceled"
	ReasonUnmappedCode      = "unmapped_code"
)

// Response is the adjudicated outcome of one session. Built once by the
// adjudicator and never mutated; Raw retains the full returned parameter map
// for audit.
type Response struct {
	Status        Status            `json:"status"`
	TransactionID string            `json:"transactionId,omitempty"`
	Code          string            `json:"code,omitempty"`
	Message       string            `json:"message,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Raw           map[string]string `json:"raw,omitempty"`
}
