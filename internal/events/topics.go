package events

// Topics a settled session can emit. Webhook subscriptions are keyed by
// these values.
const (
	TopicPaymentSucceeded = "payment.succeeded"
	TopicPaymentFailed    = "payment.failed"
	TopicPaymentCanceled  = "payment.canceled"
	// TopicPaymentReview covers outcomes that could not be mapped to a
	// canonical status and need manual reconciliation.
	TopicPaymentReview  = "payment.review"
	TopicSessionExpired = "session.expired"
)

// DefaultTopics lists every topic an endpoint may subscribe to.
func DefaultTopics() []string {
	return []string{
		TopicPaymentSucceeded,
		TopicPaymentFailed,
		TopicPaymentCanceled,
		TopicPaymentReview,
		TopicSessionExpired,
	}
}
