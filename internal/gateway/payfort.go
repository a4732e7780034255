package gateway

import (
	"crypto/sha256"
	"net/http"
)

// PayFort returns the Amazon Payment Services redirect profile. The hosted
// page accepts a signed form POST against a static endpoint; the signature is
// a SHA-256 digest over the sorted parameter string wrapped by the passphrase
// on both sides. Response codes are status(2)+reason(3) digits.
func PayFort() Profile {
	return Profile{
		Name:           "payfort",
		SandboxURL:     "https://sbcheckout.payfort.com/FortAPI/paymentPage",
		LiveURL:        "https://checkout.payfort.com/FortAPI/paymentPage",
		Method:         http.MethodPost,
		SignatureField: "signature",
		Digest:         EnvelopeDigest(sha256.New),
		Fields: FieldMap{
			MerchantID:   "merchant_identifier",
			AccessCode:   "access_code",
			Command:      "command",
			CommandValue: "PURCHASE",
			Amount:       "amount",
			Currency:     "currency",
			Reference:    "merchant_reference",
			ReturnURL:    "return_url",
			Email:        "customer_email",
			Name:         "customer_name",
			Language:     "language",

			StatusSource:  "response_code",
			ResponseCode:  "response_code",
			TransactionID: "fort_id",
			Message:       "response_message",
		},
		Codes: CodeTable{
			Exact: map[string]Status{
				"14000": StatusSuccess,  // purchase success
				"00072": StatusCanceled, // transaction canceled by the payer
			},
			Prefix: []PrefixRule{
				{Prefix: "14", Status: StatusSuccess},    // purchase success family
				{Prefix: "13", Status: StatusFailure},    // purchase failure family
				{Prefix: "00", Status: StatusFailure},    // invalid request
				{Prefix: "10", Status: StatusProcessing}, // on hold
				{Prefix: "20", Status: StatusProcessing}, // uncertain, awaiting provider
			},
		},
	}
}
