package gateway

import (
	"crypto/sha256"
	"net/http"
)

// PayTabs returns the PayTabs hosted-page profile. The page URL is created
// server-side, so the builder goes through the session source instead of the
// static endpoint. The return redirect carries an HMAC-SHA256 signature over
// the sorted parameter string keyed with the server key.
func PayTabs() Profile {
	return Profile{
		Name:            "paytabs",
		SandboxURL:      "https://secure.paytabs.com/payment/page",
		LiveURL:         "https://secure.paytabs.com/payment/page",
		Method:          http.MethodPost,
		SignatureField:  "signature",
		Digest:          HMACDigest(sha256.New),
		RequiresSession: true,
		Fields: FieldMap{
			MerchantID:   "profile_id",
			Command:      "tran_type",
			CommandValue: "sale",
			Amount:       "cart_amount",
			Currency:     "cart_currency",
			Reference:    "cart_id",
			ReturnURL:    "return",
			Email:        "customer_email",
			Name:         "customer_name",
			Language:     "lang",

			StatusSource:  "resp_status",
			ResponseCode:  "resp_code",
			TransactionID: "tran_ref",
			Message:       "resp_message",
		},
		Codes: CodeTable{
			Exact: map[string]Status{
				"A": StatusSuccess,    // authorised
				"H": StatusProcessing, // hold
				"P": StatusProcessing, // pending
				"C": StatusCanceled,   // cancelled by the payer
				"D": StatusFailure,    // declined
				"E": StatusFailure,    // error
				"V": StatusFailure,    // voided
			},
		},
	}
}
