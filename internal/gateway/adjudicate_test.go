package gateway_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/redirectpay/internal/gateway"
)

func payfortAdjudicator() gateway.Adjudicator {
	return gateway.Adjudicator{
		Profile: gateway.PayFort(),
		Config: gateway.Config{
			Provider:       "payfort",
			MerchantID:     "m-1",
			AccessCode:     "ac-1",
			RequestSecret:  "reqsecret",
			ResponseSecret: "respsecret",
			SuccessPrefix:  "https://x/ok",
			FailurePrefix:  "https://x/fail",
			CancelPrefix:   "https://x/cancel",
		},
	}
}

// corruptHex flips the first nibble so the result can never equal the input.
func corruptHex(sig string) string {
	if sig == "" {
		return "0"
	}
	c := byte('0')
	if sig[0] == '0' {
		c = '1'
	}
	return string(c) + sig[1:]
}

// signedMatch builds return params and signs them with the response secret,
// the way the provider does before redirecting back.
func signedMatch(t *testing.T, a gateway.Adjudicator, route gateway.Route, params map[string]string) gateway.Match {
	t.Helper()
	signer := gateway.Signer{Field: a.Profile.SignatureField, Digest: a.Profile.Digest}
	signed := make(map[string]string, len(params)+1)
	for k, v := range params {
		signed[k] = v
	}
	signed[signer.Field] = signer.Sign(params, a.Config.ResponseSecretOrRequest())
	return gateway.Match{Route: route, Params: signed}
}

func TestAdjudicateApprovedPayment(t *testing.T) {
	a := payfortAdjudicator()
	m := signedMatch(t, a, gateway.RouteSuccess, map[string]string{
		"response_code":    "14000",
		"fort_id":          "TX1",
		"response_message": "Success",
	})

	resp := a.Adjudicate(m)
	require.Equal(t, gateway.StatusSuccess, resp.Status)
	require.Equal(t, "TX1", resp.TransactionID)
	require.Equal(t, "14000", resp.Code)
	require.Equal(t, "Success", resp.Message)
	require.Empty(t, resp.Reason)
	require.Equal(t, "14000", resp.Raw["response_code"])
}

func TestAdjudicateSignatureMismatchIsTerminalFailure(t *testing.T) {
	a := payfortAdjudicator()
	m := signedMatch(t, a, gateway.RouteSuccess, map[string]string{
		"response_code": "14000",
		"fort_id":       "TX1",
	})
	m.Params["signature"] = corruptHex(m.Params["signature"])

	resp := a.Adjudicate(m)
	require.Equal(t, gateway.StatusFailure, resp.Status)
	require.Equal(t, gateway.ReasonSignatureMismatch, resp.Reason)
	// Untrusted fields stay out of the authoritative slots.
	require.Empty(t, resp.TransactionID)
	require.Equal(t, "TX1", resp.Raw["fort_id"])
}

func TestAdjudicateTamperedFieldFailsVerification(t *testing.T) {
	a := payfortAdjudicator()
	m := signedMatch(t, a, gateway.RouteSuccess, map[string]string{
		"response_code": "13666",
		"fort_id":       "TX9",
	})
	m.Params["response_code"] = "14000" // upgrade attempt

	resp := a.Adjudicate(m)
	require.Equal(t, gateway.StatusFailure, resp.Status)
	require.Equal(t, gateway.ReasonSignatureMismatch, resp.Reason)
}

func TestAdjudicateWrongSecretFailsVerification(t *testing.T) {
	a := payfortAdjudicator()
	signer := gateway.Signer{Field: a.Profile.SignatureField, Digest: a.Profile.Digest}
	params := map[string]string{"response_code": "14000", "fort_id": "TX1"}
	params["signature"] = signer.Sign(params, "not-the-secret")

	resp := a.Adjudicate(gateway.Match{Route: gateway.RouteSuccess, Params: params})
	require.Equal(t, gateway.StatusFailure, resp.Status)
	require.Equal(t, gateway.ReasonSignatureMismatch, resp.Reason)
}

func TestAdjudicateCancelCodeOnSuccessRoute(t *testing.T) {
	// The route only gates interception; the provider code decides the outcome.
	a := payfortAdjudicator()
	m := signedMatch(t, a, gateway.RouteSuccess, map[string]string{
		"response_code": "00072",
		"fort_id":       "TX2",
	})

	resp := a.Adjudicate(m)
	require.Equal(t, gateway.StatusCanceled, resp.Status)
	require.Equal(t, gateway.ReasonUserCanceled, resp.Reason)
	require.Equal(t, "TX2", resp.TransactionID)
}

func TestAdjudicateUnmappedCode(t *testing.T) {
	a := payfortAdjudicator()
	m := signedMatch(t, a, gateway.RouteSuccess, map[string]string{
		"response_code": "99123",
	})

	resp := a.Adjudicate(m)
	require.Equal(t, gateway.StatusUnknown, resp.Status)
	require.Equal(t, gateway.ReasonUnmappedCode, resp.Reason)
	require.Equal(t, "99123", resp.Code)
}

func TestAdjudicateWithoutCodeFallsBackToRoute(t *testing.T) {
	a := payfortAdjudicator()

	resp := a.Adjudicate(gateway.Match{Route: gateway.RouteCancel, Params: map[string]string{}})
	require.Equal(t, gateway.StatusCanceled, resp.Status)
	require.Equal(t, gateway.ReasonUserCanceled, resp.Reason)

	resp = a.Adjudicate(gateway.Match{Route: gateway.RouteFailure, Params: map[string]string{}})
	require.Equal(t, gateway.StatusFailure, resp.Status)

	// A success redirect with no code is never trusted as approval.
	resp = a.Adjudicate(gateway.Match{Route: gateway.RouteSuccess, Params: map[string]string{}})
	require.Equal(t, gateway.StatusUnknown, resp.Status)
	require.Equal(t, gateway.ReasonUnmappedCode, resp.Reason)
}

func TestAdjudicateUnsignedParamsSkipVerification(t *testing.T) {
	// Cancel redirects commonly carry no signature at all; the code table
	// still runs on whatever fields are present.
	a := payfortAdjudicator()
	m := gateway.Match{Route: gateway.RouteCancel, Params: map[string]string{
		"response_code": "00072",
	}}

	resp := a.Adjudicate(m)
	require.Equal(t, gateway.StatusCanceled, resp.Status)
}

func TestAdjudicateFallsBackToRequestSecret(t *testing.T) {
	a := payfortAdjudicator()
	a.Config.ResponseSecret = ""
	m := signedMatch(t, a, gateway.RouteSuccess, map[string]string{
		"response_code": "14000",
		"fort_id":       "TX3",
	})

	resp := a.Adjudicate(m)
	require.Equal(t, gateway.StatusSuccess, resp.Status)
	require.Equal(t, "TX3", resp.TransactionID)
}

func TestAdjudicatePayTabsStatuses(t *testing.T) {
	a := gateway.Adjudicator{
		Profile: gateway.PayTabs(),
		Config: gateway.Config{
			Provider:      "paytabs",
			MerchantID:    "98765",
			RequestSecret: "serverkey",
			SuccessPrefix: "https://x/ok",
			FailurePrefix: "https://x/fail",
			CancelPrefix:  "https://x/cancel",
			SessionURL:    "https://x/session",
		},
	}
	m := signedMatch(t, a, gateway.RouteSuccess, map[string]string{
		"resp_status":  "A",
		"tran_ref":     "TST-100",
		"resp_code":    "G12345",
		"resp_message": "Authorised",
	})

	resp := a.Adjudicate(m)
	require.Equal(t, gateway.StatusSuccess, resp.Status)
	require.Equal(t, "TST-100", resp.TransactionID)
	require.Equal(t, "G12345", resp.Code)
	require.Equal(t, "Authorised", resp.Message)
}
