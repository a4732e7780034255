package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/redirectpay/internal/gateway"
)

func payfortConfig() gateway.Config {
	return gateway.Config{
		Provider:      "payfort",
		MerchantID:    "MID-1",
		AccessCode:    "ACCESS1",
		RequestSecret: "reqsecret",
		TestMode:      true,
		SuccessPrefix: "https://x/ok",
		FailurePrefix: "https://x/fail",
		CancelPrefix:  "https://x/cancel",
	}
}

func aRequest() gateway.Request {
	return gateway.Request{
		Reference:     "ORD-100",
		Amount:        "10.00",
		Currency:      "USD",
		CustomerEmail: "buyer@example.com",
	}
}

func TestBuildAssemblesAndSignsPayFortFields(t *testing.T) {
	b := gateway.Builder{Profile: gateway.PayFort()}
	cfg := payfortConfig()

	red, err := b.Build(context.Background(), cfg, aRequest())
	require.NoError(t, err)
	require.Equal(t, http.MethodPost, red.Method)
	require.Equal(t, "https://sbcheckout.payfort.com/FortAPI/paymentPage", red.URL)

	f := red.Fields
	require.Equal(t, "MID-1", f["merchant_identifier"])
	require.Equal(t, "ACCESS1", f["access_code"])
	require.Equal(t, "PURCHASE", f["command"])
	require.Equal(t, "1000", f["amount"])
	require.Equal(t, "USD", f["currency"])
	require.Equal(t, "ORD-100", f["merchant_reference"])
	require.Equal(t, "https://x/ok", f["return_url"])
	require.Equal(t, "buyer@example.com", f["customer_email"])
	require.Equal(t, "en", f["language"])

	signer := gateway.Signer{}
	require.True(t, signer.Verify(f, "reqsecret", f["signature"]),
		"outbound signature must verify against the request secret")
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	b := gateway.Builder{Profile: gateway.PayFort()}

	cfg := payfortConfig()
	cfg.RequestSecret = ""
	_, err := b.Build(context.Background(), cfg, aRequest())
	var cfgErr *gateway.ConfigError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)

	cfg = payfortConfig()
	cfg.SuccessPrefix = "not-a-url"
	_, err = b.Build(context.Background(), cfg, aRequest())
	require.True(t, errors.As(err, &cfgErr), "got %v", err)

	cfg = payfortConfig()
	cfg.AccessCode = ""
	_, err = b.Build(context.Background(), cfg, aRequest())
	require.True(t, errors.As(err, &cfgErr), "got %v", err)

	req := aRequest()
	req.Reference = ""
	_, err = b.Build(context.Background(), payfortConfig(), req)
	require.True(t, errors.As(err, &cfgErr), "got %v", err)
}

func TestBuildRendersAutoSubmitDocument(t *testing.T) {
	b := gateway.Builder{Profile: gateway.PayFort()}
	red, err := b.Build(context.Background(), payfortConfig(), aRequest())
	require.NoError(t, err)

	doc, err := red.Document()
	require.NoError(t, err)
	html := string(doc)
	require.Contains(t, html, `action="https://sbcheckout.payfort.com/FortAPI/paymentPage"`)
	require.Contains(t, html, `onload="document.forms[0].submit()"`)
	require.Contains(t, html, `name="merchant_reference" value="ORD-100"`)
	require.Contains(t, html, `name="signature"`)
	require.Contains(t, html, "<noscript>")

	// Every signed field is embedded.
	for name := range red.Fields {
		require.Contains(t, html, `name="`+name+`"`)
	}
}

func paytabsConfig(sessionURL string) gateway.Config {
	return gateway.Config{
		Provider:      "paytabs",
		MerchantID:    "98765",
		RequestSecret: "serverkey",
		TestMode:      true,
		SuccessPrefix: "https://x/ok",
		FailurePrefix: "https://x/fail",
		CancelPrefix:  "https://x/cancel",
		SessionURL:    sessionURL,
	}
}

func TestBuildUsesSessionSourcePaymentURL(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(map[string]string{"paymentUrl": "https://pages.example/p/abc"})
	}))
	defer srv.Close()

	b := gateway.Builder{Profile: gateway.PayTabs()}
	red, err := b.Build(context.Background(), paytabsConfig(srv.URL), aRequest())
	require.NoError(t, err)
	require.Equal(t, "https://pages.example/p/abc", red.URL)

	// The collaborator got the minor-unit amount and all three prefixes.
	require.Equal(t, "1000", captured["amount"])
	require.Equal(t, "ORD-100", captured["orderId"])
	urls := captured["returnUrls"].(map[string]any)
	require.Equal(t, "https://x/ok", urls["success"])
	require.Equal(t, "https://x/fail", urls["failure"])
	require.Equal(t, "https://x/cancel", urls["cancel"])
}

func TestBuildEmbedsBareSessionToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"sessionToken": "tok_42"})
	}))
	defer srv.Close()

	b := gateway.Builder{Profile: gateway.PayTabs()}
	red, err := b.Build(context.Background(), paytabsConfig(srv.URL), aRequest())
	require.NoError(t, err)
	require.Equal(t, gateway.PayTabs().SandboxURL, red.URL)
	require.Equal(t, "tok_42", red.Fields["token"])
}

func TestBuildSurfacesSessionSourceFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	b := gateway.Builder{Profile: gateway.PayTabs()}
	_, err := b.Build(context.Background(), paytabsConfig(srv.URL), aRequest())
	var sessErr *gateway.SessionCreationError
	require.True(t, errors.As(err, &sessErr), "got %v", err)
	require.True(t, strings.Contains(sessErr.Error(), "502") || strings.Contains(sessErr.Error(), "status"), "got %v", sessErr)
}

func TestBuildRequiresSessionURLForSessionProfiles(t *testing.T) {
	b := gateway.Builder{Profile: gateway.PayTabs()}
	_, err := b.Build(context.Background(), paytabsConfig(""), aRequest())
	var cfgErr *gateway.ConfigError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)
}
