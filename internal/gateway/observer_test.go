package gateway_test

import (
	"testing"

	"github.com/noah-isme/redirectpay/internal/gateway"
)

func testObserver() gateway.Observer {
	return gateway.Observer{
		Success: "https://x/ok",
		Failure: "https://x/fail",
		Cancel:  "https://x/cancel",
	}
}

func TestClassifyMatchesReturnPrefixes(t *testing.T) {
	o := testObserver()

	m, ok := o.Classify("https://x/ok?response_code=14000&fort_id=TX1")
	if !ok {
		t.Fatal("success prefix did not match")
	}
	if m.Route != gateway.RouteSuccess {
		t.Fatalf("route = %s, want success", m.Route)
	}
	if m.Params["response_code"] != "14000" || m.Params["fort_id"] != "TX1" {
		t.Fatalf("query params not extracted: %v", m.Params)
	}

	m, ok = o.Classify("https://x/fail?code=13666")
	if !ok || m.Route != gateway.RouteFailure {
		t.Fatalf("failure prefix: ok=%v route=%s", ok, m.Route)
	}
	m, ok = o.Classify("https://x/cancel")
	if !ok || m.Route != gateway.RouteCancel {
		t.Fatalf("cancel prefix: ok=%v route=%s", ok, m.Route)
	}
}

func TestClassifyPassesThroughInFlowNavigation(t *testing.T) {
	o := testObserver()
	for _, rawURL := range []string{
		"https://provider.example/3ds-challenge",
		"https://x/other",
		"https://x", // shorter than any prefix
		"",
	} {
		if _, ok := o.Classify(rawURL); ok {
			t.Fatalf("in-flow URL %q was intercepted", rawURL)
		}
	}
}

func TestClassifyPriorityOrderIsFixed(t *testing.T) {
	// Overlapping prefixes resolve success first, then failure, then cancel.
	o := gateway.Observer{
		Success: "https://x/r",
		Failure: "https://x/r/fail",
		Cancel:  "https://x/r/cancel",
	}
	m, ok := o.Classify("https://x/r/fail?code=1")
	if !ok || m.Route != gateway.RouteSuccess {
		t.Fatalf("overlap must resolve by priority: ok=%v route=%s", ok, m.Route)
	}
}

func TestClassifySkipsEmptyPrefixes(t *testing.T) {
	o := gateway.Observer{Success: "https://x/ok"}
	if _, ok := o.Classify("https://x/cancel"); ok {
		t.Fatal("empty prefixes must never match")
	}
	if _, ok := o.Classify("https://x/ok?a=1"); !ok {
		t.Fatal("configured prefix must still match")
	}
}

func TestClassifyKeepsFirstQueryValue(t *testing.T) {
	o := testObserver()
	m, ok := o.Classify("https://x/ok?code=first&code=second")
	if !ok {
		t.Fatal("prefix did not match")
	}
	if m.Params["code"] != "first" {
		t.Fatalf("params[code] = %q, want first value", m.Params["code"])
	}
}
