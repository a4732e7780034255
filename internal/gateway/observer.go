package gateway

import (
	"net/url"
	"strings"
)

// Route identifies which configured return prefix matched a navigation.
type Route string

const (
	RouteSuccess Route = "success"
	RouteFailure Route = "failure"
	RouteCancel  Route = "cancel"
)

// Match is a terminal navigation: the matched route and the query parameters
// the provider sent back. The route gates interception only; the outcome is
// always decided by adjudication of the parameters.
type Match struct {
	Route  Route
	Params map[string]string
}

// Observer classifies navigation URLs against the configured return prefixes.
// Priority is fixed (success, then failure, then cancel) and the first prefix
// match intercepts the navigation. Everything else passes through so the
// provider's own page flow keeps working.
type Observer struct {
	Success string
	Failure string
	Cancel  string
}

// NewObserver builds an observer from a config's return prefixes.
func NewObserver(cfg Config) Observer {
	return Observer{Success: cfg.SuccessPrefix, Failure: cfg.FailurePrefix, Cancel: cfg.CancelPrefix}
}

// Classify reports whether rawURL terminates the flow. ok=false means the
// navigation is in-flow and must proceed unmodified.
func (o Observer) Classify(rawURL string) (Match, bool) {
	checks := []struct {
		route  Route
		prefix string
	}{
		{RouteSuccess, o.Success},
		{RouteFailure, o.Failure},
		{RouteCancel, o.Cancel},
	}
	for _, c := range checks {
		if c.prefix == "" || !strings.HasPrefix(rawURL, c.prefix) {
			continue
		}
		return Match{Route: c.route, Params: queryParams(rawURL)}, true
	}
	return Match{}, false
}

// queryParams flattens the query into a single-valued map. Providers send
// each outcome field once; the first value wins otherwise.
func queryParams(rawURL string) map[string]string {
	out := map[string]string{}
	u, err := url.Parse(rawURL)
	if err != nil {
		return out
	}
	for k, vs := range u.Query() {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}
