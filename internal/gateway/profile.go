package gateway

import (
	"sort"
	"strings"
)

// FieldMap names the provider's wire parameters. Request fields with an empty
// name are omitted from the outbound set.
type FieldMap struct {
	MerchantID   string
	AccessCode   string
	Command      string
	CommandValue string
	Amount       string
	Currency     string
	Reference    string
	ReturnURL    string
	Email        string
	Name         string
	Language     string

	// StatusSource is the response parameter adjudicated against the code
	// table. ResponseCode is the detail code carried onto the outcome; for
	// most providers the two are the same parameter.
	StatusSource  string
	ResponseCode  string
	TransactionID string
	Message       string
}

// PrefixRule maps a documented code family to a status.
type PrefixRule struct {
	Prefix string
	Status Status
}

// CodeTable resolves provider codes to canonical statuses: exact entries
// first, then documented prefix families in declared order. Anything else is
// StatusUnknown; undocumented codes are for reconciliation, not failure.
type CodeTable struct {
	Exact  map[string]Status
	Prefix []PrefixRule
}

// Resolve maps one provider code.
func (t CodeTable) Resolve(code string) Status {
	if s, ok := t.Exact[code]; ok {
		return s
	}
	for _, rule := range t.Prefix {
		if rule.Prefix != "" && strings.HasPrefix(code, rule.Prefix) {
			return rule.Status
		}
	}
	return StatusUnknown
}

// Profile is the per-provider strategy: endpoints, wire field names, signature
// scheme and the response code table. Adding a provider means adding a
// Profile, never another state machine.
type Profile struct {
	Name       string
	SandboxURL string
	LiveURL    string
	// Method is how the surface hands off to the hosted page (form POST or
	// query GET).
	Method         string
	SignatureField string
	Digest         Digest
	// RequiresSession marks providers whose page URL must be created
	// server-side through the session source.
	RequiresSession bool
	Fields          FieldMap
	Codes           CodeTable
}

// Endpoint returns the hosted checkout URL for the configured environment.
func (p Profile) Endpoint(cfg Config) string {
	if cfg.CheckoutURL != "" {
		return cfg.CheckoutURL
	}
	if cfg.TestMode {
		return p.SandboxURL
	}
	return p.LiveURL
}

func (p Profile) signer() Signer {
	return Signer{Field: p.SignatureField, Digest: p.Digest}
}

// Registry resolves profile names to profiles.
type Registry struct {
	profiles map[string]Profile
}

// NewRegistry builds a registry from the given profiles.
func NewRegistry(profiles ...Profile) *Registry {
	r := &Registry{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		r.profiles[p.Name] = p
	}
	return r
}

// DefaultRegistry returns the built-in profiles.
func DefaultRegistry() *Registry {
	return NewRegistry(PayFort(), PayTabs())
}

// Get resolves a profile by name. Unknown names are a configuration error.
func (r *Registry) Get(name string) (Profile, error) {
	p, ok := r.profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, &ConfigError{Field: "Provider", Reason: "unknown provider " + name}
	}
	return p, nil
}

// Names lists registered profiles in stable order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
