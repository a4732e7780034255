package gateway

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config captures everything one checkout attempt needs to reach the
// provider's hosted page and recognize the way back. Constructed by the caller
// once per attempt; immutable afterwards.
type Config struct {
	// Provider selects the profile by name.
	Provider string `validate:"required"`

	MerchantID string `validate:"required"`
	AccessCode string

	// RequestSecret signs outbound parameters. ResponseSecret verifies the
	// return redirect and falls back to RequestSecret when empty.
	RequestSecret  string `validate:"required"`
	ResponseSecret string

	// TestMode selects the sandbox endpoint; CheckoutURL overrides both.
	TestMode    bool
	CheckoutURL string `validate:"omitempty,url"`

	// Return prefixes, matched in this priority order by the observer.
	SuccessPrefix string `validate:"required,url"`
	FailurePrefix string `validate:"required,url"`
	CancelPrefix  string `validate:"required,url"`

	// SessionURL is the backend collaborator that creates hosted sessions for
	// profiles that require one.
	SessionURL string `validate:"omitempty,url"`
}

// ResponseSecretOrRequest returns the verification secret, falling back to the
// signing secret for single-passphrase deployments.
func (c Config) ResponseSecretOrRequest() string {
	if c.ResponseSecret != "" {
		return c.ResponseSecret
	}
	return c.RequestSecret
}

// Validate checks the config against the profile's needs. Failures are
// ConfigError values: fatal for the attempt, never retried.
func (c Config) Validate(p Profile) error {
	if err := validate.Struct(c); err != nil {
		return configErrFrom(err)
	}
	if p.RequiresSession && c.SessionURL == "" {
		return &ConfigError{Field: "SessionURL", Reason: "required for provider " + p.Name}
	}
	if p.Fields.AccessCode != "" && c.AccessCode == "" {
		return &ConfigError{Field: "AccessCode", Reason: "required for provider " + p.Name}
	}
	return nil
}

func configErrFrom(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ConfigError{Field: fe.Field(), Reason: "failed '" + fe.Tag() + "' validation"}
	}
	return &ConfigError{Field: "config", Reason: err.Error()}
}
