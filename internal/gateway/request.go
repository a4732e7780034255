package gateway

import "strings"

// Request describes one checkout attempt. The reference must be unique per
// attempt; the amount is a decimal string converted to minor units at build
// time. Immutable once handed to the builder.
type Request struct {
	Reference     string `json:"reference" validate:"required"`
	Amount        string `json:"amount" validate:"required"`
	Currency      string `json:"currency" validate:"required,len=3,alpha"`
	CustomerEmail string `json:"customerEmail,omitempty" validate:"omitempty,email"`
	CustomerName  string `json:"customerName,omitempty"`
	Locale        string `json:"locale,omitempty"`
}

// nonTwoDecimal lists ISO 4217 currencies whose minor unit is not two
// decimals. Hosted checkout amounts are two-decimal only; anything else must
// surface as a configuration error rather than a silently wrong charge.
var nonTwoDecimal = map[string]struct{}{
	// zero-decimal
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "ISK": {}, "JPY": {},
	"KMF": {}, "KRW": {}, "PYG": {}, "RWF": {}, "UGX": {}, "VND": {},
	"VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
	// three-decimal
	"BHD": {}, "IQD": {}, "JOD": {}, "KWD": {}, "LYD": {}, "OMR": {}, "TND": {},
}

// MinorUnits converts a decimal amount into an integer count of minor
// currency units: multiply by 100 and truncate toward zero. "10.00" becomes
// "1000" and "9.999" becomes "999". Truncation, not rounding, is the wire
// behavior the provider signs against.
func MinorUnits(amount, currency string) (string, error) {
	cur := strings.ToUpper(strings.TrimSpace(currency))
	if _, ok := nonTwoDecimal[cur]; ok {
		return "", &ConfigError{Field: "currency", Reason: cur + " does not use two-decimal minor units"}
	}

	raw := strings.TrimSpace(amount)
	if raw == "" {
		return "", &ConfigError{Field: "amount", Reason: "required"}
	}
	if strings.HasPrefix(raw, "-") {
		return "", &ConfigError{Field: "amount", Reason: "must be positive"}
	}
	intPart, fracPart, _ := strings.Cut(raw, ".")
	if intPart == "" {
		intPart = "0"
	}
	if !digitsOnly(intPart) || !digitsOnly(fracPart) {
		return "", &ConfigError{Field: "amount", Reason: "not a decimal number: " + amount}
	}

	// Two fraction digits carry; the rest truncates.
	frac := (fracPart + "00")[:2]
	minor := strings.TrimLeft(intPart, "0") + frac
	minor = strings.TrimLeft(minor, "0")
	if minor == "" {
		return "", &ConfigError{Field: "amount", Reason: "must be greater than zero"}
	}
	return minor, nil
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
