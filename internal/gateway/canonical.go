package gateway

import (
	"sort"
	"strings"
)

// FieldSignature is the default wire name of the signature parameter.
const FieldSignature = "signature"

// Canonical renders params as the provider signing string: keys sorted
// byte-wise, each pair written as key=value, pairs concatenated with no
// separator. The field named by signatureField never participates, whether
// signing a request or verifying a response.
//
// Values are written as-is. A value containing '=' or text that collides with
// a neighboring pair is not escaped; the hosted checkout protocol signs the
// raw concatenation and both ends must produce the same bytes. Keep every
// caller on this function so the fragility stays in one place.
func Canonical(params map[string]string, signatureField string) string {
	if signatureField == "" {
		signatureField = FieldSignature
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == signatureField {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}
