package gateway

// Adjudicator validates terminal responses and maps them onto the canonical
// outcome. Stateless; one value per session.
type Adjudicator struct {
	Profile Profile
	Config  Config
}

// Adjudicate applies the documented order: verify the signature when one is
// present, resolve the provider code through the profile table, then freeze
// the outcome. A verification failure is a terminal failure with reason
// signature_mismatch, never coerced into anything softer. Undocumented codes
// resolve to unknown for manual reconciliation.
func (a Adjudicator) Adjudicate(m Match) Response {
	raw := make(map[string]string, len(m.Params))
	for k, v := range m.Params {
		raw[k] = v
	}
	f := a.Profile.Fields
	signer := a.Profile.signer()

	if claimed, ok := raw[signer.field()]; ok {
		if !signer.Verify(raw, a.Config.ResponseSecretOrRequest(), claimed) {
			// Tampering or a secret misconfiguration; the untrusted fields
			// stay in Raw only.
			return Response{
				Status:  StatusFailure,
				Reason:  ReasonSignatureMismatch,
				Code:    raw[f.ResponseCode],
				Message: "response signature verification failed",
				Raw:     raw,
			}
		}
	}

	code := raw[f.StatusSource]
	if code == "" {
		return a.withoutCode(m.Route, raw)
	}

	resp := Response{
		Status:        a.Profile.Codes.Resolve(code),
		TransactionID: raw[f.TransactionID],
		Code:          raw[f.ResponseCode],
		Message:       raw[f.Message],
		Raw:           raw,
	}
	if resp.Code == "" {
		resp.Code = code
	}
	switch resp.Status {
	case StatusCanceled:
		resp.Reason = ReasonUserCanceled
	case StatusUnknown:
		resp.Reason = ReasonUnmappedCode
	}
	return resp
}

// withoutCode settles a terminal navigation that carried no provider status
// code. The cancel route is an explicit cancellation and the failure route a
// confirmed failure; a bare success route can not confirm anything and lands
// in unknown.
func (a Adjudicator) withoutCode(route Route, raw map[string]string) Response {
	switch route {
	case RouteCancel:
		return Response{
			Status:  StatusCanceled,
			Reason:  ReasonUserCanceled,
			Message: "customer canceled on the hosted page",
			Raw:     raw,
		}
	case RouteFailure:
		return Response{
			Status:  StatusFailure,
			Message: "provider redirected to the failure return URL",
			Raw:     raw,
		}
	default:
		return Response{
			Status:  StatusUnknown,
			Reason:  ReasonUnmappedCode,
			Message: "no provider status code present",
			Raw:     raw,
		}
	}
}
