package common

import (
	"encoding/json"
	"net/http"
)

// errEnvelope is the wire shape of every API error: {"error":{...}}.
type errEnvelope struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody is the inner error object: machine code, human message,
// optional structured details.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Details carries structured context such as field-level validation
	// errors.
	Details any `json:"details,omitempty"`
}

// JSON encodes v to w under the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// JSONError writes the error envelope.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, errEnvelope{Error: ErrorBody{Code: code, Message: message, Details: details}})
}

// JSONAppErr writes e in the error envelope. A zero Status renders
// as 500.
func JSONAppErr(w http.ResponseWriter, e *AppError) {
	if e == nil {
		return
	}
	status := e.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	JSONError(w, status, e.Code, e.Message, e.Details)
}
