package security

import (
	"bytes"
	"errors"
	"io"
	"net/http"
)

// BodyLimit caps request payload size. Zero disables the check. Provider
// return posts are the only sizable payloads the API accepts, so the cap
// can stay small.
type BodyLimit struct {
	MaxBytes int64
}

// Middleware rejects payloads larger than Max with HTTP 413. Accepted
// bodies are buffered so downstream handlers can re-read them.
func (b BodyLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.MaxBytes <= 0 || r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > b.MaxBytes {
			http.Error(w, "request entity too large", http.StatusRequestEntityTooLarge)
			return
		}

		body, overflowed, err := readCapped(r.Body, b.MaxBytes)
		if err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if overflowed {
			http.Error(w, "request entity too large", http.StatusRequestEntityTooLarge)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		next.ServeHTTP(w, r)
	})
}

// readCapped drains src up to max bytes. It reads one byte past the cap to
// tell an at-limit body from an oversized one hiding behind a missing or
// wrong Content-Length.
func readCapped(src io.ReadCloser, max int64) (body []byte, overflowed bool, err error) {
	defer func() { _ = src.Close() }()
	buf, err := io.ReadAll(io.LimitReader(src, max+1))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	if int64(len(buf)) > max {
		return nil, true, nil
	}
	return buf, false, nil
}
