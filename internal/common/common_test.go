package common_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/redirectpay/internal/common"
)

func TestJSONErrorEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	common.JSONError(rr, http.StatusNotFound, "SESSION_NOT_FOUND", "unknown session", map[string]any{"id": "sess-1"})

	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var body struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "SESSION_NOT_FOUND", body.Error.Code)
	require.Equal(t, "unknown session", body.Error.Message)
	require.Equal(t, "sess-1", body.Error.Details["id"])
}

func TestAppErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := common.NewAppError("INTERNAL", "something broke", http.StatusInternalServerError, cause)
	require.ErrorIs(t, err, cause)
	require.True(t, common.IsAppError(err))
	require.Equal(t, "something broke: boom", err.Error())
}

func TestParsePaginationClamps(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/outcomes?page=3&limit=500", nil)
	page, perPage := common.ParsePagination(req, 20, 100)
	require.Equal(t, 3, page)
	require.Equal(t, 100, perPage)

	req = httptest.NewRequest(http.MethodGet, "/v1/admin/outcomes?page=zero&limit=-4", nil)
	page, perPage = common.ParsePagination(req, 20, 100)
	require.Equal(t, 1, page)
	require.Equal(t, 20, perPage)
}

func TestIdemMiddlewareBlocksReplay(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	var handled int
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		handled++
		w.WriteHeader(http.StatusCreated)
	})
	guarded := common.Idem{Client: client, TTL: time.Minute}.Middleware(next)

	post := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set("Idempotency-Key", "order-91")
		rr := httptest.NewRecorder()
		guarded.ServeHTTP(rr, req)
		return rr
	}

	require.Equal(t, http.StatusCreated, post("/v1/checkout/sessions").Code)
	replay := post("/v1/checkout/sessions")
	require.Equal(t, http.StatusConflict, replay.Code)
	require.Contains(t, replay.Body.String(), "IDEMPOTENT_REPLAY")
	require.Equal(t, 1, handled)

	// Same key on another endpoint is an independent request.
	require.Equal(t, http.StatusCreated, post("/v1/webhooks").Code)
}
