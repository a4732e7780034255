package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/redirectpay/internal/gateway"
)

func newHandlerFixture(t *testing.T) (Handler, *memoryStore) {
	t.Helper()
	store := newMemoryStore()
	return Handler{Service: Service{Store: store, Enabled: true}}, store
}

func seedOutcome(t *testing.T, store *memoryStore, sessionID uuid.UUID, status string) uuid.UUID {
	t.Helper()
	id, err := store.InsertOutcome(context.Background(), OutcomeRecord{
		SessionID:   sessionID,
		MerchantID:  "m-1",
		Provider:    "payfort",
		Reference:   "ORD-1",
		Status:      status,
		AmountMinor: "1000",
		Currency:    "USD",
		Route:       "success",
		Raw:         []byte(`{"response_code":"14000"}`),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return id
}

func TestListOutcomesFiltered(t *testing.T) {
	h, store := newHandlerFixture(t)
	seedOutcome(t, store, uuid.New(), string(gateway.StatusSuccess))
	seedOutcome(t, store, uuid.New(), string(gateway.StatusUnknown))

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/outcomes?status=unknown", nil)
	rec := httptest.NewRecorder()
	h.List(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var body struct {
		Data []outcomeView `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data) != 1 || body.Data[0].Status != "unknown" {
		t.Fatalf("unexpected list: %+v", body.Data)
	}
}

func TestBySessionRequiresUUID(t *testing.T) {
	h, _ := newHandlerFixture(t)

	r := chi.NewRouter()
	r.Get("/v1/admin/outcomes/session/{sessionID}", h.BySession)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/outcomes/session/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestBySessionReturnsHistory(t *testing.T) {
	h, store := newHandlerFixture(t)
	sessionID := uuid.New()
	seedOutcome(t, store, sessionID, string(gateway.StatusSuccess))
	seedOutcome(t, store, uuid.New(), string(gateway.StatusFailure))

	r := chi.NewRouter()
	r.Get("/v1/admin/outcomes/session/{sessionID}", h.BySession)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/outcomes/session/"+sessionID.String(), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var body struct {
		Data []outcomeView `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data) != 1 || body.Data[0].SessionID != sessionID {
		t.Fatalf("unexpected history: %+v", body.Data)
	}
}

func TestResolveOutcome(t *testing.T) {
	h, store := newHandlerFixture(t)
	id := seedOutcome(t, store, uuid.New(), string(gateway.StatusUnknown))

	r := chi.NewRouter()
	r.Post("/v1/admin/outcomes/{outcomeID}/resolve", h.Resolve)

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/outcomes/"+id.String()+"/resolve",
		strings.NewReader(`{"resolution":"confirmed captured in provider portal"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}

	// Second resolve returns 404: the row is already closed.
	req = httptest.NewRequest(http.MethodPost, "/v1/admin/outcomes/"+id.String()+"/resolve",
		strings.NewReader(`{"resolution":"again"}`))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestResolveRejectsEmptyNote(t *testing.T) {
	h, store := newHandlerFixture(t)
	id := seedOutcome(t, store, uuid.New(), string(gateway.StatusUnknown))

	r := chi.NewRouter()
	r.Post("/v1/admin/outcomes/{outcomeID}/resolve", h.Resolve)

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/outcomes/"+id.String()+"/resolve",
		strings.NewReader(`{"resolution":""}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}
