package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/redirectpay/internal/gateway"
)

// Service persists the outcome audit trail. Every settled session is recorded;
// unknown outcomes stay open until an operator resolves them.
type Service struct {
	Store   Store
	Enabled bool
}

// RecordOutcome writes one audit row for a settled session.
func (s Service) RecordOutcome(ctx context.Context, sessionID uuid.UUID, merchantID, provider, route string, req gateway.Request, resp gateway.Response) error {
	if !s.Enabled {
		return nil
	}
	if s.Store == nil {
		return errors.New("audit: store not configured")
	}
	if sessionID == uuid.Nil {
		return errors.New("audit: session id required")
	}

	raw, err := encodeRaw(resp.Raw)
	if err != nil {
		return err
	}
	amountMinor, _ := gateway.MinorUnits(req.Amount, req.Currency)

	_, err = s.Store.InsertOutcome(ctx, OutcomeRecord{
		SessionID:     sessionID,
		MerchantID:    strings.TrimSpace(merchantID),
		Provider:      strings.TrimSpace(provider),
		Reference:     req.Reference,
		Status:        string(resp.Status),
		Reason:        resp.Reason,
		Code:          resp.Code,
		TransactionID: resp.TransactionID,
		AmountMinor:   amountMinor,
		Currency:      req.Currency,
		Route:         route,
		Raw:           raw,
		OccurredAt:    time.Now().UTC(),
	})
	return err
}

// Unresolved lists unknown outcomes awaiting reconciliation.
func (s Service) Unresolved(ctx context.Context, provider string, limit, offset int) ([]OutcomeRecord, int64, error) {
	if s.Store == nil {
		return nil, 0, errors.New("audit: store not configured")
	}
	f := OutcomeFilter{
		Status:     string(gateway.StatusUnknown),
		Provider:   provider,
		Unresolved: true,
		Limit:      limit,
		Offset:     offset,
	}
	rows, err := s.Store.ListOutcomes(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.Store.CountOutcomes(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// Resolve closes one open outcome with an operator note.
func (s Service) Resolve(ctx context.Context, id uuid.UUID, resolution string) error {
	if s.Store == nil {
		return errors.New("audit: store not configured")
	}
	resolution = strings.TrimSpace(resolution)
	if resolution == "" {
		return errors.New("audit: resolution note required")
	}
	return s.Store.MarkResolved(ctx, id, resolution)
}

func encodeRaw(raw map[string]string) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("audit: encode raw params: %w", err)
	}
	return data, nil
}
