package queue_test

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/redirectpay/internal/queue"
)

// newTestRedis spins up a throwaway miniredis and a client wired to it.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// stubDLQ is an in-memory queue.Store.
type stubDLQ struct {
	mu   sync.Mutex
	rows []queue.DeadLetter
}

func newStubDLQ() *stubDLQ {
	return &stubDLQ{}
}

func (s *stubDLQ) InsertDeadLetter(_ context.Context, row queue.DeadLetter) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	s.rows = append(s.rows, row)
	return row.ID, nil
}

func (s *stubDLQ) DeleteDeadLetter(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := make([]queue.DeadLetter, 0, len(s.rows))
	for _, row := range s.rows {
		if row.ID != id {
			kept = append(kept, row)
		}
	}
	s.rows = kept
	return nil
}

func (s *stubDLQ) GetDeadLetter(_ context.Context, id uuid.UUID) (queue.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.ID == id {
			return row, nil
		}
	}
	return queue.DeadLetter{}, sql.ErrNoRows
}

func (s *stubDLQ) ListDeadLetters(_ context.Context, kind string, limit, offset int) ([]queue.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]queue.DeadLetter, 0, len(s.rows))
	for _, row := range s.rows {
		if kind == "" || row.Kind == kind {
			matched = append(matched, row)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if offset >= len(matched) {
		return nil, nil
	}
	if limit <= 0 || offset+limit > len(matched) {
		limit = len(matched) - offset
	}
	return matched[offset : offset+limit], nil
}

func (s *stubDLQ) CountDeadLetters(_ context.Context, kind string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.rows {
		if kind == "" || row.Kind == kind {
			n++
		}
	}
	return n, nil
}

func (s *stubDLQ) DeadLetterSizes(_ context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sizes := make(map[string]int64)
	for _, row := range s.rows {
		sizes[row.Kind]++
	}
	return sizes, nil
}

// dump copies out every row for assertions.
func (s *stubDLQ) dump() []queue.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]queue.DeadLetter, len(s.rows))
	copy(out, s.rows)
	return out
}
