// Package history persists review session summaries.
//
// A [Summary] is written once when a session ends. The default deployment
// keeps summaries in memory only; configuring a PostgreSQL DSN switches to
// the durable [PostgresStore].
package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Summary records the outcome of one finished review session.
type Summary struct {
	// ID is the session identifier (a UUID assigned at connect time).
	ID string

	// DeckID is the deck the session reviewed, empty for all decks.
	DeckID string

	// Mode is the review mode the session ran in.
	Mode string

	StartedAt time.Time
	EndedAt   time.Time

	CardsReviewed  int
	CorrectCount   int
	IncorrectCount int

	// Accuracy is CorrectCount / CardsReviewed, zero when nothing was
	// reviewed.
	Accuracy float64

	// AudioSeconds is the total learner speech captured.
	AudioSeconds float64
}

// Store persists session summaries. Implementations must be safe for
// concurrent use.
type Store interface {
	// Record saves the summary of a finished session.
	Record(ctx context.Context, s *Summary) error

	// Recent returns up to limit summaries, newest first.
	Recent(ctx context.Context, limit int) ([]Summary, error)
}

// MemoryStore is an in-process [Store] used when no database is configured.
// Summaries are lost on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	summaries []Summary
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Record saves a copy of s.
func (m *MemoryStore) Record(ctx context.Context, s *Summary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, *s)
	return nil
}

// Recent returns up to limit summaries ordered by end time, newest first.
func (m *MemoryStore) Recent(ctx context.Context, limit int) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]Summary, len(m.summaries))
	copy(out, m.summaries)
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].EndedAt.After(out[j].EndedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
