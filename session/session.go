// Package session keeps per-user dialog state between Telegram updates.
package session

import (
	"context"
	"sync"
	"time"
)

// State is a dialog step
type State string

const (
	// StateAwaitingChoice waits for "enter final price" or "cancel"
	StateAwaitingChoice State = "awaiting_choice"
	// StateAwaitingPrice waits for a positive number
	StateAwaitingPrice State = "awaiting_price"
)

// DialogCompletion closes an expired ad
const DialogCompletion = "completion"

// Dialog is the single in-flight conversation of a user
type Dialog struct {
	Kind      string    `json:"kind"`
	State     State     `json:"state"`
	ItemID    string    `json:"item_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists dialogs keyed by Telegram user id
type Store interface {
	Enter(ctx context.Context, userID int64, d Dialog) error
	Get(ctx context.Context, userID int64) (Dialog, bool, error)
	Clear(ctx context.Context, userID int64) error
}

// MemoryStore keeps dialogs in process memory; they are lost on restart
type MemoryStore struct {
	mu      sync.Mutex
	dialogs map[int64]Dialog
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{dialogs: make(map[int64]Dialog)}
}

func (s *MemoryStore) Enter(_ context.Context, userID int64, d Dialog) error {
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	s.dialogs[userID] = d
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, userID int64) (Dialog, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dialogs[userID]
	return d, ok, nil
}

func (s *MemoryStore) Clear(_ context.Context, userID int64) error {
	s.mu.Lock()
	delete(s.dialogs, userID)
	s.mu.Unlock()
	return nil
}
