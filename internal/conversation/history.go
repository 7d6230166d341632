package conversation

import (
	"context"
	"fmt"

	"github.com/BustosAndrew/calhacks10/internal/storage"
)

// TurnStore is the persistence the history needs.
type TurnStore interface {
	LoadTurns(ctx context.Context, uid string) ([]storage.ChatTurn, error)
	AppendTurns(ctx context.Context, uid string, turns []storage.ChatTurn) ([]storage.ChatTurn, error)
}

// History is the ordered, append-only turn log of each user. It is never
// truncated, so the replayed payload grows with the conversation.
type History struct {
	store TurnStore
}

func NewHistory(store TurnStore) *History {
	return &History{store: store}
}

// Load returns uid's turns in the order they were appended.
func (h *History) Load(ctx context.Context, uid string) ([]Turn, error) {
	stored, err := h.store.LoadTurns(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	turns := make([]Turn, len(stored))
	for i, ct := range stored {
		turns[i] = fromStored(ct)
	}
	return turns, nil
}

// Append persists turns as one contiguous block. Every turn is validated
// first so a bad block writes nothing.
func (h *History) Append(ctx context.Context, uid string, turns []Turn) error {
	if len(turns) == 0 {
		return nil
	}
	stored := make([]storage.ChatTurn, len(turns))
	for i, t := range turns {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("turn %d: %w", i, err)
		}
		stored[i] = toStored(t)
	}
	if _, err := h.store.AppendTurns(ctx, uid, stored); err != nil {
		return fmt.Errorf("appending history: %w", err)
	}
	return nil
}
