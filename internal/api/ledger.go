package api

import (
	"context"
	"errors"
	"time"

	"github.com/BustosAndrew/calhacks10/internal/nutrition"
	"github.com/BustosAndrew/calhacks10/internal/storage"
)

// LedgerView is a day's ledger as served to clients. Days without a ledger
// render as zero totals.
type LedgerView struct {
	ID      string           `json:"id"`
	UID     string           `json:"uid"`
	Day     string           `json:"day"`
	Totals  nutrition.Totals `json:"totals"`
	Foods   []string         `json:"foods"`
	Entries []EntryView      `json:"entries"`
}

// EntryView is one applied tool call with the totals after it.
type EntryView struct {
	CallID      string           `json:"call_id"`
	FoodID      string           `json:"food_id"`
	ServingSize float64          `json:"serving_size"`
	Delta       nutrition.Totals `json:"delta"`
	Running     nutrition.Totals `json:"running_totals"`
	CreatedAt   time.Time        `json:"created_at"`
}

// LedgerReader is the storage the ledger view reads from.
type LedgerReader interface {
	GetUser(ctx context.Context, id string) (storage.User, error)
	GetDailyLedger(ctx context.Context, id string) (storage.DailyLedger, error)
	LedgerEntries(ctx context.Context, ledgerID string) ([]storage.LedgerEntry, error)
}

// loadLedgerView reads uid's ledger for the day containing day without
// creating it. Returns storage.ErrNotFound for unknown users.
func loadLedgerView(ctx context.Context, store LedgerReader, uid string, day time.Time) (LedgerView, error) {
	id := storage.LedgerID(uid, day)
	view := LedgerView{
		ID:      id,
		UID:     uid,
		Day:     day.Format("2006-01-02"),
		Foods:   []string{},
		Entries: []EntryView{},
	}

	l, err := store.GetDailyLedger(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		if _, err := store.GetUser(ctx, uid); err != nil {
			return LedgerView{}, err
		}
		return view, nil
	}
	if err != nil {
		return LedgerView{}, err
	}
	view.Totals = l.Totals
	view.Foods = l.Foods

	entries, err := store.LedgerEntries(ctx, id)
	if err != nil {
		return LedgerView{}, err
	}
	var running nutrition.Totals
	for _, e := range entries {
		running = nutrition.Accumulate(running, e.Delta)
		view.Entries = append(view.Entries, EntryView{
			CallID:      e.CallID,
			FoodID:      e.FoodID,
			ServingSize: e.ServingSize,
			Delta:       e.Delta,
			Running:     running,
			CreatedAt:   e.CreatedAt,
		})
	}
	return view, nil
}
