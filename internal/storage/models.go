package storage

import (
	"errors"
	"time"

	"github.com/BustosAndrew/calhacks10/internal/nutrition"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrExists is returned when creating a record whose key is already taken.
var ErrExists = errors.New("already exists")

// ErrConflict is returned when a write transaction keeps losing to concurrent
// writers after the bounded number of retries.
var ErrConflict = errors.New("write conflict")

type User struct {
	ID                   string
	CreatedAt            time.Time
	HistoryInitializedAt time.Time // zero until the creation trigger has run
}

// DailyLedger is the per-user, per-day nutrient accumulator.
type DailyLedger struct {
	ID        string
	UserID    string
	Day       string    // YYYY-MM-DD in the configured timezone
	Date      time.Time // start of Day
	Totals    nutrition.Totals
	Foods     []string // contributing food ids, in application order
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LedgerEntry is one applied tool invocation. CallID is the idempotency key
// within a ledger.
type LedgerEntry struct {
	Seq         int64
	LedgerID    string
	CallID      string
	FoodID      string
	ServingSize float64
	Delta       nutrition.Totals
	CreatedAt   time.Time
}

type Food struct {
	ID         string
	Name       string
	PerServing nutrition.Totals
	CreatedAt  time.Time
}

// ChatTurn is one persisted conversation turn. ToolName/ToolArgs are set on
// assistant turns that requested a tool; ToolCallID is set on those and on
// the tool turn answering them.
type ChatTurn struct {
	ID         string
	UserID     string
	Seq        int64
	Role       string
	Content    string
	ToolCallID string
	ToolName   string
	ToolArgs   string
	CreatedAt  time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
