package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/BustosAndrew/calhacks10/internal/nutrition"
)

const dayLayout = "2006-01-02"

// LedgerID derives the deterministic ledger identifier for uid on the
// calendar day containing t. The day is taken in t's location.
func LedgerID(uid string, t time.Time) string {
	return uid + ":" + t.Format(dayLayout)
}

// StartOfDay truncates t to midnight in t's location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// EnsureDailyLedger returns the ledger for uid on the day containing t,
// creating it with zero totals if absent. Creation is an insert-if-absent on
// the deterministic id, so concurrent first requests of the day converge on
// one ledger. Returns ErrNotFound if the user does not exist.
func (s *Store) EnsureDailyLedger(ctx context.Context, uid string, t time.Time) (DailyLedger, error) {
	id := LedgerID(uid, t)
	day := StartOfDay(t)
	now := s.timestamp()

	var ledger DailyLedger
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := userExistsTx(ctx, tx, uid); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO daily_ledgers (id, user_id, day, date, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING`,
			id, uid, t.Format(dayLayout), day.Format(time.RFC3339), now, now,
		)
		if err != nil {
			return fmt.Errorf("creating daily ledger: %w", err)
		}
		ledger, err = getLedger(ctx, tx, id)
		return err
	})
	if err != nil {
		return DailyLedger{}, err
	}
	return ledger, nil
}

// GetDailyLedger returns the ledger with the given id or ErrNotFound.
func (s *Store) GetDailyLedger(ctx context.Context, id string) (DailyLedger, error) {
	return getLedger(ctx, s.db, id)
}

// ApplyEntry atomically adds entry.Delta to the ledger totals and records the
// entry, whose FoodID joins the ledger's contributor list. The increment is
// done in SQL, never as an overwrite of client-computed totals. If an entry
// with the same CallID was already applied the ledger is left unchanged and
// applied is false. The returned ledger reflects the state after the call.
func (s *Store) ApplyEntry(ctx context.Context, entry LedgerEntry) (ledger DailyLedger, applied bool, err error) {
	if entry.CallID == "" {
		return DailyLedger{}, false, errors.New("ledger entry requires a call id")
	}
	now := s.timestamp()
	d := entry.Delta

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		applied = false
		res, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (ledger_id, call_id, food_id, serving_size,
				calories, sodium, fat, protein, sugar, vitamins, carbs, created_at)
			SELECT id, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ? FROM daily_ledgers WHERE id = ?
			ON CONFLICT(ledger_id, call_id) DO NOTHING`,
			entry.CallID, entry.FoodID, entry.ServingSize,
			d.Calories, d.Sodium, d.Fat, d.Protein, d.Sugar, d.Vitamins, d.Carbs, now,
			entry.LedgerID,
		)
		if err != nil {
			return fmt.Errorf("recording ledger entry: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if n == 1 {
			_, err = tx.ExecContext(ctx, `
				UPDATE daily_ledgers SET
					calories = calories + ?,
					sodium = sodium + ?,
					fat = fat + ?,
					protein = protein + ?,
					sugar = sugar + ?,
					vitamins = vitamins + ?,
					carbs = carbs + ?,
					updated_at = ?
				WHERE id = ?`,
				d.Calories, d.Sodium, d.Fat, d.Protein, d.Sugar, d.Vitamins, d.Carbs, now,
				entry.LedgerID,
			)
			if err != nil {
				return fmt.Errorf("incrementing ledger totals: %w", err)
			}
			applied = true
		}

		ledger, err = getLedger(ctx, tx, entry.LedgerID)
		return err
	})
	if err != nil {
		return DailyLedger{}, false, err
	}
	return ledger, applied, nil
}

// LedgerEntries returns the entries applied to a ledger in order.
func (s *Store) LedgerEntries(ctx context.Context, ledgerID string) ([]LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, ledger_id, call_id, food_id, serving_size,
			calories, sodium, fat, protein, sugar, vitamins, carbs, created_at
		FROM ledger_entries WHERE ledger_id = ? ORDER BY seq ASC`, ledgerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var createdAt string
		vals := make([]float64, len(nutrition.Fields))
		if err := rows.Scan(&e.Seq, &e.LedgerID, &e.CallID, &e.FoodID, &e.ServingSize,
			&vals[0], &vals[1], &vals[2], &vals[3], &vals[4], &vals[5], &vals[6], &createdAt); err != nil {
			return nil, err
		}
		e.Delta = nutrition.FromValues(vals)
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getLedger(ctx context.Context, q queryer, id string) (DailyLedger, error) {
	var l DailyLedger
	var date, createdAt, updatedAt string
	vals := make([]float64, len(nutrition.Fields))
	err := q.QueryRowContext(ctx, `
		SELECT id, user_id, day, date, calories, sodium, fat, protein, sugar, vitamins, carbs, created_at, updated_at
		FROM daily_ledgers WHERE id = ?`, id,
	).Scan(&l.ID, &l.UserID, &l.Day, &date,
		&vals[0], &vals[1], &vals[2], &vals[3], &vals[4], &vals[5], &vals[6],
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DailyLedger{}, ErrNotFound
	}
	if err != nil {
		return DailyLedger{}, err
	}
	l.Totals = nutrition.FromValues(vals)
	if l.Date, err = time.Parse(time.RFC3339, date); err != nil {
		return DailyLedger{}, fmt.Errorf("parsing date: %w", err)
	}
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return DailyLedger{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if l.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return DailyLedger{}, fmt.Errorf("parsing updated_at: %w", err)
	}

	rows, err := q.QueryContext(ctx, `SELECT food_id FROM ledger_entries WHERE ledger_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return DailyLedger{}, err
	}
	defer rows.Close()
	l.Foods = []string{}
	for rows.Next() {
		var foodID string
		if err := rows.Scan(&foodID); err != nil {
			return DailyLedger{}, err
		}
		l.Foods = append(l.Foods, foodID)
	}
	return l, rows.Err()
}
