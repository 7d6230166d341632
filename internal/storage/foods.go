package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/BustosAndrew/calhacks10/internal/nutrition"
)

// FoodByName looks up a catalog entry by name, ignoring case and surrounding
// whitespace. Returns ErrNotFound if absent.
func (s *Store) FoodByName(ctx context.Context, name string) (Food, error) {
	return s.scanFood(s.db.QueryRowContext(ctx, `
		SELECT id, name, calories, sodium, fat, protein, sugar, vitamins, carbs, created_at
		FROM foods WHERE name = ? COLLATE NOCASE`, strings.TrimSpace(name)))
}

// GetFood returns the catalog entry with the given id or ErrNotFound.
func (s *Store) GetFood(ctx context.Context, id string) (Food, error) {
	return s.scanFood(s.db.QueryRowContext(ctx, `
		SELECT id, name, calories, sodium, fat, protein, sugar, vitamins, carbs, created_at
		FROM foods WHERE id = ?`, id))
}

// UpsertFood inserts a catalog entry, or replaces the nutrient values of the
// entry with the same name. An empty ID gets a fresh UUID. The stored entry
// is returned.
func (s *Store) UpsertFood(ctx context.Context, f Food) (Food, error) {
	f.Name = strings.TrimSpace(f.Name)
	if f.Name == "" {
		return Food{}, errors.New("food name is required")
	}
	if err := f.PerServing.Validate(); err != nil {
		return Food{}, fmt.Errorf("food %q: %w", f.Name, err)
	}
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	p := f.PerServing
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO foods (id, name, calories, sodium, fat, protein, sugar, vitamins, carbs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			calories = excluded.calories,
			sodium = excluded.sodium,
			fat = excluded.fat,
			protein = excluded.protein,
			sugar = excluded.sugar,
			vitamins = excluded.vitamins,
			carbs = excluded.carbs`,
		f.ID, f.Name, p.Calories, p.Sodium, p.Fat, p.Protein, p.Sugar, p.Vitamins, p.Carbs, s.timestamp(),
	)
	if err != nil {
		return Food{}, fmt.Errorf("upserting food %q: %w", f.Name, err)
	}
	return s.FoodByName(ctx, f.Name)
}

// ListFoods returns catalog entries ordered by name.
func (s *Store) ListFoods(ctx context.Context, limit int) ([]Food, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, calories, sodium, fat, protein, sugar, vitamins, carbs, created_at
		FROM foods ORDER BY name ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var foods []Food
	for rows.Next() {
		f, err := s.scanFood(rows)
		if err != nil {
			return nil, err
		}
		foods = append(foods, f)
	}
	return foods, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanFood(row rowScanner) (Food, error) {
	var f Food
	var createdAt string
	vals := make([]float64, len(nutrition.Fields))
	err := row.Scan(&f.ID, &f.Name, &vals[0], &vals[1], &vals[2], &vals[3], &vals[4], &vals[5], &vals[6], &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Food{}, ErrNotFound
	}
	if err != nil {
		return Food{}, err
	}
	f.PerServing = nutrition.FromValues(vals)
	if f.CreatedAt, err = parseTime(createdAt); err != nil {
		return Food{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return f, nil
}
