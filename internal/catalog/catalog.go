// Package catalog is the read-mostly food database consulted by the
// update_macros tool, plus JSON import for seeding it.
package catalog

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/BustosAndrew/calhacks10/internal/nutrition"
	"github.com/BustosAndrew/calhacks10/internal/storage"
)

//go:embed seed.json
var seedJSON []byte

// ErrInvalidItem is returned by Import and Add when an item fails validation.
var ErrInvalidItem = errors.New("invalid catalog item")

// Item is the import format: a name plus per-serving nutrient values.
type Item struct {
	Name string `json:"name"`
	nutrition.Totals
}

// Store is the food persistence the catalog needs.
type Store interface {
	FoodByName(ctx context.Context, name string) (storage.Food, error)
	UpsertFood(ctx context.Context, f storage.Food) (storage.Food, error)
	ListFoods(ctx context.Context, limit int) ([]storage.Food, error)
}

type Catalog struct {
	store Store
}

func New(store Store) *Catalog {
	return &Catalog{store: store}
}

// FoodByName resolves a canonical name, ignoring case. Returns
// storage.ErrNotFound when absent.
func (c *Catalog) FoodByName(ctx context.Context, name string) (storage.Food, error) {
	return c.store.FoodByName(ctx, name)
}

func (c *Catalog) List(ctx context.Context, limit int) ([]storage.Food, error) {
	if limit <= 0 {
		limit = 100
	}
	return c.store.ListFoods(ctx, limit)
}

// Add validates and upserts one item.
func (c *Catalog) Add(ctx context.Context, item Item) (storage.Food, error) {
	if err := item.validate(); err != nil {
		return storage.Food{}, err
	}
	return c.store.UpsertFood(ctx, storage.Food{Name: strings.TrimSpace(item.Name), PerServing: item.Totals})
}

func (it Item) validate() error {
	if strings.TrimSpace(it.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidItem)
	}
	if err := it.Totals.Validate(); err != nil {
		return fmt.Errorf("%w (%s): %w", ErrInvalidItem, it.Name, err)
	}
	return nil
}

// Import reads a JSON array of items from r and upserts each. Every item is
// validated before anything is written. It returns the number of items stored.
func (c *Catalog) Import(ctx context.Context, r io.Reader) (int, error) {
	var items []Item
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return 0, fmt.Errorf("%w: decoding catalog: %w", ErrInvalidItem, err)
	}
	for i, it := range items {
		if err := it.validate(); err != nil {
			return 0, fmt.Errorf("item %d: %w", i, err)
		}
	}

	for i, it := range items {
		if _, err := c.Add(ctx, it); err != nil {
			return i, err
		}
	}
	slog.Info("catalog imported", "items", len(items))
	return len(items), nil
}

// Seed imports the built-in starter catalog unless the catalog already has
// entries.
func (c *Catalog) Seed(ctx context.Context) (int, error) {
	existing, err := c.store.ListFoods(ctx, 1)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}
	return c.Import(ctx, strings.NewReader(string(seedJSON)))
}
