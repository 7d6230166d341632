package tools

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BustosAndrew/calhacks10/internal/nutrition"
	"github.com/BustosAndrew/calhacks10/internal/storage"
)

type fakeCatalog struct {
	foods map[string]storage.Food
	err   error
}

func (c *fakeCatalog) FoodByName(_ context.Context, name string) (storage.Food, error) {
	if c.err != nil {
		return storage.Food{}, c.err
	}
	f, ok := c.foods[strings.ToLower(name)]
	if !ok {
		return storage.Food{}, storage.ErrNotFound
	}
	return f, nil
}

// fakeLedger mirrors the store's semantics: summed deltas, call-id dedupe.
type fakeLedger struct {
	mu      sync.Mutex
	totals  nutrition.Totals
	foods   []string
	seen    map[string]bool
	entries []storage.LedgerEntry
	err     error
}

func (l *fakeLedger) ApplyEntry(_ context.Context, e storage.LedgerEntry) (storage.DailyLedger, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return storage.DailyLedger{}, false, l.err
	}
	if l.seen == nil {
		l.seen = map[string]bool{}
	}
	applied := !l.seen[e.CallID]
	if applied {
		l.seen[e.CallID] = true
		l.totals = nutrition.Accumulate(l.totals, e.Delta)
		l.foods = append(l.foods, e.FoodID)
		l.entries = append(l.entries, e)
	}
	return storage.DailyLedger{ID: e.LedgerID, Totals: l.totals, Foods: append([]string(nil), l.foods...)}, applied, nil
}

func newCatalog() *fakeCatalog {
	return &fakeCatalog{foods: map[string]storage.Food{
		"apple": {ID: "food-apple", Name: "Apple", PerServing: nutrition.Totals{Calories: 95, Sugar: 19, Carbs: 25, Vitamins: 1}},
		"water": {ID: "food-water", Name: "Water"},
	}}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		tool    string
		args    string
		want    Call
		wantErr error
	}{
		{"update macros", "update_macros", `{"name":"Apple","servingSize":2}`, UpdateMacros{Name: "Apple", ServingSize: 2}, nil},
		{"fractional serving", "update_macros", `{"name":"Apple","servingSize":0.5}`, UpdateMacros{Name: "Apple", ServingSize: 0.5}, nil},
		{"missing serving defaults to one", "update_macros", `{"name":"Water"}`, UpdateMacros{Name: "Water", ServingSize: 1}, nil},
		{"null serving defaults to one", "update_macros", `{"name":"Water","servingSize":null}`, UpdateMacros{Name: "Water", ServingSize: 1}, nil},
		{"zero serving allowed", "update_macros", `{"name":"Water","servingSize":0}`, UpdateMacros{Name: "Water", ServingSize: 0}, nil},
		{"numeric string serving", "update_macros", `{"name":"Apple","servingSize":"1.5"}`, UpdateMacros{Name: "Apple", ServingSize: 1.5}, nil},
		{"name trimmed", "update_macros", `{"name":"  Apple ","servingSize":1}`, UpdateMacros{Name: "Apple", ServingSize: 1}, nil},
		{"negative serving", "update_macros", `{"name":"Apple","servingSize":-1}`, nil, ErrMalformedArguments},
		{"non-numeric serving", "update_macros", `{"name":"Apple","servingSize":"lots"}`, nil, ErrMalformedArguments},
		{"boolean serving", "update_macros", `{"name":"Apple","servingSize":true}`, nil, ErrMalformedArguments},
		{"missing name", "update_macros", `{"servingSize":1}`, nil, ErrMalformedArguments},
		{"invalid json", "update_macros", `{"name":`, nil, ErrMalformedArguments},
		{"empty payload", "update_macros", ``, nil, ErrMalformedArguments},
		{"unknown tool", "delete_everything", `{}`, nil, ErrUnknownTool},
		{
			"log nutrients", "log_nutrients",
			`{"name":"Mystery Bar","servingSize":2,"nutrients":{"calories":200,"protein":10}}`,
			LogNutrients{Name: "Mystery Bar", ServingSize: 2, Nutrients: nutrition.Totals{Calories: 200, Protein: 10}}, nil,
		},
		{"log nutrients negative value", "log_nutrients", `{"name":"X","nutrients":{"fat":-3}}`, nil, ErrMalformedArguments},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.tool, tt.args)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got != tt.want {
				t.Errorf("Parse = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDispatch_ScalesServing(t *testing.T) {
	tests := []struct {
		serving  float64
		calories float64
	}{
		{1, 95},
		{2, 190},
		{0.5, 47.5},
	}
	for _, tt := range tests {
		ledger := &fakeLedger{}
		d := NewDispatcher(newCatalog(), ledger)

		out, err := d.Dispatch(context.Background(), "u1:2024-01-01", "call-1", UpdateMacros{Name: "Apple", ServingSize: tt.serving})
		if err != nil {
			t.Fatalf("Dispatch(serving=%v): %v", tt.serving, err)
		}
		if ledger.totals.Calories != tt.calories {
			t.Errorf("serving %v: calories = %v, want %v", tt.serving, ledger.totals.Calories, tt.calories)
		}
		if !strings.Contains(out, "calories: "+nutrition.FormatAmount(tt.calories)) {
			t.Errorf("summary %q does not report calories %v", out, tt.calories)
		}
		if len(ledger.foods) != 1 || ledger.foods[0] != "food-apple" {
			t.Errorf("foods = %v, want [food-apple]", ledger.foods)
		}
	}
}

func TestDispatch_FoodNotFoundWritesNothing(t *testing.T) {
	ledger := &fakeLedger{}
	d := NewDispatcher(newCatalog(), ledger)

	out, err := d.Dispatch(context.Background(), "u1:2024-01-01", "call-1", UpdateMacros{Name: "Unicorn Steak", ServingSize: 1})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out != FoodNotFound {
		t.Errorf("result = %q, want %q", out, FoodNotFound)
	}
	if len(ledger.entries) != 0 {
		t.Errorf("ledger written %d times, want 0", len(ledger.entries))
	}
}

func TestDispatch_WaterLeavesTotalsAndRecordsFood(t *testing.T) {
	ledger := &fakeLedger{totals: nutrition.Totals{Calories: 500}}
	d := NewDispatcher(newCatalog(), ledger)

	if _, err := d.Dispatch(context.Background(), "u1:2024-01-01", "call-w", UpdateMacros{Name: "Water", ServingSize: 1}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if ledger.totals != (nutrition.Totals{Calories: 500}) {
		t.Errorf("totals = %+v, want unchanged", ledger.totals)
	}
	if len(ledger.foods) != 1 || ledger.foods[0] != "food-water" {
		t.Errorf("foods = %v, want [food-water]", ledger.foods)
	}
}

func TestDispatch_DuplicateCallID(t *testing.T) {
	ledger := &fakeLedger{}
	d := NewDispatcher(newCatalog(), ledger)
	ctx := context.Background()

	first, err := d.Dispatch(ctx, "l", "same", UpdateMacros{Name: "Apple", ServingSize: 1})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	second, err := d.Dispatch(ctx, "l", "same", UpdateMacros{Name: "Apple", ServingSize: 1})
	if err != nil {
		t.Fatalf("Dispatch retry: %v", err)
	}
	if first != second {
		t.Errorf("retry summary %q differs from %q", second, first)
	}
	if ledger.totals.Calories != 95 {
		t.Errorf("calories = %v, want 95", ledger.totals.Calories)
	}
}

func TestDispatch_LogNutrients(t *testing.T) {
	ctx := context.Background()
	call := LogNutrients{Name: "Mystery Bar", ServingSize: 2, Nutrients: nutrition.Totals{Calories: 100, Protein: 5}}

	disabled := NewDispatcher(newCatalog(), &fakeLedger{})
	if _, err := disabled.Dispatch(ctx, "l", "c", call); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("disabled error = %v, want ErrUnknownTool", err)
	}

	ledger := &fakeLedger{}
	d := NewDispatcher(&fakeCatalog{err: errors.New("catalog must not be consulted")}, ledger, WithModelAsserted(true))
	if _, err := d.Dispatch(ctx, "l", "c", call); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if ledger.totals.Calories != 200 || ledger.totals.Protein != 10 {
		t.Errorf("totals = %+v", ledger.totals)
	}
	if ledger.foods[0] != "asserted:Mystery Bar" {
		t.Errorf("contributor = %q", ledger.foods[0])
	}
}

func TestDispatch_Errors(t *testing.T) {
	ctx := context.Background()

	catalogErr := errors.New("catalog down")
	d := NewDispatcher(&fakeCatalog{err: catalogErr}, &fakeLedger{})
	if _, err := d.Dispatch(ctx, "l", "c", UpdateMacros{Name: "Apple", ServingSize: 1}); !errors.Is(err, catalogErr) {
		t.Errorf("error = %v, want catalog error", err)
	}

	d = NewDispatcher(newCatalog(), &fakeLedger{err: storage.ErrConflict})
	if _, err := d.Dispatch(ctx, "l", "c", UpdateMacros{Name: "Apple", ServingSize: 1}); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("error = %v, want storage.ErrConflict", err)
	}
}

func TestDispatch_AgainstStore(t *testing.T) {
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if _, err := s.CreateUser(ctx, "u1", nil); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := s.UpsertFood(ctx, storage.Food{Name: "Apple", PerServing: nutrition.Totals{Calories: 95}}); err != nil {
		t.Fatalf("UpsertFood: %v", err)
	}
	l, err := s.EnsureDailyLedger(ctx, "u1", mustDate(t, "2024-01-01"))
	if err != nil {
		t.Fatalf("EnsureDailyLedger: %v", err)
	}

	d := NewDispatcher(s, s)
	if _, err := d.Dispatch(ctx, l.ID, "call-1", UpdateMacros{Name: "apple", ServingSize: 2}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got, err := s.GetDailyLedger(ctx, l.ID)
	if err != nil {
		t.Fatalf("GetDailyLedger: %v", err)
	}
	if got.Totals.Calories != 190 {
		t.Errorf("calories = %v, want 190", got.Totals.Calories)
	}
}

func TestSpecs(t *testing.T) {
	base := Specs(false)
	if len(base) != 1 || base[0].Name != NameUpdateMacros {
		t.Fatalf("Specs(false) = %+v", base)
	}
	if !strings.Contains(base[0].Description, "serving size as 0.5") {
		t.Error("update_macros description lost the fractional serving instruction")
	}
	required, _ := base[0].Parameters["required"].([]string)
	if len(required) != 2 {
		t.Errorf("required = %v", required)
	}

	all := Specs(true)
	if len(all) != 2 || all[1].Name != NameLogNutrients {
		t.Errorf("Specs(true) = %+v", all)
	}
}

func mustDate(t *testing.T, day string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", day)
	if err != nil {
		t.Fatalf("parsing %q: %v", day, err)
	}
	return d.Add(12 * time.Hour)
}
