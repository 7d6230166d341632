package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/BustosAndrew/calhacks10/internal/nutrition"
	"github.com/BustosAndrew/calhacks10/internal/storage"
)

// FoodNotFound is the tool result when the catalog has no matching food. It
// is data returned to the model, not an error.
const FoodNotFound = "Food not found."

// assertedPrefix marks contributor ids of model-asserted entries.
const assertedPrefix = "asserted:"

const instrumentationName = "github.com/BustosAndrew/calhacks10/internal/tools"

// Catalog resolves food names.
type Catalog interface {
	FoodByName(ctx context.Context, name string) (storage.Food, error)
}

// Ledger applies a scaled delta to a daily ledger atomically.
type Ledger interface {
	ApplyEntry(ctx context.Context, entry storage.LedgerEntry) (storage.DailyLedger, bool, error)
}

// Dispatcher executes parsed tool calls against the catalog and the ledger.
type Dispatcher struct {
	catalog       Catalog
	ledger        Ledger
	modelAsserted bool

	tracer trace.Tracer
	calls  metric.Int64Counter
}

type Option func(*Dispatcher)

// WithModelAsserted enables the log_nutrients tool.
func WithModelAsserted(enabled bool) Option {
	return func(d *Dispatcher) { d.modelAsserted = enabled }
}

func NewDispatcher(catalog Catalog, ledger Ledger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		catalog: catalog,
		ledger:  ledger,
		tracer:  otel.Tracer(instrumentationName),
	}
	calls, err := otel.Meter(instrumentationName).Int64Counter("tool_calls_total",
		metric.WithDescription("Tool invocations by tool and outcome"))
	if err != nil {
		slog.Warn("creating tool call counter", "error", err)
	}
	d.calls = calls
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ModelAsserted reports whether log_nutrients is enabled.
func (d *Dispatcher) ModelAsserted() bool { return d.modelAsserted }

// Dispatch applies call to the ledger identified by ledgerID and returns the
// text handed back to the model. callID is the idempotency key: a repeated
// callID leaves the ledger unchanged and reports the current totals. A food
// missing from the catalog yields FoodNotFound and writes nothing.
func (d *Dispatcher) Dispatch(ctx context.Context, ledgerID, callID string, call Call) (string, error) {
	ctx, span := d.tracer.Start(ctx, "tools.Dispatch", trace.WithAttributes(
		attribute.String("tool.name", call.ToolName()),
		attribute.String("ledger.id", ledgerID),
	))
	defer span.End()

	result, outcome, err := d.dispatch(ctx, ledgerID, callID, call)
	if d.calls != nil {
		d.calls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", call.ToolName()),
			attribute.String("outcome", outcome),
		))
	}
	if err != nil {
		span.SetStatus(codes.Error, outcome)
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(attribute.String("tool.outcome", outcome))
	return result, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, ledgerID, callID string, call Call) (string, string, error) {
	var entry storage.LedgerEntry
	switch c := call.(type) {
	case UpdateMacros:
		food, err := d.catalog.FoodByName(ctx, c.Name)
		if errors.Is(err, storage.ErrNotFound) {
			slog.Debug("food not in catalog", "name", c.Name, "ledger", ledgerID)
			return FoodNotFound, "not_found", nil
		}
		if err != nil {
			return "", "error", fmt.Errorf("looking up food %q: %w", c.Name, err)
		}
		entry = storage.LedgerEntry{
			FoodID:      food.ID,
			ServingSize: c.ServingSize,
			Delta:       nutrition.Scale(food.PerServing, c.ServingSize),
		}

	case LogNutrients:
		if !d.modelAsserted {
			return "", "rejected", fmt.Errorf("%w: %s is disabled", ErrUnknownTool, NameLogNutrients)
		}
		entry = storage.LedgerEntry{
			FoodID:      assertedPrefix + c.Name,
			ServingSize: c.ServingSize,
			Delta:       nutrition.Scale(c.Nutrients, c.ServingSize),
		}

	default:
		return "", "rejected", fmt.Errorf("%w: %T", ErrUnknownTool, call)
	}

	entry.LedgerID = ledgerID
	entry.CallID = callID
	ledger, applied, err := d.ledger.ApplyEntry(ctx, entry)
	if err != nil {
		return "", "error", fmt.Errorf("applying %s: %w", call.ToolName(), err)
	}
	if !applied {
		slog.Info("tool call already applied", "call_id", callID, "ledger", ledgerID)
		return ledger.Totals.Summary(), "duplicate", nil
	}
	slog.Debug("ledger updated", "ledger", ledgerID, "food", entry.FoodID, "serving_size", entry.ServingSize)
	return ledger.Totals.Summary(), "applied", nil
}
