// Package nutrition holds the seven-field nutrient record and the pure
// arithmetic used to accumulate it into a daily ledger.
package nutrition

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Totals is a per-serving nutrient record or a running daily sum.
type Totals struct {
	Calories float64 `json:"calories"`
	Sodium   float64 `json:"sodium"`
	Fat      float64 `json:"fat"`
	Protein  float64 `json:"protein"`
	Sugar    float64 `json:"sugar"`
	Vitamins float64 `json:"vitamins"`
	Carbs    float64 `json:"carbs"`
}

// Field names in display order. Storage columns and tool argument keys use
// the same names.
var Fields = []string{"calories", "sodium", "fat", "protein", "sugar", "vitamins", "carbs"}

// Accumulate returns current + delta, field by field. No clamping is applied:
// totals may exceed goals.
func Accumulate(current, delta Totals) Totals {
	return Totals{
		Calories: current.Calories + delta.Calories,
		Sodium:   current.Sodium + delta.Sodium,
		Fat:      current.Fat + delta.Fat,
		Protein:  current.Protein + delta.Protein,
		Sugar:    current.Sugar + delta.Sugar,
		Vitamins: current.Vitamins + delta.Vitamins,
		Carbs:    current.Carbs + delta.Carbs,
	}
}

// Scale multiplies every field by k (the serving size).
func Scale(t Totals, k float64) Totals {
	return Totals{
		Calories: t.Calories * k,
		Sodium:   t.Sodium * k,
		Fat:      t.Fat * k,
		Protein:  t.Protein * k,
		Sugar:    t.Sugar * k,
		Vitamins: t.Vitamins * k,
		Carbs:    t.Carbs * k,
	}
}

// Values returns the fields in the order of Fields.
func (t Totals) Values() []float64 {
	return []float64{t.Calories, t.Sodium, t.Fat, t.Protein, t.Sugar, t.Vitamins, t.Carbs}
}

// FromValues is the inverse of Values. It panics if vals does not have one
// entry per field.
func FromValues(vals []float64) Totals {
	if len(vals) != len(Fields) {
		panic(fmt.Sprintf("nutrition: got %d values, want %d", len(vals), len(Fields)))
	}
	return Totals{
		Calories: vals[0],
		Sodium:   vals[1],
		Fat:      vals[2],
		Protein:  vals[3],
		Sugar:    vals[4],
		Vitamins: vals[5],
		Carbs:    vals[6],
	}
}

// Validate reports an error if any field is negative, NaN or infinite.
func (t Totals) Validate() error {
	for i, v := range t.Values() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s is not a finite number", Fields[i])
		}
		if v < 0 {
			return fmt.Errorf("%s must not be negative (got %v)", Fields[i], v)
		}
	}
	return nil
}

// Summary renders the totals as the multi-line text handed back to the model
// after a ledger update.
func (t Totals) Summary() string {
	var sb strings.Builder
	sb.WriteString("Your updated macros are:")
	for i, v := range t.Values() {
		sb.WriteString("\n  ")
		sb.WriteString(Fields[i])
		sb.WriteString(": ")
		sb.WriteString(FormatAmount(v))
	}
	return sb.String()
}

// FormatAmount prints v without trailing zeros (95, 47.5, 0.25).
func FormatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
