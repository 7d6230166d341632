package nutrition

import (
	"math/rand"
	"strings"
	"testing"
)

// sum folds Accumulate over deltas starting from zero.
func sum(deltas ...Totals) Totals {
	var out Totals
	for _, d := range deltas {
		out = Accumulate(out, d)
	}
	return out
}

func TestAccumulate_OrderIndependent(t *testing.T) {
	// Values are multiples of 0.25 so float addition is exact and any order
	// must give an identical result.
	r := rand.New(rand.NewSource(42))
	deltas := make([]Totals, 20)
	for i := range deltas {
		vals := make([]float64, len(Fields))
		for j := range vals {
			vals[j] = float64(r.Intn(400)) * 0.25
		}
		deltas[i] = FromValues(vals)
	}

	want := sum(deltas...)

	for trial := 0; trial < 10; trial++ {
		shuffled := make([]Totals, len(deltas))
		copy(shuffled, deltas)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		if got := sum(shuffled...); got != want {
			t.Fatalf("trial %d: sum = %+v, want %+v", trial, got, want)
		}
	}
}

func TestAccumulate_Associative(t *testing.T) {
	a := Totals{Calories: 1, Sodium: 2, Fat: 3, Protein: 4, Sugar: 5, Vitamins: 6, Carbs: 7}
	b := Totals{Calories: 10, Carbs: 0.5}
	c := Totals{Sugar: 2.25, Fat: 8}

	left := Accumulate(Accumulate(a, b), c)
	right := Accumulate(a, Accumulate(b, c))
	if left != right {
		t.Errorf("(a+b)+c = %+v, a+(b+c) = %+v", left, right)
	}
	if got := Accumulate(a, Totals{}); got != a {
		t.Errorf("a+0 = %+v, want %+v", got, a)
	}
}

func TestAccumulate_NoClamping(t *testing.T) {
	got := Accumulate(Totals{Calories: 1900}, Totals{Calories: 600})
	if got.Calories != 2500 {
		t.Errorf("Calories = %v, want 2500", got.Calories)
	}
}

func TestScale(t *testing.T) {
	apple := Totals{Calories: 95, Sodium: 2, Fat: 0.3, Protein: 0.5, Sugar: 19, Vitamins: 8, Carbs: 25}

	double := Scale(apple, 2)
	if double.Calories != 190 || double.Sugar != 38 || double.Carbs != 50 {
		t.Errorf("Scale(apple, 2) = %+v", double)
	}

	half := Scale(apple, 0.5)
	if half.Calories != 47.5 || half.Carbs != 12.5 {
		t.Errorf("Scale(apple, 0.5) = %+v", half)
	}

	if zero := Scale(apple, 0); zero != (Totals{}) {
		t.Errorf("Scale(apple, 0) = %+v, want zero", zero)
	}
}

func TestValuesRoundTrip(t *testing.T) {
	in := Totals{Calories: 1, Sodium: 2, Fat: 3, Protein: 4, Sugar: 5, Vitamins: 6, Carbs: 7}
	if out := FromValues(in.Values()); out != in {
		t.Errorf("FromValues(Values()) = %+v, want %+v", out, in)
	}
}

func TestValidate(t *testing.T) {
	if err := (Totals{Calories: 5}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err := (Totals{Fat: -1}).Validate()
	if err == nil || !strings.Contains(err.Error(), "fat") {
		t.Errorf("err = %v, want error mentioning fat", err)
	}
}

func TestSummary(t *testing.T) {
	s := Totals{Calories: 190, Carbs: 47.5}.Summary()
	for _, want := range []string{"Your updated macros are:", "calories: 190", "carbs: 47.5", "sodium: 0"} {
		if !strings.Contains(s, want) {
			t.Errorf("summary %q missing %q", s, want)
		}
	}
}
