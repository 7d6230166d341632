// Package tools parses the model's tool invocations into a closed set of
// variants and applies them to the daily ledger.
package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/BustosAndrew/calhacks10/internal/nutrition"
)

const (
	NameUpdateMacros = "update_macros"
	NameLogNutrients = "log_nutrients"
)

var (
	// ErrUnknownTool is returned for a tool name outside the declared set.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrMalformedArguments is returned when a tool's argument payload cannot
	// be decoded or fails validation.
	ErrMalformedArguments = errors.New("malformed tool arguments")
)

// Call is a parsed tool invocation. The set of implementations is closed:
// UpdateMacros and LogNutrients.
type Call interface {
	ToolName() string
	isCall()
}

// UpdateMacros logs ServingSize servings of a catalog food.
type UpdateMacros struct {
	Name        string
	ServingSize float64
}

// LogNutrients logs nutrient values asserted by the model itself, per
// serving, without a catalog lookup.
type LogNutrients struct {
	Name        string
	ServingSize float64
	Nutrients   nutrition.Totals
}

func (UpdateMacros) ToolName() string { return NameUpdateMacros }
func (LogNutrients) ToolName() string { return NameLogNutrients }

func (UpdateMacros) isCall() {}
func (LogNutrients) isCall() {}

// Parse decodes the raw JSON arguments of the named tool.
func Parse(name, args string) (Call, error) {
	switch strings.TrimSpace(name) {
	case NameUpdateMacros:
		var raw struct {
			Name        string          `json:"name"`
			ServingSize json.RawMessage `json:"servingSize"`
		}
		if err := decodeArgs(args, &raw); err != nil {
			return nil, err
		}
		foodName, serving, err := nameAndServing(raw.Name, raw.ServingSize)
		if err != nil {
			return nil, err
		}
		return UpdateMacros{Name: foodName, ServingSize: serving}, nil

	case NameLogNutrients:
		var raw struct {
			Name        string           `json:"name"`
			ServingSize json.RawMessage  `json:"servingSize"`
			Nutrients   nutrition.Totals `json:"nutrients"`
		}
		if err := decodeArgs(args, &raw); err != nil {
			return nil, err
		}
		foodName, serving, err := nameAndServing(raw.Name, raw.ServingSize)
		if err != nil {
			return nil, err
		}
		if err := raw.Nutrients.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedArguments, err)
		}
		return LogNutrients{Name: foodName, ServingSize: serving, Nutrients: raw.Nutrients}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
}

func decodeArgs(args string, v any) error {
	if strings.TrimSpace(args) == "" {
		return fmt.Errorf("%w: empty payload", ErrMalformedArguments)
	}
	if err := json.Unmarshal([]byte(args), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedArguments, err)
	}
	return nil
}

// nameAndServing validates the shared fields. A missing serving size means
// one serving; numeric strings such as "0.5" are accepted.
func nameAndServing(name string, serving json.RawMessage) (string, float64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", 0, fmt.Errorf("%w: name is required", ErrMalformedArguments)
	}

	size := 1.0
	serving = bytes.TrimSpace(serving)
	if len(serving) > 0 && !bytes.Equal(serving, []byte("null")) {
		var n float64
		if err := json.Unmarshal(serving, &n); err != nil {
			var s string
			if json.Unmarshal(serving, &s) != nil {
				return "", 0, fmt.Errorf("%w: servingSize is not a number", ErrMalformedArguments)
			}
			if n, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
				return "", 0, fmt.Errorf("%w: servingSize %q is not a number", ErrMalformedArguments, s)
			}
		}
		size = n
	}
	if math.IsNaN(size) || math.IsInf(size, 0) || size < 0 {
		return "", 0, fmt.Errorf("%w: servingSize %v out of range", ErrMalformedArguments, size)
	}
	return name, size, nil
}
