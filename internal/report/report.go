// Package report fills named-slot templates from aggregated and comparative
// results. Presentation belongs to the collaborator that owns the template;
// this package only type-checks and substitutes, and it fails fast on a
// missing or mistyped slot rather than emitting a silently partial report.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	"qabench/internal/compare"
	"qabench/internal/stats"
)

// SlotKind is the expected value type of one template slot.
type SlotKind string

const (
	SlotString     SlotKind = "string"
	SlotNumber     SlotKind = "number"
	SlotDuration   SlotKind = "duration"
	SlotTime       SlotKind = "time"
	SlotMetrics    SlotKind = "metrics"
	SlotComparison SlotKind = "comparison"
)

// Template maps slot names to their expected value kinds.
type Template map[string]SlotKind

// MissingSlotError names the slot a caller failed to supply.
type MissingSlotError struct {
	Slot string
}

func (e *MissingSlotError) Error() string {
	return fmt.Sprintf("report slot %q has no value", e.Slot)
}

// SlotTypeError names a slot whose supplied value has the wrong type.
type SlotTypeError struct {
	Slot string
	Want SlotKind
	Got  any
}

func (e *SlotTypeError) Error() string {
	return fmt.Sprintf("report slot %q wants %s, got %T", e.Slot, e.Want, e.Got)
}

// Fill validates values against the template and returns the completed
// mapping. Extra values not named by the template are rejected too: they
// indicate the caller and the template disagree about the report shape.
func Fill(t Template, values map[string]any) (map[string]any, error) {
	filled := make(map[string]any, len(t))

	for slot, kind := range t {
		v, ok := values[slot]
		if !ok {
			return nil, &MissingSlotError{Slot: slot}
		}
		if !kindMatches(kind, v) {
			return nil, &SlotTypeError{Slot: slot, Want: kind, Got: v}
		}
		filled[slot] = v
	}
	for name := range values {
		if _, ok := t[name]; !ok {
			return nil, fmt.Errorf("value supplied for unknown report slot %q", name)
		}
	}
	return filled, nil
}

func kindMatches(kind SlotKind, v any) bool {
	switch kind {
	case SlotString:
		_, ok := v.(string)
		return ok
	case SlotNumber:
		switch v.(type) {
		case int, int64, float64, uint64:
			return true
		}
		return false
	case SlotDuration:
		_, ok := v.(time.Duration)
		return ok
	case SlotTime:
		_, ok := v.(time.Time)
		return ok
	case SlotMetrics:
		switch v.(type) {
		case stats.AggregatedMetrics, []stats.AggregatedMetrics:
			return true
		}
		return false
	case SlotComparison:
		switch v.(type) {
		case compare.Result, []compare.Result, compare.Set:
			return true
		}
		return false
	}
	return false
}

// Render executes a text template over a filled slot mapping. Slots are
// addressed as {{.slotName}}; the json helper serializes structured slots.
func Render(text string, filled map[string]any) (string, error) {
	funcs := template.FuncMap{
		"json": func(v any) (string, error) {
			b, err := json.MarshalIndent(v, "", "  ")
			return string(b), err
		},
	}
	tmpl, err := template.New("report").Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("failed to parse report template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, filled); err != nil {
		return "", fmt.Errorf("failed to render report: %w", err)
	}
	return buf.String(), nil
}
