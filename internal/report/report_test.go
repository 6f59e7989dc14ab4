package report

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qabench/internal/compare"
	"qabench/internal/stats"
)

func TestFillComplete(t *testing.T) {
	tmpl := Template{
		"title":      SlotString,
		"qps":        SlotNumber,
		"p95":        SlotDuration,
		"when":       SlotTime,
		"summary":    SlotMetrics,
		"comparison": SlotComparison,
	}
	values := map[string]any{
		"title":      "local vs bedrock",
		"qps":        42.5,
		"p95":        120 * time.Millisecond,
		"when":       time.Now(),
		"summary":    stats.AggregatedMetrics{ScenarioID: "s", Level: 1},
		"comparison": compare.Result{ScenarioID: "s", Level: 1},
	}

	filled, err := Fill(tmpl, values)
	require.NoError(t, err)
	assert.Len(t, filled, len(tmpl))
	assert.Equal(t, "local vs bedrock", filled["title"])
}

func TestFillMissingSlot(t *testing.T) {
	tmpl := Template{"title": SlotString, "qps": SlotNumber}

	_, err := Fill(tmpl, map[string]any{"title": "x"})
	require.Error(t, err)

	var missing *MissingSlotError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "qps", missing.Slot)
}

func TestFillTypeMismatch(t *testing.T) {
	tmpl := Template{"qps": SlotNumber}

	_, err := Fill(tmpl, map[string]any{"qps": "very fast"})
	require.Error(t, err)

	var typeErr *SlotTypeError
	require.True(t, errors.As(err, &typeErr))
	assert.Equal(t, "qps", typeErr.Slot)
	assert.Equal(t, SlotNumber, typeErr.Want)
}

func TestFillRejectsUnknownSlots(t *testing.T) {
	tmpl := Template{"title": SlotString}

	_, err := Fill(tmpl, map[string]any{"title": "x", "stray": 1})
	assert.Error(t, err)
}

func TestFillAcceptsMetricSlices(t *testing.T) {
	tmpl := Template{"levels": SlotMetrics}
	_, err := Fill(tmpl, map[string]any{
		"levels": []stats.AggregatedMetrics{{Level: 1}, {Level: 5}},
	})
	assert.NoError(t, err)
}

func TestRender(t *testing.T) {
	filled, err := Fill(
		Template{"title": SlotString, "qps": SlotNumber},
		map[string]any{"title": "sweep", "qps": 12.0},
	)
	require.NoError(t, err)

	out, err := Render("# {{.title}}\nthroughput: {{.qps}}", filled)
	require.NoError(t, err)
	assert.Contains(t, out, "# sweep")
	assert.Contains(t, out, "throughput: 12")
}

func TestRenderJSONHelper(t *testing.T) {
	filled, err := Fill(
		Template{"summary": SlotMetrics},
		map[string]any{"summary": stats.AggregatedMetrics{ScenarioID: "s", Level: 5}},
	)
	require.NoError(t, err)

	out, err := Render("{{json .summary}}", filled)
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, `"scenario_id": "s"`))
}

func TestRenderMissingKeyFails(t *testing.T) {
	_, err := Render("{{.absent}}", map[string]any{})
	assert.Error(t, err)
}
