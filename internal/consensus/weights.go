package consensus

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Weights is an immutable engine reliability table
type Weights struct {
	byEngine map[string]float64
	fallback float64
}

// NewWeights copies the table. Engines missing from it weigh 1.0.
func NewWeights(table map[string]float64) Weights {
	w := Weights{byEngine: make(map[string]float64, len(table)), fallback: 1.0}
	for k, v := range table {
		if v > 0 {
			w.byEngine[strings.ToLower(k)] = v
		}
	}
	return w
}

// DefaultWeights favours math-specialised engines and the hosted vision model
func DefaultWeights() Weights {
	return NewWeights(map[string]float64{
		"paddleocr": 1.0,
		"surya":     1.1,
		"pix2text":  1.3,
		"tesseract": 0.7,
		"mageagent": 1.5,
	})
}

// ParseWeights reads "engine=weight,engine=weight" on top of base
func ParseWeights(spec string, base Weights) (Weights, error) {
	table := base.Table()
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return NewWeights(table), nil
	}
	for _, pair := range strings.Split(spec, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			return Weights{}, fmt.Errorf("invalid engine weight %q, expected engine=weight", pair)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil || v <= 0 {
			return Weights{}, fmt.Errorf("invalid weight for engine %q: %q", parts[0], parts[1])
		}
		table[strings.TrimSpace(parts[0])] = v
	}
	return NewWeights(table), nil
}

// Weight returns the reliability weight for an engine
func (w Weights) Weight(engine string) float64 {
	if v, ok := w.byEngine[strings.ToLower(engine)]; ok {
		return v
	}
	if w.fallback == 0 {
		return 1.0
	}
	return w.fallback
}

// Table returns a copy of the configured weights
func (w Weights) Table() map[string]float64 {
	out := make(map[string]float64, len(w.byEngine))
	for k, v := range w.byEngine {
		out[k] = v
	}
	return out
}

// String renders the table in ParseWeights format, sorted by engine
func (w Weights) String() string {
	keys := make([]string, 0, len(w.byEngine))
	for k := range w.byEngine {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%g", k, w.byEngine[k]))
	}
	return strings.Join(parts, ",")
}
