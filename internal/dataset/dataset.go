// Package dataset holds observed outcome counts per circuit. A DataSet is
// built once, frozen, and then read-only for the duration of a fitting run.
package dataset

import (
	"fmt"
	"sort"

	"gatefit/internal/circuit"
)

// Row is the observed data for one circuit. Counts are float64 so the
// infinite-statistics limit (exact frequencies) can be represented; sampled
// data is integral.
type Row struct {
	Circuit  circuit.Circuit
	Outcomes []string
	Counts   map[string]float64
	Total    float64
}

type DataSet struct {
	keys   []string
	rows   map[string]Row
	frozen bool
}

func New() *DataSet {
	return &DataSet{rows: make(map[string]Row)}
}

// AddCounts records outcome counts for a circuit. Counts must be
// non-negative; the row total is derived, keeping the total-equals-sum
// invariant by construction.
func (ds *DataSet) AddCounts(c circuit.Circuit, counts map[string]float64) error {
	if ds.frozen {
		return fmt.Errorf("dataset is frozen")
	}
	if len(counts) == 0 {
		return fmt.Errorf("counts are required for circuit %s", c.Key())
	}
	key := c.Key()
	if _, exists := ds.rows[key]; exists {
		return fmt.Errorf("duplicate circuit: %s", key)
	}

	outcomes := make([]string, 0, len(counts))
	total := 0.0
	for outcome, n := range counts {
		if n < 0 {
			return fmt.Errorf("negative count %g for circuit %s outcome %s", n, key, outcome)
		}
		outcomes = append(outcomes, outcome)
		total += n
	}
	sort.Strings(outcomes)

	stored := make(map[string]float64, len(counts))
	for outcome, n := range counts {
		stored[outcome] = n
	}
	ds.keys = append(ds.keys, key)
	ds.rows[key] = Row{
		Circuit:  c,
		Outcomes: outcomes,
		Counts:   stored,
		Total:    total,
	}
	return nil
}

// Freeze makes the dataset immutable. Fitting requires a frozen dataset.
func (ds *DataSet) Freeze() { ds.frozen = true }

func (ds *DataSet) Frozen() bool { return ds.frozen }

func (ds *DataSet) Len() int { return len(ds.keys) }

func (ds *DataSet) Row(c circuit.Circuit) (Row, bool) {
	row, ok := ds.rows[c.Key()]
	return row, ok
}

func (ds *DataSet) RowByKey(key string) (Row, bool) {
	row, ok := ds.rows[key]
	return row, ok
}

// Circuits returns every recorded circuit in insertion order.
func (ds *DataSet) Circuits() []circuit.Circuit {
	out := make([]circuit.Circuit, 0, len(ds.keys))
	for _, key := range ds.keys {
		out = append(out, ds.rows[key].Circuit)
	}
	return out
}

// Count returns the observed count for one (circuit, outcome) pair; missing
// outcomes are zero observations.
func (r Row) Count(outcome string) float64 {
	return r.Counts[outcome]
}
