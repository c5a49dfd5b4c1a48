package dataset

import "gatefit/internal/circuit"

// RowRecord is one circuit's counts in serializable form.
type RowRecord struct {
	Key    string             `json:"key"`
	Counts map[string]float64 `json:"counts"`
}

// Record is a serializable snapshot of a dataset.
type Record struct {
	ID   string      `json:"id"`
	Rows []RowRecord `json:"rows"`
}

// Record snapshots the dataset for persistence.
func (ds *DataSet) Record(id string) Record {
	rec := Record{ID: id, Rows: make([]RowRecord, 0, ds.Len())}
	for _, key := range ds.keys {
		row := ds.rows[key]
		counts := make(map[string]float64, len(row.Counts))
		for k, v := range row.Counts {
			counts[k] = v
		}
		rec.Rows = append(rec.Rows, RowRecord{Key: key, Counts: counts})
	}
	return rec
}

// FromRecord rebuilds a frozen dataset from its snapshot.
func FromRecord(rec Record) (*DataSet, error) {
	ds := New()
	for _, row := range rec.Rows {
		c, err := circuit.Parse(row.Key)
		if err != nil {
			return nil, err
		}
		if err := ds.AddCounts(c, row.Counts); err != nil {
			return nil, err
		}
	}
	ds.Freeze()
	return ds, nil
}
