package models

import "math"

// MapType selects between continuous probability maps and discrete label maps.
type MapType int

const (
	// Statistical maps carry per-region probabilities
	Statistical MapType = iota
	// Labelled maps carry one region label per voxel
	Labelled
)

func (m MapType) String() string {
	if m == Labelled {
		return "labelled"
	}
	return "statistical"
}

// Well known score columns returned by the parcellation query.
const (
	ColumnCorrelation  = "correlation"
	ColumnContainment  = "input containedness"
	ColumnMapContained = "map containedness"
	ColumnWeightedMean = "map weighted mean"
	ColumnMapValue     = "map value"
)

// AssignmentRow binds a region to its scores.
type AssignmentRow struct {
	// Region is the region name as reported by the parcellation
	Region string

	// Scores holds the numeric columns; undefined values are NaN
	Scores map[string]float64

	// Attributes holds non-numeric columns such as centroids
	Attributes map[string]string
}

// AssignmentTable is a row oriented region assignment result. An empty table
// is a valid outcome meaning no region met the atlas thresholds.
type AssignmentTable struct {
	// Columns lists the non-region columns in provider order
	Columns []string

	// Rows are the assigned regions
	Rows []AssignmentRow
}

// Len returns the number of rows
func (t AssignmentTable) Len() int {
	return len(t.Rows)
}

// Empty reports whether no region was assigned
func (t AssignmentTable) Empty() bool {
	return len(t.Rows) == 0
}

// HasColumn reports whether name is one of the table's columns
func (t AssignmentTable) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Score returns the value of column in row, NaN when undefined.
func (r AssignmentRow) Score(column string) float64 {
	v, ok := r.Scores[column]
	if !ok {
		return math.NaN()
	}
	return v
}

// Regions returns the distinct region names in first-seen order.
func (t AssignmentTable) Regions() []string {
	seen := make(map[string]bool, len(t.Rows))
	regions := make([]string, 0, len(t.Rows))
	for _, r := range t.Rows {
		if seen[r.Region] {
			continue
		}
		seen[r.Region] = true
		regions = append(regions, r.Region)
	}
	return regions
}

// Clone returns a deep copy so callers can reshape a table without touching
// the original.
func (t AssignmentTable) Clone() AssignmentTable {
	out := AssignmentTable{
		Columns: append([]string(nil), t.Columns...),
		Rows:    make([]AssignmentRow, len(t.Rows)),
	}
	for i, r := range t.Rows {
		row := AssignmentRow{
			Region:     r.Region,
			Scores:     make(map[string]float64, len(r.Scores)),
			Attributes: make(map[string]string, len(r.Attributes)),
		}
		for k, v := range r.Scores {
			row.Scores[k] = v
		}
		for k, v := range r.Attributes {
			row.Attributes[k] = v
		}
		out.Rows[i] = row
	}
	return out
}
