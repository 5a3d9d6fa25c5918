package assignment

import (
	"math"
	"sort"

	"mriwarp/internal/models"
)

// StructuralColumns carry no information for a single point query
var StructuralColumns = []string{"input structure", "centroid", "volume", "fragment"}

// RankingPolicy names the sort column for fuzzy (uncertainty > 0) and exact
// point queries.
type RankingPolicy struct {
	Fuzzy string
	Exact string
}

// DefaultPolicy ranks fuzzy queries by correlation and point queries by map value
func DefaultPolicy() RankingPolicy {
	return RankingPolicy{Fuzzy: models.ColumnCorrelation, Exact: models.ColumnMapValue}
}

// SortColumn returns the ranking column for the given uncertainty
func (p RankingPolicy) SortColumn(uncertaintyMM float64) string {
	if uncertaintyMM > 0 {
		if p.Fuzzy == "" {
			return models.ColumnCorrelation
		}
		return p.Fuzzy
	}
	if p.Exact == "" {
		return models.ColumnMapValue
	}
	return p.Exact
}

// Clean reshapes a raw provider table for display. It drops the structural
// columns, drops every column that is undefined in all rows, drops rows whose
// sort column is NaN and sorts the rest descending, keeping provider order
// among equal scores. When sortBy is not among the remaining score columns the
// first remaining score column is used; the column actually used is returned.
// The input table is not modified.
func Clean(table models.AssignmentTable, structural []string, sortBy string) (models.AssignmentTable, string) {
	out := table.Clone()

	drop := make(map[string]bool, len(structural))
	for _, c := range structural {
		drop[c] = true
	}

	// Step 1: drop structural and entirely undefined columns
	cols := out.Columns[:0]
	for _, c := range out.Columns {
		if drop[c] || undefinedColumn(out.Rows, c) {
			for _, r := range out.Rows {
				delete(r.Scores, c)
				delete(r.Attributes, c)
			}
			continue
		}
		cols = append(cols, c)
	}
	out.Columns = cols

	// Step 2: pick the ranking column
	sortBy = rankingColumn(out, sortBy)
	if sortBy == "" {
		return out, ""
	}

	// Step 3: drop undefined ranks and sort
	rows := out.Rows[:0]
	for _, r := range out.Rows {
		if !math.IsNaN(r.Score(sortBy)) {
			rows = append(rows, r)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Score(sortBy) > rows[j].Score(sortBy)
	})
	out.Rows = rows
	return out, sortBy
}

func undefinedColumn(rows []models.AssignmentRow, col string) bool {
	for _, r := range rows {
		if v, ok := r.Scores[col]; ok && !math.IsNaN(v) {
			return false
		}
		if v, ok := r.Attributes[col]; ok && v != "" {
			return false
		}
	}
	return true
}

func isScoreColumn(t models.AssignmentTable, col string) bool {
	for _, r := range t.Rows {
		if _, ok := r.Scores[col]; ok {
			return true
		}
	}
	return false
}

func rankingColumn(t models.AssignmentTable, want string) string {
	if t.HasColumn(want) && isScoreColumn(t, want) {
		return want
	}
	for _, c := range t.Columns {
		if isScoreColumn(t, c) {
			return c
		}
	}
	return ""
}
