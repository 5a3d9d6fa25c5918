package assignment

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"mriwarp/internal/models"
)

// Filter keeps rows whose Column compares to Value with Op (<, > or =)
type Filter struct {
	Column string
	Op     string
	Value  float64
}

// DefaultFilter keeps regions correlating with the query above 0.3
func DefaultFilter() Filter {
	return Filter{Column: models.ColumnCorrelation, Op: ">", Value: 0.3}
}

func (f Filter) String() string {
	return fmt.Sprintf("%s %s %s", f.Column, f.Op, strconv.FormatFloat(f.Value, 'g', -1, 64))
}

// ParseFilter reads "<column> <op> <value>". The column may contain spaces,
// e.g. "input containedness > 0.5".
func ParseFilter(s string) (Filter, error) {
	s = strings.TrimSpace(s)
	i := strings.LastIndexAny(s, "<>=")
	if i <= 0 {
		return Filter{}, fmt.Errorf("filter %q must have the form \"<column> <op> <value>\"", s)
	}
	col := strings.TrimSpace(s[:i])
	val := strings.TrimSpace(s[i+1:])
	if col == "" || strings.ContainsAny(col, "<>=") {
		return Filter{}, fmt.Errorf("invalid filter column in %q", s)
	}
	v, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return Filter{}, fmt.Errorf("invalid filter value in %q: %v", s, err)
	}
	return Filter{Column: col, Op: string(s[i]), Value: v}, nil
}

// Match reports whether row passes the filter. Rows without a defined value
// in Column never pass.
func (f Filter) Match(row models.AssignmentRow) bool {
	v := row.Score(f.Column)
	if math.IsNaN(v) {
		return false
	}
	switch f.Op {
	case "<":
		return v < f.Value
	case ">":
		return v > f.Value
	case "=":
		return v == f.Value
	}
	return false
}

// Applicable reports whether table has the filter column. Clean drops
// columns that are undefined in every row, so a filter on such a column
// would reject everything.
func (f Filter) Applicable(table models.AssignmentTable) bool {
	return table.HasColumn(f.Column)
}

// Apply returns a copy of table holding only the matching rows
func (f Filter) Apply(table models.AssignmentTable) models.AssignmentTable {
	out := table.Clone()
	rows := out.Rows[:0]
	for _, r := range out.Rows {
		if f.Match(r) {
			rows = append(rows, r)
		}
	}
	out.Rows = rows
	return out
}
