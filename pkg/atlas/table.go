package atlas

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"mriwarp/internal/models"
)

// RegionColumn is the column naming the region of each row
const RegionColumn = "region"

func isMissing(s string) bool {
	switch strings.ToLower(s) {
	case "", "nan", "none", "null", "na":
		return true
	}
	return false
}

// ParseTable reads an assignment table from CSV. The region column is
// required. A column whose values are all numeric or missing becomes a score
// column with NaN for the missing cells; any other column is kept as text.
func ParseTable(r io.Reader) (models.AssignmentTable, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	records, err := cr.ReadAll()
	if err != nil {
		return models.AssignmentTable{}, fmt.Errorf("failed to read assignment table: %v", err)
	}
	if len(records) == 0 {
		return models.AssignmentTable{}, nil
	}

	header := records[0]
	regionIdx := -1
	for i, h := range header {
		header[i] = strings.TrimSpace(h)
		if header[i] == RegionColumn {
			regionIdx = i
		}
	}
	if regionIdx < 0 {
		return models.AssignmentTable{}, fmt.Errorf("assignment table has no %q column", RegionColumn)
	}
	rows := records[1:]

	numeric := make([]bool, len(header))
	for c := range header {
		numeric[c] = true
		for _, rec := range rows {
			v := strings.TrimSpace(rec[c])
			if isMissing(v) {
				continue
			}
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				numeric[c] = false
				break
			}
		}
	}

	table := models.AssignmentTable{}
	for c, h := range header {
		if c != regionIdx {
			table.Columns = append(table.Columns, h)
		}
	}
	for _, rec := range rows {
		row := models.AssignmentRow{
			Region:     strings.TrimSpace(rec[regionIdx]),
			Scores:     make(map[string]float64),
			Attributes: make(map[string]string),
		}
		for c, h := range header {
			if c == regionIdx {
				continue
			}
			v := strings.TrimSpace(rec[c])
			switch {
			case !numeric[c]:
				row.Attributes[h] = v
			case isMissing(v):
				row.Scores[h] = math.NaN()
			default:
				f, _ := strconv.ParseFloat(v, 64)
				row.Scores[h] = f
			}
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

// WriteTable writes table as CSV with the region column first. NaN scores
// are written as empty cells.
func WriteTable(w io.Writer, table models.AssignmentTable) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(append([]string{RegionColumn}, table.Columns...)); err != nil {
		return err
	}
	for _, row := range table.Rows {
		rec := []string{row.Region}
		for _, c := range table.Columns {
			if v, ok := row.Scores[c]; ok {
				if math.IsNaN(v) {
					rec = append(rec, "")
				} else {
					rec = append(rec, strconv.FormatFloat(v, 'g', -1, 64))
				}
				continue
			}
			rec = append(rec, row.Attributes[c])
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
