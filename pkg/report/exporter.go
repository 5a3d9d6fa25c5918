// Package report exports the region assignments of saved points together
// with annotated figures and a YAML summary.
package report

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"image"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"mriwarp/internal/models"
	"mriwarp/pkg/assignment"
	"mriwarp/pkg/registration"
	"mriwarp/pkg/visualization"
	"mriwarp/pkg/volume"
)

// Point statuses in the summary
const (
	StatusAssigned = "assigned"
	StatusOutside  = "outside reference space"
)

// Request describes one export
type Request struct {
	// Dir receives assignments.csv, report.yaml and figures/
	Dir string

	// Image the saved points were selected on
	Image *volume.Image

	Points        []*models.SavedPoint
	Alignment     models.Alignment
	Parcellation  string
	UncertaintyMM float64
	Filter        assignment.Filter

	// Features lists the feature modalities to mention for each region
	Features []string
}

// PointSummary is the per-point part of the summary
type PointSummary struct {
	ID        string     `yaml:"id"`
	Label     string     `yaml:"label"`
	Voxel     [3]float64 `yaml:"voxel"`
	Subject   [3]float64 `yaml:"subject"`
	Reference [3]float64 `yaml:"reference"`
	Status    string     `yaml:"status"`
	SortedBy  string     `yaml:"sortedBy,omitempty"`

	// Filtered is false when the filter column was missing and every
	// region was kept
	Filtered bool `yaml:"filtered"`

	// MeanScore is the mean ranking score of the kept regions
	MeanScore float64 `yaml:"meanScore"`

	Regions []RegionSummary `yaml:"regions"`
	Figure  string          `yaml:"figure,omitempty"`
}

// RegionSummary is one kept region of a point
type RegionSummary struct {
	Name   string             `yaml:"name"`
	Scores map[string]float64 `yaml:"scores"`
	URL    string             `yaml:"url,omitempty"`
}

// Summary is written to report.yaml
type Summary struct {
	Generated     time.Time      `yaml:"generated"`
	Input         string         `yaml:"input"`
	Alignment     string         `yaml:"alignment"`
	Atlas         string         `yaml:"atlas"`
	Space         string         `yaml:"space"`
	Parcellation  string         `yaml:"parcellation"`
	UncertaintyMM float64        `yaml:"uncertaintyMM"`
	Filter        string         `yaml:"filter"`
	Features      []string       `yaml:"features"`
	Points        []PointSummary `yaml:"points"`
}

// Exporter assigns every saved point of a request and writes the report.
type Exporter struct {
	Engine *assignment.Engine

	// FigureScale is the figure resolution in pixels per millimetre; 0
	// disables figures
	FigureScale float64

	// Now stamps the summary; nil uses time.Now
	Now func() time.Time
}

type pointResult struct {
	summary PointSummary
	table   models.AssignmentTable
	figure  image.Image
}

// Export runs the assignments and writes the report. Every point takes four
// progress steps: assignment, filtering, figure and summary. A cancellation
// through ctx or progress stops after the current step and returns an empty
// summary and a nil error; no report files are written in that case.
func (e *Exporter) Export(ctx context.Context, req Request, progress *registration.Progress) (Summary, error) {
	if progress == nil {
		progress = &registration.Progress{}
	}
	if req.Image == nil {
		return Summary{}, fmt.Errorf("no image given")
	}
	if req.Alignment == nil {
		return Summary{}, fmt.Errorf("no image alignment given")
	}
	if models.MissingTransform(req.Alignment) {
		return Summary{}, assignment.ErrNoTransform
	}
	if len(req.Points) == 0 {
		return Summary{}, fmt.Errorf("no saved points to export")
	}

	stopped := func() bool {
		return ctx.Err() != nil || progress.Cancelled()
	}
	step := 100 / float64(len(req.Points)*4)

	var viewer *visualization.Viewer
	if e.FigureScale > 0 {
		viewer = visualization.NewViewer(req.Image, e.FigureScale)
	}

	results := make([]pointResult, 0, len(req.Points))
	for i, p := range req.Points {
		label := p.Label
		if label == "" {
			label = fmt.Sprintf("Point %d", i+1)
		}
		pr := pointResult{summary: PointSummary{
			ID:    p.ID,
			Label: label,
			Voxel: p.Voxel,
		}}

		// Step 1: Assign
		res, err := e.Engine.Assign(ctx, assignment.Request{
			Voxel:         p.Voxel,
			Affine:        req.Image.Affine(),
			UncertaintyMM: req.UncertaintyMM,
			Parcellation:  req.Parcellation,
			Alignment:     req.Alignment,
			Statistical:   true,
		})
		var pnf *assignment.PointNotFoundError
		switch {
		case errors.As(err, &pnf):
			pr.summary.Status = StatusOutside
			pr.summary.Subject = res.Source
			pr.summary.Reference = pnf.Point
		case err != nil:
			if stopped() {
				return Summary{}, nil
			}
			return Summary{}, fmt.Errorf("failed to assign %s: %w", label, err)
		default:
			pr.summary.Status = StatusAssigned
			pr.summary.Subject = res.Source
			pr.summary.Reference = res.Target
			pr.summary.SortedBy = res.SortedBy
		}
		progress.Add(step)
		if stopped() {
			return Summary{}, nil
		}

		// Step 2: Filter
		if pr.summary.Status == StatusAssigned {
			pr.table = res.Table
			if req.Filter.Applicable(res.Table) {
				pr.table = req.Filter.Apply(res.Table)
				pr.summary.Filtered = true
			} else {
				log.Printf("Filter %q skipped for %s: no %s column", req.Filter, label, req.Filter.Column)
			}
			pr.summary.Regions = regions(pr.table, res.URLs)
			pr.summary.MeanScore = meanScore(pr.table, res.SortedBy)
		}
		progress.Add(step)
		if stopped() {
			return Summary{}, nil
		}

		// Step 3: Figure
		if viewer != nil {
			fig, err := viewer.PointFigure(p.Voxel, req.UncertaintyMM, label)
			if err != nil {
				log.Printf("No figure for %s: %v", label, err)
			} else {
				pr.figure = fig
				pr.summary.Figure = filepath.Join("figures", fmt.Sprintf("point_%03d.png", i+1))
			}
		}
		progress.Add(step)
		if stopped() {
			return Summary{}, nil
		}

		// Step 4: Collect
		results = append(results, pr)
		progress.Add(step)
		if stopped() {
			return Summary{}, nil
		}
	}

	summary := Summary{
		Generated:     e.now(),
		Alignment:     req.Alignment.Kind().String(),
		Atlas:         e.Engine.Atlas,
		Space:         e.Engine.Space,
		Parcellation:  req.Parcellation,
		UncertaintyMM: req.UncertaintyMM,
		Filter:        req.Filter.String(),
		Features:      req.Features,
		Input:         req.Image.Path,
	}
	for _, pr := range results {
		summary.Points = append(summary.Points, pr.summary)
	}

	if err := write(req.Dir, summary, results); err != nil {
		return Summary{}, err
	}
	progress.Set(100)
	return summary, nil
}

func (e *Exporter) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func regions(table models.AssignmentTable, urls map[string]string) []RegionSummary {
	out := make([]RegionSummary, 0, table.Len())
	for _, r := range table.Rows {
		scores := make(map[string]float64, len(r.Scores))
		for k, v := range r.Scores {
			if !math.IsNaN(v) {
				scores[k] = v
			}
		}
		out = append(out, RegionSummary{Name: r.Region, Scores: scores, URL: urls[r.Region]})
	}
	return out
}

func meanScore(table models.AssignmentTable, column string) float64 {
	if table.Empty() || column == "" {
		return 0
	}
	xs := make([]float64, 0, table.Len())
	for _, r := range table.Rows {
		xs = append(xs, r.Score(column))
	}
	return stat.Mean(xs, nil)
}

func write(dir string, summary Summary, results []pointResult) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %v", err)
	}

	for _, pr := range results {
		if pr.figure == nil {
			continue
		}
		if err := visualization.SaveSlice(pr.figure, filepath.Join(dir, pr.summary.Figure)); err != nil {
			return fmt.Errorf("failed to save figure: %v", err)
		}
	}

	if err := writeCSV(filepath.Join(dir, "assignments.csv"), results); err != nil {
		return err
	}

	data, err := yaml.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "report.yaml"), data, 0644); err != nil {
		return fmt.Errorf("failed to write summary: %v", err)
	}
	return nil
}

// writeCSV writes one row per point and region. Score columns are the union
// over all points in first-seen order.
func writeCSV(path string, results []pointResult) error {
	var columns []string
	seen := map[string]bool{}
	for _, pr := range results {
		for _, c := range pr.table.Columns {
			if !seen[c] && isScore(pr.table, c) {
				seen[c] = true
				columns = append(columns, c)
			}
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %v", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := append([]string{"point", "label", "status", "reference x", "reference y", "reference z", "region"}, columns...)
	if err := w.Write(header); err != nil {
		return err
	}
	for i, pr := range results {
		base := []string{
			strconv.Itoa(i + 1),
			pr.summary.Label,
			pr.summary.Status,
			ftoa(pr.summary.Reference[0]),
			ftoa(pr.summary.Reference[1]),
			ftoa(pr.summary.Reference[2]),
		}
		if pr.table.Empty() {
			rec := append(append([]string{}, base...), "")
			for range columns {
				rec = append(rec, "")
			}
			if err := w.Write(rec); err != nil {
				return err
			}
			continue
		}
		for _, r := range pr.table.Rows {
			rec := append(append([]string{}, base...), r.Region)
			for _, c := range columns {
				v := r.Score(c)
				if math.IsNaN(v) {
					rec = append(rec, "")
				} else {
					rec = append(rec, ftoa(v))
				}
			}
			if err := w.Write(rec); err != nil {
				return err
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write %s: %v", path, err)
	}
	return f.Close()
}

func isScore(t models.AssignmentTable, col string) bool {
	for _, r := range t.Rows {
		if _, ok := r.Scores[col]; ok {
			return true
		}
	}
	return false
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// TopRegions returns the n region names with the most points assigned to
// them across the summary, most frequent first.
func (s Summary) TopRegions(n int) []string {
	counts := map[string]int{}
	var order []string
	for _, p := range s.Points {
		for _, r := range p.Regions {
			if counts[r.Name] == 0 {
				order = append(order, r.Name)
			}
			counts[r.Name]++
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if n >= 0 && n < len(order) {
		order = order[:n]
	}
	return order
}
