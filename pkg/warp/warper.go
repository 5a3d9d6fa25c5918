// Package warp carries physical-space points into reference space through the
// external point transformation tool and a composite transform file.
package warp

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"mriwarp/internal/models"
	"mriwarp/pkg/runner"
)

// Executable is the default point transformation tool
const Executable = "antsApplyTransformsToPoints"

// PointWarper invokes the point transformation tool. Points are exchanged as
// CSV tables with an x,y,z header. The tool works in LPS while points here are
// RAS, so the first two axes are negated on the way in and out.
type PointWarper struct {
	// Runner executes the tool
	Runner runner.Runner

	// Executable overrides the tool name
	Executable string

	// Args are passed before the per-call arguments
	Args []string

	// TempDir is where per-call working directories are created
	TempDir string
}

// ToReference maps one physical point into reference space using the
// transform file at transformPath.
func (w *PointWarper) ToReference(ctx context.Context, p models.Vec3, transformPath string) (models.Vec3, error) {
	out, err := w.ToReferenceBatch(ctx, []models.Vec3{p}, transformPath)
	if err != nil {
		return models.Vec3{}, err
	}
	return out[0], nil
}

// ToReferenceBatch maps several points with a single tool invocation. The
// output has the same length and order as points.
func (w *PointWarper) ToReferenceBatch(ctx context.Context, points []models.Vec3, transformPath string) ([]models.Vec3, error) {
	if len(points) == 0 {
		return nil, nil
	}
	if transformPath == "" {
		return nil, fmt.Errorf("no transform given")
	}

	dir, err := os.MkdirTemp(w.TempDir, "mriwarp-points-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create point directory: %v", err)
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "source_pts.csv")
	dst := filepath.Join(dir, "target_pts.csv")

	lps := make([]models.Vec3, len(points))
	for i, p := range points {
		lps[i] = p.Negate(0, 1)
	}
	if err := writePoints(src, lps); err != nil {
		return nil, err
	}

	exe := w.Executable
	if exe == "" {
		exe = Executable
	}
	args := append([]string{}, w.Args...)
	args = append(args,
		"--dimensionality", "3",
		"--input", src,
		"--output", dst,
		"--transform", transformPath,
	)
	if _, err := w.Runner.Run(ctx, exe, args...); err != nil {
		return nil, fmt.Errorf("failed to transform points: %w", err)
	}

	warped, err := readPoints(dst)
	if err != nil {
		return nil, err
	}
	if len(warped) != len(points) {
		return nil, fmt.Errorf("expected %d transformed points, got %d", len(points), len(warped))
	}
	for i := range warped {
		warped[i] = warped[i].Negate(0, 1)
	}
	return warped, nil
}

func writePoints(path string, points []models.Vec3) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create point file: %v", err)
	}
	defer f.Close()

	if err := encodePoints(f, points); err != nil {
		return err
	}
	return f.Close()
}

func encodePoints(w io.Writer, points []models.Vec3) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"x", "y", "z"}); err != nil {
		return err
	}
	for _, p := range points {
		rec := make([]string, 3)
		for i := range p {
			rec[i] = strconv.FormatFloat(p[i], 'g', -1, 64)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func readPoints(path string) ([]models.Vec3, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transformed points: %v", err)
	}
	defer f.Close()
	return decodePoints(f)
}

// decodePoints reads x,y,z columns by header name; extra columns are ignored.
func decodePoints(r io.Reader) ([]models.Vec3, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read point header: %v", err)
	}
	idx := [3]int{-1, -1, -1}
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "x":
			idx[0] = i
		case "y":
			idx[1] = i
		case "z":
			idx[2] = i
		}
	}
	for _, i := range idx {
		if i < 0 {
			return nil, fmt.Errorf("point table is missing an x, y or z column: %v", header)
		}
	}

	var points []models.Vec3
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read point row: %v", err)
		}
		var p models.Vec3
		for a, i := range idx {
			if i >= len(rec) {
				return nil, fmt.Errorf("short point row %v", rec)
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid coordinate %q: %v", rec[i], err)
			}
			p[a] = v
		}
		points = append(points, p)
	}
	return points, nil
}
