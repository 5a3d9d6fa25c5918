// Package assignment maps a selected voxel into reference space and assigns
// it to the regions of a probabilistic parcellation.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"log"

	"mriwarp/internal/models"
	"mriwarp/pkg/atlas"
	"mriwarp/pkg/volume"
)

// ErrNoTransform is returned for unaligned inputs without a composite
// transform. Callers should check models.MissingTransform before assigning
// and report the missing transform instead.
var ErrNoTransform = errors.New("no transform found")

// PointNotFoundError reports a reference point outside the volume the
// parcellation covers. It is an expected outcome, not a fault.
type PointNotFoundError struct {
	Point models.Vec3
}

func (e *PointNotFoundError) Error() string {
	return fmt.Sprintf("point %s is outside the reference space", e.Point)
}

// Warper carries physical points into reference space
type Warper interface {
	ToReference(ctx context.Context, p models.Vec3, transformPath string) (models.Vec3, error)
}

// Engine performs region assignments. All fields except Links are required.
type Engine struct {
	Provider atlas.Provider
	Warper   Warper

	// Links resolves explorer URLs; nil leaves every URL empty
	Links atlas.LinkResolver

	Policy RankingPolicy

	// Atlas and Space name the reference the parcellations live in
	Atlas string
	Space string

	// Structural columns are dropped from results; nil uses StructuralColumns
	Structural []string
}

// Request is one assignment of a voxel of the active image
type Request struct {
	// Voxel in the input image grid
	Voxel models.Vec3

	// Affine is the voxel-to-physical transform of the input image
	Affine volume.Affine

	UncertaintyMM float64
	Parcellation  string
	Alignment     models.Alignment

	// Statistical queries statistical maps even for the template
	Statistical bool
}

// Result of an assignment
type Result struct {
	// Source is the selected point in the subject's physical space
	Source models.Vec3

	// Target is the point in reference space
	Target models.Vec3

	// Table is ranked by SortedBy, descending
	Table models.AssignmentTable

	// URLs has one entry per region in Table; unresolved links are empty
	URLs map[string]string

	SortedBy string
	MapType  models.MapType
}

func (r Request) mapType() models.MapType {
	if r.Statistical {
		return models.Statistical
	}
	return MapTypeFor(r.Alignment)
}

// MapTypeFor returns the map type used for an alignment: labelled for the
// template, statistical otherwise.
func MapTypeFor(a models.Alignment) models.MapType {
	if a.Kind() == models.KindTemplate {
		return models.Labelled
	}
	return models.Statistical
}

// Reference maps req's voxel into physical and reference space. Only
// unaligned inputs go through the warper.
func (e *Engine) Reference(ctx context.Context, req Request) (source, target models.Vec3, err error) {
	if req.Alignment == nil {
		return source, target, fmt.Errorf("no image alignment given")
	}
	if models.MissingTransform(req.Alignment) {
		return source, target, ErrNoTransform
	}

	source = req.Affine.Apply(req.Voxel)
	target = source
	if u, ok := req.Alignment.(models.Unaligned); ok {
		target, err = e.Warper.ToReference(ctx, source, u.TransformPath)
		if err != nil {
			return source, target, err
		}
	}
	return source, target, nil
}

// Assign runs the full assignment for req
func (e *Engine) Assign(ctx context.Context, req Request) (Result, error) {
	source, target, err := e.Reference(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return e.AssignReference(ctx, source, target, req)
}

// AssignReference queries the parcellation at an already mapped target
// point. The voxel and affine of req are not used.
func (e *Engine) AssignReference(ctx context.Context, source, target models.Vec3, req Request) (Result, error) {
	res := Result{
		Source:  source,
		Target:  target,
		MapType: req.mapType(),
		URLs:    map[string]string{},
	}

	raw, err := e.Provider.Assign(ctx, atlas.Query{
		Parcellation: req.Parcellation,
		Space:        e.Space,
		MapType:      res.MapType,
		Point:        target,
		SigmaMM:      req.UncertaintyMM,
	})
	if errors.Is(err, atlas.ErrOutOfDomain) {
		log.Printf("Point %s is outside %s", target, e.Space)
		return res, &PointNotFoundError{Point: target}
	}
	if err != nil {
		return res, err
	}

	if res.MapType == models.Labelled {
		raw = labelled(raw)
	}

	structural := e.Structural
	if structural == nil {
		structural = StructuralColumns
	}
	res.Table, res.SortedBy = Clean(raw, structural, e.Policy.SortColumn(req.UncertaintyMM))

	for _, region := range res.Table.Regions() {
		res.URLs[region] = e.link(req.Parcellation, region)
	}
	return res, nil
}

func (e *Engine) link(parcellation, region string) string {
	if e.Links == nil {
		return ""
	}
	url, err := e.Links.Link(e.Atlas, e.Space, parcellation, region)
	if err != nil {
		log.Printf("No explorer link for %s: %v", region, err)
		return ""
	}
	return url
}

// labelled reduces a label map answer to the single region at the point
// with a membership value of 1.
func labelled(t models.AssignmentTable) models.AssignmentTable {
	if t.Empty() {
		return models.AssignmentTable{Columns: []string{models.ColumnMapValue}}
	}
	return models.AssignmentTable{
		Columns: []string{models.ColumnMapValue},
		Rows: []models.AssignmentRow{{
			Region:     t.Rows[0].Region,
			Scores:     map[string]float64{models.ColumnMapValue: 1},
			Attributes: map[string]string{},
		}},
	}
}
