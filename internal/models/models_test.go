package models

import (
	"math"
	"testing"
)

func TestVec3(t *testing.T) {
	v := Vec3{1, -2, 3}
	if got := v.Negate(0, 1); got != (Vec3{-1, 2, 3}) {
		t.Errorf("Expected (-1, 2, 3), got %v", got)
	}
	if v.Negate(0, 1).Negate(0, 1) != v {
		t.Error("Negating twice must return the original point")
	}
	if got := v.Add(Vec3{1, 1, 1}).Sub(Vec3{2, 2, 2}); got != (Vec3{0, -3, 2}) {
		t.Errorf("Expected (0, -3, 2), got %v", got)
	}
	if got := (Vec3{3, 4, 0}).Norm(); got != 5 {
		t.Errorf("Expected norm 5, got %f", got)
	}
	if got := (Vec3{1.234, -5.678, 0.006}).Round(2); got != (Vec3{1.23, -5.68, 0.01}) {
		t.Errorf("Expected (1.23, -5.68, 0.01), got %v", got)
	}
	if got := v.String(); got != "(1.00, -2.00, 3.00)" {
		t.Errorf("Unexpected string %q", got)
	}
}

func TestAlignmentVariants(t *testing.T) {
	tests := []struct {
		a       Alignment
		kind    AlignmentKind
		missing bool
	}{
		{Template{}, KindTemplate, false},
		{Aligned{}, KindAligned, false},
		{Unaligned{TransformPath: "/out/sub_transformationInverseComposite.h5"}, KindUnaligned, false},
		{Unaligned{}, KindUnaligned, true},
	}
	for _, tt := range tests {
		if tt.a.Kind() != tt.kind {
			t.Errorf("%#v: expected %s, got %s", tt.a, tt.kind, tt.a.Kind())
		}
		if MissingTransform(tt.a) != tt.missing {
			t.Errorf("%#v: expected MissingTransform %v", tt.a, tt.missing)
		}
	}
}

func TestParseAlignmentKind(t *testing.T) {
	for _, k := range []AlignmentKind{KindTemplate, KindAligned, KindUnaligned} {
		got, err := ParseAlignmentKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseAlignmentKind(%q): expected %s, got %s (%v)", k.String(), k, got, err)
		}
	}
	if _, err := ParseAlignmentKind("mni"); err == nil {
		t.Error("Expected error for an unknown kind")
	}
}

func TestAssignmentTable(t *testing.T) {
	table := AssignmentTable{
		Columns: []string{ColumnCorrelation, "centroid"},
		Rows: []AssignmentRow{
			{Region: "hOc1 left", Scores: map[string]float64{ColumnCorrelation: 0.5}, Attributes: map[string]string{"centroid": "1,2,3"}},
			{Region: "hOc2 left"},
			{Region: "hOc1 left", Scores: map[string]float64{ColumnCorrelation: 0.1}},
		},
	}
	if regions := table.Regions(); len(regions) != 2 || regions[0] != "hOc1 left" || regions[1] != "hOc2 left" {
		t.Errorf("Expected two regions in first-seen order, got %v", regions)
	}
	if !math.IsNaN(table.Rows[1].Score(ColumnCorrelation)) {
		t.Error("Expected NaN for an undefined score")
	}
	if !table.HasColumn("centroid") || table.HasColumn(ColumnMapValue) {
		t.Error("HasColumn returned the wrong answer")
	}

	c := table.Clone()
	c.Rows[0].Scores[ColumnCorrelation] = 0.9
	c.Rows[0].Attributes["centroid"] = "0,0,0"
	c.Columns[0] = "changed"
	if table.Rows[0].Scores[ColumnCorrelation] != 0.5 || table.Rows[0].Attributes["centroid"] != "1,2,3" || table.Columns[0] != ColumnCorrelation {
		t.Error("Clone must not share state with the original")
	}
	if (AssignmentTable{}).Len() != 0 || !(AssignmentTable{}).Empty() {
		t.Error("Expected the zero table to be empty")
	}
	if Labelled.String() != "labelled" || Statistical.String() != "statistical" {
		t.Error("Unexpected map type names")
	}
}
