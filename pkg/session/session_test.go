package session

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mriwarp/internal/models"
	"mriwarp/pkg/registration"
	"mriwarp/pkg/volume"
)

func touch(t *testing.T, path string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	return path
}

// testLoad ignores the file content and returns a small cube
func testLoad(path string) (*volume.Image, error) {
	dims := [3]int{4, 4, 4}
	data := make([]float32, 64)
	for i := range data {
		data[i] = float32(i)
	}
	return volume.NewImage(path, dims, volume.Identity(), data)
}

type fixture struct {
	dir      string
	template string
	subjectA string
	subjectB string
	out      string
	session  *Session
}

func newFixture(t *testing.T) *fixture {
	dir := t.TempDir()
	f := &fixture{
		dir:      dir,
		template: touch(t, filepath.Join(dir, "templates", "MNI152_stripped.nii.gz")),
		subjectA: touch(t, filepath.Join(dir, "data", "subA.nii.gz")),
		subjectB: touch(t, filepath.Join(dir, "data", "subB.nii")),
		out:      filepath.Join(dir, "out"),
	}
	if err := os.MkdirAll(f.out, 0755); err != nil {
		t.Fatalf("Failed to create output dir: %v", err)
	}
	f.session = New(Options{
		Template:      f.template,
		TempDir:       filepath.Join(dir, "tmp"),
		Parcellation:  "julich 3.0",
		UncertaintyMM: 0,
		Load:          testLoad,
	})
	return f
}

func messages(t *testing.T, err error) []string {
	t.Helper()
	var v *ValidationError
	if !errors.As(err, &v) {
		t.Fatalf("Expected *ValidationError, got %v", err)
	}
	return v.Messages
}

func TestValidationMessages(t *testing.T) {
	f := newFixture(t)
	txt := touch(t, filepath.Join(f.dir, "notes.txt"))
	missing := filepath.Join(f.dir, "missing.nii")

	tests := []struct {
		name string
		got  []string
		want string
	}{
		{"empty input", CheckInPath(""), "Please enter an input location."},
		{"missing input", CheckInPath(missing), missing + " could not be found."},
		{"wrong input type", CheckInPath(txt), txt + " is not a NIfTI file."},
		{"empty output", CheckOutPath(""), "Please enter an output location."},
		{"output is a file", CheckOutPath(txt), txt + " is not a folder."},
		{"wrong transform type", CheckTransformPath(txt), txt + " is not a h5 or mat file."},
	}
	for _, tt := range tests {
		if len(tt.got) != 1 || tt.got[0] != tt.want {
			t.Errorf("%s: expected %q, got %v", tt.name, tt.want, tt.got)
		}
	}

	if msgs := CheckInPath(f.subjectA); len(msgs) != 0 {
		t.Errorf("Expected valid input, got %v", msgs)
	}
	if msgs := CheckOutPath(f.out); len(msgs) != 0 {
		t.Errorf("Expected valid output, got %v", msgs)
	}

	err := f.session.SetInPath(txt)
	if got := messages(t, err); got[0] != txt+" is not a NIfTI file." {
		t.Errorf("Unexpected message %q", got[0])
	}
	if f.session.InPath() != "" {
		t.Error("Invalid input must not change the session")
	}
}

func TestValidationErrorJoinsMessages(t *testing.T) {
	err := invalid("first", "second")
	if err.Error() != "first\nsecond" {
		t.Errorf("Expected joined messages, got %q", err.Error())
	}
}

func TestAlignmentClassification(t *testing.T) {
	f := newFixture(t)
	s := f.session

	if err := s.SetInPath(f.template); err != nil {
		t.Fatalf("SetInPath failed: %v", err)
	}
	if k := s.Alignment().Kind(); k != models.KindTemplate {
		t.Errorf("Expected template, got %s", k)
	}
	if err := s.SetAlignmentKind(models.KindUnaligned); err == nil {
		t.Error("Expected the template to refuse the unaligned classification")
	}

	if err := s.SetInPath(f.subjectA); err != nil {
		t.Fatalf("SetInPath failed: %v", err)
	}
	a := s.Alignment()
	if !models.MissingTransform(a) {
		t.Errorf("Expected unaligned without transform, got %#v", a)
	}

	s.SetAligned(true)
	if k := s.Alignment().Kind(); k != models.KindAligned {
		t.Errorf("Expected aligned, got %s", k)
	}
	if err := s.SetAlignmentKind(models.KindTemplate); err == nil {
		t.Error("Expected a subject to refuse the template classification")
	}

	// a new input starts unaligned again
	if err := s.SetInPath(f.subjectB); err != nil {
		t.Fatalf("SetInPath failed: %v", err)
	}
	if k := s.Alignment().Kind(); k != models.KindUnaligned {
		t.Errorf("Expected unaligned after switching input, got %s", k)
	}
}

func TestTransformDerivation(t *testing.T) {
	f := newFixture(t)
	s := f.session
	derived := touch(t, registration.InverseCompositePath(f.out, "subA"))

	if err := s.SetInPath(f.subjectA); err != nil {
		t.Fatalf("SetInPath failed: %v", err)
	}
	if s.TransformPath() != "" {
		t.Errorf("Expected no transform before the output is set, got %q", s.TransformPath())
	}
	if err := s.SetOutPath(f.out); err != nil {
		t.Fatalf("SetOutPath failed: %v", err)
	}
	if s.TransformPath() != derived {
		t.Errorf("Expected derived transform %q, got %q", derived, s.TransformPath())
	}
	if u, ok := s.Alignment().(models.Unaligned); !ok || u.TransformPath != derived {
		t.Errorf("Expected unaligned with %q, got %#v", derived, s.Alignment())
	}

	explicit := touch(t, filepath.Join(f.dir, "other", "manual.mat"))
	if err := s.SetTransformPath(explicit); err != nil {
		t.Fatalf("SetTransformPath failed: %v", err)
	}
	if s.TransformPath() != explicit {
		t.Errorf("Expected explicit transform, got %q", s.TransformPath())
	}
	if err := s.SetTransformPath(filepath.Join(f.dir, "nope.h5")); err == nil {
		t.Error("Expected error for a missing transform")
	}
	if err := s.SetTransformPath(""); err != nil {
		t.Fatalf("Clearing the transform failed: %v", err)
	}
	if s.TransformPath() != derived {
		t.Errorf("Expected fallback to %q, got %q", derived, s.TransformPath())
	}

	// subB has no transform in out
	if err := s.SetInPath(f.subjectB); err != nil {
		t.Fatalf("SetInPath failed: %v", err)
	}
	if s.TransformPath() != "" {
		t.Errorf("Expected no transform for subB, got %q", s.TransformPath())
	}
}

// TestRecordTransformStaleGuard completes a run for subA after the input
// switched to subB.
func TestRecordTransformStaleGuard(t *testing.T) {
	f := newFixture(t)
	s := f.session
	if err := s.SetInPath(f.subjectA); err != nil {
		t.Fatalf("SetInPath failed: %v", err)
	}
	if err := s.SetOutPath(f.out); err != nil {
		t.Fatalf("SetOutPath failed: %v", err)
	}
	snap, err := s.Snapshot("")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	if err := s.SetInPath(f.subjectB); err != nil {
		t.Fatalf("SetInPath failed: %v", err)
	}
	if s.RecordTransform(snap, registration.InverseCompositePath(f.out, "subA")) {
		t.Error("Expected a stale run to be discarded")
	}
	if s.TransformPath() != "" {
		t.Errorf("Expected no transform, got %q", s.TransformPath())
	}

	if err := s.SetInPath(f.subjectA); err != nil {
		t.Fatalf("SetInPath failed: %v", err)
	}
	path := registration.InverseCompositePath(f.out, "subA")
	if !s.RecordTransform(snap, path) {
		t.Error("Expected a matching run to be recorded")
	}
	if s.TransformPath() != path {
		t.Errorf("Expected %q, got %q", path, s.TransformPath())
	}
}

func TestSavedPointIsolation(t *testing.T) {
	f := newFixture(t)
	s := f.session
	p1 := s.SavePoint(models.Vec3{10, 20, 30}, "left")
	p2 := s.SavePoint(models.Vec3{10, 20, 30}, "right")
	if p1.ID == p2.ID {
		t.Fatal("Expected distinct ids for equal coordinates")
	}

	if idx := s.DeletePoint(p1); idx != 0 {
		t.Errorf("Expected index 0, got %d", idx)
	}
	points := s.SavedPoints()
	if len(points) != 1 || points[0] != p2 || points[0].Label != "right" {
		t.Fatalf("Expected only the right point to remain, got %v", points)
	}
	if idx := s.DeletePoint(p1); idx != -1 {
		t.Errorf("Expected -1 deleting twice, got %d", idx)
	}
	if idx := s.DeletePoint(p2); idx != 0 {
		t.Errorf("Expected index 0, got %d", idx)
	}
	if len(s.SavedPoints()) != 0 {
		t.Error("Expected no points left")
	}
}

func TestSwitchingImageClearsPoints(t *testing.T) {
	f := newFixture(t)
	s := f.session
	var events []EventType
	s.AddListener(func(e EventType) { events = append(events, e) })

	if err := s.SetInPath(f.subjectA); err != nil {
		t.Fatalf("SetInPath failed: %v", err)
	}
	s.SavePoint(models.Vec3{1, 1, 1}, "a")
	s.SavePoint(models.Vec3{2, 2, 2}, "b")

	// reselecting the same file keeps them
	if err := s.SetInPath(f.subjectA); err != nil {
		t.Fatalf("SetInPath failed: %v", err)
	}
	if len(s.SavedPoints()) != 2 {
		t.Errorf("Expected 2 points, got %d", len(s.SavedPoints()))
	}

	if err := s.SetInPath(f.subjectB); err != nil {
		t.Fatalf("SetInPath failed: %v", err)
	}
	if len(s.SavedPoints()) != 0 {
		t.Errorf("Expected points cleared, got %d", len(s.SavedPoints()))
	}
	if s.Name() != "subB" {
		t.Errorf("Expected name subB, got %q", s.Name())
	}

	seen := map[EventType]bool{}
	for _, e := range events {
		seen[e] = true
	}
	for _, e := range []EventType{EventImageLoaded, EventPointsChanged, EventTransformChanged} {
		if !seen[e] {
			t.Errorf("Expected event %d", e)
		}
	}

	s.SavePoint(models.Vec3{3, 3, 3}, "c")
	if err := s.SetParcellation("julich 2.9"); err != nil {
		t.Fatalf("SetParcellation failed: %v", err)
	}
	if len(s.SavedPoints()) != 1 {
		t.Error("Changing the parcellation must keep saved points")
	}
	s.DeletePoints()
	if len(s.SavedPoints()) != 0 {
		t.Error("Expected DeletePoints to remove everything")
	}
}

func TestParcellations(t *testing.T) {
	f := newFixture(t)
	s := f.session
	s.SetParcellations([]string{"julich 2.9", "julich 3.0"})
	if s.Parcellation() != "julich 3.0" {
		t.Errorf("Expected the selection to survive, got %q", s.Parcellation())
	}
	if err := s.SetParcellation("JULICH 2.9"); err != nil {
		t.Fatalf("SetParcellation failed: %v", err)
	}
	if s.Parcellation() != "julich 2.9" {
		t.Errorf("Expected canonical name, got %q", s.Parcellation())
	}
	if err := s.SetParcellation("difumo 64"); err == nil {
		t.Error("Expected error for an unknown parcellation")
	}

	s.SetParcellations([]string{"difumo 64"})
	if s.Parcellation() != "difumo 64" {
		t.Errorf("Expected fallback to the first offered, got %q", s.Parcellation())
	}
}

func TestSetUncertainty(t *testing.T) {
	s := newFixture(t).session
	if err := s.SetUncertainty(-1); err == nil {
		t.Error("Expected error for negative uncertainty")
	}
	if err := s.SetUncertainty(2.5); err != nil {
		t.Fatalf("SetUncertainty failed: %v", err)
	}
	if s.Uncertainty() != 2.5 {
		t.Errorf("Expected 2.5, got %f", s.Uncertainty())
	}
}

func TestSetParametersPath(t *testing.T) {
	f := newFixture(t)
	s := f.session

	err := s.SetParametersPath("")
	if got := messages(t, err); got[0] != "Please enter a parameter location." {
		t.Errorf("Unexpected message %q", got[0])
	}

	bad := filepath.Join(f.dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"reg": 3}`), 0644); err != nil {
		t.Fatal(err)
	}
	err = s.SetParametersPath(bad)
	if got := messages(t, err); !strings.Contains(got[0], "is not a valid parameter file") {
		t.Errorf("Unexpected message %q", got[0])
	}

	good := filepath.Join(f.dir, "parameters.json")
	if err := registration.WriteDefaultParameters(good); err != nil {
		t.Fatalf("WriteDefaultParameters failed: %v", err)
	}
	if err := s.SetParametersPath(good); err != nil {
		t.Fatalf("SetParametersPath failed: %v", err)
	}
	if s.Parameters() == nil || len(s.Parameters().Commands) == 0 {
		t.Error("Expected parsed parameters")
	}
}

func TestSnapshotWritesReorientedInput(t *testing.T) {
	f := newFixture(t)
	s := f.session

	_, err := s.Snapshot("")
	if got := messages(t, err); len(got) != 2 {
		t.Errorf("Expected missing input and output, got %v", got)
	}

	if err := s.SetInPath(f.subjectA); err != nil {
		t.Fatalf("SetInPath failed: %v", err)
	}
	if err := s.SetOutPath(f.out); err != nil {
		t.Fatalf("SetOutPath failed: %v", err)
	}
	tmp := filepath.Join(f.dir, "snap")
	snap, err := s.Snapshot(tmp)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.ReorientedPath != filepath.Join(tmp, "subA_reorient.nii.gz") {
		t.Errorf("Unexpected reoriented path %q", snap.ReorientedPath)
	}
	h, err := volume.ReadHeader(snap.ReorientedPath)
	if err != nil {
		t.Fatalf("ReadHeader failed: %v", err)
	}
	if h.Dims() != [3]int{4, 4, 4} {
		t.Errorf("Expected dims [4 4 4], got %v", h.Dims())
	}
	if snap.Template != f.template || snap.Name != "subA" || snap.OutPath != f.out {
		t.Errorf("Unexpected snapshot %+v", snap)
	}
}
