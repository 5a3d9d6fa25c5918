package main

import (
	"os"
	"path/filepath"
	"testing"

	"mriwarp/internal/models"
)

func TestParseVec3(t *testing.T) {
	v, err := parseVec3("10, 20.5,-3")
	if err != nil {
		t.Fatalf("parseVec3 failed: %v", err)
	}
	if v != (models.Vec3{10, 20.5, -3}) {
		t.Errorf("Expected (10, 20.5, -3), got %v", v)
	}
	for _, bad := range []string{"", "1,2", "1,2,x", "1,2,3,4"} {
		if _, err := parseVec3(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

func TestReadPoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "points.csv")
	data := "label,x,y,z\nleft V1,10,20,30\nright V1, 70,20,30\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	points, err := readPoints(path)
	if err != nil {
		t.Fatalf("readPoints failed: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("Expected 2 points, got %d", len(points))
	}
	if points[1].Label != "right V1" || points[1].Voxel != (models.Vec3{70, 20, 30}) {
		t.Errorf("Unexpected point %+v", points[1])
	}

	if err := os.WriteFile(path, []byte("a,1,2,3\nb,1,x,3\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := readPoints(path); err == nil {
		t.Error("Expected error for a malformed row")
	}
	if _, err := readPoints(""); err == nil {
		t.Error("Expected error without a path")
	}
}

func TestParseAxes(t *testing.T) {
	axes, err := parseAxes(" X,z")
	if err != nil {
		t.Fatalf("parseAxes failed: %v", err)
	}
	if len(axes) != 2 || axes[0] != "x" || axes[1] != "z" {
		t.Errorf("Expected [x z], got %v", axes)
	}
	for _, bad := range []string{"", "w", "x,x", "x,,y"} {
		if _, err := parseAxes(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}
