// Package visualization renders slices of a scan and annotates selected
// points for reports.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/fogleman/gg"
	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/stat/distuv"

	"mriwarp/internal/models"
	"mriwarp/pkg/volume"
)

// Viewer extracts display slices from a canonically oriented image. Slices
// are shown in neurological convention: patient left on the left, superior
// (or anterior for axial slices) at the top.
type Viewer struct {
	// img is the scan being displayed
	img *volume.Image

	// scale is the output resolution in pixels per millimetre
	scale float64
}

// NewViewer creates a viewer for img. scale is the figure resolution in
// pixels per millimetre; values <= 0 default to 1.
func NewViewer(img *volume.Image, scale float64) *Viewer {
	if scale <= 0 {
		scale = 1
	}
	return &Viewer{img: img, scale: scale}
}

// ExtractSlice extracts a 2D slice through the voxel plane at position along
// the given axis: "x" (sagittal), "y" (coronal) or "z" (axial).
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	d := v.img.Dims

	var img *image.Gray
	switch strings.ToLower(axis) {
	case "x":
		// Sagittal plane: y runs left to right, z bottom to top
		if position >= d[0] {
			return nil, fmt.Errorf("position %d exceeds width %d", position, d[0])
		}
		img = image.NewGray(image.Rect(0, 0, d[1], d[2]))
		for z := 0; z < d[2]; z++ {
			for y := 0; y < d[1]; y++ {
				img.SetGray(y, d[2]-1-z, gray(v.img.At(position, y, z)))
			}
		}

	case "y":
		// Coronal plane: x runs left to right, z bottom to top
		if position >= d[1] {
			return nil, fmt.Errorf("position %d exceeds height %d", position, d[1])
		}
		img = image.NewGray(image.Rect(0, 0, d[0], d[2]))
		for z := 0; z < d[2]; z++ {
			for x := 0; x < d[0]; x++ {
				img.SetGray(x, d[2]-1-z, gray(v.img.At(x, position, z)))
			}
		}

	case "z":
		// Axial plane: x runs left to right, y bottom to top
		if position >= d[2] {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, d[2])
		}
		img = image.NewGray(image.Rect(0, 0, d[0], d[1]))
		for y := 0; y < d[1]; y++ {
			for x := 0; x < d[0]; x++ {
				img.SetGray(x, d[1]-1-y, gray(v.img.At(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

func gray(v float64) color.Gray {
	return color.Gray{Y: uint8(math.Max(0, math.Min(255, math.Round(v))))}
}

// planeSpacing returns the millimetre size of a slice pixel along the
// horizontal and vertical image axes.
func (v *Viewer) planeSpacing(axis string) (float64, float64) {
	s := v.img.Spacing
	switch strings.ToLower(axis) {
	case "x":
		return s[1], s[2]
	case "y":
		return s[0], s[2]
	}
	return s[0], s[1]
}

// Resample scales src by sx horizontally and sy vertically using Catmull-Rom
// interpolation.
func Resample(src image.Image, sx, sy float64) image.Image {
	b := src.Bounds()
	w := int(math.Max(1, math.Round(float64(b.Dx())*sx)))
	h := int(math.Max(1, math.Round(float64(b.Dy())*sy)))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// HalfMaxRadius is half the full width at half maximum of a Gaussian with
// standard deviation sigma.
func HalfMaxRadius(sigma float64) float64 {
	return sigma * math.Sqrt(2*math.Ln2)
}

// KernelExtent is the radius holding 95% of a Gaussian with standard
// deviation sigma along one axis.
func KernelExtent(sigma float64) float64 {
	if sigma <= 0 {
		return 0
	}
	n := distuv.Normal{Mu: 0, Sigma: sigma}
	return n.Quantile(0.975)
}

// Annotate draws a crosshair at (x, y), an uncertainty ring of radiusPx and
// its outer kernel extent of outerPx, and a label in the top left corner.
// Radii <= 0 are not drawn.
func Annotate(src image.Image, x, y, radiusPx, outerPx float64, label string) image.Image {
	dc := gg.NewContextForImage(src)
	w, h := float64(dc.Width()), float64(dc.Height())

	dc.SetRGBA(1, 0.2, 0.2, 0.8)
	dc.SetLineWidth(1)
	dc.DrawLine(0, y, w, y)
	dc.DrawLine(x, 0, x, h)
	dc.Stroke()

	if outerPx > 0 {
		dc.SetRGBA(1, 0.8, 0.2, 0.5)
		dc.SetDash(4, 3)
		dc.DrawCircle(x, y, outerPx)
		dc.Stroke()
		dc.SetDash()
	}
	if radiusPx > 0 {
		dc.SetRGBA(1, 0.8, 0.2, 0.9)
		dc.SetLineWidth(2)
		dc.DrawCircle(x, y, radiusPx)
		dc.Stroke()
	}

	if label != "" {
		dc.SetRGB(1, 1, 1)
		dc.DrawString(label, 8, 16)
	}
	return dc.Image()
}

// PointFigure renders the coronal slice through voxel with a crosshair on the
// point and rings for an uncertainty of sigmaMM.
func (v *Viewer) PointFigure(voxel models.Vec3, sigmaMM float64, label string) (image.Image, error) {
	if !v.img.Contains(voxel) {
		return nil, fmt.Errorf("voxel %s is outside the image", voxel)
	}
	slice, err := v.ExtractSlice("y", int(math.Round(voxel[1])))
	if err != nil {
		return nil, err
	}

	hx, vy := v.planeSpacing("y")
	sx, sy := hx*v.scale, vy*v.scale
	fig := Resample(slice, sx, sy)

	px := (voxel[0] + 0.5) * sx
	py := (float64(v.img.Dims[2]-1) - voxel[2] + 0.5) * sy
	return Annotate(fig, px, py, HalfMaxRadius(sigmaMM)*v.scale, KernelExtent(sigmaMM)*v.scale, label), nil
}

// SaveSlice writes img as PNG, or as JPEG when filename ends in .jpg/.jpeg
func SaveSlice(img image.Image, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	default:
		err = png.Encode(file, img)
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filename, err)
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along axis to outputDir
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch strings.ToLower(axis) {
	case "x":
		maxPos = v.img.Dims[0]
	case "y":
		maxPos = v.img.Dims[1]
	case "z":
		maxPos = v.img.Dims[2]
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	hx, vy := v.planeSpacing(axis)
	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := SaveSlice(Resample(img, hx*v.scale, vy*v.scale), filename); err != nil {
			return err
		}
	}

	return nil
}
