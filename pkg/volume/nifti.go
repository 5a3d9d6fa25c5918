package volume

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// Header is the on-disk NIfTI-1 header (348 bytes).
// Layout from https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
type Header struct {
	SizeofHdr     int32      // Must be 348
	DataType      [10]byte   // Unused
	DbName        [18]byte   // Unused
	Extents       int32      // Unused
	SessionError  int16      // Unused
	Regular       byte       // Unused
	DimInfo       byte       // MRI slice ordering
	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	Datatype      int16      // Defines data type
	Bitpix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	Pixdim        [8]float32 // Grid spacing; Pixdim[0] is qfac
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     byte       // Slice timing order
	XyztUnits     byte       // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for 1 slice
	Toffset       float32    // Time axis shift
	Glmax         int32      // Unused
	Glmin         int32      // Unused
	Descrip       [80]byte   // Any text you like
	AuxFile       [24]byte   // Auxiliary filename
	QformCode     int16      // NIFTI_XFORM_* code
	SformCode     int16      // NIFTI_XFORM_* code
	QuaternB      float32    // Quaternion b param
	QuaternC      float32    // Quaternion c param
	QuaternD      float32    // Quaternion d param
	QoffsetX      float32    // Quaternion x shift
	QoffsetY      float32    // Quaternion y shift
	QoffsetZ      float32    // Quaternion z shift
	SrowX         [4]float32 // 1st row affine transform
	SrowY         [4]float32 // 2nd row affine transform
	SrowZ         [4]float32 // 3rd row affine transform
	IntentName    [16]byte   // 'name' or meaning of data
	Magic         [4]byte    // "ni1\0" or "n+1\0"
}

const (
	headerSize    = 348
	singleFileOff = 352

	dtFloat32    = 16
	xformAligned = 2
	unitsMM      = 2
)

var magicSingle = [4]byte{'n', '+', '1', 0}

// openMaybeGzip opens path, transparently inflating .gz files.
func openMaybeGzip(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	return struct {
		io.Reader
		io.Closer
	}{zr, f}, nil
}

// ReadHeader reads the NIfTI-1 header at the start of path (.nii or .nii.gz).
// The byte order is detected from sizeof_hdr.
func ReadHeader(path string) (Header, error) {
	rc, err := openMaybeGzip(path)
	if err != nil {
		return Header{}, err
	}
	defer rc.Close()
	return decodeHeader(rc)
}

func decodeHeader(r io.Reader) (Header, error) {
	h, _, err := decodeHeaderOrder(r)
	return h, err
}

func decodeHeaderOrder(r io.Reader) (Header, binary.ByteOrder, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Header{}, nil, fmt.Errorf("failed to read nifti header: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw[:4])) != headerSize {
		if int32(binary.BigEndian.Uint32(raw[:4])) != headerSize {
			return Header{}, nil, fmt.Errorf("invalid header size for nifti-1")
		}
		order = binary.BigEndian
	}

	var h Header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return Header{}, nil, fmt.Errorf("failed to decode nifti header: %w", err)
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return Header{}, nil, fmt.Errorf("dim[0] is not in range [1, 7]: %d", h.Dim[0])
	}
	return h, order, nil
}

// NIfTI-1 datatype codes
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat64 = 64
	dtInt8    = 256
	dtUint16  = 512
	dtUint32  = 768
)

// ReadVolume reads the header and the first volume of a single-file NIfTI-1
// image (.nii or .nii.gz). Voxels are returned x fastest with scl_slope and
// scl_inter applied; NaN and infinite values become 0.
func ReadVolume(path string) (Header, []float32, error) {
	rc, err := openMaybeGzip(path)
	if err != nil {
		return Header{}, nil, err
	}
	defer rc.Close()

	h, order, err := decodeHeaderOrder(rc)
	if err != nil {
		return Header{}, nil, err
	}
	data, err := decodeVoxels(rc, h, order)
	if err != nil {
		return Header{}, nil, err
	}
	return h, data, nil
}

// decodeVoxels reads the voxel block following a decoded header
func decodeVoxels(r io.Reader, h Header, order binary.ByteOrder) ([]float32, error) {
	if h.Magic != magicSingle {
		return nil, fmt.Errorf("only single-file nifti-1 images are supported")
	}
	skip := int64(h.VoxOffset) - headerSize
	if skip < singleFileOff-headerSize {
		skip = singleFileOff - headerSize
	}
	if _, err := io.CopyN(io.Discard, r, skip); err != nil {
		return nil, fmt.Errorf("failed to skip nifti extensions: %w", err)
	}

	dims := h.Dims()
	n := dims[0] * dims[1] * dims[2]
	var raw any
	switch h.Datatype {
	case dtUint8:
		raw = make([]uint8, n)
	case dtInt8:
		raw = make([]int8, n)
	case dtInt16:
		raw = make([]int16, n)
	case dtUint16:
		raw = make([]uint16, n)
	case dtInt32:
		raw = make([]int32, n)
	case dtUint32:
		raw = make([]uint32, n)
	case dtFloat32:
		raw = make([]float32, n)
	case dtFloat64:
		raw = make([]float64, n)
	default:
		return nil, fmt.Errorf("unsupported nifti datatype %d", h.Datatype)
	}
	if err := binary.Read(r, order, raw); err != nil {
		return nil, fmt.Errorf("failed to read nifti data: %w", err)
	}

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope == 0 {
		slope, inter = 1, 0
	}
	out := make([]float32, n)
	for i := range out {
		var v float64
		switch vals := raw.(type) {
		case []uint8:
			v = float64(vals[i])
		case []int8:
			v = float64(vals[i])
		case []int16:
			v = float64(vals[i])
		case []uint16:
			v = float64(vals[i])
		case []int32:
			v = float64(vals[i])
		case []uint32:
			v = float64(vals[i])
		case []float32:
			v = float64(vals[i])
		case []float64:
			v = vals[i]
		}
		v = v*slope + inter
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		out[i] = float32(v)
	}
	return out, nil
}

// Dims returns the three spatial dimensions; missing ones are 1.
func (h Header) Dims() [3]int {
	d := [3]int{1, 1, 1}
	for i := 0; i < 3 && i < int(h.Dim[0]); i++ {
		d[i] = int(h.Dim[i+1])
	}
	return d
}

// Affine returns the voxel-to-physical transform using the same precedence as
// nibabel: sform, then qform, then a centred base affine built from pixdim.
func (h Header) Affine() Affine {
	switch {
	case h.SformCode > 0:
		return NewAffine([3][4]float64{
			f64s(h.SrowX), f64s(h.SrowY), f64s(h.SrowZ),
		})
	case h.QformCode > 0:
		return h.qformAffine()
	}
	return h.baseAffine()
}

func f64s(row [4]float32) [4]float64 {
	return [4]float64{float64(row[0]), float64(row[1]), float64(row[2]), float64(row[3])}
}

func (h Header) zooms() [3]float64 {
	z := [3]float64{1, 1, 1}
	for i := 0; i < 3; i++ {
		if p := float64(h.Pixdim[i+1]); p > 0 {
			z[i] = p
		}
	}
	return z
}

func (h Header) qformAffine() Affine {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 0 {
		// not a unit quaternion; renormalise b, c, d
		n := math.Sqrt(b*b + c*c + d*d)
		b, c, d = b/n, c/n, d/n
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	r := [3][3]float64{
		{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
		{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
		{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b},
	}

	z := h.zooms()
	if h.Pixdim[0] < 0 {
		z[2] = -z[2]
	}
	off := [3]float64{float64(h.QoffsetX), float64(h.QoffsetY), float64(h.QoffsetZ)}

	var rows [3][4]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rows[i][j] = r[i][j] * z[j]
		}
		rows[i][3] = off[i]
	}
	return NewAffine(rows)
}

func (h Header) baseAffine() Affine {
	z := h.zooms()
	d := h.Dims()
	return NewAffine([3][4]float64{
		{-z[0], 0, 0, z[0] * float64(d[0]-1) / 2},
		{0, z[1], 0, -z[1] * float64(d[1]-1) / 2},
		{0, 0, z[2], -z[2] * float64(d[2]-1) / 2},
	})
}

// newHeader describes a float32 single-file volume with the given affine in
// the sform.
func newHeader(dims [3]int, a Affine) Header {
	h := Header{
		SizeofHdr: headerSize,
		Datatype:  dtFloat32,
		Bitpix:    32,
		VoxOffset: singleFileOff,
		SclSlope:  1,
		XyztUnits: unitsMM,
		SformCode: xformAligned,
		Magic:     magicSingle,
	}
	h.Dim = [8]int16{3, int16(dims[0]), int16(dims[1]), int16(dims[2]), 1, 1, 1, 1}
	z := a.Zooms()
	h.Pixdim = [8]float32{1, float32(z[0]), float32(z[1]), float32(z[2]), 1, 1, 1, 1}
	rows := a.Rows()
	for c := 0; c < 4; c++ {
		h.SrowX[c] = float32(rows[0][c])
		h.SrowY[c] = float32(rows[1][c])
		h.SrowZ[c] = float32(rows[2][c])
	}
	copy(h.Descrip[:], "mriwarp reoriented")
	return h
}

// WriteNIfTI saves img as a little-endian float32 NIfTI-1 file, gzip
// compressed when path ends in .gz. Raw (unnormalised) intensities are written.
func WriteNIfTI(path string, img *Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create nifti file: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	var zw *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		zw = gzip.NewWriter(f)
		w = zw
	}

	if err := encodeNIfTI(w, img); err != nil {
		return err
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return fmt.Errorf("failed to finish gzip stream: %w", err)
		}
	}
	return f.Close()
}

func encodeNIfTI(w io.Writer, img *Image) error {
	h := newHeader(img.Dims, img.Affine())
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("failed to write nifti header: %w", err)
	}
	// empty extension block up to vox_offset
	if _, err := w.Write(make([]byte, singleFileOff-headerSize)); err != nil {
		return fmt.Errorf("failed to write nifti extension: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, img.raw); err != nil {
		return fmt.Errorf("failed to write nifti data: %w", err)
	}
	return nil
}
