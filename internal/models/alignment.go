package models

import "fmt"

// AlignmentKind names the relationship between the active input image and the
// reference space.
type AlignmentKind int

const (
	// KindTemplate means the input is the reference template itself
	KindTemplate AlignmentKind = iota
	// KindAligned means the input is already expressed in reference space
	KindAligned
	// KindUnaligned means the input needs the nonlinear transform
	KindUnaligned
)

func (k AlignmentKind) String() string {
	switch k {
	case KindTemplate:
		return "template"
	case KindAligned:
		return "aligned"
	case KindUnaligned:
		return "unaligned"
	}
	return fmt.Sprintf("AlignmentKind(%d)", int(k))
}

// ParseAlignmentKind accepts "template", "aligned" or "unaligned".
func ParseAlignmentKind(s string) (AlignmentKind, error) {
	switch s {
	case "template":
		return KindTemplate, nil
	case "aligned":
		return KindAligned, nil
	case "unaligned":
		return KindUnaligned, nil
	}
	return 0, fmt.Errorf(`image type must be "template", "aligned" or "unaligned", got %q`, s)
}

// Alignment is a closed set of variants; each carries only what its branch of
// the assignment needs. The only implementations are Template, Aligned and
// Unaligned.
type Alignment interface {
	Kind() AlignmentKind
	isAlignment()
}

// Template is the identity mapping: the input is the reference template.
type Template struct{}

// Aligned inputs use their own affine to reach reference space.
type Aligned struct{}

// Unaligned inputs go through the composite transform at TransformPath.
// An empty TransformPath is the "no transform found" state.
type Unaligned struct {
	TransformPath string
}

func (Template) Kind() AlignmentKind  { return KindTemplate }
func (Aligned) Kind() AlignmentKind   { return KindAligned }
func (Unaligned) Kind() AlignmentKind { return KindUnaligned }

func (Template) isAlignment()  {}
func (Aligned) isAlignment()   {}
func (Unaligned) isAlignment() {}

// HasTransform reports whether a composite transform is available.
func (u Unaligned) HasTransform() bool {
	return u.TransformPath != ""
}

// MissingTransform reports whether a is the unaligned variant without a transform.
func MissingTransform(a Alignment) bool {
	u, ok := a.(Unaligned)
	return ok && !u.HasTransform()
}
