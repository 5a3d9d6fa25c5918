// Package session holds the interactive state of one user session and
// coordinates the background work that reads it.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"mriwarp/internal/models"
	"mriwarp/pkg/registration"
	"mriwarp/pkg/volume"
)

// ValidationError collects human-readable problems with user input
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Messages, "\n")
}

func invalid(msgs ...string) error {
	return &ValidationError{Messages: msgs}
}

// EventType identifies session changes
type EventType int

const (
	EventImageLoaded EventType = iota
	EventOutputChanged
	EventTransformChanged
	EventAlignmentChanged
	EventParcellationChanged
	EventPointsChanged
)

// EventListener is called after a change, outside the session lock
type EventListener func(EventType)

// Loader reads an input image
type Loader func(path string) (*volume.Image, error)

// Options configure a new session
type Options struct {
	// Template is the reference template; selecting it as input classifies
	// the image as the template itself
	Template string

	// TempDir holds reoriented inputs
	TempDir string

	// Parcellation selected initially
	Parcellation string

	// UncertaintyMM selected initially
	UncertaintyMM float64

	// Load reads images; nil uses volume.Load
	Load Loader
}

// Session is the single-writer state of the interactive layer. Setters are
// meant to be called from the coordinating goroutine only; getters may be
// called from anywhere.
type Session struct {
	mu sync.RWMutex

	template string
	tempDir  string
	load     Loader

	// Input and output
	inPath  string
	outPath string
	name    string
	image   *volume.Image

	// Transform: explicit overrides derived
	explicitTransform string
	derivedTransform  string

	// Alignment toggle; only meaningful when the input is not the template
	aligned bool

	// Assignment settings
	parcellation  string
	parcellations []string
	uncertainty   float64

	// Registration parameters
	paramsPath string
	params     *registration.Parameters

	// Saved points in insertion order
	points []*models.SavedPoint

	listeners []EventListener
}

// New creates an empty session
func New(opts Options) *Session {
	load := opts.Load
	if load == nil {
		load = volume.Load
	}
	return &Session{
		template:     opts.Template,
		tempDir:      opts.TempDir,
		load:         load,
		parcellation: opts.Parcellation,
		uncertainty:  opts.UncertaintyMM,
	}
}

// AddListener registers fn for all events
func (s *Session) AddListener(fn EventListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Session) emit(events ...EventType) {
	s.mu.RLock()
	ls := append([]EventListener{}, s.listeners...)
	s.mu.RUnlock()
	for _, e := range events {
		for _, fn := range ls {
			fn(e)
		}
	}
}

// CheckInPath returns the problems with an input image path
func CheckInPath(path string) []string {
	if path == "" {
		return []string{"Please enter an input location."}
	}
	info, err := os.Stat(path)
	if err != nil {
		return []string{fmt.Sprintf("%s could not be found.", path)}
	}
	if info.IsDir() || !volume.IsNIfTI(path) {
		return []string{fmt.Sprintf("%s is not a NIfTI file.", path)}
	}
	return nil
}

// CheckOutPath returns the problems with an output folder
func CheckOutPath(path string) []string {
	if path == "" {
		return []string{"Please enter an output location."}
	}
	info, err := os.Stat(path)
	if err != nil {
		return []string{fmt.Sprintf("%s could not be found.", path)}
	}
	if !info.IsDir() {
		return []string{fmt.Sprintf("%s is not a folder.", path)}
	}
	return nil
}

// CheckTransformPath returns the problems with a composite transform file
func CheckTransformPath(path string) []string {
	if path == "" {
		return []string{"Please enter a transformation file."}
	}
	info, err := os.Stat(path)
	if err != nil {
		return []string{fmt.Sprintf("%s could not be found.", path)}
	}
	ext := strings.ToLower(filepath.Ext(path))
	if info.IsDir() || (ext != ".h5" && ext != ".mat") {
		return []string{fmt.Sprintf("%s is not a h5 or mat file.", path)}
	}
	return nil
}

// deriveTransform guesses the transform of a previous run. Caller holds the lock.
func (s *Session) deriveTransform() {
	s.derivedTransform = ""
	if s.outPath == "" || s.name == "" {
		return
	}
	guess := registration.InverseCompositePath(s.outPath, s.name)
	if len(CheckTransformPath(guess)) == 0 {
		s.derivedTransform = guess
	}
}

// SetInPath validates and loads a new input image. Switching images clears
// the saved points, the explicit transform and the alignment toggle.
func (s *Session) SetInPath(path string) error {
	if msgs := CheckInPath(path); len(msgs) > 0 {
		return invalid(msgs...)
	}
	img, err := s.load(path)
	if err != nil {
		return invalid(fmt.Sprintf("%s could not be loaded: %v", path, err))
	}

	s.mu.Lock()
	changed := s.inPath != path
	s.inPath = path
	s.name = volume.Name(path)
	s.image = img
	s.aligned = false
	s.explicitTransform = ""
	if changed {
		s.points = nil
	}
	s.deriveTransform()
	s.mu.Unlock()

	events := []EventType{EventImageLoaded, EventTransformChanged, EventAlignmentChanged}
	if changed {
		events = append(events, EventPointsChanged)
	}
	s.emit(events...)
	return nil
}

// SetOutPath validates the output folder and re-derives the transform guess
func (s *Session) SetOutPath(path string) error {
	if msgs := CheckOutPath(path); len(msgs) > 0 {
		return invalid(msgs...)
	}
	s.mu.Lock()
	s.outPath = path
	s.deriveTransform()
	s.mu.Unlock()

	s.emit(EventOutputChanged, EventTransformChanged)
	return nil
}

// SetTransformPath sets an explicit transform. The empty string clears it
// and falls back to the derived guess.
func (s *Session) SetTransformPath(path string) error {
	if path != "" {
		if msgs := CheckTransformPath(path); len(msgs) > 0 {
			return invalid(msgs...)
		}
	}
	s.mu.Lock()
	s.explicitTransform = path
	s.mu.Unlock()

	s.emit(EventTransformChanged)
	return nil
}

// TransformPath returns the active transform, or "" when there is none
func (s *Session) TransformPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transformPath()
}

func (s *Session) transformPath() string {
	if s.explicitTransform != "" {
		return s.explicitTransform
	}
	return s.derivedTransform
}

// RecordTransform makes path the active transform if the session still
// shows the input and output of snap. It reports whether it did.
func (s *Session) RecordTransform(snap registration.Snapshot, path string) bool {
	s.mu.Lock()
	if s.inPath != snap.InPath || s.outPath != snap.OutPath {
		s.mu.Unlock()
		return false
	}
	s.explicitTransform = ""
	s.derivedTransform = path
	s.mu.Unlock()

	s.emit(EventTransformChanged)
	return true
}

// SetAligned marks the input as already in reference space
func (s *Session) SetAligned(aligned bool) {
	s.mu.Lock()
	s.aligned = aligned
	s.mu.Unlock()
	s.emit(EventAlignmentChanged)
}

// SetAlignmentKind sets the toggle from a kind. KindTemplate is only valid
// for the template itself.
func (s *Session) SetAlignmentKind(k models.AlignmentKind) error {
	s.mu.RLock()
	isTemplate := s.isTemplate()
	s.mu.RUnlock()

	switch k {
	case models.KindTemplate:
		if !isTemplate {
			return invalid("Only the reference template can be classified as template.")
		}
	case models.KindAligned:
		s.SetAligned(true)
	case models.KindUnaligned:
		if isTemplate {
			return invalid("The reference template cannot be unaligned.")
		}
		s.SetAligned(false)
	}
	return nil
}

func samePath(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	if err1 != nil || err2 != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return aa == bb
}

func (s *Session) isTemplate() bool {
	return samePath(s.inPath, s.template)
}

// Alignment classifies the active input
func (s *Session) Alignment() models.Alignment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alignment()
}

func (s *Session) alignment() models.Alignment {
	switch {
	case s.isTemplate():
		return models.Template{}
	case s.aligned:
		return models.Aligned{}
	}
	return models.Unaligned{TransformPath: s.transformPath()}
}

// SetParcellations stores the parcellations offered for assignment. The
// current selection is kept if still offered, otherwise the first one is used.
func (s *Session) SetParcellations(names []string) {
	s.mu.Lock()
	s.parcellations = append([]string(nil), names...)
	if _, ok := s.lookupParcellation(s.parcellation); !ok && len(names) > 0 {
		s.parcellation = names[0]
	}
	s.mu.Unlock()
	s.emit(EventParcellationChanged)
}

func (s *Session) lookupParcellation(name string) (string, bool) {
	if len(s.parcellations) == 0 {
		return name, name != ""
	}
	for _, p := range s.parcellations {
		if strings.EqualFold(p, name) {
			return p, true
		}
	}
	return "", false
}

// SetParcellation selects the parcellation used for future assignments.
// Saved points are kept.
func (s *Session) SetParcellation(name string) error {
	s.mu.Lock()
	p, ok := s.lookupParcellation(name)
	if !ok {
		s.mu.Unlock()
		return invalid(fmt.Sprintf("%s is not an available parcellation.", name))
	}
	s.parcellation = p
	s.mu.Unlock()
	s.emit(EventParcellationChanged)
	return nil
}

// Parcellation returns the selected parcellation
func (s *Session) Parcellation() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parcellation
}

// Parcellations returns the offered parcellations
func (s *Session) Parcellations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.parcellations...)
}

// SetUncertainty sets the uncertainty radius in millimetres
func (s *Session) SetUncertainty(mm float64) error {
	if mm < 0 {
		return invalid("The uncertainty must not be negative.")
	}
	s.mu.Lock()
	s.uncertainty = mm
	s.mu.Unlock()
	return nil
}

// Uncertainty returns the uncertainty radius in millimetres
func (s *Session) Uncertainty() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uncertainty
}

// SetParametersPath loads and validates a registration parameter document
func (s *Session) SetParametersPath(path string) error {
	if msgs := registration.CheckPath(path); len(msgs) > 0 {
		return invalid(msgs...)
	}
	params, err := registration.LoadParameters(path)
	if err != nil {
		return invalid(fmt.Sprintf("%s is not a valid parameter file: %v", path, err))
	}
	s.mu.Lock()
	s.paramsPath = path
	s.params = params
	s.mu.Unlock()
	return nil
}

// Parameters returns the loaded registration parameters, or nil
func (s *Session) Parameters() *registration.Parameters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

// InPath returns the active input path
func (s *Session) InPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inPath
}

// OutPath returns the output folder
func (s *Session) OutPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outPath
}

// Name returns the input file name without extension
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// Image returns the active image, or nil
func (s *Session) Image() *volume.Image {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.image
}

// SavePoint appends a point and returns it. Points with equal coordinates
// are distinct entries.
func (s *Session) SavePoint(voxel models.Vec3, label string) *models.SavedPoint {
	p := &models.SavedPoint{ID: uuid.NewString(), Voxel: voxel, Label: label}
	s.mu.Lock()
	s.points = append(s.points, p)
	s.mu.Unlock()
	s.emit(EventPointsChanged)
	return p
}

// DeletePoint removes p by identity and returns its former index, or -1
func (s *Session) DeletePoint(p *models.SavedPoint) int {
	s.mu.Lock()
	idx := -1
	for i, q := range s.points {
		if q == p {
			idx = i
			s.points = append(s.points[:i:i], s.points[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	if idx >= 0 {
		s.emit(EventPointsChanged)
	}
	return idx
}

// DeletePoints removes all saved points
func (s *Session) DeletePoints() {
	s.mu.Lock()
	s.points = nil
	s.mu.Unlock()
	s.emit(EventPointsChanged)
}

// SavedPoints returns the saved points in order
func (s *Session) SavedPoints() []*models.SavedPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*models.SavedPoint(nil), s.points...)
}

// Snapshot captures the paths of a computation and writes the reoriented
// input to tmpDir ("" uses the session temp dir). Workers only use the
// returned value.
func (s *Session) Snapshot(tmpDir string) (registration.Snapshot, error) {
	s.mu.RLock()
	var msgs []string
	if s.image == nil {
		msgs = append(msgs, "Please enter an input location.")
	}
	if s.outPath == "" {
		msgs = append(msgs, "Please enter an output location.")
	}
	snap := registration.Snapshot{
		InPath:   s.inPath,
		OutPath:  s.outPath,
		Name:     s.name,
		Template: s.template,
	}
	img := s.image
	tmp := tmpDir
	if tmp == "" {
		tmp = s.tempDir
	}
	s.mu.RUnlock()

	if len(msgs) > 0 {
		return snap, invalid(msgs...)
	}
	if tmp == "" {
		tmp = os.TempDir()
	}
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return snap, fmt.Errorf("failed to create temp dir: %v", err)
	}
	snap.ReorientedPath = filepath.Join(tmp, snap.Name+"_reorient.nii.gz")
	if err := volume.WriteNIfTI(snap.ReorientedPath, img); err != nil {
		return snap, fmt.Errorf("failed to save reoriented input: %w", err)
	}
	return snap, nil
}

// View is a consistent copy of what an assignment needs
type View struct {
	Image         *volume.Image
	Alignment     models.Alignment
	Parcellation  string
	UncertaintyMM float64
	Points        []*models.SavedPoint
}

// View captures the state read by assignment workers
func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return View{
		Image:         s.image,
		Alignment:     s.alignment(),
		Parcellation:  s.parcellation,
		UncertaintyMM: s.uncertainty,
		Points:        append([]*models.SavedPoint(nil), s.points...),
	}
}
