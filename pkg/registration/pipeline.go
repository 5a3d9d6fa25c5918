// Package registration drives the external skull-stripping and registration
// tools that produce the composite transform of a subject scan.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"mriwarp/pkg/config"
	"mriwarp/pkg/runner"
)

// State of a registration run
type State int

const (
	Idle State = iota
	StrippingSkull
	Registering
	Finished
	Failed
	// Cancelled runs stopped on request; this is not a failure
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case StrippingSkull:
		return "stripping skull"
	case Registering:
		return "registering"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Snapshot holds the paths of one computation, captured when the run is
// started. The run never reads live session state, so switching the input
// while it is in progress cannot mix two subjects.
type Snapshot struct {
	// InPath is the input scan as selected by the user
	InPath string

	// OutPath is the folder all results are written to
	OutPath string

	// Name is the input file name without extension
	Name string

	// ReorientedPath is the canonically oriented copy of the input
	ReorientedPath string

	// Template is the fixed image of the registration
	Template string
}

// StrippedPath is the skull-stripped input written by the skull-stripping tool
func (s Snapshot) StrippedPath() string {
	return filepath.Join(s.OutPath, s.Name+"_stripped.nii.gz")
}

// MaskPath is the brain mask kept next to the stripped input
func (s Snapshot) MaskPath() string {
	return filepath.Join(s.OutPath, s.Name+"_stripped_mask.nii.gz")
}

// TransformBase is the output prefix handed to the registration tool
func (s Snapshot) TransformBase() string {
	return TransformBase(s.OutPath, s.Name)
}

// VolumePath is the input resampled into reference space
func (s Snapshot) VolumePath() string {
	return filepath.Join(s.OutPath, s.Name+"_registered.nii.gz")
}

// Bindings returns the placeholder values for this snapshot
func (s Snapshot) Bindings() Bindings {
	return Bindings{
		Fixed:     s.Template,
		Moving:    s.ReorientedPath,
		Mask:      s.MaskPath(),
		Transform: s.TransformBase(),
		Volume:    s.VolumePath(),
		OutPath:   s.OutPath,
		Name:      s.Name,
	}
}

// TransformBase returns the registration output prefix for name in outPath
func TransformBase(outPath, name string) string {
	return filepath.Join(outPath, name+"_transformation")
}

// InverseCompositePath returns the composite transform the registration tool
// writes for name in outPath. It is the file consumed by the point warper.
func InverseCompositePath(outPath, name string) string {
	return TransformBase(outPath, name) + "InverseComposite.h5"
}

// Params holds the external tools used by a pipeline
type Params struct {
	// Runner executes the tools
	Runner runner.Runner

	// SkullStrip is invoked as `<exe> <args> -i <in> -o <out>`
	SkullStrip config.Tool

	// Registration is invoked once per parameter document entry
	Registration config.Tool
}

// Result describes a completed or cancelled run
type Result struct {
	Snapshot Snapshot

	// TransformPath is the inverse composite transform; empty unless Finished
	TransformPath string

	// State is Finished or Cancelled
	State State
}

// Pipeline runs skull stripping followed by registration. One Pipeline
// serves one run at a time; observers are notified of every state change.
type Pipeline struct {
	params *Params

	mu        sync.Mutex
	state     State
	observers []func(State)
}

// NewPipeline creates an idle pipeline
func NewPipeline(params *Params) *Pipeline {
	return &Pipeline{params: params}
}

// State returns the current state
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Observe registers fn to be called after every state change. fn runs on the
// worker goroutine and must not block.
func (p *Pipeline) Observe(fn func(State)) {
	p.mu.Lock()
	p.observers = append(p.observers, fn)
	p.mu.Unlock()
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	obs := append([]func(State){}, p.observers...)
	p.mu.Unlock()

	log.Printf("Registration %s", s)
	for _, fn := range obs {
		fn(s)
	}
}

// StripSkull runs the skull-stripping tool on the reoriented input. The
// stripped image and its mask are written next to the other results.
func (p *Pipeline) StripSkull(ctx context.Context, snap Snapshot) error {
	tool := p.params.SkullStrip
	args := append([]string{}, tool.Args...)
	args = append(args, "-i", filepath.Clean(snap.ReorientedPath), "-o", filepath.Clean(snap.StrippedPath()))

	if _, err := p.params.Runner.Run(ctx, tool.Executable, args...); err != nil {
		return fmt.Errorf("failed to strip skull: %w", err)
	}
	return nil
}

// Register executes cmds strictly in order, stopping at the first failure.
// step is called after every successful command.
func (p *Pipeline) Register(ctx context.Context, cmds []Command, step func() bool) error {
	tool := p.params.Registration
	for i, cmd := range cmds {
		args := append(append([]string{}, tool.Args...), cmd.Args...)
		if _, err := p.params.Runner.Run(ctx, tool.Executable, args...); err != nil {
			return fmt.Errorf("failed to run registration command %d (%s): %w", i+1, cmd.Name, err)
		}
		if step != nil && !step() {
			return errStopped
		}
	}
	return nil
}

var errStopped = errors.New("stopped")

// Run performs a complete registration for snap. Commands are built before
// any tool starts, so malformed parameter documents fail without side
// effects. A cancellation through ctx or progress ends the run in state
// Cancelled with a nil error. A failed tool leaves the run in state Failed
// and returns an error wrapping *runner.SubprocessFailedError.
func (p *Pipeline) Run(ctx context.Context, snap Snapshot, params *Parameters, progress *Progress) (Result, error) {
	res := Result{Snapshot: snap}
	if progress == nil {
		progress = &Progress{}
	}

	// Step 1: Resolve registration commands
	cmds, err := BuildCommands(params, snap.Bindings())
	if err != nil {
		p.setState(Failed)
		return res, err
	}
	if err := os.MkdirAll(snap.OutPath, 0755); err != nil {
		p.setState(Failed)
		return res, fmt.Errorf("failed to create output directory: %v", err)
	}

	steps := float64(len(cmds) + 1)
	stopped := func() bool {
		return ctx.Err() != nil || progress.Cancelled()
	}
	cancel := func() (Result, error) {
		p.setState(Cancelled)
		res.State = Cancelled
		return res, nil
	}

	// Step 2: Strip skull
	p.setState(StrippingSkull)
	if err := p.StripSkull(ctx, snap); err != nil {
		if stopped() {
			return cancel()
		}
		p.setState(Failed)
		return res, err
	}
	progress.Add(100 / steps)
	if stopped() {
		return cancel()
	}

	// Step 3: Register to the template
	p.setState(Registering)
	err = p.Register(ctx, cmds, func() bool {
		progress.Add(100 / steps)
		return !stopped()
	})
	if err != nil {
		if stopped() {
			return cancel()
		}
		p.setState(Failed)
		return res, err
	}

	progress.Set(100)
	res.TransformPath = InverseCompositePath(snap.OutPath, snap.Name)
	res.State = Finished
	p.setState(Finished)
	return res, nil
}
