package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"

	"mriwarp/internal/models"
	"mriwarp/pkg/assignment"
	"mriwarp/pkg/atlas"
	"mriwarp/pkg/registration"
	"mriwarp/pkg/report"
)

// Job is a cancellable background computation
type Job struct {
	ID       string
	Progress *registration.Progress

	cancel context.CancelFunc
	done   chan struct{}

	err          error
	registration registration.Result
	summary      report.Summary
}

func newJob(ctx context.Context) (*Job, context.Context) {
	jctx, cancel := context.WithCancel(ctx)
	return &Job{
		ID:       uuid.NewString(),
		Progress: &registration.Progress{},
		cancel:   cancel,
		done:     make(chan struct{}),
	}, jctx
}

func (j *Job) finish(err error) {
	j.err = err
	j.cancel()
	close(j.done)
}

// Cancel asks the job to stop after its current step
func (j *Job) Cancel() {
	j.Progress.Cancel()
	j.cancel()
}

// Done is closed when the job has ended
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job ends and returns its error. A cancelled job
// returns nil.
func (j *Job) Wait() error {
	<-j.done
	return j.err
}

// Registration returns the outcome of a registration job after Wait
func (j *Job) Registration() registration.Result {
	<-j.done
	return j.registration
}

// Summary returns the outcome of an export job after Wait
func (j *Job) Summary() report.Summary {
	<-j.done
	return j.summary
}

// QueryStatus classifies the outcome of a point selection
type QueryStatus int

const (
	StatusOK QueryStatus = iota
	StatusNoTransform
	StatusOutside
	StatusFailed
)

func (s QueryStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoTransform:
		return "no transform found"
	case StatusOutside:
		return "point outside reference space"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("QueryStatus(%d)", int(s))
}

// QueryTicket identifies one point selection
type QueryTicket struct {
	ID    string
	Voxel models.Vec3
}

// Outcome is delivered on Results for the latest selection only
type Outcome struct {
	Ticket QueryTicket
	Status QueryStatus
	Result assignment.Result
	Err    error
}

// Params configures a coordinator
type Params struct {
	Engine   *assignment.Engine
	Pipeline *registration.Pipeline
	Provider atlas.Provider
	Exporter *report.Exporter

	// Space the parcellations are listed for
	Space string

	// Home is the application folder used as the default output
	Home string

	// ParametersPath is the registration parameter document; the default
	// is written there when missing
	ParametersPath string

	// TempDir receives reoriented inputs
	TempDir string

	// Features are listed in export reports
	Features []string
}

// Coordinator is the only caller of Session setters once background work
// runs. It hands snapshots to workers and applies their results.
type Coordinator struct {
	Session *Session
	params  *Params

	mu       sync.Mutex
	current  string
	results  chan Outcome
	register *Job
}

// NewCoordinator creates a coordinator over s
func NewCoordinator(s *Session, params *Params) *Coordinator {
	return &Coordinator{
		Session: s,
		params:  params,
		results: make(chan Outcome, 8),
	}
}

// Preload prepares the application folder and the session defaults: the
// registration parameters, the template as input, the home folder as output
// and the available parcellations.
func (c *Coordinator) Preload(ctx context.Context) error {
	// Step 1: Application folder and parameters
	if c.params.Home != "" {
		if err := os.MkdirAll(c.params.Home, 0755); err != nil {
			return fmt.Errorf("failed to create home folder: %v", err)
		}
	}
	if path := c.params.ParametersPath; path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := registration.WriteDefaultParameters(path); err != nil {
				return err
			}
		}
		if err := c.Session.SetParametersPath(path); err != nil {
			return err
		}
	}

	// Step 2: Template as input, home as output
	if tmpl := c.Session.template; tmpl != "" {
		if _, err := os.Stat(tmpl); err == nil {
			if err := c.Session.SetInPath(tmpl); err != nil {
				return err
			}
		} else {
			log.Printf("Template %s not found, starting without an input", tmpl)
		}
	}
	if c.params.Home != "" {
		if err := c.Session.SetOutPath(c.params.Home); err != nil {
			return err
		}
	}

	// Step 3: Parcellations
	if c.params.Provider != nil {
		names, err := c.params.Provider.Parcellations(ctx, c.params.Space)
		if err != nil {
			return fmt.Errorf("failed to list parcellations: %w", err)
		}
		c.Session.SetParcellations(names)
	}
	return nil
}

// StartRegistration snapshots the session and runs skull stripping and
// registration in the background. On success the transform becomes active
// unless the input or output changed in the meantime.
func (c *Coordinator) StartRegistration(ctx context.Context) (*Job, error) {
	params := c.Session.Parameters()
	if params == nil {
		return nil, invalid("Please enter a parameter location.")
	}

	c.mu.Lock()
	if c.register != nil {
		select {
		case <-c.register.Done():
		default:
			c.mu.Unlock()
			return nil, invalid("A registration is already running.")
		}
	}
	c.mu.Unlock()

	snap, err := c.Session.Snapshot(c.params.TempDir)
	if err != nil {
		return nil, err
	}

	job, jctx := newJob(ctx)
	c.mu.Lock()
	c.register = job
	c.mu.Unlock()

	go func() {
		res, err := c.params.Pipeline.Run(jctx, snap, params, job.Progress)
		job.registration = res
		if err == nil && res.State == registration.Finished {
			if c.Session.RecordTransform(snap, res.TransformPath) {
				log.Printf("Registration of %s finished: %s", snap.Name, res.TransformPath)
			} else {
				log.Printf("Discarding transform of %s: input or output changed", snap.Name)
			}
		}
		job.finish(err)
	}()
	return job, nil
}

// Results delivers the outcome of the latest selection. Outcomes of
// superseded selections are dropped.
func (c *Coordinator) Results() <-chan Outcome {
	return c.results
}

// Current reports whether t is the latest selection
func (c *Coordinator) Current(t QueryTicket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current == t.ID
}

// Select assigns a voxel of the active image in the background. A missing
// transform is reported without querying the atlas.
func (c *Coordinator) Select(ctx context.Context, voxel models.Vec3) QueryTicket {
	t := QueryTicket{ID: uuid.NewString(), Voxel: voxel}
	c.mu.Lock()
	c.current = t.ID
	c.mu.Unlock()

	view := c.Session.View()
	if view.Image == nil {
		c.publish(Outcome{Ticket: t, Status: StatusFailed, Err: invalid("Please enter an input location.")})
		return t
	}
	if models.MissingTransform(view.Alignment) {
		c.publish(Outcome{Ticket: t, Status: StatusNoTransform, Err: assignment.ErrNoTransform})
		return t
	}

	req := assignment.Request{
		Voxel:         voxel,
		Affine:        view.Image.Affine(),
		UncertaintyMM: view.UncertaintyMM,
		Parcellation:  view.Parcellation,
		Alignment:     view.Alignment,
	}
	go func() {
		res, err := c.params.Engine.Assign(ctx, req)
		o := Outcome{Ticket: t, Result: res, Err: err}
		var nf *assignment.PointNotFoundError
		switch {
		case err == nil:
			o.Status = StatusOK
		case errors.As(err, &nf):
			o.Status = StatusOutside
		case errors.Is(err, assignment.ErrNoTransform):
			o.Status = StatusNoTransform
		default:
			o.Status = StatusFailed
			log.Printf("Assignment of %s failed: %v", voxel, err)
		}
		c.publish(o)
	}()
	return t
}

// publish delivers o if it belongs to the latest selection. A full buffer
// loses its oldest outcome.
func (c *Coordinator) publish(o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o.Ticket.ID != c.current {
		log.Printf("Dropping stale result for %s", o.Ticket.Voxel)
		return
	}
	for {
		select {
		case c.results <- o:
			return
		default:
		}
		select {
		case <-c.results:
		default:
		}
	}
}

// StartExport assigns every saved point in the background and writes a
// report to dir.
func (c *Coordinator) StartExport(ctx context.Context, dir string, filter assignment.Filter) (*Job, error) {
	view := c.Session.View()

	var msgs []string
	if dir == "" {
		msgs = append(msgs, "Please enter an output location.")
	}
	if view.Image == nil {
		msgs = append(msgs, "Please enter an input location.")
	}
	if len(view.Points) == 0 {
		msgs = append(msgs, "Please save at least one point.")
	}
	if view.Alignment != nil && models.MissingTransform(view.Alignment) {
		msgs = append(msgs, "No transformation file found. Please run the registration first.")
	}
	if len(msgs) > 0 {
		return nil, invalid(msgs...)
	}

	req := report.Request{
		Dir:           dir,
		Image:         view.Image,
		Points:        view.Points,
		Alignment:     view.Alignment,
		Parcellation:  view.Parcellation,
		UncertaintyMM: view.UncertaintyMM,
		Filter:        filter,
		Features:      c.params.Features,
	}

	job, jctx := newJob(ctx)
	go func() {
		summary, err := c.params.Exporter.Export(jctx, req, job.Progress)
		job.summary = summary
		job.finish(err)
	}()
	return job, nil
}
