package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mriwarp/internal/models"
	"mriwarp/pkg/assignment"
	"mriwarp/pkg/atlas"
	"mriwarp/pkg/config"
	"mriwarp/pkg/registration"
	"mriwarp/pkg/report"
	"mriwarp/pkg/runner"
)

// gateRunner blocks the skull stripping call until release is closed and
// fails the call whose index is failAt.
type gateRunner struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan struct{}
	failAt  int
	output  string
}

func newGateRunner() *gateRunner {
	return &gateRunner{started: make(chan struct{}), release: make(chan struct{}), failAt: -1}
}

func (g *gateRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	g.mu.Lock()
	n := g.calls
	g.calls++
	g.mu.Unlock()

	if n == 0 {
		close(g.started)
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n == g.failAt {
		return []byte(g.output), runner.Failed(name, 1, g.output)
	}
	return []byte("ok\n"), nil
}

type countingProvider struct {
	parcellations []string
	calls         int32

	// block holds queries for the point with x == blockX
	block  chan struct{}
	blockX float64
	held   chan struct{}
}

func (p *countingProvider) Parcellations(ctx context.Context, space string) ([]string, error) {
	return p.parcellations, nil
}

func (p *countingProvider) Assign(ctx context.Context, q atlas.Query) (models.AssignmentTable, error) {
	atomic.AddInt32(&p.calls, 1)
	if p.block != nil && q.Point[0] == p.blockX {
		close(p.held)
		<-p.block
	}
	if q.Point[0] > 50 {
		return models.AssignmentTable{}, atlas.ErrOutOfDomain
	}
	return models.AssignmentTable{
		Columns: []string{"correlation", "map value"},
		Rows: []models.AssignmentRow{
			{Region: "hOc1 left", Scores: map[string]float64{"correlation": 0.6, "map value": 0.5}},
		},
	}, nil
}

type noWarp struct{}

func (noWarp) ToReference(ctx context.Context, p models.Vec3, path string) (models.Vec3, error) {
	return p, nil
}

func newCoordinator(t *testing.T, f *fixture, r runner.Runner, p *countingProvider) *Coordinator {
	t.Helper()
	engine := &assignment.Engine{
		Provider: p,
		Warper:   noWarp{},
		Policy:   assignment.DefaultPolicy(),
		Atlas:    "julich",
		Space:    "MNI152",
	}
	return NewCoordinator(f.session, &Params{
		Engine: engine,
		Pipeline: registration.NewPipeline(&registration.Params{
			Runner:       r,
			SkullStrip:   config.Tool{Executable: "hd-bet"},
			Registration: config.Tool{Executable: "antsRegistration"},
		}),
		Provider:       p,
		Exporter:       &report.Exporter{Engine: engine},
		Space:          "MNI152",
		Home:           filepath.Join(f.dir, "home"),
		ParametersPath: filepath.Join(f.dir, "home", "parameters.json"),
		TempDir:        filepath.Join(f.dir, "tmp"),
	})
}

func nextOutcome(t *testing.T, c *Coordinator) Outcome {
	t.Helper()
	select {
	case o := <-c.Results():
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for an outcome")
	}
	return Outcome{}
}

func TestPreload(t *testing.T) {
	f := newFixture(t)
	p := &countingProvider{parcellations: []string{"julich 2.9", "julich 3.0", "difumo 64"}}
	c := newCoordinator(t, f, newGateRunner(), p)

	if err := c.Preload(context.Background()); err != nil {
		t.Fatalf("Preload failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.dir, "home", "parameters.json")); err != nil {
		t.Errorf("Expected default parameters to be written: %v", err)
	}
	if f.session.Parameters() == nil {
		t.Error("Expected parameters to be loaded")
	}
	if f.session.InPath() != f.template {
		t.Errorf("Expected template as input, got %q", f.session.InPath())
	}
	if f.session.OutPath() != filepath.Join(f.dir, "home") {
		t.Errorf("Expected home as output, got %q", f.session.OutPath())
	}
	if f.session.Alignment().Kind() != models.KindTemplate {
		t.Errorf("Expected template alignment, got %s", f.session.Alignment().Kind())
	}
	if got := f.session.Parcellations(); len(got) != 3 {
		t.Errorf("Expected 3 parcellations, got %v", got)
	}
	if f.session.Parcellation() != "julich 3.0" {
		t.Errorf("Expected julich 3.0, got %q", f.session.Parcellation())
	}
}

func prepareRegistration(t *testing.T, f *fixture, c *Coordinator) {
	t.Helper()
	if err := c.Preload(context.Background()); err != nil {
		t.Fatalf("Preload failed: %v", err)
	}
	if err := f.session.SetInPath(f.subjectA); err != nil {
		t.Fatalf("SetInPath failed: %v", err)
	}
	if err := f.session.SetOutPath(f.out); err != nil {
		t.Fatalf("SetOutPath failed: %v", err)
	}
}

func TestRegistrationRecordsTransform(t *testing.T) {
	f := newFixture(t)
	g := newGateRunner()
	c := newCoordinator(t, f, g, &countingProvider{})
	prepareRegistration(t, f, c)

	job, err := c.StartRegistration(context.Background())
	if err != nil {
		t.Fatalf("StartRegistration failed: %v", err)
	}
	<-g.started
	if _, err := c.StartRegistration(context.Background()); err == nil {
		t.Error("Expected a second concurrent registration to be refused")
	}
	close(g.release)

	if err := job.Wait(); err != nil {
		t.Fatalf("Registration failed: %v", err)
	}
	res := job.Registration()
	if res.State != registration.Finished {
		t.Fatalf("Expected finished, got %s", res.State)
	}
	if f.session.TransformPath() != res.TransformPath {
		t.Errorf("Expected %q to become active, got %q", res.TransformPath, f.session.TransformPath())
	}
	if job.Progress.Value() != 100 {
		t.Errorf("Expected progress 100, got %f", job.Progress.Value())
	}
}

// TestRegistrationStaleSnapshot swaps the input while the run is in
// progress; the finished transform must not become active.
func TestRegistrationStaleSnapshot(t *testing.T) {
	f := newFixture(t)
	g := newGateRunner()
	c := newCoordinator(t, f, g, &countingProvider{})
	prepareRegistration(t, f, c)

	job, err := c.StartRegistration(context.Background())
	if err != nil {
		t.Fatalf("StartRegistration failed: %v", err)
	}
	<-g.started
	if err := f.session.SetInPath(f.subjectB); err != nil {
		t.Fatalf("SetInPath failed: %v", err)
	}
	close(g.release)

	if err := job.Wait(); err != nil {
		t.Fatalf("Registration failed: %v", err)
	}
	if job.Registration().State != registration.Finished {
		t.Fatalf("Expected finished, got %s", job.Registration().State)
	}
	if got := f.session.TransformPath(); got != "" {
		t.Errorf("Expected the stale transform to be discarded, got %q", got)
	}
}

func TestRegistrationFailureKeepsTransform(t *testing.T) {
	f := newFixture(t)
	g := newGateRunner()
	g.failAt = 1
	g.output = "Running registration\nERROR: fixed image could not be read\n"
	c := newCoordinator(t, f, g, &countingProvider{})
	prepareRegistration(t, f, c)

	prior := touch(t, filepath.Join(f.dir, "prior", "subA.h5"))
	if err := f.session.SetTransformPath(prior); err != nil {
		t.Fatalf("SetTransformPath failed: %v", err)
	}

	job, err := c.StartRegistration(context.Background())
	if err != nil {
		t.Fatalf("StartRegistration failed: %v", err)
	}
	close(g.release)

	err = job.Wait()
	var sf *runner.SubprocessFailedError
	if !errors.As(err, &sf) {
		t.Fatalf("Expected *runner.SubprocessFailedError, got %v", err)
	}
	if !strings.Contains(err.Error(), "fixed image could not be read") {
		t.Errorf("Expected the tool message in %q", err.Error())
	}
	if f.session.TransformPath() != prior {
		t.Errorf("Expected prior transform %q to remain, got %q", prior, f.session.TransformPath())
	}
}

func TestRegistrationCancel(t *testing.T) {
	f := newFixture(t)
	g := newGateRunner()
	c := newCoordinator(t, f, g, &countingProvider{})
	prepareRegistration(t, f, c)

	job, err := c.StartRegistration(context.Background())
	if err != nil {
		t.Fatalf("StartRegistration failed: %v", err)
	}
	<-g.started
	job.Cancel()

	if err := job.Wait(); err != nil {
		t.Fatalf("Expected nil error on cancel, got %v", err)
	}
	if job.Registration().State != registration.Cancelled {
		t.Errorf("Expected cancelled, got %s", job.Registration().State)
	}
	if f.session.TransformPath() != "" {
		t.Errorf("Expected no transform, got %q", f.session.TransformPath())
	}
}

func TestStartRegistrationWithoutParameters(t *testing.T) {
	f := newFixture(t)
	c := newCoordinator(t, f, newGateRunner(), &countingProvider{})
	_, err := c.StartRegistration(context.Background())
	if got := messages(t, err); got[0] != "Please enter a parameter location." {
		t.Errorf("Unexpected message %q", got[0])
	}
}

func TestSelectWithoutTransform(t *testing.T) {
	f := newFixture(t)
	p := &countingProvider{}
	c := newCoordinator(t, f, newGateRunner(), p)
	if err := f.session.SetInPath(f.subjectA); err != nil {
		t.Fatalf("SetInPath failed: %v", err)
	}

	ticket := c.Select(context.Background(), models.Vec3{1, 1, 1})
	o := nextOutcome(t, c)
	if o.Ticket != ticket || o.Status != StatusNoTransform {
		t.Errorf("Expected no transform outcome for %v, got %+v", ticket, o)
	}
	if !errors.Is(o.Err, assignment.ErrNoTransform) {
		t.Errorf("Expected ErrNoTransform, got %v", o.Err)
	}
	if n := atomic.LoadInt32(&p.calls); n != 0 {
		t.Errorf("Expected no atlas query, got %d", n)
	}
}

func TestSelectOutcomes(t *testing.T) {
	f := newFixture(t)
	c := newCoordinator(t, f, newGateRunner(), &countingProvider{})
	if err := f.session.SetInPath(f.template); err != nil {
		t.Fatalf("SetInPath failed: %v", err)
	}

	c.Select(context.Background(), models.Vec3{1, 2, 3})
	o := nextOutcome(t, c)
	if o.Status != StatusOK {
		t.Fatalf("Expected ok, got %s (%v)", o.Status, o.Err)
	}
	if o.Result.MapType != models.Labelled || o.Result.Table.Len() != 1 {
		t.Errorf("Unexpected result %+v", o.Result)
	}

	c.Select(context.Background(), models.Vec3{100, 0, 0})
	if o := nextOutcome(t, c); o.Status != StatusOutside {
		t.Errorf("Expected outside, got %s", o.Status)
	}
}

// TestSelectDropsStaleResults holds the first query until a second one was
// delivered; the first result must never show up.
func TestSelectDropsStaleResults(t *testing.T) {
	f := newFixture(t)
	p := &countingProvider{block: make(chan struct{}), blockX: 1, held: make(chan struct{})}
	c := newCoordinator(t, f, newGateRunner(), p)
	if err := f.session.SetInPath(f.template); err != nil {
		t.Fatalf("SetInPath failed: %v", err)
	}

	first := c.Select(context.Background(), models.Vec3{1, 1, 1})
	<-p.held
	second := c.Select(context.Background(), models.Vec3{2, 2, 2})
	if c.Current(first) || !c.Current(second) {
		t.Error("Expected only the second selection to be current")
	}

	o := nextOutcome(t, c)
	if o.Ticket != second {
		t.Fatalf("Expected the second outcome, got %v", o.Ticket)
	}
	close(p.block)

	select {
	case o := <-c.Results():
		t.Errorf("Expected the stale outcome to be dropped, got %v", o.Ticket)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStartExport(t *testing.T) {
	f := newFixture(t)
	c := newCoordinator(t, f, newGateRunner(), &countingProvider{})
	if err := f.session.SetInPath(f.subjectA); err != nil {
		t.Fatalf("SetInPath failed: %v", err)
	}

	dir := filepath.Join(f.dir, "report")
	_, err := c.StartExport(context.Background(), dir, assignment.DefaultFilter())
	got := messages(t, err)
	if len(got) != 2 || got[0] != "Please save at least one point." {
		t.Errorf("Expected missing points and transform, got %v", got)
	}

	f.session.SetAligned(true)
	f.session.SavePoint(models.Vec3{1, 1, 1}, "Point 1")
	job, err := c.StartExport(context.Background(), dir, assignment.DefaultFilter())
	if err != nil {
		t.Fatalf("StartExport failed: %v", err)
	}
	if err := job.Wait(); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	summary := job.Summary()
	if len(summary.Points) != 1 || summary.Points[0].Status != report.StatusAssigned {
		t.Errorf("Unexpected summary %+v", summary)
	}
	if _, err := os.Stat(filepath.Join(dir, "report.yaml")); err != nil {
		t.Errorf("Expected report.yaml: %v", err)
	}
}
