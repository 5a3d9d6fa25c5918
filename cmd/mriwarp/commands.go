package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"mriwarp/internal/models"
	"mriwarp/pkg/assignment"
	"mriwarp/pkg/atlas"
	"mriwarp/pkg/config"
	"mriwarp/pkg/registration"
	"mriwarp/pkg/session"
	"mriwarp/pkg/visualization"
)

var inputFlags = []cli.Flag{
	cli.StringFlag{Name: "input, i", Usage: "Input NIfTI image (default: the template)"},
	cli.StringFlag{Name: "output, o", Usage: "Output folder (default: the home folder)"},
	cli.StringFlag{Name: "transform, t", Usage: "Inverse composite transform (.h5 or .mat)"},
	cli.BoolFlag{Name: "aligned", Usage: "The input is already in MNI152 space"},
	cli.Float64Flag{Name: "uncertainty, u", Usage: "Uncertainty radius in millimetres"},
	cli.StringFlag{Name: "parcellation, p", Usage: "Parcellation to assign to"},
}

func initConfigCommand() cli.Command {
	return cli.Command{
		Name:  "init-config",
		Usage: "Write the default configuration and registration parameters",
		Flags: []cli.Flag{
			cli.BoolFlag{Name: "force", Usage: "Overwrite an existing configuration file"},
		},
		Action: func(c *cli.Context) error {
			path := c.GlobalString("config")
			if err := config.CreateDefaultConfigFile(path, c.Bool("force")); err != nil {
				return err
			}
			fmt.Printf("Configuration written to %s\n", path)

			params := state.cfg.Paths.Parameters
			if _, err := os.Stat(params); os.IsNotExist(err) {
				if err := registration.WriteDefaultParameters(params); err != nil {
					return err
				}
				fmt.Printf("Registration parameters written to %s\n", params)
			}
			return nil
		},
	}
}

func parcellationsCommand() cli.Command {
	return cli.Command{
		Name:  "parcellations",
		Usage: "List the parcellations available in the reference space",
		Action: func(c *cli.Context) error {
			w, err := build(state.cfg, false)
			if err != nil {
				return err
			}
			names, err := w.provider.Parcellations(context.Background(), state.cfg.Atlas.Space)
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	}
}

func warpCommand() cli.Command {
	return cli.Command{
		Name:  "warp",
		Usage: "Strip the skull of an image and register it to MNI152",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "input, i", Usage: "Input NIfTI image"},
			cli.StringFlag{Name: "output, o", Usage: "Output folder (default: the home folder)"},
			cli.StringFlag{Name: "parameters", Usage: "Registration parameter file (JSON)"},
		},
		Action: func(c *cli.Context) error {
			ctx := context.Background()
			w, err := prepare(ctx, c, false)
			if err != nil {
				return err
			}
			if p := c.String("parameters"); p != "" {
				if err := w.session.SetParametersPath(p); err != nil {
					return err
				}
			}

			fmt.Printf("Registering %s to %s\n", w.session.InPath(), state.cfg.Atlas.Space)
			w.pipeline.Observe(func(s registration.State) {
				fmt.Printf("\nState: %s\n", s)
			})
			startTime := time.Now()
			job, err := w.coordinator.StartRegistration(ctx)
			if err != nil {
				return err
			}
			cancelOnSignal(job)
			watch(job)
			if err := job.Wait(); err != nil {
				return fmt.Errorf("registration failed: %w", err)
			}

			res := job.Registration()
			if res.State == registration.Cancelled {
				fmt.Println("Registration cancelled")
				return nil
			}
			fmt.Printf("Registration completed in %.2f seconds\n", time.Since(startTime).Seconds())
			fmt.Printf("Transform: %s\n", res.TransformPath)
			fmt.Printf("Registered volume: %s\n", res.Snapshot.VolumePath())
			return nil
		},
	}
}

func assignCommand() cli.Command {
	return cli.Command{
		Name:  "assign",
		Usage: "Assign a voxel of an image to brain regions",
		Flags: append([]cli.Flag{
			cli.StringFlag{Name: "voxel, v", Usage: "Voxel coordinate as i,j,k"},
		}, inputFlags...),
		Action: func(c *cli.Context) error {
			voxel, err := parseVec3(c.String("voxel"))
			if err != nil {
				return err
			}
			ctx := context.Background()
			w, err := prepare(ctx, c, true)
			if err != nil {
				return err
			}

			ticket := w.coordinator.Select(ctx, voxel)
			var o session.Outcome
			for o = range w.coordinator.Results() {
				if o.Ticket == ticket {
					break
				}
			}
			return printOutcome(o)
		},
	}
}

func printOutcome(o session.Outcome) error {
	switch o.Status {
	case session.StatusNoTransform:
		fmt.Println("No transformation file found. Run `mriwarp warp` first or pass --transform.")
		return nil
	case session.StatusOutside:
		fmt.Printf("Point %s is outside the reference space\n", o.Result.Target)
		return nil
	case session.StatusFailed:
		return o.Err
	}

	res := o.Result
	fmt.Printf("Subject:   %s\n", res.Source)
	fmt.Printf("Reference: %s\n", res.Target)
	fmt.Printf("Map type:  %s, sorted by %s\n\n", res.MapType, res.SortedBy)
	if res.Table.Empty() {
		fmt.Println("No regions found")
		return nil
	}
	if err := atlas.WriteTable(os.Stdout, res.Table); err != nil {
		return err
	}
	fmt.Println()
	for _, region := range res.Table.Regions() {
		if url := res.URLs[region]; url != "" {
			fmt.Printf("%s: %s\n", region, url)
		}
	}
	return nil
}

func exportCommand() cli.Command {
	return cli.Command{
		Name:  "export",
		Usage: "Assign saved points and write a report",
		Flags: append([]cli.Flag{
			cli.StringFlag{Name: "points", Usage: "CSV file with label,x,y,z voxel coordinates"},
			cli.StringFlag{Name: "report, r", Usage: "Report folder"},
			cli.StringFlag{Name: "filter, f", Usage: `Row filter such as "correlation > 0.3"`},
		}, inputFlags...),
		Action: func(c *cli.Context) error {
			ctx := context.Background()
			w, err := prepare(ctx, c, true)
			if err != nil {
				return err
			}

			filter := w.filter
			if s := c.String("filter"); s != "" {
				if filter, err = assignment.ParseFilter(s); err != nil {
					return err
				}
			}

			points, err := readPoints(c.String("points"))
			if err != nil {
				return err
			}
			for _, p := range points {
				w.session.SavePoint(p.Voxel, p.Label)
			}

			job, err := w.coordinator.StartExport(ctx, c.String("report"), filter)
			if err != nil {
				return err
			}
			cancelOnSignal(job)
			watch(job)
			if err := job.Wait(); err != nil {
				return fmt.Errorf("export failed: %w", err)
			}
			if job.Progress.Cancelled() {
				fmt.Println("Export cancelled")
				return nil
			}

			summary := job.Summary()
			fmt.Printf("Report written to %s\n", c.String("report"))
			for _, p := range summary.Points {
				fmt.Printf("- %s: %s, %d regions\n", p.Label, p.Status, len(p.Regions))
			}
			if top := summary.TopRegions(5); len(top) > 0 {
				fmt.Printf("Most frequent regions: %s\n", strings.Join(top, ", "))
			}
			return nil
		},
	}
}

func slicesCommand() cli.Command {
	return cli.Command{
		Name:  "slices",
		Usage: "Save every slice of the reoriented input image as PNG",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "input, i", Usage: "Input NIfTI image (default: the template)"},
			cli.StringFlag{Name: "dir, d", Value: "slices", Usage: "Folder for the slice images"},
			cli.StringFlag{Name: "axes, a", Value: "z", Usage: "Comma separated axes to slice along (x, y, z)"},
		},
		Action: func(c *cli.Context) error {
			axes, err := parseAxes(c.String("axes"))
			if err != nil {
				return err
			}
			w, err := prepare(context.Background(), c, false)
			if err != nil {
				return err
			}

			img := w.session.View().Image
			viewer := visualization.NewViewer(img, state.cfg.Report.FigureScale)
			for _, axis := range axes {
				dir := filepath.Join(c.String("dir"), axis)
				if err := viewer.SaveSliceSequence(axis, dir); err != nil {
					return fmt.Errorf("failed to save %s slices: %w", axis, err)
				}
				fmt.Printf("Saved %s slices of %s to %s\n", axis, img.Name, dir)
			}
			return nil
		},
	}
}

// parseAxes splits a list such as "x,z" and rejects unknown or repeated axes
func parseAxes(s string) ([]string, error) {
	var axes []string
	seen := make(map[string]bool)
	for _, a := range strings.Split(s, ",") {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "x" && a != "y" && a != "z" {
			return nil, fmt.Errorf("invalid axis %q (must be x, y or z)", a)
		}
		if seen[a] {
			return nil, fmt.Errorf("axis %s given twice", a)
		}
		seen[a] = true
		axes = append(axes, a)
	}
	return axes, nil
}

// prepare builds the session, preloads the defaults and applies the input
// flags present on c.
func prepare(ctx context.Context, c *cli.Context, withAtlas bool) (*wiring, error) {
	w, err := build(state.cfg, withAtlas)
	if err != nil {
		return nil, err
	}
	if err := w.coordinator.Preload(ctx); err != nil {
		return nil, err
	}

	s := w.session
	if in := c.String("input"); in != "" {
		if err := s.SetInPath(in); err != nil {
			return nil, err
		}
	}
	if out := c.String("output"); out != "" {
		if err := os.MkdirAll(out, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output folder: %v", err)
		}
		if err := s.SetOutPath(out); err != nil {
			return nil, err
		}
	}
	if t := c.String("transform"); t != "" {
		if err := s.SetTransformPath(t); err != nil {
			return nil, err
		}
	}
	if c.Bool("aligned") {
		if err := s.SetAlignmentKind(models.KindAligned); err != nil {
			return nil, err
		}
	}
	if c.IsSet("uncertainty") {
		if err := s.SetUncertainty(c.Float64("uncertainty")); err != nil {
			return nil, err
		}
	}
	if p := c.String("parcellation"); p != "" {
		if err := s.SetParcellation(p); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func cancelOnSignal(job *session.Job) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			log.Println("Received interrupt, cancelling")
			fmt.Println("\nCancelling...")
			job.Cancel()
		case <-job.Done():
		}
		signal.Stop(sigChan)
	}()
}

// watch prints the job progress until it ends
func watch(job *session.Job) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-job.Done():
			if v := job.Progress.Value(); v >= 0 {
				fmt.Printf("\rProgress: %3.0f%%\n", v)
			} else {
				fmt.Println()
			}
			return
		case <-ticker.C:
			if v := job.Progress.Value(); v >= 0 {
				fmt.Printf("\rProgress: %3.0f%%", v)
			}
		}
	}
}

func parseVec3(s string) (models.Vec3, error) {
	var v models.Vec3
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return v, fmt.Errorf("expected a coordinate as x,y,z, got %q", s)
	}
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return v, fmt.Errorf("invalid coordinate %q: %v", s, err)
		}
		v[i] = f
	}
	return v, nil
}

// readPoints reads label,x,y,z rows. A header row is skipped.
func readPoints(path string) ([]models.SavedPoint, error) {
	if path == "" {
		return nil, errors.New("please pass a points file with --points")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open points file: %v", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 4
	r.TrimLeadingSpace = true

	var points []models.SavedPoint
	for line := 1; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read points file: %v", err)
		}
		v, err := parseVec3(strings.Join(rec[1:], ","))
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("line %d: %v", line, err)
		}
		points = append(points, models.SavedPoint{Label: rec[0], Voxel: v})
	}
	return points, nil
}
