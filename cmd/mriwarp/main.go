package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli"

	"mriwarp/internal/logging"
	"mriwarp/pkg/assignment"
	"mriwarp/pkg/atlas"
	"mriwarp/pkg/config"
	"mriwarp/pkg/registration"
	"mriwarp/pkg/report"
	"mriwarp/pkg/runner"
	"mriwarp/pkg/session"
	"mriwarp/pkg/warp"
)

// app carries what every command needs after startup
type app struct {
	cfg     *config.Config
	logFile *os.File
}

var state app

func main() {
	a := cli.NewApp()
	a.Name = logging.Name
	a.Usage = "register MRI scans to MNI152 and assign points to brain regions"
	a.Version = "0.1.0"

	a.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: "mriwarp.yaml",
			Usage: "Path to the YAML configuration file",
		},
		cli.BoolFlag{
			Name:  "verbose",
			Usage: "Also log to stderr",
		},
	}
	a.Before = setup
	a.After = func(c *cli.Context) error {
		if state.logFile != nil {
			return state.logFile.Close()
		}
		return nil
	}
	a.Commands = []cli.Command{
		initConfigCommand(),
		parcellationsCommand(),
		warpCommand(),
		assignCommand(),
		exportCommand(),
		slicesCommand(),
	}

	if err := a.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(c *cli.Context) error {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	config.ApplyEnv(cfg)
	if c.Bool("verbose") {
		cfg.Output.Verbose = true
	}

	f, err := logging.Setup(cfg.Paths.TempDir, cfg.Output.Verbose)
	if err != nil {
		return fmt.Errorf("failed to open session log: %v", err)
	}
	state = app{cfg: cfg, logFile: f}
	log.Printf("Loaded configuration from %s", c.String("config"))
	return nil
}

// wiring holds the components built from the configuration
type wiring struct {
	session     *session.Session
	coordinator *session.Coordinator
	pipeline    *registration.Pipeline
	provider    atlas.Provider
	filter      assignment.Filter
}

// build wires the session and its workers. Without the atlas, Preload does
// not list parcellations.
func build(cfg *config.Config, withAtlas bool) (*wiring, error) {
	r := &runner.ExecRunner{}

	provider := &atlas.CommandProvider{
		Runner:              r,
		Executable:          cfg.Tools.Atlas.Executable,
		Args:                cfg.Tools.Atlas.Args,
		OutOfDomainExitCode: cfg.Atlas.OutOfDomainExitCode,
	}
	engine := &assignment.Engine{
		Provider: provider,
		Warper: &warp.PointWarper{
			Runner:     r,
			Executable: cfg.Tools.ApplyTransforms.Executable,
			Args:       cfg.Tools.ApplyTransforms.Args,
			TempDir:    cfg.Paths.TempDir,
		},
		Links:      atlas.ExplorerLinks{Template: cfg.Atlas.ExplorerURL},
		Policy:     assignment.RankingPolicy{Fuzzy: cfg.Assignment.RankFuzzyBy, Exact: cfg.Assignment.RankExactBy},
		Atlas:      cfg.Atlas.Name,
		Space:      cfg.Atlas.Space,
		Structural: cfg.Assignment.StructuralColumns,
	}

	filter := assignment.DefaultFilter()
	if cfg.Report.Filter != "" {
		f, err := assignment.ParseFilter(cfg.Report.Filter)
		if err != nil {
			return nil, err
		}
		filter = f
	}

	s := session.New(session.Options{
		Template:      cfg.Paths.Template,
		TempDir:       cfg.Paths.TempDir,
		Parcellation:  cfg.Atlas.Parcellation,
		UncertaintyMM: cfg.Assignment.UncertaintyMM,
	})
	pipeline := registration.NewPipeline(&registration.Params{
		Runner:       r,
		SkullStrip:   cfg.Tools.SkullStrip,
		Registration: cfg.Tools.Registration,
	})
	params := &session.Params{
		Engine:         engine,
		Pipeline:       pipeline,
		Exporter:       &report.Exporter{Engine: engine, FigureScale: cfg.Report.FigureScale},
		Space:          cfg.Atlas.Space,
		Home:           cfg.Paths.Home,
		ParametersPath: cfg.Paths.Parameters,
		TempDir:        cfg.Paths.TempDir,
		Features:       cfg.Report.Features,
	}
	if withAtlas {
		params.Provider = provider
	}

	return &wiring{
		session:     s,
		coordinator: session.NewCoordinator(s, params),
		pipeline:    pipeline,
		provider:    provider,
		filter:      filter,
	}, nil
}
