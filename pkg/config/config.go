// Package config provides configuration loading and management for mriwarp.
// It handles loading configuration from YAML files, environment overrides and
// provides default values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tool describes an external executable and the fixed arguments passed on
// every invocation.
type Tool struct {
	// Executable is the program name or path
	Executable string `yaml:"executable"`

	// Args are prepended to the per-call arguments
	Args []string `yaml:"args,omitempty"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Paths used by the session
	Paths struct {
		// Home is the default output folder for warping results
		Home string `yaml:"home"`

		// Template is the canonical MNI152 template; an input with this path is
		// classified as the template itself
		Template string `yaml:"template"`

		// Parameters is the default registration parameter document
		Parameters string `yaml:"parameters"`

		// TempDir holds transient files (reoriented inputs, point tables)
		TempDir string `yaml:"tempDir"`
	} `yaml:"paths"`

	// External tools
	Tools struct {
		SkullStrip      Tool `yaml:"skullStrip"`
		Registration    Tool `yaml:"registration"`
		ApplyTransforms Tool `yaml:"applyTransforms"`
		Atlas           Tool `yaml:"atlas"`
	} `yaml:"tools"`

	// Atlas selection
	Atlas struct {
		// Name of the atlas used for explorer links
		Name string `yaml:"name"`

		// Space is the reference space all assignments happen in
		Space string `yaml:"space"`

		// Parcellation selected at startup
		Parcellation string `yaml:"parcellation"`

		// OutOfDomainExitCode is the atlas tool exit status for points it cannot index
		OutOfDomainExitCode int `yaml:"outOfDomainExitCode"`

		// ExplorerURL is the link template; see atlas.ExplorerLinks
		ExplorerURL string `yaml:"explorerURL"`
	} `yaml:"atlas"`

	// Assignment parameters
	Assignment struct {
		// UncertaintyMM is the default uncertainty radius of a selected point
		UncertaintyMM float64 `yaml:"uncertaintyMM"`

		// RankFuzzyBy is the sort column when the uncertainty is above zero
		RankFuzzyBy string `yaml:"rankFuzzyBy"`

		// RankExactBy is the sort column for point queries
		RankExactBy string `yaml:"rankExactBy"`

		// StructuralColumns are dropped from interactive results
		StructuralColumns []string `yaml:"structuralColumns"`
	} `yaml:"assignment"`

	// Report export parameters
	Report struct {
		// Filter is applied to every point's assignments, e.g. "correlation > 0.3"
		Filter string `yaml:"filter"`

		// Features lists the linked feature modalities noted for each region
		Features []string `yaml:"features"`

		// FigureScale upsamples slice figures by this factor
		FigureScale float64 `yaml:"figureScale"`
	} `yaml:"report"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	cfg.Paths.Home = filepath.Join(home, "mriwarp")
	cfg.Paths.Template = filepath.Clean("./data/MNI152_stripped.nii.gz")
	cfg.Paths.Parameters = filepath.Join(cfg.Paths.Home, "parameters", "default.json")
	cfg.Paths.TempDir = os.TempDir()

	// HD-BET on the CPU fast profile with postprocessing and the mask kept
	cfg.Tools.SkullStrip = Tool{
		Executable: "hd-bet",
		Args:       []string{"-device", "cpu", "-mode", "fast", "-tta", "0", "-pp", "1", "-s", "1", "--overwrite_existing", "1"},
	}
	cfg.Tools.Registration = Tool{Executable: "antsRegistration"}
	cfg.Tools.ApplyTransforms = Tool{Executable: "antsApplyTransformsToPoints"}
	cfg.Tools.Atlas = Tool{Executable: "siibra-assign"}

	cfg.Atlas.Name = "Multilevel Human Atlas"
	cfg.Atlas.Space = "MNI 152 ICBM 2009c Nonlinear Asymmetric"
	cfg.Atlas.Parcellation = "julich 3.0"
	cfg.Atlas.OutOfDomainExitCode = 3
	cfg.Atlas.ExplorerURL = "https://atlases.ebrains.eu/viewer/#/a:{atlas}/t:{space}/p:{parcellation}/r:{region}"

	cfg.Assignment.UncertaintyMM = 0
	cfg.Assignment.RankFuzzyBy = "correlation"
	cfg.Assignment.RankExactBy = "map value"
	cfg.Assignment.StructuralColumns = []string{"input structure", "centroid", "volume", "fragment"}

	cfg.Report.Filter = "correlation > 0.3"
	cfg.Report.Features = []string{
		"CellDensityProfile",
		"FunctionalConnectivity",
		"StreamlineCounts",
		"StreamlineLengths",
		"ReceptorDensityFingerprint",
		"ReceptorDensityProfile",
	}
	cfg.Report.FigureScale = 2

	cfg.Output.Verbose = false

	return cfg
}

// LoadConfig reads configPath over the defaults. A missing file, or an empty
// path, yields the defaults. Unknown keys are rejected so that a misspelt
// tool or path setting does not silently fall back to its default. A leading
// "~/" in the path settings is expanded to the user's home folder.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath == "" {
		return cfg, nil
	}

	f, err := os.Open(configPath)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}

	for _, p := range []*string{&cfg.Paths.Home, &cfg.Paths.Template, &cfg.Paths.Parameters, &cfg.Paths.TempDir} {
		*p = expandHome(*p)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// Validate checks the settings a session cannot start without
func (c *Config) Validate() error {
	switch {
	case c.Paths.TempDir == "":
		return fmt.Errorf("paths.tempDir must be set")
	case c.Assignment.UncertaintyMM < 0:
		return fmt.Errorf("assignment.uncertaintyMM must not be negative, got %g", c.Assignment.UncertaintyMM)
	case c.Report.FigureScale < 0:
		return fmt.Errorf("report.figureScale must not be negative, got %g", c.Report.FigureScale)
	}
	for name, t := range map[string]Tool{
		"skullStrip":      c.Tools.SkullStrip,
		"registration":    c.Tools.Registration,
		"applyTransforms": c.Tools.ApplyTransforms,
		"atlas":           c.Tools.Atlas,
	} {
		if t.Executable == "" {
			return fmt.Errorf("tools.%s.executable must be set", name)
		}
	}
	return nil
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

const configHeader = "# mriwarp configuration. Environment variables (MRIWARP_*) override these values.\n"

// SaveConfig writes cfg as YAML with a short header, creating the folder
func SaveConfig(cfg *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(configHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	return os.WriteFile(configPath, buf.Bytes(), 0644)
}

// ErrConfigExists is returned by CreateDefaultConfigFile when it would
// overwrite an existing file
var ErrConfigExists = errors.New("config file already exists")

// CreateDefaultConfigFile writes the defaults to configPath. An existing file
// is only replaced when overwrite is set.
func CreateDefaultConfigFile(configPath string, overwrite bool) error {
	if _, err := os.Stat(configPath); err == nil && !overwrite {
		return fmt.Errorf("%w: %s", ErrConfigExists, configPath)
	}
	return SaveConfig(DefaultConfig(), configPath)
}

// ApplyEnv overrides configuration values from MRIWARP_* environment variables.
// Call godotenv.Load beforehand to pick up a .env file.
func ApplyEnv(cfg *Config) {
	cfg.Paths.Home = getEnv("MRIWARP_HOME", cfg.Paths.Home)
	cfg.Paths.Template = getEnv("MRIWARP_TEMPLATE", cfg.Paths.Template)
	cfg.Paths.TempDir = getEnv("MRIWARP_TMPDIR", cfg.Paths.TempDir)
	cfg.Atlas.Parcellation = getEnv("MRIWARP_PARCELLATION", cfg.Atlas.Parcellation)
	cfg.Tools.SkullStrip.Executable = getEnv("MRIWARP_HDBET", cfg.Tools.SkullStrip.Executable)
	cfg.Tools.Atlas.Executable = getEnv("MRIWARP_ATLAS_CMD", cfg.Tools.Atlas.Executable)
	cfg.Assignment.UncertaintyMM = getEnvFloat("MRIWARP_UNCERTAINTY", cfg.Assignment.UncertaintyMM)

	// ANTs binaries usually live side by side
	if dir := os.Getenv("MRIWARP_ANTS_DIR"); dir != "" {
		cfg.Tools.Registration.Executable = filepath.Join(dir, "antsRegistration")
		cfg.Tools.ApplyTransforms.Executable = filepath.Join(dir, "antsApplyTransformsToPoints")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
