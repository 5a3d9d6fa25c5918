package registration

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidParameters is returned for parameter documents that cannot drive
// a registration run.
var ErrInvalidParameters = errors.New("invalid registration parameters")

// Flag is one `--name value` pair of a registration command
type Flag struct {
	Name  string
	Value string
}

// CommandSpec is one entry of the parameter document. Flags hold the general
// parameters and the stage parameters in document order, with each stage
// expanded where the "stages" key appears.
type CommandSpec struct {
	// Name is the top-level key of the entry
	Name string

	// Flags in the order the tool receives them
	Flags []Flag

	// Stages is the number of transformation stages in the entry
	Stages int
}

// Parameters is a parsed registration parameter document. Each entry becomes
// one invocation of the registration tool, in document order.
type Parameters struct {
	// Path the document was loaded from; empty for in-memory documents
	Path string

	Commands []CommandSpec
}

// CheckPath returns the human-readable problems with a parameter document
// path. An empty result means the path can be loaded.
func CheckPath(path string) []string {
	if path == "" {
		return []string{"Please enter a parameter location."}
	}
	info, err := os.Stat(path)
	if err != nil {
		return []string{fmt.Sprintf("%s could not be found.", path)}
	}
	if info.IsDir() || !strings.EqualFold(filepath.Ext(path), ".json") {
		return []string{fmt.Sprintf("%s is not a JSON file.", path)}
	}
	return nil
}

// LoadParameters reads and validates the parameter document at path
func LoadParameters(path string) (*Parameters, error) {
	if msgs := CheckPath(path); len(msgs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidParameters, strings.Join(msgs, "\n"))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parameter file: %w", err)
	}
	p, err := ParseParameters(data)
	if err != nil {
		return nil, err
	}
	p.Path = path
	return p, nil
}

// ParseParameters decodes a JSON parameter document. JSON is read through a
// YAML node tree so the order of keys is preserved. Every top-level value must
// be an object with a "stages" list of flat objects; all other values must be
// scalars.
func ParseParameters(data []byte) (*Parameters, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: document is not an object", ErrInvalidParameters)
	}

	root := doc.Content[0]
	p := &Parameters{}
	for i := 0; i+1 < len(root.Content); i += 2 {
		name, body := root.Content[i].Value, root.Content[i+1]
		cmd, err := parseCommand(name, body)
		if err != nil {
			return nil, err
		}
		p.Commands = append(p.Commands, cmd)
	}
	if len(p.Commands) == 0 {
		return nil, fmt.Errorf("%w: document declares no commands", ErrInvalidParameters)
	}
	return p, nil
}

func parseCommand(name string, body *yaml.Node) (CommandSpec, error) {
	cmd := CommandSpec{Name: name}
	if body.Kind != yaml.MappingNode {
		return cmd, fmt.Errorf("%w: %q is not an object", ErrInvalidParameters, name)
	}

	hasStages := false
	for i := 0; i+1 < len(body.Content); i += 2 {
		key, val := body.Content[i].Value, body.Content[i+1]
		if key != "stages" {
			if val.Kind != yaml.ScalarNode {
				return cmd, fmt.Errorf("%w: %s.%s must be a single value", ErrInvalidParameters, name, key)
			}
			cmd.Flags = append(cmd.Flags, Flag{Name: key, Value: val.Value})
			continue
		}

		hasStages = true
		if val.Kind != yaml.SequenceNode {
			return cmd, fmt.Errorf("%w: %s.stages is not a list", ErrInvalidParameters, name)
		}
		for s, stage := range val.Content {
			if stage.Kind != yaml.MappingNode {
				return cmd, fmt.Errorf("%w: %s.stages[%d] is not an object", ErrInvalidParameters, name, s)
			}
			for j := 0; j+1 < len(stage.Content); j += 2 {
				sk, sv := stage.Content[j].Value, stage.Content[j+1]
				if sv.Kind != yaml.ScalarNode {
					return cmd, fmt.Errorf("%w: %s.stages[%d].%s must be a single value", ErrInvalidParameters, name, s, sk)
				}
				cmd.Flags = append(cmd.Flags, Flag{Name: sk, Value: sv.Value})
			}
			cmd.Stages++
		}
	}
	if !hasStages {
		return cmd, fmt.Errorf("%w: %q has no stages", ErrInvalidParameters, name)
	}
	return cmd, nil
}

// DefaultParametersJSON is a rigid, affine and SyN registration against the
// skull-stripped template, restricted to the brain mask.
const DefaultParametersJSON = `{
    "registration": {
        "verbose": 1,
        "dimensionality": 3,
        "float": 0,
        "collapse-output-transforms": 1,
        "write-composite-transform": 1,
        "output": "[TRANSFORM,VOLUME]",
        "interpolation": "Linear",
        "use-histogram-matching": 0,
        "winsorize-image-intensities": "[0.005,0.995]",
        "initial-moving-transform": "[FIXED,MOVING,1]",
        "masks": "[NULL,MASK]",
        "stages": [
            {
                "transform": "Rigid[0.1]",
                "metric": "MI[FIXED,MOVING,1,32,Regular,0.25]",
                "convergence": "[1000x500x250x0,1e-6,10]",
                "shrink-factors": "8x4x2x1",
                "smoothing-sigmas": "3x2x1x0vox"
            },
            {
                "transform": "Affine[0.1]",
                "metric": "MI[FIXED,MOVING,1,32,Regular,0.25]",
                "convergence": "[1000x500x250x0,1e-6,10]",
                "shrink-factors": "8x4x2x1",
                "smoothing-sigmas": "3x2x1x0vox"
            },
            {
                "transform": "SyN[0.1,3,0]",
                "metric": "CC[FIXED,MOVING,1,4]",
                "convergence": "[100x70x50x0,1e-6,10]",
                "shrink-factors": "8x4x2x1",
                "smoothing-sigmas": "3x2x1x0vox"
            }
        ]
    }
}
`

// WriteDefaultParameters saves DefaultParametersJSON to path, creating parent
// directories as needed.
func WriteDefaultParameters(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create parameter directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(DefaultParametersJSON), 0644); err != nil {
		return fmt.Errorf("failed to write parameter file: %v", err)
	}
	return nil
}
