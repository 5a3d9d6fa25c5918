package registration

import (
	"fmt"
	"strings"
)

// Placeholder is a token in a parameter value that is replaced by a concrete
// path before a command runs.
type Placeholder string

// The closed set of placeholders a parameter document may reference
const (
	Fixed     Placeholder = "FIXED"
	Moving    Placeholder = "MOVING"
	Mask      Placeholder = "MASK"
	Transform Placeholder = "TRANSFORM"
	Volume    Placeholder = "VOLUME"
	OutPath   Placeholder = "OUTPATH"
	Name      Placeholder = "NAME"
)

// Placeholders lists every known placeholder
var Placeholders = []Placeholder{Fixed, Moving, Mask, Transform, Volume, OutPath, Name}

func isPlaceholder(s string) bool {
	for _, p := range Placeholders {
		if string(p) == s {
			return true
		}
	}
	return false
}

// Bindings maps placeholders to the values substituted for them
type Bindings map[Placeholder]string

// Command is one fully resolved invocation of the registration tool
type Command struct {
	// Name of the parameter document entry the command was built from
	Name string

	// Args excludes the executable itself
	Args []string
}

func (c Command) String() string {
	return strings.Join(c.Args, " ")
}

// BuildCommands resolves every entry of params into an argument list. Flags
// keep document order. A value is split on whitespace before substitution so
// bound paths containing spaces stay a single argument. Referencing a
// placeholder without a non-empty binding is an error.
func BuildCommands(params *Parameters, b Bindings) ([]Command, error) {
	if params == nil || len(params.Commands) == 0 {
		return nil, fmt.Errorf("%w: no commands to build", ErrInvalidParameters)
	}

	cmds := make([]Command, 0, len(params.Commands))
	for _, spec := range params.Commands {
		cmd := Command{Name: spec.Name}
		for _, f := range spec.Flags {
			cmd.Args = append(cmd.Args, "--"+f.Name)
			for _, tok := range strings.Fields(f.Value) {
				v, err := substitute(tok, b)
				if err != nil {
					return nil, fmt.Errorf("%s --%s: %w", spec.Name, f.Name, err)
				}
				cmd.Args = append(cmd.Args, v)
			}
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// substitute replaces every maximal run of upper-case letters that names a
// placeholder. Other runs (MI, CC, SyN, NULL) are left untouched, except runs
// that merely contain a placeholder such as OUTPATHNAME, which are rejected.
func substitute(s string, b Bindings) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(s) {
		if !isUpper(s[i]) {
			out.WriteByte(s[i])
			i++
			continue
		}
		j := i
		for j < len(s) && isUpper(s[j]) {
			j++
		}
		run := s[i:j]
		if isPlaceholder(run) {
			v := b[Placeholder(run)]
			if v == "" {
				return "", fmt.Errorf("%w: placeholder %s is not bound", ErrInvalidParameters, run)
			}
			out.WriteString(v)
		} else if p, ok := embeddedPlaceholder(run); ok {
			return "", fmt.Errorf("%w: %s contains placeholder %s; separate it with a non-letter", ErrInvalidParameters, run, p)
		} else {
			out.WriteString(run)
		}
		i = j
	}
	return out.String(), nil
}

func embeddedPlaceholder(run string) (Placeholder, bool) {
	for _, p := range Placeholders {
		if strings.Contains(run, string(p)) {
			return p, true
		}
	}
	return "", false
}

func isUpper(c byte) bool {
	return c >= 'A' && c <= 'Z'
}
