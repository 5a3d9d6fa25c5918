package atlas

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"mriwarp/internal/models"
	"mriwarp/pkg/runner"
)

// CommandProvider queries an external atlas tool.
//
// The tool is expected to support:
//
//	<exe> --list --space S
//	<exe> --assign --parcellation P --space S --maptype statistical|labelled --point x,y,z --sigma s
//
// --list prints one parcellation per line. --assign prints a CSV table with
// a "region" column and one column per score. Points outside the parcellation
// make the tool exit with OutOfDomainExitCode.
type CommandProvider struct {
	// Runner executes the tool
	Runner runner.Runner

	// Executable of the atlas tool
	Executable string

	// Args are passed before the per-call arguments
	Args []string

	// OutOfDomainExitCode is the exit status signalling an unindexable point
	OutOfDomainExitCode int
}

func (c *CommandProvider) run(ctx context.Context, args ...string) ([]byte, error) {
	all := append(append([]string{}, c.Args...), args...)
	return c.Runner.Run(ctx, c.Executable, all...)
}

// Parcellations lists the parcellations of space, dropping duplicates
func (c *CommandProvider) Parcellations(ctx context.Context, space string) ([]string, error) {
	out, err := c.run(ctx, "--list", "--space", space)
	if err != nil {
		return nil, fmt.Errorf("failed to list parcellations: %w", err)
	}

	seen := make(map[string]bool)
	var names []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		name := strings.TrimSpace(sc.Text())
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names, sc.Err()
}

// Assign runs one assignment query
func (c *CommandProvider) Assign(ctx context.Context, q Query) (models.AssignmentTable, error) {
	point := fmt.Sprintf("%s,%s,%s", ftoa(q.Point[0]), ftoa(q.Point[1]), ftoa(q.Point[2]))
	out, err := c.run(ctx,
		"--assign",
		"--parcellation", q.Parcellation,
		"--space", q.Space,
		"--maptype", q.MapType.String(),
		"--point", point,
		"--sigma", ftoa(q.SigmaMM),
	)
	if err != nil {
		var sfe *runner.SubprocessFailedError
		if errors.As(err, &sfe) && sfe.ExitCode == c.OutOfDomainExitCode {
			return models.AssignmentTable{}, ErrOutOfDomain
		}
		return models.AssignmentTable{}, fmt.Errorf("failed to query %s: %w", q.Parcellation, err)
	}
	return ParseTable(bytes.NewReader(out))
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
