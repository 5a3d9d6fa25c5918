// Package runner executes external tools and turns their failures into
// SubprocessFailedError values carrying the tool's own error text.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"

	"mriwarp/internal/logging"
)

// Runner executes an external program and returns its combined output.
// A non-zero exit is reported as *SubprocessFailedError.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs programs with os/exec. Commands are never passed through a
// shell; every argument reaches the tool verbatim.
type ExecRunner struct {
	// Dir is the working directory; empty means the current one
	Dir string

	// Env is appended to the inherited environment
	Env []string
}

// Run starts name with args and waits for it. Cancelling ctx kills the process.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	log.Printf("Executing: %s %s", name, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	logging.Lines(name, out.Bytes())
	if err == nil {
		return out.Bytes(), nil
	}

	if ctx.Err() != nil {
		return out.Bytes(), ctx.Err()
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		// the program could not be started at all
		return out.Bytes(), &SubprocessFailedError{
			Tool:     name,
			Args:     args,
			ExitCode: -1,
			Message:  err.Error(),
			Output:   out.String(),
		}
	}

	sfe := Failed(name, exitErr.ExitCode(), out.String())
	sfe.Args = args
	return out.Bytes(), sfe
}

// SubprocessFailedError reports a failed external tool invocation. Message
// holds the tool's own error text so it can be shown to the user as is.
type SubprocessFailedError struct {
	Tool     string
	Args     []string
	ExitCode int
	Message  string
	Output   string
}

func (e *SubprocessFailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s exited with status %d", e.Tool, e.ExitCode)
	}
	return e.Message
}

// errorMarker precedes the relevant message in ANTs and HD-BET output
const errorMarker = "ERROR: "

// ParseToolError extracts the text following the last "ERROR: " marker, or
// returns the whole output when there is none. Surrounding whitespace is trimmed.
func ParseToolError(output string) string {
	if i := strings.LastIndex(output, errorMarker); i >= 0 {
		return strings.TrimSpace(output[i+len(errorMarker):])
	}
	return strings.TrimSpace(output)
}

// ExitCodeOf returns the exit status carried by err, or -1 when err is not a
// SubprocessFailedError.
func ExitCodeOf(err error) int {
	var sfe *SubprocessFailedError
	if errors.As(err, &sfe) {
		return sfe.ExitCode
	}
	return -1
}

// Failed builds a SubprocessFailedError from the output of a tool that
// exited with exitCode.
func Failed(tool string, exitCode int, output string) *SubprocessFailedError {
	return &SubprocessFailedError{
		Tool:     tool,
		ExitCode: exitCode,
		Message:  ParseToolError(output),
		Output:   output,
	}
}
