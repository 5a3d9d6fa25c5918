package runner

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
)

func TestParseToolError(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"marker", "All_Command_lines_OK\nERROR: file not found: moving.nii.gz\n", "file not found: moving.nii.gz"},
		{"last marker wins", "ERROR: first\nmore\nERROR: second  \n", "second"},
		{"no marker", "  Segmentation fault (core dumped)\n", "Segmentation fault (core dumped)"},
		{"empty", "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ParseToolError(tc.output); got != tc.want {
				t.Errorf("Expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestSubprocessFailedErrorMessage(t *testing.T) {
	err := Failed("antsRegistration", 1, "Using double precision\nERROR: Unable to read MASK")
	if err.Error() != "Unable to read MASK" {
		t.Errorf("Unexpected message %q", err.Error())
	}
	if ExitCodeOf(err) != 1 {
		t.Errorf("Expected exit code 1, got %d", ExitCodeOf(err))
	}
	if ExitCodeOf(errors.New("other")) != -1 {
		t.Error("Expected -1 for foreign errors")
	}

	bare := &SubprocessFailedError{Tool: "hd-bet", ExitCode: 2}
	if !strings.Contains(bare.Error(), "hd-bet") {
		t.Errorf("Expected tool name in fallback message, got %q", bare.Error())
	}
}

func requireShell(t *testing.T) string {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func TestExecRunnerSuccess(t *testing.T) {
	sh := requireShell(t)
	r := &ExecRunner{}
	out, err := r.Run(context.Background(), sh, "-c", "echo hello")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if strings.TrimSpace(string(out)) != "hello" {
		t.Errorf("Unexpected output %q", out)
	}
}

func TestExecRunnerFailureCarriesToolText(t *testing.T) {
	sh := requireShell(t)
	r := &ExecRunner{}
	_, err := r.Run(context.Background(), sh, "-c", "echo 'ERROR: transform file is corrupt' >&2; exit 3")

	var sfe *SubprocessFailedError
	if !errors.As(err, &sfe) {
		t.Fatalf("Expected SubprocessFailedError, got %v", err)
	}
	if sfe.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", sfe.ExitCode)
	}
	if sfe.Message != "transform file is corrupt" {
		t.Errorf("Unexpected message %q", sfe.Message)
	}
	if len(sfe.Args) != 2 || sfe.Args[0] != "-c" {
		t.Errorf("Expected the invocation arguments, got %v", sfe.Args)
	}
}

func TestExecRunnerMissingProgram(t *testing.T) {
	r := &ExecRunner{}
	_, err := r.Run(context.Background(), "mriwarp-definitely-not-installed")

	var sfe *SubprocessFailedError
	if !errors.As(err, &sfe) {
		t.Fatalf("Expected SubprocessFailedError, got %v", err)
	}
	if sfe.ExitCode != -1 {
		t.Errorf("Expected exit code -1 for a missing program, got %d", sfe.ExitCode)
	}
}

func TestExecRunnerCancelled(t *testing.T) {
	sh := requireShell(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &ExecRunner{}
	_, err := r.Run(ctx, sh, "-c", "sleep 5")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
