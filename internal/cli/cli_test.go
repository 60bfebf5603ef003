package cli

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/kong"
)

func newParser(t *testing.T) (*kong.Kong, *CLI) {
	t.Helper()
	cli := &CLI{}
	parser, err := kong.New(cli, kong.Name("warmbox"))
	if err != nil {
		t.Fatalf("kong.New: %v", err)
	}
	return parser, cli
}

func TestParseCommands(t *testing.T) {
	t.Parallel()

	cases := []struct {
		args []string
		want string
	}{
		{[]string{"run"}, "run"},
		{[]string{"run", "--log-level", "debug"}, "run"},
		{[]string{"snapshot", "create"}, "snapshot create"},
		{[]string{"snapshot", "create", "-o", "/tmp/out", "--timeout-seconds", "60"}, "snapshot create"},
		{[]string{"doctor", "--json"}, "doctor"},
		{[]string{"status"}, "status"},
		{[]string{"version"}, "version"},
	}

	for _, tc := range cases {
		parser, _ := newParser(t)
		ctx, err := parser.Parse(tc.args)
		if err != nil {
			t.Errorf("Parse(%v): %v", tc.args, err)
			continue
		}
		if got := ctx.Command(); got != tc.want {
			t.Errorf("Parse(%v) command = %q, want %q", tc.args, got, tc.want)
		}
	}
}

func TestParseSnapshotCreateFlags(t *testing.T) {
	t.Parallel()

	parser, cli := newParser(t)
	if _, err := parser.Parse([]string{"snapshot", "create", "-o", "/artifacts", "--timeout-seconds", "90"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cli.Snapshot.Create.Output != "/artifacts" {
		t.Errorf("Output = %q", cli.Snapshot.Create.Output)
	}
	if cli.Snapshot.Create.TimeoutSeconds != 90 {
		t.Errorf("TimeoutSeconds = %d", cli.Snapshot.Create.TimeoutSeconds)
	}
}

func TestParseRejectsUnknownCommand(t *testing.T) {
	t.Parallel()

	parser, _ := newParser(t)
	if _, err := parser.Parse([]string{"frobnicate"}); err == nil {
		t.Fatal("expected parse error for unknown command")
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	if got := ExitCode(exitCodeError{code: 3}); got != 3 {
		t.Errorf("ExitCode(exitCodeError{3}) = %d", got)
	}
	if got := ExitCode(errors.New("plain failure")); got != 1 {
		t.Errorf("ExitCode(plain error) = %d", got)
	}
}

func TestNewLoggerLevels(t *testing.T) {
	t.Parallel()

	if _, err := newLogger("", "test"); err != nil {
		t.Errorf("empty level should default to info: %v", err)
	}
	if _, err := newLogger("DEBUG", "test"); err != nil {
		t.Errorf("level matching should be case-insensitive: %v", err)
	}
	if _, err := newLogger("loud", "test"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	out, err := os.Create(filepath.Join(t.TempDir(), "stdout"))
	if err != nil {
		t.Fatalf("create capture file: %v", err)
	}
	defer out.Close()

	cmd := &VersionCommand{}
	if err := cmd.Run(&runtimeContext{Stdout: out, Version: "1.2.3"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	b, err := os.ReadFile(out.Name())
	if err != nil {
		t.Fatalf("read capture file: %v", err)
	}
	if strings.TrimSpace(string(b)) != "1.2.3" {
		t.Errorf("version output = %q", b)
	}
}
