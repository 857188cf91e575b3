package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func requirePOSIXShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("cli tests need a POSIX shell")
	}
}

func runRoot(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	cmd := NewRootCmd()
	outBuf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(args)
	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

func writeManifestFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func taskManifest(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := NewRootCmd()

	want := []string{"run", "task", "tasks", "batch", "serve", "config"}
	have := make(map[string]bool)
	for _, sub := range root.Commands() {
		have[sub.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Fatalf("missing subcommand %q, registered: %v", name, root.Commands())
		}
	}
}

func TestRootCommandManifestPathFromEnv(t *testing.T) {
	t.Setenv("SYMRUN_TASKS", "/tmp/custom.yaml")

	_, ctx := newRootCommand()
	if got := *ctx.manifestFile; got != "/tmp/custom.yaml" {
		t.Fatalf("expected manifest path from env, got %q", got)
	}
}

func TestRootCommandManifestFlagOverridesEnv(t *testing.T) {
	t.Setenv("SYMRUN_TASKS", "/tmp/custom.yaml")

	cmd, ctx := newRootCommand()
	if err := cmd.PersistentFlags().Set("file", "/tmp/override.yaml"); err != nil {
		t.Fatalf("set file flag: %v", err)
	}
	if got := *ctx.manifestFile; got != "/tmp/override.yaml" {
		t.Fatalf("expected flag to win, got %q", got)
	}
}

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		code int
		want int
	}{
		{code: 0, want: 0},
		{code: 3, want: 3},
		{code: -15, want: 143},
		{code: -9, want: 137},
	}
	for _, tc := range cases {
		if got := exitCodeFor(tc.code); got != tc.want {
			t.Fatalf("exitCodeFor(%d) = %d, want %d", tc.code, got, tc.want)
		}
	}
}

func TestExitErrorMessage(t *testing.T) {
	silent := &exitError{code: 7}
	if silent.Error() != "exit status 7" {
		t.Fatalf("unexpected error text: %q", silent.Error())
	}

	spoken := &exitError{code: 1, msg: "2 task(s) failed: boom"}
	if spoken.Error() != "2 task(s) failed: boom" {
		t.Fatalf("unexpected error text: %q", spoken.Error())
	}

	var exit *exitError
	if !errors.As(error(spoken), &exit) || exit.code != 1 {
		t.Fatalf("errors.As did not recover the exit code")
	}
}

func TestParseEnvPairs(t *testing.T) {
	env, err := parseEnvPairs([]string{"A=1", "B=two=parts", "EMPTY="})
	if err != nil {
		t.Fatalf("parseEnvPairs returned error: %v", err)
	}
	if env["A"] != "1" || env["B"] != "two=parts" || env["EMPTY"] != "" {
		t.Fatalf("unexpected env: %#v", env)
	}

	if _, err := parseEnvPairs([]string{"NOVALUE"}); err == nil {
		t.Fatalf("expected error for entry without =")
	}
	if _, err := parseEnvPairs([]string{"=value"}); err == nil {
		t.Fatalf("expected error for entry without key")
	}

	env, err = parseEnvPairs(nil)
	if err != nil || env != nil {
		t.Fatalf("expected nil overlay for no entries, got %#v (%v)", env, err)
	}
}
