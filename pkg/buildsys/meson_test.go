package buildsys

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/pipewright/pipewright/pkg/execx"
	"github.com/pipewright/pipewright/pkg/logger"
	"github.com/pipewright/pipewright/pkg/types"
)

type fakeRunner struct {
	commands []string
	lastEnv  []string
	failOn   string
	failCode int
	output   string
}

func (f *fakeRunner) Run(ctx context.Context, cmd *execx.Command) (*execx.Result, error) {
	line := cmd.Name + " " + strings.Join(cmd.Args, " ")
	f.commands = append(f.commands, line)
	f.lastEnv = cmd.Env

	if f.failOn != "" && strings.Contains(line, f.failOn) {
		return &execx.Result{ExitCode: f.failCode, Output: f.output},
			&execx.ExitError{Name: cmd.Name, Code: f.failCode}
	}
	return &execx.Result{}, nil
}

func testMeson(runner *fakeRunner) *Meson {
	var buf bytes.Buffer
	return NewMeson(runner, logger.CreateLoggerWithOutput("error", &buf))
}

func defaultOptions() types.BuildOptions {
	return types.BuildOptions{
		Prefix:    "/usr",
		BuildType: types.BuildTypeRelease,
	}
}

func TestConfigureArgs(t *testing.T) {
	tests := []struct {
		name string
		opts types.BuildOptions
		want []string
	}{
		{
			name: "defaults",
			opts: defaultOptions(),
			want: []string{
				"setup", "/b", "/s",
				"--prefix", "/usr",
				"--buildtype", "release",
				"-Db_lto=false", "-Db_pie=false",
			},
		},
		{
			name: "full option set",
			opts: types.BuildOptions{
				Prefix:    "/usr",
				LibDir:    "lib64",
				SbinDir:   "bin",
				BuildType: types.BuildTypeDebug,
				LTO:       true,
				PIE:       true,
			},
			want: []string{
				"setup", "/b", "/s",
				"--prefix", "/usr",
				"--buildtype", "debug",
				"--libdir", "lib64",
				"--sbindir", "bin",
				"-Db_lto=true", "-Db_pie=true",
			},
		},
		{
			name: "nodownload wrap mode",
			opts: types.BuildOptions{
				Prefix:    "/usr",
				BuildType: types.BuildTypeRelease,
				WrapMode:  types.WrapModeNoDownload,
			},
			want: []string{
				"setup", "/b", "/s",
				"--prefix", "/usr",
				"--buildtype", "release",
				"--wrap-mode", "nodownload",
				"-Db_lto=false", "-Db_pie=false",
			},
		},
		{
			name: "offline forces nodownload",
			opts: types.BuildOptions{
				Prefix:    "/usr",
				BuildType: types.BuildTypeRelease,
				Offline:   true,
			},
			want: []string{
				"setup", "/b", "/s",
				"--prefix", "/usr",
				"--buildtype", "release",
				"--wrap-mode", "nodownload",
				"-Db_lto=false", "-Db_pie=false",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := configureArgs("/b", "/s", tt.opts)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("configureArgs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfigure_RejectsNonEmptyBuildDir(t *testing.T) {
	buildDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(buildDir, "leftover"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	runner := &fakeRunner{}
	_, err := testMeson(runner).Configure(context.Background(),
		&types.WorkingTree{Root: t.TempDir()}, buildDir, defaultOptions())
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if len(runner.commands) != 0 {
		t.Error("tool must not run against a dirty build directory")
	}
}

func TestConfigure_RejectsInvalidOptions(t *testing.T) {
	runner := &fakeRunner{}
	_, err := testMeson(runner).Configure(context.Background(),
		&types.WorkingTree{Root: t.TempDir()}, t.TempDir(),
		types.BuildOptions{Prefix: "/usr", BuildType: "bogus"})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestConfigure_ToolFailure(t *testing.T) {
	runner := &fakeRunner{failOn: "setup", failCode: 1}
	_, err := testMeson(runner).Configure(context.Background(),
		&types.WorkingTree{Root: t.TempDir()}, t.TempDir(), defaultOptions())
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}

	var exitErr *execx.ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 1 {
		t.Errorf("expected tool exit code preserved, got %v", err)
	}
}

func TestCompile_InjectsEnv(t *testing.T) {
	runner := &fakeRunner{}
	build := &types.BuildTree{Root: "/b"}
	env := []string{"SSH_AUTH_SOCK=/tmp/agent.1"}

	if err := testMeson(runner).Compile(context.Background(), build, env); err != nil {
		t.Fatal(err)
	}
	if !build.Compiled {
		t.Error("expected build marked compiled")
	}
	if !reflect.DeepEqual(runner.lastEnv, env) {
		t.Errorf("env = %v, want %v", runner.lastEnv, env)
	}
	if runner.commands[0] != "meson compile -C /b" {
		t.Errorf("unexpected command %q", runner.commands[0])
	}
}

func TestCompile_TransientClassification(t *testing.T) {
	tests := []struct {
		name          string
		output        string
		wantTransient bool
	}{
		{"dns failure", "fatal: unable to access: Could not resolve host: git.example.com", true},
		{"connection refused", "ssh: connect to host git.example.com: Connection refused", true},
		{"partial clone", "fetch-pack: unexpected disconnect, early EOF", true},
		{"source defect", "main.c:10: error: unknown type name", false},
		{"linker failure", "undefined reference to `frobnicate'", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{failOn: "compile", failCode: 1, output: tt.output}
			err := testMeson(runner).Compile(context.Background(), &types.BuildTree{Root: "/b"}, nil)
			if !errors.Is(err, ErrCompile) {
				t.Fatalf("expected ErrCompile, got %v", err)
			}
			if errors.Is(err, ErrTransient) != tt.wantTransient {
				t.Errorf("transient = %v, want %v (err: %v)", !tt.wantTransient, tt.wantTransient, err)
			}
		})
	}
}

func TestTest_TimeoutMultiplier(t *testing.T) {
	tests := []struct {
		name   string
		policy types.TimeoutPolicy
		want   string
	}{
		{"unbounded", types.TimeoutPolicy{Multiplier: 0}, "meson test -C /b --timeout-multiplier 0"},
		{"scaled", types.TimeoutPolicy{Multiplier: 3}, "meson test -C /b --timeout-multiplier 3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			build := &types.BuildTree{Root: "/b"}
			if err := testMeson(runner).Test(context.Background(), build, tt.policy); err != nil {
				t.Fatal(err)
			}
			if runner.commands[0] != tt.want {
				t.Errorf("command = %q, want %q", runner.commands[0], tt.want)
			}
			if !build.Tested {
				t.Error("expected build marked tested")
			}
		})
	}
}

func TestTest_Failure(t *testing.T) {
	runner := &fakeRunner{failOn: "test", failCode: 2, output: "1/5 FAIL"}
	err := testMeson(runner).Test(context.Background(), &types.BuildTree{Root: "/b"}, types.TimeoutPolicy{})
	if !errors.Is(err, ErrVerification) {
		t.Fatalf("expected ErrVerification, got %v", err)
	}
}

func TestInstall_DestDir(t *testing.T) {
	runner := &fakeRunner{}
	if err := testMeson(runner).Install(context.Background(), &types.BuildTree{Root: "/b"}, "/stage"); err != nil {
		t.Fatal(err)
	}
	if runner.commands[0] != "meson install -C /b --destdir /stage" {
		t.Errorf("unexpected command %q", runner.commands[0])
	}
}

func TestLooksTransient(t *testing.T) {
	if looksTransient("error: expected ';' before '}' token") {
		t.Error("compile diagnostics must not classify as transient")
	}
	if !looksTransient("curl: (6) Could not resolve host") {
		t.Error("network signature must classify as transient")
	}
}
