package agent

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/pipewright/pipewright/pkg/execx"
	"github.com/pipewright/pipewright/pkg/logger"
)

const agentOutput = "SSH_AUTH_SOCK=/tmp/ssh-test/agent.42; export SSH_AUTH_SOCK;\nSSH_AGENT_PID=42; export SSH_AGENT_PID;\necho Agent pid 42;\n"

// fakeRunner records command lines and scripts failures by substring
type fakeRunner struct {
	commands []string
	failOn   string
	failCode int
	output   map[string]string
}

func (f *fakeRunner) Run(ctx context.Context, cmd *execx.Command) (*execx.Result, error) {
	line := cmd.Name + " " + strings.Join(cmd.Args, " ")
	f.commands = append(f.commands, line)

	if f.failOn != "" && strings.Contains(line, f.failOn) {
		return &execx.Result{ExitCode: f.failCode}, &execx.ExitError{Name: cmd.Name, Code: f.failCode}
	}
	for sub, out := range f.output {
		if strings.Contains(line, sub) {
			return &execx.Result{Output: out}, nil
		}
	}
	return &execx.Result{}, nil
}

func testLog() logger.Logger {
	var buf bytes.Buffer
	return logger.CreateLoggerWithOutput("error", &buf)
}

func writeTestKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "deploy_key")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseAgentOutput(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		wantSock string
		wantPID  string
	}{
		{
			name:     "standard sh output",
			output:   agentOutput,
			wantSock: "/tmp/ssh-test/agent.42",
			wantPID:  "42",
		},
		{
			name:     "socket only",
			output:   "SSH_AUTH_SOCK=/run/agent.sock; export SSH_AUTH_SOCK;",
			wantSock: "/run/agent.sock",
			wantPID:  "",
		},
		{
			name:   "empty output",
			output: "",
		},
		{
			name:   "unrelated output",
			output: "Agent pid 42",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sock, pid := parseAgentOutput(tt.output)
			if sock != tt.wantSock {
				t.Errorf("sock = %q, want %q", sock, tt.wantSock)
			}
			if pid != tt.wantPID {
				t.Errorf("pid = %q, want %q", pid, tt.wantPID)
			}
		})
	}
}

func TestStart_NoSocket(t *testing.T) {
	runner := &fakeRunner{output: map[string]string{"ssh-agent": "nothing useful"}}
	_, err := Start(context.Background(), runner, testLog())
	if !errors.Is(err, ErrAgent) {
		t.Fatalf("expected ErrAgent, got %v", err)
	}
}

func TestSession_Environ(t *testing.T) {
	runner := &fakeRunner{output: map[string]string{"ssh-agent -s": agentOutput}}
	session, err := Start(context.Background(), runner, testLog())
	if err != nil {
		t.Fatal(err)
	}

	env := session.Environ()
	want := []string{"SSH_AUTH_SOCK=/tmp/ssh-test/agent.42", "SSH_AGENT_PID=42"}
	if len(env) != len(want) {
		t.Fatalf("env = %v, want %v", env, want)
	}
	for i := range want {
		if env[i] != want[i] {
			t.Errorf("env[%d] = %q, want %q", i, env[i], want[i])
		}
	}
}

func TestAddKey_InvalidKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deploy_key")
	if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}

	runner := &fakeRunner{output: map[string]string{"ssh-agent -s": agentOutput}}
	session, err := Start(context.Background(), runner, testLog())
	if err != nil {
		t.Fatal(err)
	}

	err = session.AddKey(context.Background(), path)
	if !errors.Is(err, ErrAgent) {
		t.Fatalf("expected ErrAgent, got %v", err)
	}
	for _, line := range runner.commands {
		if strings.HasPrefix(line, "ssh-add") {
			t.Error("unusable key must never reach the agent")
		}
	}
}

func TestClose_Idempotent(t *testing.T) {
	runner := &fakeRunner{output: map[string]string{"ssh-agent -s": agentOutput}}
	session, err := Start(context.Background(), runner, testLog())
	if err != nil {
		t.Fatal(err)
	}

	if err := session.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := session.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	kills := 0
	for _, line := range runner.commands {
		if strings.HasPrefix(line, "ssh-agent -k") {
			kills++
		}
	}
	if kills != 1 {
		t.Errorf("expected one teardown command, got %d", kills)
	}
}

func TestWithSession_TearsDownOnFailure(t *testing.T) {
	keyPath := writeTestKey(t)
	runner := &fakeRunner{output: map[string]string{"ssh-agent -s": agentOutput}}

	wantErr := errors.New("stage failed")
	err := WithSession(context.Background(), runner, testLog(), keyPath, func(env []string) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected stage error passed through, got %v", err)
	}

	last := runner.commands[len(runner.commands)-1]
	if !strings.HasPrefix(last, "ssh-agent -k") {
		t.Errorf("expected teardown as the final command, got %q", last)
	}
}

// ctxAwareRunner refuses to start commands under a dead context, the way
// exec.CommandContext does on the host
type ctxAwareRunner struct {
	fakeRunner
}

func (c *ctxAwareRunner) Run(ctx context.Context, cmd *execx.Command) (*execx.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.fakeRunner.Run(ctx, cmd)
}

func TestWithSession_TearsDownAfterCancellation(t *testing.T) {
	keyPath := writeTestKey(t)
	runner := &ctxAwareRunner{fakeRunner{output: map[string]string{"ssh-agent -s": agentOutput}}}

	ctx, cancel := context.WithCancel(context.Background())
	err := WithSession(ctx, runner, testLog(), keyPath, func(env []string) error {
		// The deadline fires while the stage is still running.
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the cancellation to propagate, got %v", err)
	}

	last := runner.commands[len(runner.commands)-1]
	if !strings.HasPrefix(last, "ssh-agent -k") {
		t.Errorf("agent must be killed even under a canceled context, got commands %v", runner.commands)
	}
}

func TestWithSession_RegistersKeyBeforeFn(t *testing.T) {
	keyPath := writeTestKey(t)
	runner := &fakeRunner{output: map[string]string{"ssh-agent -s": agentOutput}}

	var sawEnv []string
	err := WithSession(context.Background(), runner, testLog(), keyPath, func(env []string) error {
		sawEnv = env
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"ssh-agent -s", "ssh-add " + keyPath, "ssh-agent -k"}
	if len(runner.commands) != len(want) {
		t.Fatalf("commands = %v, want %v", runner.commands, want)
	}
	for i := range want {
		if runner.commands[i] != want[i] {
			t.Errorf("command %d = %q, want %q", i, runner.commands[i], want[i])
		}
	}
	if len(sawEnv) == 0 || sawEnv[0] != "SSH_AUTH_SOCK=/tmp/ssh-test/agent.42" {
		t.Errorf("fn did not receive session environment: %v", sawEnv)
	}
}
