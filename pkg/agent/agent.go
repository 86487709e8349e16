// Package agent manages the short-lived key-agent session the compile
// stage authenticates through.
//
// A session is always torn down by the scope that started it: the agent
// process and its registered identity never outlive the stage, regardless
// of how the stage exits.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/pipewright/pipewright/pkg/execx"
	"github.com/pipewright/pipewright/pkg/logger"
)

// ErrAgent indicates the key-agent session could not be established or the
// key could not be registered with it
var ErrAgent = errors.New("key-agent session failed")

// Session is a running key-agent process
type Session struct {
	runner execx.Runner
	log    logger.Logger

	authSock string
	pid      string
	closed   bool
}

// Start launches a fresh agent scoped to the calling process
func Start(ctx context.Context, runner execx.Runner, log logger.Logger) (*Session, error) {
	res, err := runner.Run(ctx, &execx.Command{
		Name: "ssh-agent",
		Args: []string{"-s"},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAgent, err)
	}

	sock, pid := parseAgentOutput(res.Output)
	if sock == "" {
		return nil, fmt.Errorf("%w: agent did not report an auth socket", ErrAgent)
	}

	log.Debug("Key agent started", logger.WithField("pid", pid))
	return &Session{
		runner:   runner,
		log:      log,
		authSock: sock,
		pid:      pid,
	}, nil
}

// AddKey validates the key material and registers it with the agent. The
// key file is read only to confirm it parses as a private key; its bytes
// are handed to the agent by path, never through arguments.
func (s *Session) AddKey(ctx context.Context, keyPath string) error {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("%w: reading key: %v", ErrAgent, err)
	}
	if _, err := ssh.ParsePrivateKey(data); err != nil {
		return fmt.Errorf("%w: key material is not a usable private key", ErrAgent)
	}

	if _, err := s.runner.Run(ctx, &execx.Command{
		Name: "ssh-add",
		Args: []string{keyPath},
		Env:  s.Environ(),
	}); err != nil {
		return fmt.Errorf("%w: registering key: %w", ErrAgent, err)
	}
	return nil
}

// Environ returns the environment entries that route authentication
// through this session
func (s *Session) Environ() []string {
	env := []string{"SSH_AUTH_SOCK=" + s.authSock}
	if s.pid != "" {
		env = append(env, "SSH_AGENT_PID="+s.pid)
	}
	return env
}

// Close terminates the agent. Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true

	// The stage's context may already be canceled (deadline, caller abort);
	// the agent still has to die, so the kill runs detached from it.
	_, err := s.runner.Run(context.WithoutCancel(ctx), &execx.Command{
		Name: "ssh-agent",
		Args: []string{"-k"},
		Env:  s.Environ(),
	})
	if err != nil {
		return fmt.Errorf("%w: teardown: %w", ErrAgent, err)
	}
	s.log.Debug("Key agent stopped", logger.WithField("pid", s.pid))
	return nil
}

// WithSession runs fn inside a fresh agent session holding the key at
// keyPath. The session is torn down when fn returns, whatever the outcome.
func WithSession(ctx context.Context, runner execx.Runner, log logger.Logger, keyPath string, fn func(env []string) error) error {
	session, err := Start(ctx, runner, log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := session.Close(ctx); cerr != nil {
			log.Warn("Key agent teardown reported an error")
		}
	}()

	if err := session.AddKey(ctx, keyPath); err != nil {
		return err
	}
	return fn(session.Environ())
}

// parseAgentOutput extracts the socket and pid from sh-style agent output:
//
//	SSH_AUTH_SOCK=/tmp/ssh-X/agent.1; export SSH_AUTH_SOCK;
//	SSH_AGENT_PID=123; export SSH_AGENT_PID;
func parseAgentOutput(out string) (sock, pid string) {
	for _, line := range strings.Split(out, "\n") {
		for _, field := range strings.Split(line, ";") {
			field = strings.TrimSpace(field)
			if v, ok := strings.CutPrefix(field, "SSH_AUTH_SOCK="); ok {
				sock = v
			}
			if v, ok := strings.CutPrefix(field, "SSH_AGENT_PID="); ok {
				pid = v
			}
		}
	}
	return sock, pid
}
