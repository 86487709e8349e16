// Package credentials provisions the ephemeral deploy key the compile
// stage authenticates with.
//
// The transport and storage backends are interfaces: the default transport
// fetches raw key bytes over a bearer-token URL because that is the contract
// the existing token endpoint exposes, and callers can swap in a hardened
// transport or store without touching the pipeline structure.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pipewright/pipewright/pkg/logger"
	"github.com/pipewright/pipewright/pkg/types"
)

// ErrCredential indicates the ephemeral key could not be provisioned: the
// endpoint was unreachable, returned a non-success status, or returned an
// empty body.
var ErrCredential = errors.New("credential provisioning failed")

// Transport fetches raw private-key bytes from a token endpoint
type Transport interface {
	Fetch(ctx context.Context, endpoint, token string) ([]byte, error)
}

// Store persists the key and its host-routing configuration
type Store interface {
	// WriteKey writes the key bytes with owner-only permissions and
	// returns the key file path. Re-writing overwrites.
	WriteKey(data []byte) (string, error)

	// WriteHostStanza records the host pattern to key routing. Exactly one
	// stanza exists per host pattern after any number of calls.
	WriteHostStanza(hostPattern, keyPath, user string) error

	// Remove discards all stored key material and routing configuration.
	Remove() error
}

// Provisioner fetches and installs a credential bundle
type Provisioner struct {
	transport Transport
	store     Store
	log       logger.Logger
}

// NewProvisioner creates a provisioner from a transport and store
func NewProvisioner(transport Transport, store Store, log logger.Logger) *Provisioner {
	return &Provisioner{
		transport: transport,
		store:     store,
		log:       log.WithStage(string(types.StageCredentials)),
	}
}

// Provision fetches the key and installs it into the store. The returned
// bundle is owned by the running pipeline; it references the key by path
// and never carries key bytes.
func (p *Provisioner) Provision(ctx context.Context, cfg types.CredentialConfig, token string) (*types.CredentialBundle, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: no endpoint configured", ErrCredential)
	}
	if token == "" {
		return nil, fmt.Errorf("%w: no token available", ErrCredential)
	}

	p.log.Info("Fetching deploy key", logger.WithField("endpoint", redact(cfg.Endpoint)))

	key, err := p.transport.Fetch(ctx, cfg.Endpoint, token)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: endpoint returned an empty body", ErrCredential)
	}

	keyPath, err := p.store.WriteKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredential, err)
	}
	if err := p.store.WriteHostStanza(cfg.HostPattern, keyPath, cfg.User); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredential, err)
	}

	p.log.Success("Deploy key provisioned", logger.WithField("host", cfg.HostPattern))

	return &types.CredentialBundle{
		KeyPath:     keyPath,
		HostPattern: cfg.HostPattern,
		User:        cfg.User,
	}, nil
}

// Discard removes all provisioned key material
func (p *Provisioner) Discard() error {
	return p.store.Remove()
}

// redact strips query parameters so a tokenized URL never reaches a log
// or error message
func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "<unparseable endpoint>"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// HTTPTransport fetches the key over a single GET carrying the token as a
// query parameter. This mirrors the existing endpoint contract; see the
// package comment for why it is pluggable.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport creates the default transport
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{Client: http.DefaultClient}
}

// Fetch issues the request and returns the raw body
func (t *HTTPTransport) Fetch(ctx context.Context, endpoint, token string) ([]byte, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid endpoint", ErrCredential)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredential, err)
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		// The transport error may echo the request URL; report only the
		// redacted endpoint.
		return nil, fmt.Errorf("%w: request to %s failed", ErrCredential, redact(endpoint))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: endpoint returned status %d", ErrCredential, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrCredential, err)
	}
	return body, nil
}

// FileStore keeps the key and routing configuration under a pipeline-owned
// directory. Nothing is written to the user's ambient ssh configuration;
// the compile stage injects the routing file explicitly.
type FileStore struct {
	// Dir is the pipeline-owned credential directory.
	Dir string
}

// NewFileStore creates a file store rooted at dir
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

// KeyPath returns where the key file lives
func (s *FileStore) KeyPath() string {
	return filepath.Join(s.Dir, "deploy_key")
}

// ConfigPath returns where the host-routing configuration lives
func (s *FileStore) ConfigPath() string {
	return filepath.Join(s.Dir, "ssh_config")
}

// WriteKey writes the key with owner-only permissions
func (s *FileStore) WriteKey(data []byte) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return "", err
	}
	path := s.KeyPath()
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	// WriteFile does not chmod an existing file.
	if err := os.Chmod(path, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// WriteHostStanza writes the routing stanza, replacing any previous stanza
// for the same host pattern
func (s *FileStore) WriteHostStanza(hostPattern, keyPath, user string) error {
	if hostPattern == "" {
		return fmt.Errorf("no host pattern configured")
	}

	var kept []string
	if data, err := os.ReadFile(s.ConfigPath()); err == nil {
		kept = stripHostBlock(strings.Split(string(data), "\n"), hostPattern)
	}

	stanza := []string{
		"Host " + hostPattern,
		"    IdentityFile " + keyPath,
		"    IdentitiesOnly yes",
	}
	if user != "" {
		stanza = append(stanza, "    User "+user)
	}

	lines := append(kept, stanza...)
	content := strings.TrimLeft(strings.Join(lines, "\n"), "\n") + "\n"
	return os.WriteFile(s.ConfigPath(), []byte(content), 0o600)
}

// Remove discards the credential directory
func (s *FileStore) Remove() error {
	return os.RemoveAll(s.Dir)
}

// stripHostBlock drops an existing "Host <pattern>" block and its indented
// body from the config lines. Lines outside the matched block survive
// untouched, non-indented directives included.
func stripHostBlock(lines []string, hostPattern string) []string {
	var out []string
	skipping := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		indented := len(line) > 0 && (line[0] == ' ' || line[0] == '\t')
		switch {
		case strings.HasPrefix(trimmed, "Host "):
			skipping = strings.TrimSpace(strings.TrimPrefix(trimmed, "Host")) == hostPattern
		case skipping && trimmed != "" && !indented:
			// A non-indented directive ends the stripped block.
			skipping = false
		}
		if skipping {
			continue
		}
		out = append(out, line)
	}
	// Trailing blank lines would otherwise grow across rewrites.
	for len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == "" {
		out = out[:len(out)-1]
	}
	return out
}
