// Package state provides persistent pipeline state for Pipewright.
//
// The four CLI sub-commands run in separate processes; the state file under
// the work root is what lets a later invocation verify that the earlier
// stages actually completed.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipewright/pipewright/pkg/logger"
	"github.com/pipewright/pipewright/pkg/types"
)

// PipelineState is the persisted record of a run's progress
type PipelineState struct {
	Phase     types.Phase        `json:"phase"`
	WorkTree  *types.WorkingTree `json:"workTree,omitempty"`
	BuildTree *types.BuildTree   `json:"buildTree,omitempty"`
	// Credential references the provisioned key by path; no key bytes are
	// ever persisted here.
	Credential *types.CredentialBundle `json:"credential,omitempty"`
	// Result carries the run identity and the ordered stage outcomes.
	Result    types.PipelineResult `json:"result"`
	LastError string               `json:"lastError,omitempty"`
	ProcessID int                  `json:"processId"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// RunID identifies the pipeline run this state belongs to
func (s *PipelineState) RunID() string {
	return s.Result.RunID
}

// Manager handles the persistent state file
type Manager struct {
	workRoot string
	log      logger.Logger
	mu       sync.Mutex
}

// NewManager creates a state manager rooted at the pipeline work root
func NewManager(workRoot string, log logger.Logger) *Manager {
	return &Manager{
		workRoot: workRoot,
		log:      log,
	}
}

// Dir returns the pipeline-owned metadata directory
func (m *Manager) Dir() string {
	return filepath.Join(m.workRoot, ".pipewright")
}

func (m *Manager) statePath() string {
	return filepath.Join(m.Dir(), "state.json")
}

// Load reads the recorded state, or returns a fresh empty-phase state if
// none has been written yet
func (m *Manager) Load() (*PipelineState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.statePath())
	if os.IsNotExist(err) {
		return &PipelineState{
			Phase: types.PhaseEmpty,
			Result: types.PipelineResult{
				RunID:   uuid.New().String(),
				Started: time.Now(),
			},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var st PipelineState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("state file is corrupt: %w", err)
	}
	if st.Phase == "" {
		st.Phase = types.PhaseEmpty
	}
	return &st, nil
}

// Save writes the state atomically
func (m *Manager) Save(st *PipelineState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.Dir(), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	st.ProcessID = os.Getpid()
	st.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := m.statePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return os.Rename(tmp, m.statePath())
}

// Remove deletes the metadata directory, state file included
func (m *Manager) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return os.RemoveAll(m.Dir())
}
