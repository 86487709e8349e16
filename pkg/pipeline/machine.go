package pipeline

import (
	"errors"
	"fmt"

	"github.com/pipewright/pipewright/pkg/types"
)

// ErrStageOrder indicates a stage was invoked out of order. The pipeline
// rejects this up front instead of letting the underlying tool fail with a
// cryptic diagnostic.
var ErrStageOrder = errors.New("stage invoked out of order")

// requiredPhase maps each stage to the phase that must already be recorded
// before the stage may run
var requiredPhase = map[types.Stage]types.Phase{
	types.StageSource:      types.PhaseEmpty,
	types.StageCredentials: types.PhaseAcquired,
	types.StageConfigure:   types.PhaseProvisioned,
	types.StageCompile:     types.PhaseConfigured,
	types.StageVerify:      types.PhaseCompiled,
	types.StageInstall:     types.PhaseVerified,
}

// nextPhase maps each stage to the phase recorded after it succeeds
var nextPhase = map[types.Stage]types.Phase{
	types.StageSource:      types.PhaseAcquired,
	types.StageCredentials: types.PhaseProvisioned,
	types.StageConfigure:   types.PhaseConfigured,
	types.StageCompile:     types.PhaseCompiled,
	types.StageVerify:      types.PhaseVerified,
	types.StageInstall:     types.PhaseInstalled,
}

// Machine tracks pipeline progress and guards stage transitions
type Machine struct {
	phase types.Phase

	// verifyOptional allows install to follow compile directly when the
	// verification stage has been configured as skippable.
	verifyOptional bool
}

// NewMachine creates a machine resuming from a recorded phase
func NewMachine(phase types.Phase, verifyOptional bool) *Machine {
	if phase == "" {
		phase = types.PhaseEmpty
	}
	return &Machine{phase: phase, verifyOptional: verifyOptional}
}

// Phase returns the current phase
func (m *Machine) Phase() types.Phase {
	return m.phase
}

// Ensure checks that the machine is in the phase stage requires
func (m *Machine) Ensure(stage types.Stage) error {
	want, ok := requiredPhase[stage]
	if !ok {
		return fmt.Errorf("%w: unknown stage %q", ErrStageOrder, stage)
	}

	if m.phase == want {
		return nil
	}
	if stage == types.StageInstall && m.verifyOptional && m.phase == types.PhaseCompiled {
		return nil
	}
	return fmt.Errorf("%w: %s requires phase %q, pipeline is at %q",
		ErrStageOrder, stage, want, m.phase)
}

// Advance records that stage completed successfully
func (m *Machine) Advance(stage types.Stage) {
	if next, ok := nextPhase[stage]; ok {
		m.phase = next
	}
}
