package cli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/pipewright/pipewright/pkg/buildsys"
	"github.com/pipewright/pipewright/pkg/execx"
	"github.com/pipewright/pipewright/pkg/pipeline"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, 0},
		{"stage order violation", pipeline.ErrStageOrder, 2},
		{
			"wrapped stage order violation",
			fmt.Errorf("%w: build requires phase %q", pipeline.ErrStageOrder, "provisioned"),
			2,
		},
		{
			"tool exit code passes through",
			fmt.Errorf("%w: %w", buildsys.ErrCompile, &execx.ExitError{Name: "meson", Code: 7}),
			7,
		},
		{
			"deeply wrapped tool exit code",
			fmt.Errorf("%w: %w: %w", buildsys.ErrCompile, buildsys.ErrTransient, &execx.ExitError{Name: "git", Code: 128}),
			128,
		},
		{"opaque failure", errors.New("boom"), 1},
		{"sentinel without exit code", buildsys.ErrVerification, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
