package types

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Strategy
		wantErr  bool
	}{
		{name: "blue-green", input: "blue-green", expected: StrategyBlueGreen},
		{name: "bluegreen alias", input: "BlueGreen", expected: StrategyBlueGreen},
		{name: "canary", input: "canary", expected: StrategyCanary},
		{name: "rolling with spaces", input: " rolling ", expected: StrategyRolling},
		{name: "unknown", input: "recreate", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStrategy(tt.input)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrConfiguration))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestRevisionTransitionTerminalIsImmutable(t *testing.T) {
	rev := &DeploymentRevision{ID: "rev-1", Status: RevisionPending, CreatedAt: time.Now()}

	require.NoError(t, rev.Transition(RevisionDeploying, ""))
	require.NoError(t, rev.Transition(RevisionCompleted, "done"))

	err := rev.Transition(RevisionRolledBack, "late")
	assert.ErrorIs(t, err, ErrTerminalRevision)
	assert.Equal(t, RevisionCompleted, rev.Status)
	assert.Equal(t, "done", rev.StatusReason)

	assert.ErrorIs(t, rev.SetWeight(50), ErrTerminalRevision)
}

func TestRevisionSetWeightIsMonotonic(t *testing.T) {
	rev := &DeploymentRevision{ID: "rev-1", Status: RevisionDeploying}

	require.NoError(t, rev.SetWeight(10))
	require.NoError(t, rev.SetWeight(25))
	require.NoError(t, rev.SetWeight(25))

	assert.ErrorIs(t, rev.SetWeight(10), ErrConfiguration)
	assert.ErrorIs(t, rev.SetWeight(101), ErrConfiguration)
	assert.ErrorIs(t, rev.SetWeight(-1), ErrConfiguration)
	assert.Equal(t, 25, rev.TrafficWeight)
}

func TestHealthVerdictReason(t *testing.T) {
	passed := HealthVerdict{Passed: true}
	assert.Equal(t, "all checks passed", passed.Reason())

	failed := HealthVerdict{
		FailedChecks: []CheckName{CheckLatency, CheckErrorRate},
		Reasons:      map[CheckName]string{CheckErrorRate: "6.00% > 5.00%"},
	}
	assert.Equal(t, "failed checks: errorRate (6.00% > 5.00%), latency", failed.Reason())
	assert.True(t, failed.Failed(CheckLatency))
	assert.False(t, failed.Failed(CheckCPU))
}
