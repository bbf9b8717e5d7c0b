package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/shepherd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyClient fails the first failures calls of Deploy and Traffic with err
type flakyClient struct {
	Client
	failures int
	err      error
	calls    int
}

func (f *flakyClient) attempt() error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyClient) Deploy(ctx context.Context, rev *types.DeploymentRevision) error {
	return f.attempt()
}

func (f *flakyClient) Traffic(ctx context.Context) (types.TrafficState, error) {
	if err := f.attempt(); err != nil {
		return types.TrafficState{}, err
	}
	return types.TrafficState{ActiveVersion: "blue"}, nil
}

func TestRetryingDeploy(t *testing.T) {
	transient := fmt.Errorf("%w: apiserver unavailable", types.ErrTransientInfra)

	tests := []struct {
		name      string
		failures  int
		err       error
		wantCalls int
		wantErr   error
	}{
		{name: "succeeds first time", failures: 0, err: transient, wantCalls: 1},
		{name: "recovers from transient failures", failures: 2, err: transient, wantCalls: 3},
		{name: "gives up after attempts", failures: 5, err: transient, wantCalls: 3, wantErr: types.ErrTransientInfra},
		{name: "does not retry permanent failures", failures: 5, err: types.ErrConfiguration, wantCalls: 1, wantErr: types.ErrConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &flakyClient{failures: tt.failures, err: tt.err}
			client := NewRetrying(stub, RetryPolicy{Attempts: 3, Delay: time.Millisecond})

			err := client.Deploy(context.Background(), &types.DeploymentRevision{EnvironmentLabel: "blue", ImageRef: "checkout:v1"})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, stub.calls)
		})
	}
}

func TestRetryingReturnsValue(t *testing.T) {
	stub := &flakyClient{failures: 1, err: fmt.Errorf("%w: timeout", types.ErrTransientInfra)}
	client := NewRetrying(stub, RetryPolicy{Attempts: 3, Delay: time.Millisecond})

	state, err := client.Traffic(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "blue", state.ActiveVersion)
	assert.Equal(t, 2, stub.calls)
}

func TestRetryingStopsOnCancel(t *testing.T) {
	stub := &flakyClient{failures: 100, err: fmt.Errorf("%w: timeout", types.ErrTransientInfra)}
	client := NewRetrying(stub, RetryPolicy{Attempts: 100, Delay: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := client.Deploy(ctx, &types.DeploymentRevision{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, stub.calls)
}

func TestRetryingZeroAttempts(t *testing.T) {
	stub := &flakyClient{failures: 1, err: errors.New("boom")}
	client := NewRetrying(stub, RetryPolicy{})

	assert.Error(t, client.Deploy(context.Background(), &types.DeploymentRevision{}))
	assert.Equal(t, 1, stub.calls)
}
