// Package orchestratortest provides an in-memory orchestrator.Client for tests.
package orchestratortest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/shepherd/pkg/types"
	"github.com/google/uuid"
)

// Operation names recorded by Memory
const (
	OpDeploy           = "Deploy"
	OpSetTrafficWeight = "SetTrafficWeight"
	OpSwitchActive     = "SwitchActive"
	OpUninstall        = "Uninstall"
	OpRollbackTo       = "RollbackTo"
	OpScale            = "Scale"
	OpSnapshot         = "SnapshotCurrentState"
	OpRestore          = "Restore"
)

// Call is one recorded mutation
type Call struct {
	Op     string
	Label  string
	Value  string
	Weight int
	At     time.Time
}

// Release is the in-memory state of one environment label
type Release struct {
	Image     string   `json:"image"`
	Replicas  int      `json:"replicas"`
	Revisions []string `json:"revisions"`
}

type snapshot struct {
	Releases map[string]*Release `json:"releases"`
	State    types.TrafficState  `json:"state"`
}

// Memory is a thread-safe fake cluster. Revisions are recorded per label as
// <label>:<n>, n counting every distinct image deployed to the label.
type Memory struct {
	mu       sync.Mutex
	releases map[string]*Release
	state    types.TrafficState
	calls    []Call
	failures map[string]error
	ready    map[string]bool

	// OnCall runs after each recorded mutation, outside the lock
	OnCall func(Call)
}

// NewMemory returns an empty cluster
func NewMemory() *Memory {
	return &Memory{
		releases: make(map[string]*Release),
		failures: make(map[string]error),
		ready:    make(map[string]bool),
	}
}

// Seed installs a release with image as the active version
func (m *Memory) Seed(label, image string, replicas int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases[label] = &Release{Image: image, Replicas: replicas, Revisions: []string{image}}
	m.state = types.TrafficState{ActiveVersion: label}
}

// SeedRevision appends a historical image to label without changing traffic
func (m *Memory) SeedRevision(label, image string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel, ok := m.releases[label]
	if !ok {
		rel = &Release{Replicas: 1}
		m.releases[label] = rel
	}
	rel.Revisions = append(rel.Revisions, image)
	rel.Image = image
}

// Fail makes every later call to op return err until cleared with a nil err
func (m *Memory) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// SetUnready reports label as having no ready pods
func (m *Memory) SetUnready(label string, unready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready[label] = !unready
}

// Calls returns a copy of every recorded mutation
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallsTo returns the recorded calls of one operation
func (m *Memory) CallsTo(op string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Weights returns the sequence of weights passed to SetTrafficWeight
func (m *Memory) Weights() []int {
	var out []int
	for _, c := range m.CallsTo(OpSetTrafficWeight) {
		out = append(out, c.Weight)
	}
	return out
}

// Release returns a copy of the release for label
func (m *Memory) Release(label string) (Release, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel, ok := m.releases[label]
	if !ok {
		return Release{}, false
	}
	out := *rel
	out.Revisions = append([]string(nil), rel.Revisions...)
	return out, true
}

// Labels returns the installed labels in order
func (m *Memory) Labels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	labels := make([]string, 0, len(m.releases))
	for l := range m.releases {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// record appends a call and returns the injected failure for op, if any
func (m *Memory) record(c Call) error {
	c.At = time.Now()
	m.calls = append(m.calls, c)
	return m.failures[c.Op]
}

func (m *Memory) after(c Call) {
	if m.OnCall != nil {
		m.OnCall(c)
	}
}

func (m *Memory) Deploy(ctx context.Context, rev *types.DeploymentRevision) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := Call{Op: OpDeploy, Label: rev.EnvironmentLabel, Value: rev.ImageRef}
	m.mu.Lock()
	err := m.record(c)
	if err == nil {
		rel, ok := m.releases[rev.EnvironmentLabel]
		if !ok {
			rel = &Release{}
			m.releases[rev.EnvironmentLabel] = rel
		}
		if rel.Image != rev.ImageRef {
			rel.Revisions = append(rel.Revisions, rev.ImageRef)
			rel.Image = rev.ImageRef
		}
		if rev.Replicas > 0 {
			rel.Replicas = rev.Replicas
		} else if rel.Replicas == 0 {
			rel.Replicas = 1
		}
	}
	m.mu.Unlock()
	m.after(c)
	return err
}

func (m *Memory) SetTrafficWeight(ctx context.Context, candidate string, weight int) error {
	if err := types.ValidateWeight(weight); err != nil {
		return err
	}
	c := Call{Op: OpSetTrafficWeight, Label: candidate, Weight: weight}
	m.mu.Lock()
	err := m.record(c)
	if err == nil {
		m.state.CandidateVersion = candidate
		m.state.CandidateWeight = weight
	}
	m.mu.Unlock()
	m.after(c)
	return err
}

func (m *Memory) SwitchActive(ctx context.Context, version string) error {
	c := Call{Op: OpSwitchActive, Label: version}
	m.mu.Lock()
	err := m.record(c)
	if err == nil {
		if _, ok := m.releases[version]; !ok {
			err = fmt.Errorf("%w: release %s does not exist", types.ErrConfiguration, version)
		} else {
			m.state = types.TrafficState{ActiveVersion: version}
		}
	}
	m.mu.Unlock()
	m.after(c)
	return err
}

func (m *Memory) Uninstall(ctx context.Context, label string) error {
	c := Call{Op: OpUninstall, Label: label}
	m.mu.Lock()
	err := m.record(c)
	if err == nil {
		delete(m.releases, label)
		if m.state.CandidateVersion == label {
			m.state.CandidateVersion = ""
			m.state.CandidateWeight = 0
		}
	}
	m.mu.Unlock()
	m.after(c)
	return err
}

func (m *Memory) RollbackTo(ctx context.Context, revisionID string) error {
	c := Call{Op: OpRollbackTo, Value: revisionID}
	m.mu.Lock()
	err := m.record(c)
	if err == nil {
		err = m.rollbackLocked(revisionID)
	}
	m.mu.Unlock()
	m.after(c)
	return err
}

func (m *Memory) rollbackLocked(revisionID string) error {
	var label string
	var n int
	for i := len(revisionID) - 1; i >= 0; i-- {
		if revisionID[i] == ':' {
			label = revisionID[:i]
			if _, err := fmt.Sscanf(revisionID[i+1:], "%d", &n); err != nil {
				n = 0
			}
			break
		}
	}
	rel, ok := m.releases[label]
	if !ok || n < 1 || n > len(rel.Revisions) {
		return fmt.Errorf("%w: %w: %s", types.ErrRollback, types.ErrRevisionNotFound, revisionID)
	}
	image := rel.Revisions[n-1]
	if rel.Image != image {
		rel.Revisions = append(rel.Revisions, image)
		rel.Image = image
	}
	if rel.Replicas == 0 {
		rel.Replicas = 1
	}
	m.state = types.TrafficState{ActiveVersion: label}
	return nil
}

func (m *Memory) Scale(ctx context.Context, label string, replicas int) error {
	c := Call{Op: OpScale, Label: label, Weight: replicas}
	m.mu.Lock()
	err := m.record(c)
	if err == nil {
		rel, ok := m.releases[label]
		if !ok {
			err = fmt.Errorf("release %s does not exist", label)
		} else {
			rel.Replicas = replicas
		}
	}
	m.mu.Unlock()
	m.after(c)
	return err
}

func (m *Memory) SnapshotCurrentState(ctx context.Context) (*types.Backup, error) {
	m.mu.Lock()
	c := Call{Op: OpSnapshot}
	if err := m.record(c); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if m.state.ActiveVersion == "" {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: no active release to snapshot", types.ErrRevisionNotFound)
	}
	manifest, err := json.Marshal(snapshot{Releases: m.releases, State: m.state})
	active := m.state.ActiveVersion
	revision := ""
	if rel, ok := m.releases[active]; ok && len(rel.Revisions) > 0 {
		revision = fmt.Sprintf("%s:%d", active, len(rel.Revisions))
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &types.Backup{
		ID:                   uuid.New().String(),
		EnvironmentLabel:     active,
		RevisionBeforeChange: revision,
		ManifestSnapshot:     manifest,
		ValuesSnapshot:       []byte("active: " + active + "\n"),
		CreatedAt:            time.Now(),
	}, nil
}

func (m *Memory) Restore(ctx context.Context, backup *types.Backup) error {
	c := Call{Op: OpRestore, Value: backup.ID}
	m.mu.Lock()
	err := m.record(c)
	if err == nil {
		var snap snapshot
		if uerr := json.Unmarshal(backup.ManifestSnapshot, &snap); uerr != nil {
			err = fmt.Errorf("%w: invalid manifest: %v", types.ErrRollback, uerr)
		} else {
			m.releases = snap.Releases
			if m.releases == nil {
				m.releases = make(map[string]*Release)
			}
			m.state = snap.State
		}
	}
	m.mu.Unlock()
	m.after(c)
	return err
}

func (m *Memory) Traffic(ctx context.Context) (types.TrafficState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *Memory) CurrentRevision(ctx context.Context, label string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel, ok := m.releases[label]
	if !ok || len(rel.Revisions) == 0 {
		return "", fmt.Errorf("%w: release %s does not exist", types.ErrRevisionNotFound, label)
	}
	return fmt.Sprintf("%s:%d", label, len(rel.Revisions)), nil
}

func (m *Memory) PreviousRevision(ctx context.Context, label string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel, ok := m.releases[label]
	if !ok || len(rel.Revisions) < 2 {
		return "", fmt.Errorf("%w: no revision precedes the current one of %s", types.ErrRevisionNotFound, label)
	}
	return fmt.Sprintf("%s:%d", label, len(rel.Revisions)-1), nil
}

// PodReadiness reports every replica ready unless SetUnready was called
func (m *Memory) PodReadiness(ctx context.Context, label string) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel, ok := m.releases[label]
	if !ok {
		return 0, 0, nil
	}
	if ready, set := m.ready[label]; set && !ready {
		return 0, rel.Replicas, nil
	}
	return rel.Replicas, rel.Replicas, nil
}
