package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Strategy defines how a new version is rolled out
type Strategy string

const (
	StrategyBlueGreen Strategy = "blue-green"
	StrategyCanary    Strategy = "canary"
	StrategyRolling   Strategy = "rolling"
)

// ParseStrategy converts a CLI strategy name into a Strategy
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(name))) {
	case StrategyBlueGreen, "bluegreen":
		return StrategyBlueGreen, nil
	case StrategyCanary:
		return StrategyCanary, nil
	case StrategyRolling:
		return StrategyRolling, nil
	}
	return "", fmt.Errorf("%w: unknown strategy %q (want blue-green, canary or rolling)", ErrConfiguration, name)
}

// RevisionStatus represents the lifecycle state of a rollout attempt
type RevisionStatus string

const (
	RevisionPending        RevisionStatus = "pending"
	RevisionDeploying      RevisionStatus = "deploying"
	RevisionHealthChecking RevisionStatus = "health-checking"
	RevisionPromoting      RevisionStatus = "promoting"
	RevisionCompleted      RevisionStatus = "completed"
	RevisionRolledBack     RevisionStatus = "rolled-back"
	RevisionFailed         RevisionStatus = "failed"
)

// Terminal reports whether no further transitions are allowed
func (s RevisionStatus) Terminal() bool {
	return s == RevisionCompleted || s == RevisionRolledBack || s == RevisionFailed
}

// DeploymentRevision identifies one rollout attempt
type DeploymentRevision struct {
	ID               string         `json:"id"`
	Environment      string         `json:"environment"`
	Strategy         Strategy       `json:"strategy"`
	ImageRef         string         `json:"imageRef"`
	EnvironmentLabel string         `json:"environmentLabel"`
	TrafficWeight    int            `json:"trafficWeight"`
	Status           RevisionStatus `json:"status"`
	StatusReason     string         `json:"statusReason,omitempty"`
	Replicas         int            `json:"replicas"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Transition moves the revision to a new status. Terminal revisions are immutable.
func (r *DeploymentRevision) Transition(status RevisionStatus, reason string) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: revision %s is %s", ErrTerminalRevision, r.ID, r.Status)
	}
	r.Status = status
	r.StatusReason = reason
	r.UpdatedAt = time.Now()
	return nil
}

// SetWeight records the canary traffic weight. Weights never decrease.
func (r *DeploymentRevision) SetWeight(weight int) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: revision %s is %s", ErrTerminalRevision, r.ID, r.Status)
	}
	if err := ValidateWeight(weight); err != nil {
		return err
	}
	if weight < r.TrafficWeight {
		return fmt.Errorf("%w: traffic weight cannot decrease from %d to %d", ErrConfiguration, r.TrafficWeight, weight)
	}
	r.TrafficWeight = weight
	r.UpdatedAt = time.Now()
	return nil
}

// ValidateWeight checks a traffic weight is within 0-100
func ValidateWeight(weight int) error {
	if weight < 0 || weight > 100 {
		return fmt.Errorf("%w: traffic weight %d out of range 0-100", ErrConfiguration, weight)
	}
	return nil
}

// TrafficState is the current routing configuration of an environment
type TrafficState struct {
	ActiveVersion    string `json:"activeVersion"`
	CandidateVersion string `json:"candidateVersion,omitempty"`
	CandidateWeight  int    `json:"candidateWeight"`
}

// CheckName names one health check within a verdict
type CheckName string

const (
	CheckApplication CheckName = "application"
	CheckReadiness   CheckName = "readiness"
	CheckErrorRate   CheckName = "errorRate"
	CheckLatency     CheckName = "latency"
	CheckCPU         CheckName = "cpu"
	CheckMemory      CheckName = "memory"
)

// HealthVerdict is the result of one evaluation round
type HealthVerdict struct {
	Timestamp        time.Time            `json:"timestamp"`
	EnvironmentLabel string               `json:"environmentLabel"`
	Passed           bool                 `json:"passed"`
	FailedChecks     []CheckName          `json:"failedChecks,omitempty"`
	Reasons          map[CheckName]string `json:"reasons,omitempty"`
	ErrorRate        float64              `json:"errorRate"`
	P95LatencyMs     float64              `json:"p95LatencyMs"`
	CPUPercent       float64              `json:"cpuPercent"`
	MemoryPercent    float64              `json:"memoryPercent"`
	ReadyPods        int                  `json:"readyPods"`
	TotalPods        int                  `json:"totalPods"`
}

// Failed reports whether the named check failed
func (v HealthVerdict) Failed(name CheckName) bool {
	for _, c := range v.FailedChecks {
		if c == name {
			return true
		}
	}
	return false
}

// Reason summarizes the failed checks in a stable order
func (v HealthVerdict) Reason() string {
	if v.Passed {
		return "all checks passed"
	}
	names := make([]string, 0, len(v.FailedChecks))
	for _, c := range v.FailedChecks {
		if msg, ok := v.Reasons[c]; ok && msg != "" {
			names = append(names, fmt.Sprintf("%s (%s)", c, msg))
		} else {
			names = append(names, string(c))
		}
	}
	sort.Strings(names)
	return "failed checks: " + strings.Join(names, ", ")
}

// BackupKind says why a snapshot was taken
type BackupKind string

const (
	// BackupPreChange is taken before a destructive change and is the only
	// kind BackupRestore returns to
	BackupPreChange BackupKind = "PreChange"

	// BackupFailureState captures the release a rollback moves away from
	BackupFailureState BackupKind = "FailureState"

	// BackupVerification is written by the rollback self-test
	BackupVerification BackupKind = "Verification"
)

// Backup is a snapshot of the active release
type Backup struct {
	ID                   string     `json:"id"`
	Environment          string     `json:"environment"`
	EnvironmentLabel     string     `json:"environmentLabel"`
	RevisionBeforeChange string     `json:"revisionBeforeChange"`
	Kind                 BackupKind `json:"kind,omitempty"`
	ManifestSnapshot     []byte     `json:"manifestSnapshot"`
	ValuesSnapshot       []byte     `json:"valuesSnapshot"`
	CreatedAt            time.Time  `json:"createdAt"`
	Location             string     `json:"location"`
}

// Restorable reports whether the backup holds a pre-change state. An empty
// kind counts as pre-change.
func (b *Backup) Restorable() bool {
	return b.Kind == "" || b.Kind == BackupPreChange
}

// TriggerReason explains why a rollback was started
type TriggerReason string

const (
	TriggerHealthCheckFailure TriggerReason = "HealthCheckFailure"
	TriggerManualRequest      TriggerReason = "ManualRequest"
	TriggerPromotionFailure   TriggerReason = "PromotionFailure"
)

// RecoveryStrategy is one step of the rollback cascade
type RecoveryStrategy string

const (
	RecoveryPreviousRevision   RecoveryStrategy = "PreviousRevision"
	RecoveryStableRevisionList RecoveryStrategy = "StableRevisionList"
	RecoveryBackupRestore      RecoveryStrategy = "BackupRestore"
	RecoveryScaleToZero        RecoveryStrategy = "ScaleToZero"

	// RecoveryExplicitRevision is an operator-chosen revision outside the cascade
	RecoveryExplicitRevision RecoveryStrategy = "ExplicitRevision"
)

// Outcome is the result of a recovery attempt
type Outcome string

const (
	OutcomeSuccess Outcome = "Success"
	OutcomeFailure Outcome = "Failure"
)

// RollbackAttempt is one entry of the append-only rollback audit trail
type RollbackAttempt struct {
	ID             string           `json:"id"`
	Environment    string           `json:"environment"`
	TriggerReason  TriggerReason    `json:"triggerReason"`
	StrategyTried  RecoveryStrategy `json:"strategyTried"`
	SourceRevision string           `json:"sourceRevision"`
	Outcome        Outcome          `json:"outcome"`
	Message        string           `json:"message,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

// Severity classifies a notification
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is the payload delivered to notification channels
type Event struct {
	Severity    Severity  `json:"severity"`
	Environment string    `json:"environment"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}
