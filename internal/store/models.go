package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Occurrence statuses.
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusError   = "error"
	StatusSkipped = "skipped"
	StatusFlaky   = "flaky"
)

// Quarantine states.
const (
	QuarantineProposed  = "proposed"
	QuarantineActive    = "active"
	QuarantineDismissed = "dismissed"
	QuarantineExpired   = "expired"
)

// Repository is a tracked source repository, keyed by (provider, owner, name).
type Repository struct {
	ID              uuid.UUID
	Provider        string
	Owner           string
	Name            string
	InstallationRef int64
	DefaultBranch   string
	LastPolledAt    *time.Time
	Active          bool
	CreatedAt       time.Time
}

// FullName returns owner/name.
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// WorkflowRun mirrors one CI workflow run, unique per (repository_id, external_run_id).
type WorkflowRun struct {
	ID            uuid.UUID
	RepositoryID  uuid.UUID
	ExternalRunID int64
	Status        string
	Conclusion    string
	HeadSHA       string
	HeadBranch    string
	RunNumber     int
	Attempt       int
	PRNumber      *int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Job is a single CI job within a workflow run.
type Job struct {
	ID            uuid.UUID
	WorkflowRunID uuid.UUID
	ExternalJobID int64
	Name          string
	Status        string
	Conclusion    string
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// TestCase identifies a test by its full name within a repository.
type TestCase struct {
	ID           uuid.UUID
	RepositoryID uuid.UUID
	Suite        string
	ClassName    string
	Name         string
	File         *string
	OwnerTeam    *string
	CreatedAt    time.Time
}

// Occurrence is one observed outcome of a test case. Append-only.
type Occurrence struct {
	ID               uuid.UUID
	TestCaseID       uuid.UUID
	WorkflowRunID    uuid.UUID
	JobID            *uuid.UUID
	Status           string
	DurationMS       int
	Attempt          int
	Message          *string
	Stack            *string
	MessageSignature *string
	StackDigest      *string
	CreatedAt        time.Time
}

// Failed reports whether the occurrence is a failure or an error.
func (o Occurrence) Failed() bool {
	return o.Status == StatusFailed || o.Status == StatusError
}

// FailureCluster groups failures sharing a message signature within a repository.
type FailureCluster struct {
	ID               uuid.UUID
	RepositoryID     uuid.UUID
	MessageSignature string
	StackDigest      *string
	ExampleMessage   string
	ExampleStack     string
	TestCaseIDs      []uuid.UUID
	OccurrenceCount  int
	WindowStart      *time.Time
	WindowEnd        *time.Time
}

// FlakeScore is the current score row for a test case.
type FlakeScore struct {
	TestCaseID uuid.UUID
	Score      float64
	Confidence float64
	Features   json.RawMessage
	WindowN    int
	UpdatedAt  time.Time
}

// QuarantineDecision records a quarantine state change for a test case.
type QuarantineDecision struct {
	ID         uuid.UUID
	TestCaseID uuid.UUID
	State      string
	Rationale  string
	ByUser     string
	Until      *time.Time
	CreatedAt  time.Time
}

// IssueLink ties a test case to a tracking issue on the code host.
type IssueLink struct {
	ID         uuid.UUID
	TestCaseID uuid.UUID
	Provider   string
	URL        string
	CreatedAt  time.Time
}
