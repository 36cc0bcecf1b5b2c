// Package types defines the core data model of the audit pipeline:
// projects, revisions, blobs, audit runs, findings, and job events.
// It is a leaf package with no internal dependencies.
package types

import "time"

// ProjectState is the lifecycle state of a project.
type ProjectState string

// Project lifecycle states.
const (
	ProjectInitializing ProjectState = "initializing"
	ProjectReady        ProjectState = "ready"
	ProjectDeleted      ProjectState = "deleted"
)

// Project is an audited codebase owned by a user.
type Project struct {
	ID             string       `db:"id"`
	OwnerID        string       `db:"owner_id"`
	Name           string       `db:"name"`
	LifecycleState ProjectState `db:"lifecycle_state"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

// RevisionSource indicates how a revision was produced.
type RevisionSource string

// Revision sources.
const (
	RevisionSourceUpload      RevisionSource = "upload"
	RevisionSourceWorkingCopy RevisionSource = "working-copy"
)

// Revision is an immutable file-set snapshot bound to a project.
type Revision struct {
	ID               string         `db:"id"`
	ProjectID        string         `db:"project_id"`
	ParentRevisionID *string        `db:"parent_revision_id"`
	Source           RevisionSource `db:"source"`
	IsImmutable      bool           `db:"is_immutable"`
	Description      string         `db:"description"`
	CreatedAt        time.Time      `db:"created_at"`
}

// FileBlob is content-addressed file bytes in the object store.
// Unique on Digest; shared across revisions; never mutated.
type FileBlob struct {
	ID         string    `db:"id"`
	Digest     string    `db:"digest"` // hex sha256 of the bytes
	SizeBytes  int64     `db:"size_bytes"`
	StorageKey string    `db:"storage_key"`
	MimeType   string    `db:"mime_type"`
	CreatedAt  time.Time `db:"created_at"`
}

// RevisionFile maps (revision, path) to a FileBlob.
// Path is always normalized (POSIX, no leading slash, no "..", no NUL).
type RevisionFile struct {
	ID         string    `db:"id"`
	RevisionID string    `db:"revision_id"`
	Path       string    `db:"path"`
	BlobID     string    `db:"blob_id"`
	Language   string    `db:"language"`
	IsTestFile bool      `db:"is_test_file"`
	CreatedAt  time.Time `db:"created_at"`
}

// WorkingCopyStatus is the status of a working copy.
type WorkingCopyStatus string

// Working copy statuses.
const (
	WorkingCopyActive   WorkingCopyStatus = "active"
	WorkingCopyArchived WorkingCopyStatus = "archived"
)

// WorkingCopy is a mutable editor overlay over a base revision,
// owned by a single user. At most one active copy per (owner, base).
type WorkingCopy struct {
	ID             string            `db:"id"`
	ProjectID      string            `db:"project_id"`
	BaseRevisionID string            `db:"base_revision_id"`
	OwnerID        string            `db:"owner_id"`
	Status         WorkingCopyStatus `db:"status"`
	CreatedAt      time.Time         `db:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at"`
}

// WorkingCopyFile holds inline contents for low-latency editor round-trips.
type WorkingCopyFile struct {
	ID            string    `db:"id"`
	WorkingCopyID string    `db:"working_copy_id"`
	Path          string    `db:"path"`
	Content       string    `db:"content"`
	Language      string    `db:"language"`
	IsTestFile    bool      `db:"is_test_file"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// UploadKind is the payload shape of an upload.
type UploadKind string

// Upload kinds.
const (
	UploadSingle  UploadKind = "single"
	UploadZip     UploadKind = "zip"
	UploadFileSet UploadKind = "file-set"
)

// UploadStatus is the processing status of an upload.
type UploadStatus string

// Upload statuses.
const (
	UploadPending    UploadStatus = "pending"
	UploadUploaded   UploadStatus = "uploaded"
	UploadProcessing UploadStatus = "processing"
	UploadProcessed  UploadStatus = "processed"
	UploadFailed     UploadStatus = "failed"
)

// Upload is a named payload in the object store awaiting ingestion.
type Upload struct {
	ID         string       `db:"id"`
	ProjectID  string       `db:"project_id"`
	Name       string       `db:"name"`
	Kind       UploadKind   `db:"kind"`
	Status     UploadStatus `db:"status"`
	StorageKey string       `db:"storage_key"`
	Manifest   *string      `db:"manifest"` // JSON, file-set uploads only
	CreatedAt  time.Time    `db:"created_at"`
	UpdatedAt  time.Time    `db:"updated_at"`
}

// AuditStatus is the lifecycle state of an audit run.
type AuditStatus string

// Audit run statuses.
const (
	AuditQueued    AuditStatus = "queued"
	AuditRunning   AuditStatus = "running"
	AuditCompleted AuditStatus = "completed"
	AuditFailed    AuditStatus = "failed"
	AuditCancelled AuditStatus = "cancelled"
)

// IsTerminal reports whether the status is terminal.
func (s AuditStatus) IsTerminal() bool {
	return s == AuditCompleted || s == AuditFailed || s == AuditCancelled
}

// IsActive reports whether the status counts against the
// single-active-per-project invariant.
func (s AuditStatus) IsActive() bool {
	return s == AuditQueued || s == AuditRunning
}

// AuditProfile selects pipeline depth.
type AuditProfile string

// Audit profiles.
const (
	ProfileFast AuditProfile = "fast"
	ProfileDeep AuditProfile = "deep"
)

// AuditRun is a single invocation of the pipeline for a revision.
// For a given project at most one run may be queued or running.
type AuditRun struct {
	ID                  string       `db:"id"`
	ProjectID           string       `db:"project_id"`
	RevisionID          string       `db:"revision_id"`
	Status              AuditStatus  `db:"status"`
	Profile             AuditProfile `db:"profile"`
	EngineVersion       string       `db:"engine_version"`
	ReportSchemaVersion string       `db:"report_schema_version"`
	RequestedBy         string       `db:"requested_by"`
	PrimaryModelID      string       `db:"primary_model_id"`
	FallbackModelID     string       `db:"fallback_model_id"`
	ReportJSON          *string      `db:"report_json"`
	FailureReason       *string      `db:"failure_reason"`
	StartedAt           *time.Time   `db:"started_at"`
	FinishedAt          *time.Time   `db:"finished_at"`
	CreatedAt           time.Time    `db:"created_at"`
}

// Severity is the severity of a finding.
type Severity string

// Finding severities.
const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// FindingStatus is the current status of a finding.
type FindingStatus string

// Finding statuses.
const (
	FindingOpened   FindingStatus = "opened"
	FindingResolved FindingStatus = "resolved"
)

// Finding is a per-project stable identity for a reported issue,
// keyed by fingerprint.
type Finding struct {
	ID                 string        `db:"id"`
	ProjectID          string        `db:"project_id"`
	Fingerprint        string        `db:"fingerprint"`
	Title              string        `db:"title"`
	CurrentStatus      FindingStatus `db:"current_status"`
	FirstSeenRevision  string        `db:"first_seen_revision"`
	LastSeenRevision   string        `db:"last_seen_revision"`
	CreatedAt          time.Time     `db:"created_at"`
	UpdatedAt          time.Time     `db:"updated_at"`
}

// FindingInstance records a finding inside one audit run.
// Unique on (finding, auditRun); immutable once written.
type FindingInstance struct {
	ID         string    `db:"id"`
	FindingID  string    `db:"finding_id"`
	AuditRunID string    `db:"audit_run_id"`
	Severity   Severity  `db:"severity"`
	Payload    string    `db:"payload"` // full finding JSON as reported
	CreatedAt  time.Time `db:"created_at"`
}

// TransitionKind labels the change of a finding between two audits.
type TransitionKind string

// Finding transition kinds.
const (
	TransitionOpened    TransitionKind = "opened"
	TransitionResolved  TransitionKind = "resolved"
	TransitionRegressed TransitionKind = "regressed"
	TransitionUnchanged TransitionKind = "unchanged"
)

// FindingTransition records a labeled change between two audit runs.
type FindingTransition struct {
	ID             string         `db:"id"`
	FindingID      string         `db:"finding_id"`
	FromAuditRunID string         `db:"from_audit_run_id"`
	ToAuditRunID   string         `db:"to_audit_run_id"`
	Transition     TransitionKind `db:"transition"`
	CreatedAt      time.Time      `db:"created_at"`
}

// StepStatus is the status of a verification step.
type StepStatus string

// Verification step statuses.
const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// VerificationStep is a per-run per-stepType verification record.
// Writes are append-only; consumers order by CreatedAt, latest wins.
type VerificationStep struct {
	ID         string     `db:"id"`
	AuditRunID string     `db:"audit_run_id"`
	StepType   string     `db:"step_type"`
	Status     StepStatus `db:"status"`
	StdoutKey  *string    `db:"stdout_key"`
	StderrKey  *string    `db:"stderr_key"`
	Summary    string     `db:"summary"`
	DurationMs int64      `db:"duration_ms"`
	CreatedAt  time.Time  `db:"created_at"`
}

// ExportStatus is the status of a PDF export.
type ExportStatus string

// PDF export statuses.
const (
	ExportQueued    ExportStatus = "queued"
	ExportRunning   ExportStatus = "running"
	ExportCompleted ExportStatus = "completed"
	ExportFailed    ExportStatus = "failed"
)

// PdfExport is a rendered report artifact for an audit run.
// Unique on (auditRun, variant).
type PdfExport struct {
	ID          string       `db:"id"`
	AuditRunID  string       `db:"audit_run_id"`
	Variant     string       `db:"variant"`
	Status      ExportStatus `db:"status"`
	StorageKey  *string      `db:"storage_key"`
	GeneratedAt *time.Time   `db:"generated_at"`
	CreatedAt   time.Time    `db:"created_at"`
}
