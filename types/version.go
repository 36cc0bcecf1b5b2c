package types

// EngineVersion is the canonical pipeline engine version.
// Stamped onto every audit run at creation; report consumers use it to
// select a compatible report schema.
const EngineVersion = "0.4.2"

// ReportSchemaVersion is the report JSON schema version the audit stage
// produces. Bumped in lockstep with the report quality gate.
const ReportSchemaVersion = "1.2"
