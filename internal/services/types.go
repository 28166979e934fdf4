package services

import (
	"time"

	"github.com/keephq/keep-sub006/internal/database"
)

// IncomingAlert is the normalized alert format producers push into the
// engine. Provider adapters (external to this module) are responsible for
// mapping vendor payloads onto it.
type IncomingAlert struct {
	TenantID string                 `json:"tenant_id"`
	Name     string                 `json:"name"`
	Severity database.AlertSeverity `json:"severity"`
	Status   database.AlertStatus   `json:"status"`
	Source   string                 `json:"source"`
	Payload  map[string]interface{} `json:"payload"`

	// ProviderAlertID is a stable provider-native identifier. When set it
	// is used verbatim as the fingerprint.
	ProviderAlertID string `json:"provider_alert_id,omitempty"`

	// FingerprintKeys are the tenant-configured identity fields; empty
	// means the resolver defaults apply.
	FingerprintKeys []string `json:"fingerprint_keys,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// DedupVerdict classifies an incoming alert relative to stored history
type DedupVerdict string

const (
	// VerdictNew means no prior record exists for the fingerprint
	VerdictNew DedupVerdict = "new"
	// VerdictDuplicate means an identical status+payload was already the
	// latest for the fingerprint; incident re-evaluation is skipped
	VerdictDuplicate DedupVerdict = "duplicate"
	// VerdictStateChanged means status or payload differs from the last
	// snapshot; rules re-evaluate and severity re-aggregates
	VerdictStateChanged DedupVerdict = "state_changed"
)

// IncidentAssignment describes where the rule engine placed an alert
type IncidentAssignment struct {
	Incident *database.Incident
	Rule     *database.Rule
	Created  bool
}

// IngestResult is what the engine reports back for one ingested alert
type IngestResult struct {
	Verdict      DedupVerdict           `json:"dedup_verdict"`
	IncidentUUID string                 `json:"incident_id,omitempty"`
	Severity     database.AlertSeverity `json:"severity"`
}

// IncidentFilter narrows open-incident listings
type IncidentFilter struct {
	Statuses       []database.IncidentStatus
	IncludeHidden  bool // include is_visible=false incidents
	CandidatesOnly bool
}
