package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// AlertSeverity represents normalized severity levels
type AlertSeverity string

const (
	AlertSeverityCritical AlertSeverity = "critical"
	AlertSeverityHigh     AlertSeverity = "high"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityInfo     AlertSeverity = "info"
)

// Order returns the severity rank for comparison. Higher means more severe.
func (s AlertSeverity) Order() int {
	switch s {
	case AlertSeverityCritical:
		return 4
	case AlertSeverityHigh:
		return 3
	case AlertSeverityWarning:
		return 2
	case AlertSeverityInfo:
		return 1
	default:
		return 0
	}
}

// IsValid reports whether the severity is one of the known levels
func (s AlertSeverity) IsValid() bool {
	return s.Order() > 0
}

// MaxSeverity returns the more severe of the two
func MaxSeverity(a, b AlertSeverity) AlertSeverity {
	if b.Order() > a.Order() {
		return b
	}
	return a
}

// AlertStatus represents normalized alert status
type AlertStatus string

const (
	AlertStatusFiring       AlertStatus = "firing"
	AlertStatusResolved     AlertStatus = "resolved"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
)

// Alert is an immutable record of a single alert occurrence.
// Repeated firings of the same underlying problem produce new rows
// sharing a fingerprint; rows are never updated after creation.
type Alert struct {
	ID          uint          `gorm:"primaryKey" json:"id"`
	UUID        string        `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	TenantID    string        `gorm:"size:64;not null;index:idx_alerts_tenant_fp" json:"tenant_id"`
	Fingerprint string        `gorm:"size:255;not null;index:idx_alerts_tenant_fp" json:"fingerprint"`
	Name        string        `gorm:"size:255;not null" json:"name"`
	Severity    AlertSeverity `gorm:"type:varchar(20);not null" json:"severity"`
	Status      AlertStatus   `gorm:"type:varchar(20);not null" json:"status"`
	Source      string        `gorm:"size:128" json:"source"`
	Payload     JSONB         `gorm:"type:jsonb" json:"payload"`
	Timestamp   time.Time     `gorm:"not null;index" json:"timestamp"`
	CreatedAt   time.Time     `json:"created_at"`
}

func (Alert) TableName() string {
	return "alerts"
}

// BeforeCreate hook to default the occurrence timestamp
func (a *Alert) BeforeCreate(tx *gorm.DB) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	return nil
}

// DedupRecord tracks the latest snapshot per (tenant, fingerprint).
// The sequence number increases on every accepted ingestion and acts
// as an optimistic concurrency token for per-fingerprint updates.
type DedupRecord struct {
	ID              uint          `gorm:"primaryKey" json:"id"`
	TenantID        string        `gorm:"size:64;not null;uniqueIndex:idx_dedup_tenant_fp" json:"tenant_id"`
	Fingerprint     string        `gorm:"size:255;not null;uniqueIndex:idx_dedup_tenant_fp" json:"fingerprint"`
	LastStatus      AlertStatus   `gorm:"type:varchar(20);not null" json:"last_status"`
	LastSeverity    AlertSeverity `gorm:"type:varchar(20)" json:"last_severity"`
	PayloadHash     string        `gorm:"size:64;not null" json:"payload_hash"`
	Sequence        uint64        `gorm:"not null;default:0" json:"sequence"`
	OccurrenceCount uint64        `gorm:"not null;default:0" json:"occurrence_count"`
	FirstSeenAt     time.Time     `gorm:"not null" json:"first_seen_at"`
	LastSeenAt      time.Time     `gorm:"not null" json:"last_seen_at"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

func (DedupRecord) TableName() string {
	return "dedup_records"
}

// ResolveOnPolicy governs when a rule-driven incident auto-resolves
// from member alert state changes
type ResolveOnPolicy string

const (
	ResolveOnNever         ResolveOnPolicy = "never"
	ResolveOnAllResolved   ResolveOnPolicy = "all_resolved"
	ResolveOnFirstResolved ResolveOnPolicy = "first_resolved"
	ResolveOnLastResolved  ResolveOnPolicy = "last_resolved"
)

// IsValid reports whether the policy is one of the known values
func (p ResolveOnPolicy) IsValid() bool {
	switch p {
	case ResolveOnNever, ResolveOnAllResolved, ResolveOnFirstResolved, ResolveOnLastResolved:
		return true
	}
	return false
}

// CreateOnPolicy governs when a rule-driven incident is instantiated
type CreateOnPolicy string

const (
	// CreateOnAny creates the incident on the first matching alert (default)
	CreateOnAny CreateOnPolicy = "any"
	// CreateOnThreshold creates a hidden incident and makes it visible
	// only once the configured number of matching alerts accumulated
	CreateOnThreshold CreateOnPolicy = "threshold"
)

// IsValid reports whether the policy is one of the known values
func (p CreateOnPolicy) IsValid() bool {
	return p == CreateOnAny || p == CreateOnThreshold
}

// Rule is a tenant-scoped grouping rule. Rules are evaluated in ascending
// creation order; the first matching rule claims the alert.
type Rule struct {
	ID               uint            `gorm:"primaryKey" json:"id"`
	TenantID         string          `gorm:"size:64;not null;index" json:"tenant_id"`
	Name             string          `gorm:"size:255;not null" json:"name"`
	GroupingCriteria JSONB           `gorm:"type:jsonb" json:"grouping_criteria"` // {"fields": ["service", ...]}
	Condition        JSONB           `gorm:"type:jsonb" json:"condition"`
	TimeframeSeconds int             `gorm:"not null;default:600" json:"timeframe_seconds"`
	ResolveOn        ResolveOnPolicy `gorm:"type:varchar(20);not null;default:'never'" json:"resolve_on"`
	CreateOn         CreateOnPolicy  `gorm:"type:varchar(20);not null;default:'any'" json:"create_on"`
	CreateThreshold  int             `gorm:"not null;default:1" json:"create_threshold"`
	Enabled          bool            `json:"enabled"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (Rule) TableName() string {
	return "rules"
}

// GroupingFields returns the ordered list of payload fields whose values
// form the grouping key
func (r *Rule) GroupingFields() []string {
	if r.GroupingCriteria == nil {
		return nil
	}
	raw, ok := r.GroupingCriteria["fields"].([]interface{})
	if !ok {
		return nil
	}
	fields := make([]string, 0, len(raw))
	for _, f := range raw {
		if s, ok := f.(string); ok {
			fields = append(fields, s)
		}
	}
	return fields
}

// Timeframe returns the rolling grouping window as a duration
func (r *Rule) Timeframe() time.Duration {
	if r.TimeframeSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(r.TimeframeSeconds) * time.Second
}

// IncidentStatus represents the lifecycle status of an incident
type IncidentStatus string

const (
	IncidentStatusFiring       IncidentStatus = "firing"
	IncidentStatusAcknowledged IncidentStatus = "acknowledged"
	IncidentStatusResolved     IncidentStatus = "resolved"
	IncidentStatusMerged       IncidentStatus = "merged"
)

// Incident is a mutable aggregate of related alerts. It originates either
// from a grouping rule (RuleFingerprint set) or from the correlation miner
// (candidate incident, RuleFingerprint empty).
type Incident struct {
	ID                   uint           `gorm:"primaryKey" json:"id"`
	UUID                 string         `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	TenantID             string         `gorm:"size:64;not null;index" json:"tenant_id"`
	Title                string         `gorm:"size:255" json:"title"`
	Status               IncidentStatus `gorm:"type:varchar(20);not null;default:'firing';index" json:"status"`
	Severity             AlertSeverity  `gorm:"type:varchar(20)" json:"severity"`
	ForcedSeverity       bool           `gorm:"default:false" json:"forced_severity"`
	IsCandidate          bool           `json:"is_candidate"`
	IsVisible            bool           `json:"is_visible"`
	RuleFingerprint      string         `gorm:"size:64;index" json:"rule_fingerprint"` // empty for mined incidents
	RuleID               *uint          `gorm:"index" json:"rule_id,omitempty"`
	AlertCount           int            `gorm:"not null;default:0" json:"alert_count"`
	WindowStartAt        time.Time      `json:"window_start_at"`
	LastAlertAt          *time.Time     `json:"last_alert_at,omitempty"`
	MergedIntoIncidentID *uint          `gorm:"index" json:"merged_into_incident_id,omitempty"`
	MergedAt             *time.Time     `json:"merged_at,omitempty"`
	MergedBy             string         `gorm:"size:128" json:"merged_by,omitempty"`
	ResolvedAt           *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

func (Incident) TableName() string {
	return "incidents"
}

// IsOpen reports whether the incident still accepts members
func (i *Incident) IsOpen() bool {
	return i.Status == IncidentStatusFiring || i.Status == IncidentStatusAcknowledged
}

// IsMerged reports whether the incident was folded into another one.
// Merged incidents are terminal.
func (i *Incident) IsMerged() bool {
	return i.Status == IncidentStatusMerged || i.MergedIntoIncidentID != nil
}

// IncidentAlert tracks the membership of an alert fingerprint in an incident
type IncidentAlert struct {
	ID          uint          `gorm:"primaryKey" json:"id"`
	IncidentID  uint          `gorm:"not null;index;uniqueIndex:idx_incident_fp" json:"incident_id"`
	TenantID    string        `gorm:"size:64;not null" json:"tenant_id"`
	Fingerprint string        `gorm:"size:255;not null;index;uniqueIndex:idx_incident_fp" json:"fingerprint"`
	AlertName   string        `gorm:"size:255" json:"alert_name"`
	Severity    AlertSeverity `gorm:"type:varchar(20)" json:"severity"`
	Status      AlertStatus   `gorm:"type:varchar(20);not null" json:"status"`
	Source      string        `gorm:"size:128" json:"source"`
	Payload     JSONB         `gorm:"type:jsonb" json:"payload"`
	AttachedAt  time.Time     `gorm:"not null" json:"attached_at"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`

	// Belongs to Incident
	Incident Incident `gorm:"foreignKey:IncidentID" json:"-"`
}

func (IncidentAlert) TableName() string {
	return "incident_alerts"
}

// IncidentMerge tracks when incidents are merged together.
// This provides an audit trail for merge operations, whether automatic or manual.
type IncidentMerge struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	SourceIncidentID uint      `gorm:"not null;index" json:"source_incident_id"` // The incident that was merged away
	TargetIncidentID uint      `gorm:"not null;index" json:"target_incident_id"` // The incident that absorbed the source
	MergeReason      string    `gorm:"type:text" json:"merge_reason"`
	MergedBy         string    `gorm:"type:varchar(128);not null" json:"merged_by"` // 'system' or an actor identifier
	CreatedAt        time.Time `json:"created_at"`
}

func (IncidentMerge) TableName() string {
	return "incident_merges"
}

// PMIEntry stores the pointwise mutual information score for one unordered
// fingerprint pair. FingerprintI sorts lexically before FingerprintJ so each
// pair occupies exactly one row.
type PMIEntry struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	TenantID     string    `gorm:"size:64;not null;uniqueIndex:idx_pmi_pair" json:"tenant_id"`
	FingerprintI string    `gorm:"size:255;not null;uniqueIndex:idx_pmi_pair" json:"fingerprint_i"`
	FingerprintJ string    `gorm:"size:255;not null;uniqueIndex:idx_pmi_pair" json:"fingerprint_j"`
	Score        float64   `gorm:"not null" json:"score"`
	PairCount    uint64    `gorm:"not null;default:0" json:"pair_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (PMIEntry) TableName() string {
	return "pmi_matrix"
}

// WorkflowExecutionIncident links automated workflow runs to the incidents
// that triggered them
type WorkflowExecutionIncident struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	WorkflowExecutionID string    `gorm:"size:36;not null;uniqueIndex:idx_wf_incident" json:"workflow_execution_id"`
	IncidentID          uint      `gorm:"not null;index;uniqueIndex:idx_wf_incident" json:"incident_id"`
	CreatedAt           time.Time `json:"created_at"`
}

func (WorkflowExecutionIncident) TableName() string {
	return "workflow_execution_incidents"
}
