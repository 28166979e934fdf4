// Package testhelpers provides reusable testing utilities for the engine:
// in-memory database construction and fixture builders for the gorm models.
package testhelpers

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/keephq/keep-sub006/internal/database"
)

// NewTestDB opens an isolated in-memory SQLite database with all engine
// tables migrated
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	err = db.AutoMigrate(
		&database.Alert{},
		&database.DedupRecord{},
		&database.Rule{},
		&database.Incident{},
		&database.IncidentAlert{},
		&database.IncidentMerge{},
		&database.PMIEntry{},
		&database.WorkflowExecutionIncident{},
		&database.EngineSettings{},
	)
	if err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

// CreateIncident persists a minimal open incident for the tenant
func CreateIncident(t *testing.T, db *gorm.DB, tenantID string, opts ...func(*database.Incident)) *database.Incident {
	t.Helper()
	incident := &database.Incident{
		UUID:          uuid.New().String(),
		TenantID:      tenantID,
		Status:        database.IncidentStatusFiring,
		Severity:      database.AlertSeverityWarning,
		IsVisible:     true,
		WindowStartAt: time.Now(),
	}
	for _, opt := range opts {
		opt(incident)
	}
	if err := db.Create(incident).Error; err != nil {
		t.Fatalf("failed to create incident: %v", err)
	}
	return incident
}

// AsCandidate marks a fixture incident as a mined candidate
func AsCandidate(i *database.Incident) {
	i.IsCandidate = true
	i.IsVisible = false
}

// WithTitle sets the fixture incident title
func WithTitle(title string) func(*database.Incident) {
	return func(i *database.Incident) {
		i.Title = title
	}
}

// AddMember persists a firing membership row on the incident
func AddMember(t *testing.T, db *gorm.DB, incident *database.Incident, fp string) *database.IncidentAlert {
	t.Helper()
	member := &database.IncidentAlert{
		IncidentID:  incident.ID,
		TenantID:    incident.TenantID,
		Fingerprint: fp,
		AlertName:   fp,
		Severity:    database.AlertSeverityWarning,
		Status:      database.AlertStatusFiring,
		AttachedAt:  time.Now(),
	}
	if err := db.Create(member).Error; err != nil {
		t.Fatalf("failed to create membership: %v", err)
	}
	if err := db.Model(incident).Update("alert_count", gorm.Expr("alert_count + 1")).Error; err != nil {
		t.Fatalf("failed to bump alert count: %v", err)
	}
	incident.AlertCount++
	return member
}

// CreateRule persists a grouping rule for the tenant
func CreateRule(t *testing.T, db *gorm.DB, tenantID, name string, groupingFields []string, opts ...func(*database.Rule)) *database.Rule {
	t.Helper()
	fields := make([]interface{}, len(groupingFields))
	for i, f := range groupingFields {
		fields[i] = f
	}
	rule := &database.Rule{
		TenantID:         tenantID,
		Name:             name,
		GroupingCriteria: database.JSONB{"fields": fields},
		TimeframeSeconds: 600,
		ResolveOn:        database.ResolveOnNever,
		CreateOn:         database.CreateOnAny,
		CreateThreshold:  1,
		Enabled:          true,
	}
	for _, opt := range opts {
		opt(rule)
	}
	if err := db.Create(rule).Error; err != nil {
		t.Fatalf("failed to create rule: %v", err)
	}
	return rule
}
