package services

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/keephq/keep-sub006/internal/database"
)

// SeverityAggregator computes incident severity from member alerts.
// Default severity is the maximum among non-resolved members; a forced
// severity is pinned by a human and never overwritten by aggregation.
type SeverityAggregator struct {
	db *gorm.DB
}

// NewSeverityAggregator creates a new SeverityAggregator
func NewSeverityAggregator(db *gorm.DB) *SeverityAggregator {
	return &SeverityAggregator{db: db}
}

// Recompute recalculates and stores the incident's severity. It is a
// no-op while forced_severity is set, and when every member is resolved
// the stored severity is left untouched.
func (a *SeverityAggregator) Recompute(ctx context.Context, incidentID uint) (database.AlertSeverity, error) {
	var incident database.Incident
	if err := a.db.WithContext(ctx).First(&incident, incidentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", invariantErr("incident %d not found", incidentID)
		}
		return "", storageErr("load incident", err)
	}
	if incident.ForcedSeverity {
		return incident.Severity, nil
	}

	var members []database.IncidentAlert
	if err := a.db.WithContext(ctx).
		Where("incident_id = ? AND status <> ?", incidentID, database.AlertStatusResolved).
		Find(&members).Error; err != nil {
		return "", storageErr("load incident members", err)
	}
	if len(members) == 0 {
		return incident.Severity, nil
	}

	max := members[0].Severity
	for i := 1; i < len(members); i++ {
		max = database.MaxSeverity(max, members[i].Severity)
	}
	if max == incident.Severity {
		return max, nil
	}

	if err := a.db.WithContext(ctx).Model(&incident).
		Update("severity", max).Error; err != nil {
		return "", storageErr("update incident severity", err)
	}
	return max, nil
}

// Force pins the incident severity to the given level until Unforce
func (a *SeverityAggregator) Force(ctx context.Context, incidentID uint, severity database.AlertSeverity, actor string) error {
	if !severity.IsValid() {
		return invariantErr("unknown severity %q", severity)
	}
	res := a.db.WithContext(ctx).Model(&database.Incident{}).
		Where("id = ?", incidentID).
		Updates(map[string]interface{}{
			"severity":        severity,
			"forced_severity": true,
		})
	if res.Error != nil {
		return storageErr("force severity", res.Error)
	}
	if res.RowsAffected == 0 {
		return invariantErr("incident %d not found", incidentID)
	}
	return nil
}

// Unforce releases a pinned severity and recomputes from members
func (a *SeverityAggregator) Unforce(ctx context.Context, incidentID uint) error {
	res := a.db.WithContext(ctx).Model(&database.Incident{}).
		Where("id = ?", incidentID).
		Update("forced_severity", false)
	if res.Error != nil {
		return storageErr("unforce severity", res.Error)
	}
	if res.RowsAffected == 0 {
		return invariantErr("incident %d not found", incidentID)
	}
	_, err := a.Recompute(ctx, incidentID)
	return err
}
