package services

import (
	"context"
	"errors"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/keephq/keep-sub006/internal/database"
)

// LifecycleService owns incident state transitions and enforces the
// invariants shared by rule-driven and mined incidents: merged incidents
// are terminal, merge chains cannot cycle, and hidden incidents stay out
// of user-facing listings while still participating in bookkeeping.
type LifecycleService struct {
	db      *gorm.DB
	metrics *Metrics
}

// NewLifecycleService creates a new LifecycleService. metrics may be nil.
func NewLifecycleService(db *gorm.DB, metrics *Metrics) *LifecycleService {
	return &LifecycleService{db: db, metrics: metrics}
}

// GetIncident returns an incident by numeric id
func (s *LifecycleService) GetIncident(ctx context.Context, id uint) (*database.Incident, error) {
	var incident database.Incident
	err := s.db.WithContext(ctx).First(&incident, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invariantErr("incident %d not found", id)
	}
	if err != nil {
		return nil, storageErr("load incident", err)
	}
	return &incident, nil
}

// GetIncidentByUUID returns an incident by UUID
func (s *LifecycleService) GetIncidentByUUID(ctx context.Context, uuid string) (*database.Incident, error) {
	var incident database.Incident
	err := s.db.WithContext(ctx).Where("uuid = ?", uuid).First(&incident).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invariantErr("incident %s not found", uuid)
	}
	if err != nil {
		return nil, storageErr("load incident", err)
	}
	return &incident, nil
}

// GetOpenIncidents returns non-terminal incidents for the tenant, newest
// first. Hidden incidents are excluded unless the filter asks for them.
func (s *LifecycleService) GetOpenIncidents(ctx context.Context, tenantID string, filter IncidentFilter) ([]database.Incident, error) {
	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = []database.IncidentStatus{
			database.IncidentStatusFiring,
			database.IncidentStatusAcknowledged,
		}
	}
	q := s.db.WithContext(ctx).
		Where("tenant_id = ? AND status IN ?", tenantID, statuses)
	if !filter.IncludeHidden {
		q = q.Where("is_visible = ?", true)
	}
	if filter.CandidatesOnly {
		q = q.Where("is_candidate = ?", true)
	}

	var incidents []database.Incident
	if err := q.Order("created_at DESC").Find(&incidents).Error; err != nil {
		return nil, storageErr("list open incidents", err)
	}
	return incidents, nil
}

// GetIncidentMembers returns the incident's membership rows in attach order
func (s *LifecycleService) GetIncidentMembers(ctx context.Context, incidentID uint) ([]database.IncidentAlert, error) {
	var members []database.IncidentAlert
	err := s.db.WithContext(ctx).
		Where("incident_id = ?", incidentID).
		Order("attached_at ASC, id ASC").
		Find(&members).Error
	if err != nil {
		return nil, storageErr("load incident members", err)
	}
	return members, nil
}

// Confirm promotes a candidate incident to a confirmed, visible one.
// Promotion is explicit only; the miner never confirms its own candidates.
func (s *LifecycleService) Confirm(ctx context.Context, incidentID uint, actor string) error {
	incident, err := s.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	if incident.IsMerged() {
		return invariantErr("cannot confirm merged incident %d", incidentID)
	}
	if !incident.IsCandidate {
		return nil // already confirmed
	}
	if err := s.db.WithContext(ctx).Model(incident).Updates(map[string]interface{}{
		"is_candidate": false,
		"is_visible":   true,
	}).Error; err != nil {
		return storageErr("confirm incident", err)
	}
	log.Printf("Incident %s confirmed by %s", incident.UUID, actor)
	return nil
}

// Acknowledge marks an open incident acknowledged. Manual-only; it does
// not affect rule evaluation.
func (s *LifecycleService) Acknowledge(ctx context.Context, incidentID uint) error {
	return s.transition(ctx, incidentID, database.IncidentStatusAcknowledged,
		database.IncidentStatusFiring)
}

// Resolve marks an open incident resolved
func (s *LifecycleService) Resolve(ctx context.Context, incidentID uint) error {
	incident, err := s.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	if incident.IsMerged() {
		return invariantErr("cannot resolve merged incident %d", incidentID)
	}
	if incident.Status == database.IncidentStatusResolved {
		return nil
	}
	now := time.Now()
	if err := s.db.WithContext(ctx).Model(incident).Updates(map[string]interface{}{
		"status":      database.IncidentStatusResolved,
		"resolved_at": now,
	}).Error; err != nil {
		return storageErr("resolve incident", err)
	}
	return nil
}

// Reopen returns a resolved or acknowledged incident to firing
func (s *LifecycleService) Reopen(ctx context.Context, incidentID uint) error {
	incident, err := s.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	if incident.IsMerged() {
		return invariantErr("cannot reopen merged incident %d", incidentID)
	}
	if incident.Status == database.IncidentStatusFiring {
		return nil
	}
	if err := s.db.WithContext(ctx).Model(incident).Updates(map[string]interface{}{
		"status":      database.IncidentStatusFiring,
		"resolved_at": nil,
	}).Error; err != nil {
		return storageErr("reopen incident", err)
	}
	return nil
}

func (s *LifecycleService) transition(ctx context.Context, incidentID uint, to database.IncidentStatus, from ...database.IncidentStatus) error {
	incident, err := s.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	if incident.IsMerged() {
		return invariantErr("incident %d is merged and terminal", incidentID)
	}
	allowed := false
	for _, f := range from {
		if incident.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return invariantErr("cannot transition incident %d from %s to %s", incidentID, incident.Status, to)
	}
	if err := s.db.WithContext(ctx).Model(incident).Update("status", to).Error; err != nil {
		return storageErr("transition incident", err)
	}
	return nil
}

// Merge folds the source incident into the target. Members move over
// transactionally, the source becomes terminal with a back-reference, and
// an audit row records who merged and why. Merging an already-merged
// source into the same target is idempotent; any other merge against a
// terminal incident is rejected, which also blocks cycles (a merge target
// must itself be non-merged).
func (s *LifecycleService) Merge(ctx context.Context, sourceID, targetID uint, actor, reason string) error {
	if sourceID == targetID {
		return invariantErr("incident %d cannot merge into itself", sourceID)
	}
	source, err := s.GetIncident(ctx, sourceID)
	if err != nil {
		return err
	}
	target, err := s.GetIncident(ctx, targetID)
	if err != nil {
		return err
	}
	if source.TenantID != target.TenantID {
		return invariantErr("cannot merge incidents across tenants")
	}
	if source.IsMerged() {
		if source.MergedIntoIncidentID != nil && *source.MergedIntoIncidentID == targetID {
			return nil // already merged into this target
		}
		return invariantErr("incident %d is already merged", sourceID)
	}
	if target.IsMerged() {
		return invariantErr("merge target %d is merged and terminal", targetID)
	}

	now := time.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Members already present on the target by fingerprint would
		// collide with the membership uniqueness; drop those first, then
		// move the rest. Historical rows on the source stay queryable
		// through the merge audit record.
		var targetFPs []string
		if err := tx.Model(&database.IncidentAlert{}).
			Where("incident_id = ?", targetID).
			Pluck("fingerprint", &targetFPs).Error; err != nil {
			return storageErr("load target fingerprints", err)
		}
		if len(targetFPs) > 0 {
			if err := tx.Where("incident_id = ? AND fingerprint IN ?", sourceID, targetFPs).
				Delete(&database.IncidentAlert{}).Error; err != nil {
				return storageErr("drop duplicate members", err)
			}
		}
		if err := tx.Model(&database.IncidentAlert{}).
			Where("incident_id = ?", sourceID).
			Update("incident_id", targetID).Error; err != nil {
			return storageErr("move members", err)
		}

		if err := refreshIncidentCounters(tx, target, now); err != nil {
			return err
		}

		if err := tx.Model(source).Updates(map[string]interface{}{
			"status":                  database.IncidentStatusMerged,
			"merged_into_incident_id": targetID,
			"merged_at":               now,
			"merged_by":               actor,
			"alert_count":             0,
		}).Error; err != nil {
			return storageErr("mark source merged", err)
		}

		record := &database.IncidentMerge{
			SourceIncidentID: sourceID,
			TargetIncidentID: targetID,
			MergeReason:      reason,
			MergedBy:         actor,
		}
		if err := tx.Create(record).Error; err != nil {
			return storageErr("record merge", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.MergesTotal.Inc()
	}
	log.Printf("Merged incident %s into %s (by %s: %s)", source.UUID, target.UUID, actor, reason)
	return nil
}

// LinkWorkflowExecution records that a workflow run was triggered by an
// incident. Duplicate links are ignored.
func (s *LifecycleService) LinkWorkflowExecution(ctx context.Context, executionID string, incidentID uint) error {
	link := &database.WorkflowExecutionIncident{
		WorkflowExecutionID: executionID,
		IncidentID:          incidentID,
	}
	var existing database.WorkflowExecutionIncident
	err := s.db.WithContext(ctx).
		Where("workflow_execution_id = ? AND incident_id = ?", executionID, incidentID).
		First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return storageErr("check workflow link", err)
	}
	if err := s.db.WithContext(ctx).Create(link).Error; err != nil {
		return storageErr("create workflow link", err)
	}
	return nil
}
