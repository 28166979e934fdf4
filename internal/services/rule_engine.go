package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/keephq/keep-sub006/internal/database"
)

// RuleEngine assigns incoming alerts to rule-driven incidents. Rules are
// evaluated in ascending creation order and the first match wins; an alert
// joins at most one rule-incident.
type RuleEngine struct {
	db      *gorm.DB
	metrics *Metrics

	// groupLocks serializes attach-or-create per grouping key so two
	// concurrent alerts for the same new key cannot open two incidents
	// for the same window.
	groupLocks fingerprintLocks
}

// NewRuleEngine creates a new RuleEngine. metrics may be nil.
func NewRuleEngine(db *gorm.DB, metrics *Metrics) *RuleEngine {
	return &RuleEngine{db: db, metrics: metrics}
}

// RuleFingerprint derives the identity of a rule-incident from the rule id
// and the alert's grouping key values
func RuleFingerprint(ruleID uint, groupingValues []string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s", ruleID, strings.Join(groupingValues, "\x1f"))))
	return hex.EncodeToString(sum[:])
}

// Evaluate runs the alert through the tenant's enabled rules. It returns
// nil when no rule matched. A malformed rule condition is logged and
// skipped; it never aborts evaluation of the remaining rules.
func (e *RuleEngine) Evaluate(ctx context.Context, alert IncomingAlert, fp string) (*IncidentAssignment, error) {
	var rules []database.Rule
	err := e.db.WithContext(ctx).
		Where("tenant_id = ? AND enabled = ?", alert.TenantID, true).
		Order("id ASC").
		Find(&rules).Error
	if err != nil {
		return nil, storageErr("list rules", err)
	}

	for i := range rules {
		rule := &rules[i]
		cond, err := ParseCondition(rule.Condition)
		if err != nil {
			e.reportRuleError(rule, err)
			continue
		}
		matched, err := cond.Eval(&alert)
		if err != nil {
			e.reportRuleError(rule, err)
			continue
		}
		if !matched {
			continue
		}

		values := groupingValues(&alert, rule.GroupingFields())
		ruleFP := RuleFingerprint(rule.ID, values)

		assignment, err := e.attachOrCreate(ctx, rule, ruleFP, alert, fp)
		if err != nil {
			return nil, err
		}
		if e.metrics != nil {
			outcome := "attached"
			if assignment.Created {
				outcome = "created"
			}
			e.metrics.RuleMatchesTotal.WithLabelValues(outcome).Inc()
		}
		return assignment, nil
	}
	return nil, nil
}

func (e *RuleEngine) reportRuleError(rule *database.Rule, err error) {
	log.Printf("Rule %d (%s) skipped due to configuration error: %v", rule.ID, rule.Name, err)
	if e.metrics != nil {
		e.metrics.RuleErrorsTotal.Inc()
	}
}

// groupingValues extracts the ordered tuple of grouping-field values from
// the alert. Missing fields contribute an empty string so the tuple shape
// stays stable.
func groupingValues(alert *IncomingAlert, fields []string) []string {
	values := make([]string, len(fields))
	for i, f := range fields {
		values[i], _ = alertField(alert, f)
	}
	return values
}

// attachOrCreate attaches the alert to the open incident for the grouping
// key within the rule's window, or creates a new incident per the rule's
// create_on policy. The whole unit runs in one transaction.
func (e *RuleEngine) attachOrCreate(ctx context.Context, rule *database.Rule, ruleFP string, alert IncomingAlert, fp string) (*IncidentAssignment, error) {
	mu := e.groupLocks.lock(alert.TenantID + "|" + ruleFP)
	mu.Lock()
	defer mu.Unlock()

	now := alert.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	windowStart := now.Add(-rule.Timeframe())

	assignment := &IncidentAssignment{Rule: rule}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var incident database.Incident
		err := tx.Where(
			"tenant_id = ? AND rule_fingerprint = ? AND status <> ? AND window_start_at > ?",
			alert.TenantID, ruleFP, database.IncidentStatusMerged, windowStart,
		).Order("id DESC").First(&incident).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			ruleID := rule.ID
			incident = database.Incident{
				UUID:            uuid.New().String(),
				TenantID:        alert.TenantID,
				Title:           incidentTitle(rule, alert),
				Status:          database.IncidentStatusFiring,
				Severity:        alert.Severity,
				IsCandidate:     false,
				IsVisible:       rule.CreateOn != database.CreateOnThreshold,
				RuleFingerprint: ruleFP,
				RuleID:          &ruleID,
				WindowStartAt:   now,
			}
			if err := tx.Create(&incident).Error; err != nil {
				return storageErr("create rule incident", err)
			}
			assignment.Created = true
		case err != nil:
			return storageErr("find rule incident", err)
		default:
			// A firing alert arriving inside the window reopens a
			// resolved incident.
			if incident.Status == database.IncidentStatusResolved && alert.Status == database.AlertStatusFiring {
				if err := tx.Model(&incident).Updates(map[string]interface{}{
					"status":      database.IncidentStatusFiring,
					"resolved_at": nil,
				}).Error; err != nil {
					return storageErr("reopen incident", err)
				}
				incident.Status = database.IncidentStatusFiring
				incident.ResolvedAt = nil
			}
		}

		if err := upsertMembership(tx, &incident, alert, fp, now); err != nil {
			return err
		}
		if err := refreshIncidentCounters(tx, &incident, now); err != nil {
			return err
		}

		// Threshold policy: the incident exists from the first alert but
		// stays hidden until enough members accumulated.
		if rule.CreateOn == database.CreateOnThreshold && !incident.IsVisible &&
			incident.AlertCount >= rule.CreateThreshold {
			if err := tx.Model(&incident).Update("is_visible", true).Error; err != nil {
				return storageErr("promote threshold incident", err)
			}
			incident.IsVisible = true
		}

		if alert.Status == database.AlertStatusResolved {
			if err := applyResolvePolicy(tx, &incident, rule.ResolveOn, now); err != nil {
				return err
			}
		}

		assignment.Incident = &incident
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assignment, nil
}

// upsertMembership creates or refreshes the alert's membership row
func upsertMembership(tx *gorm.DB, incident *database.Incident, alert IncomingAlert, fp string, now time.Time) error {
	var member database.IncidentAlert
	err := tx.Where("incident_id = ? AND fingerprint = ?", incident.ID, fp).First(&member).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		member = database.IncidentAlert{
			IncidentID:  incident.ID,
			TenantID:    alert.TenantID,
			Fingerprint: fp,
			AlertName:   alert.Name,
			Severity:    alert.Severity,
			Status:      alert.Status,
			Source:      alert.Source,
			Payload:     database.JSONB(alert.Payload),
			AttachedAt:  now,
		}
		if alert.Status == database.AlertStatusResolved {
			member.ResolvedAt = &now
		}
		if err := tx.Create(&member).Error; err != nil {
			return storageErr("create incident membership", err)
		}
	case err != nil:
		return storageErr("load incident membership", err)
	default:
		updates := map[string]interface{}{
			"status":   alert.Status,
			"severity": alert.Severity,
			"payload":  database.JSONB(alert.Payload),
		}
		if alert.Status == database.AlertStatusResolved {
			updates["resolved_at"] = now
		} else {
			updates["resolved_at"] = nil
		}
		if err := tx.Model(&member).Updates(updates).Error; err != nil {
			return storageErr("update incident membership", err)
		}
	}
	return nil
}

// refreshIncidentCounters recounts membership and stamps last_alert_at
func refreshIncidentCounters(tx *gorm.DB, incident *database.Incident, now time.Time) error {
	var count int64
	if err := tx.Model(&database.IncidentAlert{}).
		Where("incident_id = ?", incident.ID).
		Count(&count).Error; err != nil {
		return storageErr("count incident members", err)
	}
	if err := tx.Model(incident).Updates(map[string]interface{}{
		"alert_count":   count,
		"last_alert_at": now,
	}).Error; err != nil {
		return storageErr("update incident counters", err)
	}
	incident.AlertCount = int(count)
	incident.LastAlertAt = &now
	return nil
}

// applyResolvePolicy resolves the incident according to the rule's
// resolve_on policy after a member transitioned to resolved. An incident
// left with zero members resolves regardless of policy.
func applyResolvePolicy(tx *gorm.DB, incident *database.Incident, policy database.ResolveOnPolicy, now time.Time) error {
	if !incident.IsOpen() {
		return nil
	}

	var members []database.IncidentAlert
	if err := tx.Where("incident_id = ?", incident.ID).
		Order("attached_at ASC, id ASC").
		Find(&members).Error; err != nil {
		return storageErr("load incident members", err)
	}

	shouldResolve := false
	if len(members) == 0 {
		shouldResolve = true // empty-group guard
	} else {
		switch policy {
		case database.ResolveOnNever:
		case database.ResolveOnFirstResolved:
			for i := range members {
				if members[i].Status == database.AlertStatusResolved {
					shouldResolve = true
					break
				}
			}
		case database.ResolveOnAllResolved:
			shouldResolve = true
			for i := range members {
				if members[i].Status != database.AlertStatusResolved {
					shouldResolve = false
					break
				}
			}
		case database.ResolveOnLastResolved:
			last := members[len(members)-1]
			shouldResolve = last.Status == database.AlertStatusResolved
		}
	}
	if !shouldResolve {
		return nil
	}

	if err := tx.Model(incident).Updates(map[string]interface{}{
		"status":      database.IncidentStatusResolved,
		"resolved_at": now,
	}).Error; err != nil {
		return storageErr("resolve incident", err)
	}
	incident.Status = database.IncidentStatusResolved
	incident.ResolvedAt = &now
	return nil
}

func incidentTitle(rule *database.Rule, alert IncomingAlert) string {
	if rule.Name != "" {
		return rule.Name + ": " + alert.Name
	}
	return alert.Name
}
