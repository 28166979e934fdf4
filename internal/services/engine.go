package services

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/keephq/keep-sub006/internal/database"
	"github.com/keephq/keep-sub006/internal/fingerprint"
)

// Engine is the alert deduplication, correlation and incident-formation
// pipeline: fingerprint resolution, dedup verdict, rule evaluation, miner
// fallback and severity aggregation, in that order. It is the facade the
// API and workflow layers consume.
type Engine struct {
	db        *gorm.DB
	dedup     *DedupService
	rules     *RuleEngine
	miner     *CorrelationMiner
	lifecycle *LifecycleService
	severity  *SeverityAggregator
	metrics   *Metrics

	pausedMu sync.RWMutex
	paused   map[string]bool

	sleepFn func(time.Duration) // overridable in tests
}

// NewEngine wires the engine components together. similarity and metrics
// may be nil.
func NewEngine(db *gorm.DB, similarity SimilarityClient, metrics *Metrics) *Engine {
	return &Engine{
		db:        db,
		dedup:     NewDedupService(db),
		rules:     NewRuleEngine(db, metrics),
		miner:     NewCorrelationMiner(db, similarity, metrics),
		lifecycle: NewLifecycleService(db, metrics),
		severity:  NewSeverityAggregator(db),
		metrics:   metrics,
		paused:    make(map[string]bool),
		sleepFn:   time.Sleep,
	}
}

// Miner exposes the correlation miner for the flush job
func (e *Engine) Miner() *CorrelationMiner {
	return e.miner
}

// Lifecycle exposes the incident lifecycle manager
func (e *Engine) Lifecycle() *LifecycleService {
	return e.lifecycle
}

// PauseTenant stops admitting new work for the tenant. In-flight units
// complete; each is atomic, so no partially-applied state is left behind.
func (e *Engine) PauseTenant(tenantID string) {
	e.pausedMu.Lock()
	defer e.pausedMu.Unlock()
	e.paused[tenantID] = true
}

// ResumeTenant re-admits work for the tenant
func (e *Engine) ResumeTenant(tenantID string) {
	e.pausedMu.Lock()
	defer e.pausedMu.Unlock()
	delete(e.paused, tenantID)
}

func (e *Engine) isPaused(tenantID string) bool {
	e.pausedMu.RLock()
	defer e.pausedMu.RUnlock()
	return e.paused[tenantID]
}

// Ingest runs one alert through the full pipeline and reports the dedup
// verdict, the incident it landed in (if any) and the incident severity.
// Transient storage failures and dedup conflicts are retried with capped
// exponential backoff; if rule and miner logic fail the alert is still
// durably recorded with its verdict and no incident assignment.
func (e *Engine) Ingest(ctx context.Context, alert IncomingAlert) (*IngestResult, error) {
	if alert.TenantID == "" {
		return nil, invariantErr("alert missing tenant id")
	}
	if e.isPaused(alert.TenantID) {
		return nil, ErrTenantPaused
	}
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.IngestDuration.Observe(time.Since(start).Seconds())
		}
	}()

	settings, err := database.GetOrCreateEngineSettings(e.db.WithContext(ctx))
	if err != nil {
		return nil, storageErr("load engine settings", err)
	}

	fp := fingerprint.Resolve(alert.Payload, alert.ProviderAlertID, alert.FingerprintKeys)

	var verdict DedupVerdict
	err = e.withRetry(ctx, settings, func() error {
		var derr error
		verdict, _, derr = e.dedup.Ingest(ctx, fp, alert)
		return derr
	})
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.IngestTotal.WithLabelValues(string(verdict)).Inc()
	}

	result := &IngestResult{Verdict: verdict, Severity: alert.Severity}

	// Duplicates never re-trigger incident evaluation; report the
	// incident the fingerprint already belongs to, if any.
	if verdict == VerdictDuplicate {
		if incident, err := e.memberIncident(ctx, alert.TenantID, fp); err == nil && incident != nil {
			result.IncidentUUID = incident.UUID
			result.Severity = incident.Severity
		}
		return result, nil
	}

	var incident *database.Incident
	assignErr := e.withRetry(ctx, settings, func() error {
		assignment, rerr := e.rules.Evaluate(ctx, alert, fp)
		if rerr != nil {
			return rerr
		}
		if assignment != nil {
			incident = assignment.Incident
		}
		return nil
	})
	if assignErr != nil {
		// The alert row and dedup verdict are already durable; a later
		// reconciliation pass can pick the alert up again.
		log.Printf("Rule evaluation failed for tenant %s fingerprint %s: %v", alert.TenantID, fp, assignErr)
		return result, nil
	}

	if incident == nil {
		if alert.Status == database.AlertStatusFiring {
			mined, merr := e.miner.Observe(ctx, alert, fp)
			if merr != nil {
				log.Printf("Correlation mining failed for tenant %s fingerprint %s: %v", alert.TenantID, fp, merr)
			} else {
				incident = mined
			}
		} else if verdict == VerdictStateChanged {
			// A resolving fingerprint no rule claimed may still be a member
			// of a mined candidate; keep its membership row in sync so the
			// candidate can drain and de-escalate.
			member, merr := e.memberIncident(ctx, alert.TenantID, fp)
			if merr != nil {
				log.Printf("Member incident lookup failed for tenant %s fingerprint %s: %v", alert.TenantID, fp, merr)
			} else if member != nil {
				if serr := e.syncMembership(ctx, member, alert, fp); serr != nil {
					log.Printf("Membership sync failed for incident %s: %v", member.UUID, serr)
				} else {
					incident = member
				}
			}
		}
	}

	if incident != nil {
		result.IncidentUUID = incident.UUID
		if sev, serr := e.severity.Recompute(ctx, incident.ID); serr == nil {
			result.Severity = sev
		} else {
			log.Printf("Severity recompute failed for incident %s: %v", incident.UUID, serr)
		}
	}
	return result, nil
}

// syncMembership updates the fingerprint's membership row on an incident
// after a state change outside the rule path
func (e *Engine) syncMembership(ctx context.Context, incident *database.Incident, alert IncomingAlert, fp string) error {
	now := alert.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertMembership(tx, incident, alert, fp, now); err != nil {
			return err
		}
		return refreshIncidentCounters(tx, incident, now)
	})
}

// memberIncident finds the open incident the fingerprint is a member of
func (e *Engine) memberIncident(ctx context.Context, tenantID, fp string) (*database.Incident, error) {
	var incident database.Incident
	err := e.db.WithContext(ctx).
		Joins("JOIN incident_alerts ON incident_alerts.incident_id = incidents.id").
		Where("incident_alerts.fingerprint = ? AND incidents.tenant_id = ? AND incidents.status IN ?",
			fp, tenantID, []database.IncidentStatus{
				database.IncidentStatusFiring,
				database.IncidentStatusAcknowledged,
			}).
		Order("incidents.id DESC").
		First(&incident).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("find member incident", err)
	}
	return &incident, nil
}

// withRetry retries fn on transient storage errors and dedup conflicts
// with capped exponential backoff
func (e *Engine) withRetry(ctx context.Context, settings *database.EngineSettings, fn func() error) error {
	backoff := time.Duration(settings.IngestBackoffBaseMs) * time.Millisecond
	maxBackoff := time.Duration(settings.IngestBackoffCapMs) * time.Millisecond
	var err error
	for attempt := 0; attempt <= settings.IngestMaxRetries; attempt++ {
		if attempt > 0 {
			e.sleepFn(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrTransientStorage) && !errors.Is(err, ErrConflict) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

// GetOpenIncidents lists the tenant's open incidents, newest first
func (e *Engine) GetOpenIncidents(ctx context.Context, tenantID string, filter IncidentFilter) ([]database.Incident, error) {
	return e.lifecycle.GetOpenIncidents(ctx, tenantID, filter)
}

// MergeIncidents folds the source incident into the target on behalf of
// the given actor
func (e *Engine) MergeIncidents(ctx context.Context, sourceID, targetID uint, actor string) error {
	return e.lifecycle.Merge(ctx, sourceID, targetID, actor, "manual merge")
}

// ForceSeverity pins the incident's severity on behalf of the given actor
func (e *Engine) ForceSeverity(ctx context.Context, incidentID uint, severity database.AlertSeverity, actor string) error {
	if err := e.severity.Force(ctx, incidentID, severity, actor); err != nil {
		return err
	}
	log.Printf("Severity of incident %d forced to %s by %s", incidentID, severity, actor)
	return nil
}

// UnforceSeverity releases a pinned severity and recomputes from members
func (e *Engine) UnforceSeverity(ctx context.Context, incidentID uint) error {
	return e.severity.Unforce(ctx, incidentID)
}
