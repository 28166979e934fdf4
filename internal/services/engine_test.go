package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/keephq/keep-sub006/internal/database"
	"github.com/keephq/keep-sub006/internal/testhelpers"
)

func TestEngine_IngestDeduplicatesAndAssignsOnce(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	engine := NewEngine(db, nil, nil)
	ctx := context.Background()

	testhelpers.CreateRule(t, db, "acme", "svc", []string{"service"})

	alert := serviceAlert("acme", "conn refused", "db", database.AlertStatusFiring, time.Now())
	first, err := engine.Ingest(ctx, alert)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Verdict != VerdictNew {
		t.Errorf("expected new verdict, got %s", first.Verdict)
	}
	if first.IncidentUUID == "" {
		t.Fatal("expected an incident assignment")
	}

	second, err := engine.Ingest(ctx, alert)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Verdict != VerdictDuplicate {
		t.Errorf("expected duplicate verdict, got %s", second.Verdict)
	}
	if second.IncidentUUID != first.IncidentUUID {
		t.Errorf("expected the duplicate to report the same incident, got %s", second.IncidentUUID)
	}

	// The duplicate must not have re-attached anything.
	var memberships int64
	db.Model(&database.IncidentAlert{}).Count(&memberships)
	if memberships != 1 {
		t.Errorf("expected a single membership, got %d", memberships)
	}
}

func TestEngine_StateChangeReevaluates(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	engine := NewEngine(db, nil, nil)
	ctx := context.Background()

	testhelpers.CreateRule(t, db, "acme", "svc", []string{"service"}, func(r *database.Rule) {
		r.ResolveOn = database.ResolveOnAllResolved
	})

	t0 := time.Now()
	engine.Ingest(ctx, serviceAlert("acme", "conn refused", "db", database.AlertStatusFiring, t0))

	res, err := engine.Ingest(ctx, serviceAlert("acme", "conn refused", "db", database.AlertStatusResolved, t0.Add(time.Minute)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Verdict != VerdictStateChanged {
		t.Errorf("expected state_changed verdict, got %s", res.Verdict)
	}

	var incident database.Incident
	if err := db.Where("tenant_id = ?", "acme").First(&incident).Error; err != nil {
		t.Fatalf("failed to load incident: %v", err)
	}
	if incident.Status != database.IncidentStatusResolved {
		t.Errorf("expected incident resolved after state change, got %s", incident.Status)
	}
}

func TestEngine_UnmatchedFiringAlertGoesToMiner(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	engine := NewEngine(db, nil, nil)
	ctx := context.Background()

	res, err := engine.Ingest(ctx, serviceAlert("acme", "orphan", "db", database.AlertStatusFiring, time.Now()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IncidentUUID == "" {
		t.Fatal("expected a mined candidate incident")
	}
	var incident database.Incident
	if err := db.Where("uuid = ?", res.IncidentUUID).First(&incident).Error; err != nil {
		t.Fatalf("failed to load incident: %v", err)
	}
	if !incident.IsCandidate {
		t.Error("expected the unmatched alert to land in a candidate")
	}
}

func TestEngine_ResolvedCandidateMemberSyncsMembership(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	engine := NewEngine(db, nil, nil)
	ctx := context.Background()
	t0 := time.Now()

	first, err := engine.Ingest(ctx, serviceAlert("acme", "orphan", "db", database.AlertStatusFiring, t0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.IncidentUUID == "" {
		t.Fatal("expected a mined candidate incident")
	}

	res, err := engine.Ingest(ctx, serviceAlert("acme", "orphan", "db", database.AlertStatusResolved, t0.Add(time.Minute)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Verdict != VerdictStateChanged {
		t.Fatalf("expected state_changed verdict, got %s", res.Verdict)
	}
	if res.IncidentUUID != first.IncidentUUID {
		t.Errorf("expected the state change attributed to the candidate, got %q", res.IncidentUUID)
	}

	var member database.IncidentAlert
	if err := db.Where("tenant_id = ?", "acme").First(&member).Error; err != nil {
		t.Fatalf("failed to load membership: %v", err)
	}
	if member.Status != database.AlertStatusResolved {
		t.Errorf("expected membership row resolved, got %s", member.Status)
	}
	if member.ResolvedAt == nil {
		t.Error("expected resolved_at stamped on the membership row")
	}
}

func TestEngine_SeverityChangeOfCandidateMemberReaggregates(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	engine := NewEngine(db, nil, nil)
	ctx := context.Background()
	t0 := time.Now()

	alert := serviceAlert("acme", "orphan", "db", database.AlertStatusFiring, t0)
	first, err := engine.Ingest(ctx, alert)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	escalated := serviceAlert("acme", "orphan", "db", database.AlertStatusFiring, t0.Add(time.Minute))
	escalated.Severity = database.AlertSeverityCritical
	res, err := engine.Ingest(ctx, escalated)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Verdict != VerdictStateChanged {
		t.Fatalf("expected state_changed verdict, got %s", res.Verdict)
	}
	if res.Severity != database.AlertSeverityCritical {
		t.Errorf("expected escalated severity reported, got %s", res.Severity)
	}

	var incident database.Incident
	if err := db.Where("uuid = ?", first.IncidentUUID).First(&incident).Error; err != nil {
		t.Fatalf("failed to load incident: %v", err)
	}
	if incident.Severity != database.AlertSeverityCritical {
		t.Errorf("expected incident severity escalated, got %s", incident.Severity)
	}
}

func TestEngine_ResolvedAlertWithoutRuleStaysUnassigned(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	engine := NewEngine(db, nil, nil)
	ctx := context.Background()

	res, err := engine.Ingest(ctx, serviceAlert("acme", "quiet", "db", database.AlertStatusResolved, time.Now()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IncidentUUID != "" {
		t.Errorf("resolved alerts must not open candidates, got %s", res.IncidentUUID)
	}

	// The alert itself is still durable.
	var alerts int64
	db.Model(&database.Alert{}).Count(&alerts)
	if alerts != 1 {
		t.Errorf("expected the alert recorded, got %d rows", alerts)
	}
}

func TestEngine_PausedTenantRejected(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	engine := NewEngine(db, nil, nil)
	ctx := context.Background()

	engine.PauseTenant("acme")
	_, err := engine.Ingest(ctx, serviceAlert("acme", "x", "db", database.AlertStatusFiring, time.Now()))
	if !errors.Is(err, ErrTenantPaused) {
		t.Fatalf("expected ErrTenantPaused, got %v", err)
	}

	// Other tenants keep flowing.
	if _, err := engine.Ingest(ctx, serviceAlert("globex", "x", "db", database.AlertStatusFiring, time.Now())); err != nil {
		t.Errorf("unexpected error for unpaused tenant: %v", err)
	}

	engine.ResumeTenant("acme")
	if _, err := engine.Ingest(ctx, serviceAlert("acme", "x", "db", database.AlertStatusFiring, time.Now())); err != nil {
		t.Errorf("unexpected error after resume: %v", err)
	}
}

func TestEngine_MissingTenantRejected(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	engine := NewEngine(db, nil, nil)

	alert := serviceAlert("", "x", "db", database.AlertStatusFiring, time.Now())
	if _, err := engine.Ingest(context.Background(), alert); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}

func TestEngine_WithRetryBacksOffTransientErrors(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	engine := NewEngine(db, nil, nil)
	var slept []time.Duration
	engine.sleepFn = func(d time.Duration) { slept = append(slept, d) }

	settings := database.NewDefaultEngineSettings()
	settings.IngestMaxRetries = 3
	settings.IngestBackoffBaseMs = 50
	settings.IngestBackoffCapMs = 120

	attempts := 0
	err := engine.withRetry(context.Background(), settings, func() error {
		attempts++
		if attempts < 3 {
			return storageErr("flaky", errors.New("timeout"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	// 50ms, then doubled and capped at 120ms.
	want := []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}
	if len(slept) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), slept)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, slept[i], want[i])
		}
	}
}

func TestEngine_WithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	engine := NewEngine(db, nil, nil)
	engine.sleepFn = func(time.Duration) {}

	settings := database.NewDefaultEngineSettings()
	settings.IngestMaxRetries = 2

	attempts := 0
	err := engine.withRetry(context.Background(), settings, func() error {
		attempts++
		return ErrConflict
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected the final conflict error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected initial attempt plus 2 retries, got %d", attempts)
	}
}

func TestEngine_WithRetryDoesNotRetryPermanentErrors(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	engine := NewEngine(db, nil, nil)
	engine.sleepFn = func(time.Duration) {}

	attempts := 0
	err := engine.withRetry(context.Background(), database.NewDefaultEngineSettings(), func() error {
		attempts++
		return invariantErr("broken input")
	})
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected the invariant error surfaced, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected no retries for permanent errors, got %d attempts", attempts)
	}
}

func TestEngine_ForceSeverityFlowsThroughIngest(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	engine := NewEngine(db, nil, nil)
	ctx := context.Background()

	testhelpers.CreateRule(t, db, "acme", "svc", []string{"service"})

	res, err := engine.Ingest(ctx, serviceAlert("acme", "a", "db", database.AlertStatusFiring, time.Now()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var incident database.Incident
	if err := db.Where("uuid = ?", res.IncidentUUID).First(&incident).Error; err != nil {
		t.Fatalf("failed to load incident: %v", err)
	}

	if err := engine.ForceSeverity(ctx, incident.ID, database.AlertSeverityCritical, "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A later state change does not move the forced severity.
	res, err = engine.Ingest(ctx, serviceAlert("acme", "a", "db", database.AlertStatusFiring, time.Now().Add(time.Minute)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Severity != database.AlertSeverityCritical {
		t.Errorf("expected forced severity reported, got %s", res.Severity)
	}

	if err := engine.UnforceSeverity(ctx, incident.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var reloaded database.Incident
	db.First(&reloaded, incident.ID)
	if reloaded.Severity != database.AlertSeverityHigh {
		t.Errorf("expected severity recomputed from members, got %s", reloaded.Severity)
	}
}
