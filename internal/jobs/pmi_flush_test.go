package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/keephq/keep-sub006/internal/database"
	"github.com/keephq/keep-sub006/internal/services"
	"github.com/keephq/keep-sub006/internal/testhelpers"
	"gorm.io/gorm"
)

func observeAlert(t *testing.T, db *gorm.DB, miner *services.CorrelationMiner, name, fp string, at time.Time) {
	t.Helper()
	_, err := miner.Observe(context.Background(), services.IncomingAlert{
		TenantID:  "acme",
		Name:      name,
		Severity:  database.AlertSeverityHigh,
		Status:    database.AlertStatusFiring,
		Source:    "prometheus",
		Payload:   map[string]interface{}{"name": name},
		Timestamp: at,
	}, fp)
	if err != nil {
		t.Fatalf("failed to observe alert: %v", err)
	}
}

func lowerPMIThreshold(t *testing.T, db *gorm.DB) {
	t.Helper()
	settings, err := database.GetOrCreateEngineSettings(db)
	if err != nil {
		t.Fatalf("failed to load settings: %v", err)
	}
	settings.PMIThreshold = 0.5
	if err := database.UpdateEngineSettings(db, settings); err != nil {
		t.Fatalf("failed to update settings: %v", err)
	}
}

func TestPMIFlushJob_WritesCanonicalPairs(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	miner := services.NewCorrelationMiner(db, nil, nil)
	job := NewPMIFlushJob(db, miner, nil)
	lowerPMIThreshold(t, db)
	now := time.Now()

	observeAlert(t, db, miner, "disk full", "fp-b", now)
	observeAlert(t, db, miner, "io latency", "fp-a", now.Add(time.Second))

	flushed, err := job.Run()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if flushed != 1 {
		t.Fatalf("expected 1 entry flushed, got %d", flushed)
	}

	var entries []database.PMIEntry
	if err := db.Find(&entries).Error; err != nil {
		t.Fatalf("failed to load entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 row, got %d", len(entries))
	}
	// Pairs are stored once under lexical ordering regardless of arrival
	// order.
	if entries[0].FingerprintI != "fp-a" || entries[0].FingerprintJ != "fp-b" {
		t.Errorf("expected canonical pair (fp-a, fp-b), got (%s, %s)",
			entries[0].FingerprintI, entries[0].FingerprintJ)
	}
	if entries[0].Score <= 0 {
		t.Errorf("expected positive PMI score, got %f", entries[0].Score)
	}
}

func TestPMIFlushJob_RerunUpsertsInPlace(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	miner := services.NewCorrelationMiner(db, nil, nil)
	job := NewPMIFlushJob(db, miner, nil)
	lowerPMIThreshold(t, db)
	now := time.Now()

	observeAlert(t, db, miner, "disk full", "fp-a", now)
	observeAlert(t, db, miner, "io latency", "fp-b", now.Add(time.Second))

	if _, err := job.Run(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := job.Run(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var count int64
	db.Model(&database.PMIEntry{}).Count(&count)
	if count != 1 {
		t.Errorf("expected the pair upserted in place, got %d rows", count)
	}
}

func TestPMIFlushJob_PrunesOversizedCandidates(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	miner := services.NewCorrelationMiner(db, nil, nil)
	job := NewPMIFlushJob(db, miner, nil)
	lowerPMIThreshold(t, db)
	now := time.Now()

	// fp-a and fp-b co-occur and fold into one candidate; fp-c is attached
	// with no co-occurrence evidence.
	observeAlert(t, db, miner, "disk full", "fp-a", now)
	observeAlert(t, db, miner, "io latency", "fp-b", now.Add(time.Second))

	var candidate database.Incident
	if err := db.Where("is_candidate = ?", true).First(&candidate).Error; err != nil {
		t.Fatalf("failed to load candidate: %v", err)
	}
	testhelpers.AddMember(t, db, &candidate, "fp-c")

	if _, err := job.Run(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var members []database.IncidentAlert
	if err := db.Where("incident_id = ?", candidate.ID).Find(&members).Error; err != nil {
		t.Fatalf("failed to load members: %v", err)
	}
	kept := map[string]bool{}
	for _, m := range members {
		kept[m.Fingerprint] = true
	}
	if !kept["fp-a"] || !kept["fp-b"] {
		t.Errorf("expected the correlated core kept, got %v", kept)
	}
	if kept["fp-c"] {
		t.Error("expected the uncorrelated member pruned by the flush run")
	}
}

func TestPMIFlushJob_DisabledSettingsFlushNothing(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	miner := services.NewCorrelationMiner(db, nil, nil)
	job := NewPMIFlushJob(db, miner, nil)

	settings, err := database.GetOrCreateEngineSettings(db)
	if err != nil {
		t.Fatalf("failed to load settings: %v", err)
	}
	settings.Enabled = false
	if err := database.UpdateEngineSettings(db, settings); err != nil {
		t.Fatalf("failed to update settings: %v", err)
	}

	flushed, err := job.Run()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if flushed != 0 {
		t.Errorf("expected nothing flushed while disabled, got %d", flushed)
	}
}

func TestPMIFlushJob_NothingAboveThreshold(t *testing.T) {
	db := testhelpers.NewTestDB(t)
	miner := services.NewCorrelationMiner(db, nil, nil)
	job := NewPMIFlushJob(db, miner, nil)

	// Default threshold is 2.0; a single co-occurring pair scores ln 2.
	now := time.Now()
	observeAlert(t, db, miner, "disk full", "fp-a", now)
	observeAlert(t, db, miner, "io latency", "fp-b", now.Add(time.Second))

	flushed, err := job.Run()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if flushed != 0 {
		t.Errorf("expected no entries above the default threshold, got %d", flushed)
	}
}
