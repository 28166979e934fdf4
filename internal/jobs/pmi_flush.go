package jobs

import (
	"context"
	"log"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/keephq/keep-sub006/internal/database"
	"github.com/keephq/keep-sub006/internal/services"
)

// PMIFlushJob periodically prunes expired miner window state and persists
// above-threshold PMI pairs to the pmi_matrix table. PMI statistics are
// eventually consistent; a few seconds of staleness only affects candidate
// suggestion quality, never dedup or rule correctness.
type PMIFlushJob struct {
	db      *gorm.DB
	miner   *services.CorrelationMiner
	metrics *services.Metrics
}

// NewPMIFlushJob creates a new PMI flush job. metrics may be nil.
func NewPMIFlushJob(db *gorm.DB, miner *services.CorrelationMiner, metrics *services.Metrics) *PMIFlushJob {
	return &PMIFlushJob{db: db, miner: miner, metrics: metrics}
}

// Run executes one flush iteration and returns the number of rows written
func (j *PMIFlushJob) Run() (int, error) {
	settings, err := database.GetOrCreateEngineSettings(j.db)
	if err != nil {
		return 0, err
	}
	if !settings.Enabled {
		return 0, nil
	}

	j.miner.Prune(time.Now(), settings.SlidingWindow())
	j.pruneCandidates(settings)

	entries := j.miner.Snapshot(settings.PMIThreshold)
	if len(entries) == 0 {
		return 0, nil
	}

	err = j.db.Transaction(func(tx *gorm.DB) error {
		for i := range entries {
			res := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{
					{Name: "tenant_id"},
					{Name: "fingerprint_i"},
					{Name: "fingerprint_j"},
				},
				DoUpdates: clause.AssignmentColumns([]string{"score", "pair_count", "updated_at"}),
			}).Create(&entries[i])
			if res.Error != nil {
				return res.Error
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if j.metrics != nil {
		j.metrics.PMIFlushedTotal.Add(float64(len(entries)))
	}
	return len(entries), nil
}

// pruneCandidates trims weakly-related members off oversized open
// candidates so mined incidents stay coherent as the window moves
func (j *PMIFlushJob) pruneCandidates(settings *database.EngineSettings) {
	var candidates []database.Incident
	err := j.db.
		Where("is_candidate = ? AND status = ? AND alert_count > ?",
			true, database.IncidentStatusFiring, settings.MinIncidentSize).
		Find(&candidates).Error
	if err != nil {
		log.Printf("Candidate listing for pruning failed: %v", err)
		return
	}
	for i := range candidates {
		if err := j.miner.PruneCandidate(context.Background(), &candidates[i]); err != nil {
			log.Printf("Pruning candidate %s failed: %v", candidates[i].UUID, err)
		}
	}
}

// Start begins the periodic flush loop. It blocks until stop is closed.
func (j *PMIFlushJob) Start(stop <-chan struct{}) {
	settings, err := database.GetOrCreateEngineSettings(j.db)
	if err != nil {
		log.Printf("Failed to get engine settings, using default flush interval: %v", err)
		settings = database.NewDefaultEngineSettings()
	}

	interval := settings.PMIFlushInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			flushed, err := j.Run()
			if err != nil {
				log.Printf("PMI flush job error: %v", err)
			} else if flushed > 0 {
				log.Printf("PMI flush job: wrote %d entries", flushed)
			}

			// Refresh interval from settings (in case it changed)
			newSettings, err := database.GetOrCreateEngineSettings(j.db)
			if err == nil && newSettings.PMIFlushInterval() != interval {
				settings = newSettings
				interval = settings.PMIFlushInterval()
				ticker.Reset(interval)
				log.Printf("PMI flush interval updated to %s", interval)
			}

		case <-stop:
			log.Println("PMI flush job stopped")
			return
		}
	}
}
