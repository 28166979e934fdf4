package database

import (
	"time"

	"gorm.io/gorm"
)

// EngineSettings controls deduplication and correlation behavior
type EngineSettings struct {
	ID                       uint      `gorm:"primaryKey" json:"id"`
	Enabled                  bool      `gorm:"default:true" json:"enabled"`
	PMIThreshold             float64   `gorm:"default:2.0" json:"pmi_threshold"`
	SlidingWindowSeconds     int       `gorm:"default:1800" json:"sliding_window_seconds"`
	SimilarityCutoff         float64   `gorm:"type:decimal(3,2);default:0.90" json:"similarity_cutoff"`
	SimilarityTopK           int       `gorm:"default:10" json:"similarity_top_k"`
	SimilarityTimeoutSeconds int       `gorm:"default:5" json:"similarity_timeout_seconds"`
	KneeThreshold            float64   `gorm:"type:decimal(3,2);default:0.50" json:"knee_threshold"`
	MinIncidentSize          int       `gorm:"default:2" json:"min_incident_size"`
	PMIFlushIntervalMinutes  int       `gorm:"default:1" json:"pmi_flush_interval_minutes"`
	IngestMaxRetries         int       `gorm:"default:5" json:"ingest_max_retries"`
	IngestBackoffBaseMs      int       `gorm:"default:50" json:"ingest_backoff_base_ms"`
	IngestBackoffCapMs       int       `gorm:"default:2000" json:"ingest_backoff_cap_ms"`
	CreatedAt                time.Time `json:"created_at"`
	UpdatedAt                time.Time `json:"updated_at"`
}

func (EngineSettings) TableName() string {
	return "engine_settings"
}

// NewDefaultEngineSettings returns settings with default values
func NewDefaultEngineSettings() *EngineSettings {
	return &EngineSettings{
		Enabled:                  true,
		PMIThreshold:             2.0,
		SlidingWindowSeconds:     1800,
		SimilarityCutoff:         0.90,
		SimilarityTopK:           10,
		SimilarityTimeoutSeconds: 5,
		KneeThreshold:            0.50,
		MinIncidentSize:          2,
		PMIFlushIntervalMinutes:  1,
		IngestMaxRetries:         5,
		IngestBackoffBaseMs:      50,
		IngestBackoffCapMs:       2000,
	}
}

// SlidingWindow returns the co-occurrence window as a duration
func (s *EngineSettings) SlidingWindow() time.Duration {
	if s.SlidingWindowSeconds <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(s.SlidingWindowSeconds) * time.Second
}

// PMIFlushInterval returns the flush job period, floored at one minute
func (s *EngineSettings) PMIFlushInterval() time.Duration {
	if s.PMIFlushIntervalMinutes <= 0 {
		return time.Minute
	}
	return time.Duration(s.PMIFlushIntervalMinutes) * time.Minute
}

// SimilarityTimeout returns the bounded timeout for similarity lookups
func (s *EngineSettings) SimilarityTimeout() time.Duration {
	if s.SimilarityTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.SimilarityTimeoutSeconds) * time.Second
}

// GetOrCreateEngineSettings retrieves or creates engine settings (singleton).
// This function accepts a db parameter (rather than a package global) to
// support dependency injection, transaction contexts, and easier testing.
func GetOrCreateEngineSettings(db *gorm.DB) (*EngineSettings, error) {
	var settings EngineSettings
	result := db.First(&settings)
	if result.Error == gorm.ErrRecordNotFound {
		settings = *NewDefaultEngineSettings()
		if err := db.Create(&settings).Error; err != nil {
			return nil, err
		}
	} else if result.Error != nil {
		return nil, result.Error
	}
	return &settings, nil
}

// UpdateEngineSettings updates engine settings.
// Uses Save() which handles both insert and update operations.
func UpdateEngineSettings(db *gorm.DB, settings *EngineSettings) error {
	return db.Save(settings).Error
}
