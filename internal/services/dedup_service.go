package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/keephq/keep-sub006/internal/database"
)

// lockStripes is the number of striped mutexes used to serialize
// per-fingerprint work. Distinct fingerprints proceed in parallel;
// colliding stripes only cost a little extra contention.
const lockStripes = 256

// fingerprintLocks serializes updates per (tenant, fingerprint)
type fingerprintLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *fingerprintLocks) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &l.stripes[h.Sum32()%lockStripes]
}

// DedupService decides whether an incoming alert is NEW, a DUPLICATE of
// prior state, or a STATE_CHANGED re-fire, and persists the alert row.
type DedupService struct {
	db    *gorm.DB
	locks fingerprintLocks
}

// NewDedupService creates a new DedupService
func NewDedupService(db *gorm.DB) *DedupService {
	return &DedupService{db: db}
}

// Ingest classifies the alert against the stored (tenant, fingerprint)
// snapshot and durably records the occurrence. The alert row is written
// for every verdict so no alert is ever lost; duplicates only bump the
// occurrence count and last-seen timestamp.
func (s *DedupService) Ingest(ctx context.Context, fp string, alert IncomingAlert) (DedupVerdict, *database.Alert, error) {
	mu := s.locks.lock(alert.TenantID + "|" + fp)
	mu.Lock()
	defer mu.Unlock()

	now := alert.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	payloadHash := hashPayload(alert.Payload)

	var rec database.DedupRecord
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND fingerprint = ?", alert.TenantID, fp).
		First(&rec).Error

	var verdict DedupVerdict
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		verdict = VerdictNew
		rec = database.DedupRecord{
			TenantID:        alert.TenantID,
			Fingerprint:     fp,
			LastStatus:      alert.Status,
			LastSeverity:    alert.Severity,
			PayloadHash:     payloadHash,
			Sequence:        1,
			OccurrenceCount: 1,
			FirstSeenAt:     now,
			LastSeenAt:      now,
		}
		if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
			return "", nil, storageErr("create dedup record", err)
		}
	case err != nil:
		return "", nil, storageErr("load dedup record", err)
	default:
		if rec.LastStatus == alert.Status && rec.LastSeverity == alert.Severity && rec.PayloadHash == payloadHash {
			verdict = VerdictDuplicate
		} else {
			verdict = VerdictStateChanged
		}
		// Compare-and-swap on the sequence number: a concurrent writer
		// that slipped past the stripe lock loses and the caller retries.
		res := s.db.WithContext(ctx).Model(&database.DedupRecord{}).
			Where("id = ? AND sequence = ?", rec.ID, rec.Sequence).
			Updates(map[string]interface{}{
				"last_status":      alert.Status,
				"last_severity":    alert.Severity,
				"payload_hash":     payloadHash,
				"sequence":         rec.Sequence + 1,
				"occurrence_count": rec.OccurrenceCount + 1,
				"last_seen_at":     now,
			})
		if res.Error != nil {
			return "", nil, storageErr("update dedup record", res.Error)
		}
		if res.RowsAffected == 0 {
			return "", nil, ErrConflict
		}
	}

	row := &database.Alert{
		UUID:        uuid.New().String(),
		TenantID:    alert.TenantID,
		Fingerprint: fp,
		Name:        alert.Name,
		Severity:    alert.Severity,
		Status:      alert.Status,
		Source:      alert.Source,
		Payload:     database.JSONB(alert.Payload),
		Timestamp:   now,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return "", nil, storageErr("create alert row", err)
	}

	return verdict, row, nil
}

// GetRecord returns the dedup record for a (tenant, fingerprint), or nil
// when the fingerprint has never been seen
func (s *DedupService) GetRecord(ctx context.Context, tenantID, fp string) (*database.DedupRecord, error) {
	var rec database.DedupRecord
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND fingerprint = ?", tenantID, fp).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("load dedup record", err)
	}
	return &rec, nil
}

// hashPayload produces a stable digest of the alert payload. Go's JSON
// encoder sorts map keys, which makes the digest order-independent.
func hashPayload(payload map[string]interface{}) string {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte{}
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
