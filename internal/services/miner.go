package services

import (
	"context"
	"errors"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/keephq/keep-sub006/internal/database"
)

// minerBucketSize is the granularity of the sliding co-occurrence window.
// Counters older than the window are dropped a bucket at a time.
const minerBucketSize = 30 * time.Second

// pairKey identifies an unordered fingerprint pair. I sorts lexically
// before J so each pair has exactly one key.
type pairKey struct {
	I, J string
}

func canonicalPair(a, b string) pairKey {
	if a < b {
		return pairKey{I: a, J: b}
	}
	return pairKey{I: b, J: a}
}

// minerBucket holds occurrence and co-occurrence counts for one time bin
type minerBucket struct {
	start time.Time
	occ   map[string]uint64
	pairs map[pairKey]uint64
}

// tenantWindow is the per-tenant sliding-window state. Each window has
// its own lock so one tenant's churn never stalls another's.
type tenantWindow struct {
	mu       sync.Mutex
	buckets  []*minerBucket
	lastSeen map[string]time.Time
}

// CorrelationMiner maintains a pairwise co-occurrence model over a sliding
// time window and proposes candidate incidents for alerts no rule claimed.
// PMI statistics are eventually consistent: they live in memory behind
// per-tenant locks and are flushed to the pmi_matrix table by a
// background job.
type CorrelationMiner struct {
	db         *gorm.DB
	similarity SimilarityClient
	metrics    *Metrics

	mu      sync.RWMutex // guards the tenants map only
	tenants map[string]*tenantWindow
	nowFn   func() time.Time
}

// NewCorrelationMiner creates a new miner. similarity may be nil, in which
// case candidate folding degrades to PMI-only. metrics may be nil.
func NewCorrelationMiner(db *gorm.DB, similarity SimilarityClient, metrics *Metrics) *CorrelationMiner {
	return &CorrelationMiner{
		db:         db,
		similarity: similarity,
		metrics:    metrics,
		tenants:    make(map[string]*tenantWindow),
		nowFn:      time.Now,
	}
}

// Observe records the alert in the co-occurrence model and folds it into
// an open candidate incident or opens a new singleton candidate. It is
// called only for firing alerts the rule engine did not claim.
func (m *CorrelationMiner) Observe(ctx context.Context, alert IncomingAlert, fp string) (*database.Incident, error) {
	settings, err := database.GetOrCreateEngineSettings(m.db.WithContext(ctx))
	if err != nil {
		return nil, storageErr("load engine settings", err)
	}
	if !settings.Enabled {
		return nil, nil
	}

	now := alert.Timestamp
	if now.IsZero() {
		now = m.nowFn()
	}

	m.record(alert.TenantID, fp, now, settings.SlidingWindow())

	candidate, maxPMI, err := m.bestCandidate(ctx, alert.TenantID, fp, settings)
	if err != nil {
		return nil, err
	}

	if candidate != nil && maxPMI >= settings.PMIThreshold {
		// A fingerprint that is already a member re-attaches without a
		// similarity lookup.
		if math.IsInf(maxPMI, 1) || m.passesSimilarity(ctx, alert, candidate, settings) {
			if err := m.attachToCandidate(ctx, candidate, alert, fp, now, settings); err != nil {
				return nil, err
			}
			m.countDecision("folded")
			return candidate, nil
		}
	}

	inc, err := m.openSingleton(ctx, alert, fp, now)
	if err != nil {
		return nil, err
	}
	m.countDecision("singleton")
	return inc, nil
}

func (m *CorrelationMiner) countDecision(decision string) {
	if m.metrics != nil {
		m.metrics.MinerTotal.WithLabelValues(decision).Inc()
	}
}

// window returns the tenant's sliding-window state, creating it on first use
func (m *CorrelationMiner) window(tenantID string) *tenantWindow {
	m.mu.RLock()
	w := m.tenants[tenantID]
	m.mu.RUnlock()
	if w != nil {
		return w
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if w = m.tenants[tenantID]; w == nil {
		w = &tenantWindow{lastSeen: make(map[string]time.Time)}
		m.tenants[tenantID] = w
	}
	return w
}

// record updates occurrence and pair counters for the fingerprint
func (m *CorrelationMiner) record(tenantID, fp string, now time.Time, window time.Duration) {
	w := m.window(tenantID)
	w.mu.Lock()
	defer w.mu.Unlock()

	b := w.currentBucket(now)
	b.occ[fp]++
	for other, seen := range w.lastSeen {
		if other == fp {
			continue
		}
		if now.Sub(seen) <= window {
			b.pairs[canonicalPair(fp, other)]++
		}
	}
	w.lastSeen[fp] = now
	w.prune(now, window)
}

func (w *tenantWindow) currentBucket(now time.Time) *minerBucket {
	start := now.Truncate(minerBucketSize)
	if n := len(w.buckets); n > 0 && w.buckets[n-1].start.Equal(start) {
		return w.buckets[n-1]
	}
	b := &minerBucket{
		start: start,
		occ:   make(map[string]uint64),
		pairs: make(map[pairKey]uint64),
	}
	w.buckets = append(w.buckets, b)
	return b
}

// prune drops buckets and last-seen entries older than the window
func (w *tenantWindow) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window - minerBucketSize)
	i := 0
	for i < len(w.buckets) && w.buckets[i].start.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.buckets = append([]*minerBucket{}, w.buckets[i:]...)
	}
	for fp, seen := range w.lastSeen {
		if seen.Before(cutoff) {
			delete(w.lastSeen, fp)
		}
	}
}

// windowCounts sums counters across the live buckets
func (w *tenantWindow) windowCounts() (total uint64, occ map[string]uint64, pairs map[pairKey]uint64) {
	occ = make(map[string]uint64)
	pairs = make(map[pairKey]uint64)
	for _, b := range w.buckets {
		for fp, c := range b.occ {
			occ[fp] += c
			total += c
		}
		for p, c := range b.pairs {
			pairs[p] += c
		}
	}
	return total, occ, pairs
}

// PMI computes the pointwise mutual information for a fingerprint pair
// over the window-bounded counts: log(P(i,j) / (P(i) * P(j))). It returns
// negative infinity when either fingerprint never co-occurred.
func (m *CorrelationMiner) PMI(tenantID, a, b string) float64 {
	m.mu.RLock()
	w := m.tenants[tenantID]
	m.mu.RUnlock()
	if w == nil {
		return math.Inf(-1)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	total, occ, pairs := w.windowCounts()
	return pmiScore(total, occ[a], occ[b], pairs[canonicalPair(a, b)])
}

func pmiScore(total, ci, cj, cij uint64) float64 {
	if total == 0 || ci == 0 || cj == 0 || cij == 0 {
		return math.Inf(-1)
	}
	n := float64(total)
	return math.Log((float64(cij) / n) / ((float64(ci) / n) * (float64(cj) / n)))
}

// bestCandidate finds the open candidate incident whose members have the
// highest pairwise PMI with the fingerprint
func (m *CorrelationMiner) bestCandidate(ctx context.Context, tenantID, fp string, settings *database.EngineSettings) (*database.Incident, float64, error) {
	var candidates []database.Incident
	err := m.db.WithContext(ctx).
		Where("tenant_id = ? AND is_candidate = ? AND status = ?",
			tenantID, true, database.IncidentStatusFiring).
		Order("id ASC").
		Find(&candidates).Error
	if err != nil {
		return nil, 0, storageErr("list candidate incidents", err)
	}

	best := math.Inf(-1)
	var bestIncident *database.Incident
	for i := range candidates {
		var members []database.IncidentAlert
		if err := m.db.WithContext(ctx).
			Where("incident_id = ?", candidates[i].ID).
			Find(&members).Error; err != nil {
			return nil, 0, storageErr("load candidate members", err)
		}
		for j := range members {
			if members[j].Fingerprint == fp {
				// Already a member; re-attaching is a no-op fold.
				return &candidates[i], math.Inf(1), nil
			}
			if score := m.PMI(tenantID, fp, members[j].Fingerprint); score > best {
				best = score
				bestIncident = &candidates[i]
			}
		}
	}
	return bestIncident, best, nil
}

// passesSimilarity consults the external embedding service with a bounded
// timeout, comparing the alert against the candidate's most recently
// attached members (at most similarity_top_k of them) and taking the best
// score. A timeout or error is non-fatal and vetoes the fold, degrading to
// a singleton candidate. A nil client degrades to PMI-only folding.
func (m *CorrelationMiner) passesSimilarity(ctx context.Context, alert IncomingAlert, candidate *database.Incident, settings *database.EngineSettings) bool {
	if m.similarity == nil {
		return true
	}

	topK := settings.SimilarityTopK
	if topK <= 0 {
		topK = 10
	}
	var members []database.IncidentAlert
	if err := m.db.WithContext(ctx).
		Where("incident_id = ?", candidate.ID).
		Order("attached_at DESC, id DESC").
		Limit(topK).
		Find(&members).Error; err != nil {
		log.Printf("Candidate member load failed for tenant %s: %v", alert.TenantID, err)
		return false
	}

	tctx, cancel := context.WithTimeout(ctx, settings.SimilarityTimeout())
	defer cancel()

	desc := describeAlert(alert)
	best := 0.0
	for i := range members {
		score, err := m.similarity.Similarity(tctx, desc, members[i].AlertName)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = ErrExternalServiceTimeout
			}
			log.Printf("Similarity lookup failed for tenant %s: %v", alert.TenantID, err)
			return false
		}
		if score > best {
			best = score
		}
	}
	if len(members) == 0 {
		score, err := m.similarity.Similarity(tctx, desc, candidate.Title)
		if err != nil {
			log.Printf("Similarity lookup failed for tenant %s: %v", alert.TenantID, err)
			return false
		}
		best = score
	}
	return best >= settings.SimilarityCutoff
}

func describeAlert(alert IncomingAlert) string {
	desc := alert.Name
	if summary, ok := alertField(&alert, "summary"); ok && summary != "" {
		desc += " " + summary
	}
	return desc
}

// attachToCandidate folds the alert into the candidate and promotes its
// visibility once it reaches the minimum incident size
func (m *CorrelationMiner) attachToCandidate(ctx context.Context, candidate *database.Incident, alert IncomingAlert, fp string, now time.Time, settings *database.EngineSettings) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertMembership(tx, candidate, alert, fp, now); err != nil {
			return err
		}
		if err := refreshIncidentCounters(tx, candidate, now); err != nil {
			return err
		}
		if !candidate.IsVisible && candidate.AlertCount >= settings.MinIncidentSize {
			if err := tx.Model(candidate).Update("is_visible", true).Error; err != nil {
				return storageErr("promote candidate visibility", err)
			}
			candidate.IsVisible = true
		}
		return nil
	})
}

// openSingleton creates a new candidate incident holding just this alert.
// Singletons stay hidden until folding grows them past the minimum size.
func (m *CorrelationMiner) openSingleton(ctx context.Context, alert IncomingAlert, fp string, now time.Time) (*database.Incident, error) {
	incident := &database.Incident{
		UUID:          uuid.New().String(),
		TenantID:      alert.TenantID,
		Title:         describeAlert(alert),
		Status:        database.IncidentStatusFiring,
		Severity:      alert.Severity,
		IsCandidate:   true,
		IsVisible:     false,
		WindowStartAt: now,
	}
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(incident).Error; err != nil {
			return storageErr("create candidate incident", err)
		}
		if err := upsertMembership(tx, incident, alert, fp, now); err != nil {
			return err
		}
		return refreshIncidentCounters(tx, incident, now)
	})
	if err != nil {
		return nil, err
	}
	return incident, nil
}

// KneeCut returns how many of the descending-sorted scores to keep: the
// cut line sits at the largest relative drop exceeding kneeThreshold.
// When no drop is steep enough all scores are kept.
func KneeCut(sortedDesc []float64, kneeThreshold float64) int {
	if len(sortedDesc) < 2 {
		return len(sortedDesc)
	}
	cut := len(sortedDesc)
	biggest := kneeThreshold
	for i := 1; i < len(sortedDesc); i++ {
		prev, cur := sortedDesc[i-1], sortedDesc[i]
		if prev <= 0 {
			break
		}
		drop := (prev - cur) / prev
		if drop > biggest {
			biggest = drop
			cut = i
		}
	}
	return cut
}

// PruneCandidate trims weakly-related members off a candidate incident
// using knee detection over each member's best PMI with the rest, never
// shrinking below the minimum incident size.
func (m *CorrelationMiner) PruneCandidate(ctx context.Context, incident *database.Incident) error {
	settings, err := database.GetOrCreateEngineSettings(m.db.WithContext(ctx))
	if err != nil {
		return storageErr("load engine settings", err)
	}

	var members []database.IncidentAlert
	if err := m.db.WithContext(ctx).
		Where("incident_id = ?", incident.ID).
		Find(&members).Error; err != nil {
		return storageErr("load candidate members", err)
	}
	if len(members) <= settings.MinIncidentSize {
		return nil
	}

	type scored struct {
		member database.IncidentAlert
		score  float64
	}
	scores := make([]scored, 0, len(members))
	for i := range members {
		best := math.Inf(-1)
		for j := range members {
			if i == j {
				continue
			}
			if s := m.PMI(incident.TenantID, members[i].Fingerprint, members[j].Fingerprint); s > best {
				best = s
			}
		}
		scores = append(scores, scored{member: members[i], score: best})
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	values := make([]float64, len(scores))
	for i := range scores {
		values[i] = scores[i].score
	}
	keep := KneeCut(values, settings.KneeThreshold)
	if keep < settings.MinIncidentSize {
		keep = settings.MinIncidentSize
	}
	if keep >= len(scores) {
		return nil
	}

	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, s := range scores[keep:] {
			if err := tx.Delete(&database.IncidentAlert{}, s.member.ID).Error; err != nil {
				return storageErr("prune candidate member", err)
			}
		}
		return refreshIncidentCounters(tx, incident, m.nowFn())
	})
}

// Snapshot returns the above-threshold PMI pairs currently held in memory,
// ready to be persisted by the flush job
func (m *CorrelationMiner) Snapshot(threshold float64) []database.PMIEntry {
	m.mu.RLock()
	windows := make(map[string]*tenantWindow, len(m.tenants))
	for tenantID, w := range m.tenants {
		windows[tenantID] = w
	}
	m.mu.RUnlock()

	var entries []database.PMIEntry
	for tenantID, w := range windows {
		w.mu.Lock()
		total, occ, pairs := w.windowCounts()
		for p, cij := range pairs {
			score := pmiScore(total, occ[p.I], occ[p.J], cij)
			if math.IsInf(score, -1) || score < threshold {
				continue
			}
			entries = append(entries, database.PMIEntry{
				TenantID:     tenantID,
				FingerprintI: p.I,
				FingerprintJ: p.J,
				Score:        score,
				PairCount:    cij,
			})
		}
		w.mu.Unlock()
	}
	return entries
}

// Prune drops expired window state for every tenant
func (m *CorrelationMiner) Prune(now time.Time, window time.Duration) {
	m.mu.RLock()
	windows := make([]*tenantWindow, 0, len(m.tenants))
	for _, w := range m.tenants {
		windows = append(windows, w)
	}
	m.mu.RUnlock()

	for _, w := range windows {
		w.mu.Lock()
		w.prune(now, window)
		w.mu.Unlock()
	}
}
