package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryStore is the degraded fallback used when the data directory
// cannot be opened. State lives for the process only; guarded SQL and
// backups are unavailable in this mode.
type MemoryStore struct {
	mu   sync.RWMutex
	opts Options

	reports      map[int64]*Report
	nextReportID int64

	jobs   map[string]*Job
	events map[string][]JobEvent

	docs      map[int64]*IndexDoc
	postings  map[string]map[int64]int
	nextDocID int64

	sessions map[string]*Session
	usage    []Usage
}

var _ Store = (*MemoryStore)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory(opts Options, logger *zap.Logger) *MemoryStore {
	if logger != nil {
		logger.Warn("storage running in memory mode; state will not survive restarts")
	}
	return &MemoryStore{
		opts:     opts.withDefaults(),
		reports:  map[int64]*Report{},
		jobs:     map[string]*Job{},
		events:   map[string][]JobEvent{},
		docs:     map[int64]*IndexDoc{},
		postings: map[string]map[int64]int{},
		sessions: map[string]*Session{},
	}
}

// Mode reports the backend kind.
func (m *MemoryStore) Mode() string { return ModeMemory }

// Close is a no-op for the in-memory backend.
func (m *MemoryStore) Close() error { return nil }

// BackupTo is unavailable in memory mode.
func (m *MemoryStore) BackupTo(ctx context.Context, path string) error {
	return fmt.Errorf("%w: backup requires the sqlite backend", ErrUnavailable)
}

// ExecuteReadOnlySQL is unavailable in memory mode.
func (m *MemoryStore) ExecuteReadOnlySQL(ctx context.Context, query string, params []any) (*SQLResult, error) {
	if err := GuardReadOnlySQL(query); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: sql requires the sqlite backend", ErrUnavailable)
}

// ── Reports ─────────────────────────────────────────────────────

func (m *MemoryStore) SaveReport(ctx context.Context, r *Report) (int64, error) {
	if len(r.Embedding) != 0 && len(r.Embedding) != m.opts.EmbedDim {
		return 0, fmt.Errorf("%w: embedding dim %d, store requires %d", ErrConflict, len(r.Embedding), m.opts.EmbedDim)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextReportID++
	r.ID = m.nextReportID
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	cp := *r
	cp.Sources = append([]string(nil), r.Sources...)
	m.reports[r.ID] = &cp
	return r.ID, nil
}

func (m *MemoryStore) GetReport(ctx context.Context, id int64) (*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListRecentReports(ctx context.Context, limit int, queryFilter string) ([]Report, error) {
	if limit == 0 {
		return []Report{}, nil
	}
	if limit < 0 || limit > 500 {
		limit = 50
	}
	filter := strings.ToLower(strings.TrimSpace(queryFilter))

	m.mu.RLock()
	all := make([]Report, 0, len(m.reports))
	for _, r := range m.reports {
		if filter != "" && !strings.Contains(strings.ToLower(r.Query), filter) {
			continue
		}
		all = append(all, *r)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) FindReportsBySimilarity(ctx context.Context, embedding []float32, topK int, minSim float64) ([]ReportHit, error) {
	if topK <= 0 {
		topK = 5
	}
	m.mu.RLock()
	hits := make([]ReportHit, 0, topK)
	for _, r := range m.reports {
		if len(r.Embedding) == 0 {
			continue
		}
		sim := Cosine(embedding, r.Embedding)
		if sim >= minSim {
			hits = append(hits, ReportHit{Report: *r, Score: sim})
		}
	}
	m.mu.RUnlock()

	sortReportHits(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// ── Jobs ────────────────────────────────────────────────────────

func (m *MemoryStore) CreateJob(ctx context.Context, j *Job) error {
	if j.ID == "" {
		return fmt.Errorf("job id required")
	}
	now := time.Now().UTC()
	if j.Type == "" {
		j.Type = "research"
	}
	if j.Status == "" {
		j.Status = JobStatusQueued
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("%w: job %s already exists", ErrConflict, j.ID)
	}
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) FindJobByIdempotencyKey(ctx context.Context, key string, now time.Time) (*Job, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var newest *Job
	for _, j := range m.jobs {
		if j.IdempotencyKey != key {
			continue
		}
		if j.IdempotencyExpiresAt == nil || !j.IdempotencyExpiresAt.After(now) {
			continue
		}
		if newest == nil || j.CreatedAt.After(newest.CreatedAt) {
			newest = j
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

func (m *MemoryStore) ClaimNextJob(ctx context.Context, workerID string, now time.Time) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *Job
	for _, j := range m.jobs {
		if j.Status != JobStatusQueued {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) ||
			(j.CreatedAt.Equal(oldest.CreatedAt) && j.ID < oldest.ID) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, ErrNoJobs
	}

	ts := now.UTC()
	oldest.Status = JobStatusRunning
	oldest.LeaseOwner = workerID
	oldest.HeartbeatAt = &ts
	oldest.UpdatedAt = ts
	oldest.Attempts++
	cp := *oldest
	return &cp, nil
}

func (m *MemoryStore) SetJobStatus(ctx context.Context, id, status string, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if IsTerminalStatus(j.Status) {
		return fmt.Errorf("%w: job %s is terminal", ErrConflict, id)
	}
	j.Status = status
	if len(result) > 0 {
		j.Result = append([]byte(nil), result...)
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) HeartbeatJob(ctx context.Context, id string, now time.Time, idempotencyExpiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != JobStatusRunning {
		return fmt.Errorf("%w: job %s not running", ErrConflict, id)
	}
	ts := now.UTC()
	exp := idempotencyExpiry.UTC()
	j.HeartbeatAt = &ts
	j.IdempotencyExpiresAt = &exp
	j.UpdatedAt = ts
	return nil
}

func (m *MemoryStore) ReclaimStaleLeases(ctx context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	now := time.Now().UTC()
	for _, j := range m.jobs {
		if j.Status != JobStatusRunning {
			continue
		}
		if j.HeartbeatAt != nil && !j.HeartbeatAt.Before(cutoff) {
			continue
		}
		j.Status = JobStatusQueued
		j.LeaseOwner = ""
		j.HeartbeatAt = nil
		j.UpdatedAt = now
		ids = append(ids, j.ID)
	}
	return ids, nil
}

func (m *MemoryStore) CountJobs(ctx context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]int{}
	for _, j := range m.jobs {
		out[j.Status]++
	}
	return out, nil
}

func (m *MemoryStore) ListJobs(ctx context.Context, status string, limit int) ([]Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	m.mu.RLock()
	all := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if status != "" && j.Status != status {
			continue
		}
		all = append(all, *j)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ── Job events ──────────────────────────────────────────────────

func (m *MemoryStore) AppendJobEvent(ctx context.Context, jobID, eventType string, payload map[string]any) (*JobEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	evt := JobEvent{
		JobID:     jobID,
		EventID:   int64(len(m.events[jobID])) + 1,
		Type:      eventType,
		Payload:   orEmptyMap(payload),
		CreatedAt: time.Now().UTC(),
	}
	m.events[jobID] = append(m.events[jobID], evt)
	cp := evt
	return &cp, nil
}

func (m *MemoryStore) GetJobEvents(ctx context.Context, jobID string, sinceEventID int64, limit int) ([]JobEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]JobEvent, 0, limit)
	for _, evt := range m.events[jobID] {
		if evt.EventID <= sinceEventID {
			continue
		}
		out = append(out, evt)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ── Index ───────────────────────────────────────────────────────

func (m *MemoryStore) UpsertIndexDoc(ctx context.Context, doc *IndexDoc, postings []Posting) (int64, error) {
	if len(doc.Embedding) != 0 && len(doc.Embedding) != m.opts.EmbedDim {
		return 0, fmt.Errorf("%w: embedding dim %d, store requires %d", ErrConflict, len(doc.Embedding), m.opts.EmbedDim)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if doc.Origin == "" {
		doc.Origin = "text"
	}

	if doc.ID == 0 {
		m.nextDocID++
		doc.ID = m.nextDocID
	} else {
		if _, ok := m.docs[doc.ID]; !ok {
			return 0, ErrNotFound
		}
		m.dropPostings(doc.ID)
	}

	cp := *doc
	m.docs[doc.ID] = &cp
	for _, p := range postings {
		if p.Term == "" || p.TF <= 0 {
			continue
		}
		byDoc, ok := m.postings[p.Term]
		if !ok {
			byDoc = map[int64]int{}
			m.postings[p.Term] = byDoc
		}
		byDoc[doc.ID] = p.TF
	}
	return doc.ID, nil
}

func (m *MemoryStore) GetIndexDoc(ctx context.Context, id int64) (*IndexDoc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

func (m *MemoryStore) DeleteIndexDoc(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return ErrNotFound
	}
	delete(m.docs, id)
	m.dropPostings(id)
	return nil
}

// dropPostings removes every posting for doc id. Caller holds the lock.
func (m *MemoryStore) dropPostings(id int64) {
	for term, byDoc := range m.postings {
		delete(byDoc, id)
		if len(byDoc) == 0 {
			delete(m.postings, term)
		}
	}
}

func (m *MemoryStore) SearchBM25(ctx context.Context, terms []string, limit int) ([]LexicalHit, error) {
	terms = dedupeTerms(terms)
	if len(terms) == 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalDocs := len(m.docs)
	if totalDocs == 0 {
		return nil, nil
	}
	var totalLen int
	for _, d := range m.docs {
		totalLen += d.Length
	}
	avgLen := float64(totalLen) / float64(totalDocs)

	df := map[string]int{}
	docs := map[int64]*bm25Doc{}
	for _, term := range terms {
		byDoc, ok := m.postings[term]
		if !ok {
			continue
		}
		df[term] = len(byDoc)
		for id, tf := range byDoc {
			d, ok := docs[id]
			if !ok {
				src := m.docs[id]
				if src == nil {
					continue
				}
				d = &bm25Doc{length: src.Length, createdAt: src.CreatedAt, tfs: map[string]int{}}
				docs[id] = d
			}
			d.tfs[term] = tf
		}
	}
	return scoreBM25(docs, df, totalDocs, avgLen, m.opts.BM25K1, m.opts.BM25B, limit), nil
}

func (m *MemoryStore) SearchVector(ctx context.Context, embedding []float32, limit int) ([]VectorHit, error) {
	if len(embedding) == 0 {
		return nil, nil
	}
	if len(embedding) != m.opts.EmbedDim {
		return nil, fmt.Errorf("%w: embedding dim %d, store requires %d", ErrConflict, len(embedding), m.opts.EmbedDim)
	}
	m.mu.RLock()
	var hits []VectorHit
	for _, d := range m.docs {
		if len(d.Embedding) == 0 {
			continue
		}
		score := Cosine(embedding, d.Embedding)
		if score <= 0 {
			continue
		}
		hits = append(hits, VectorHit{DocID: d.ID, Score: score, CreatedAt: d.CreatedAt})
	}
	m.mu.RUnlock()
	return rankVectorHits(hits, limit), nil
}

func (m *MemoryStore) DocsMissingEmbedding(ctx context.Context, limit int) ([]IndexDoc, error) {
	if limit <= 0 {
		limit = 32
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []IndexDoc
	for _, d := range m.docs {
		if len(d.Embedding) == 0 {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SetDocEmbedding(ctx context.Context, id int64, embedding []float32) error {
	if len(embedding) != m.opts.EmbedDim {
		return fmt.Errorf("%w: embedding dim %d, store requires %d", ErrConflict, len(embedding), m.opts.EmbedDim)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return ErrNotFound
	}
	d.Embedding = append([]float32(nil), embedding...)
	return nil
}

func (m *MemoryStore) IndexStats(ctx context.Context) (*IndexStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &IndexStats{Docs: len(m.docs), ReportsCount: len(m.reports)}
	var totalLen int
	for _, d := range m.docs {
		totalLen += d.Length
		if len(d.Embedding) > 0 {
			stats.WithVectors++
		}
		if d.CreatedAt.After(stats.LastIndexed) {
			stats.LastIndexed = d.CreatedAt
		}
	}
	if stats.Docs > 0 {
		stats.AvgLength = float64(totalLen) / float64(stats.Docs)
	}
	return stats, nil
}

// ── Sessions ────────────────────────────────────────────────────

func (m *MemoryStore) SaveSession(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastSeenAt.IsZero() {
		sess.LastSeenAt = now
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sess
	m.sessions[sess.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (m *MemoryStore) TouchSession(ctx context.Context, id string, lastEventID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.LastSeenAt = time.Now().UTC()
	if lastEventID > sess.LastEventID {
		sess.LastEventID = lastEventID
	}
	return nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) PurgeStaleSessions(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for id, sess := range m.sessions {
		if sess.LastSeenAt.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// ── Usage counters ──────────────────────────────────────────────

func (m *MemoryStore) AddUsage(ctx context.Context, u Usage) error {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, u)
	return nil
}

func (m *MemoryStore) UsageTotals(ctx context.Context) (Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out Usage
	for _, u := range m.usage {
		out.PromptTokens += u.PromptTokens
		out.CompletionTokens += u.CompletionTokens
		out.TotalTokens += u.TotalTokens
		out.Cost += u.Cost
	}
	return out, nil
}

func (m *MemoryStore) UsageByModel(ctx context.Context) (map[string]Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]Usage{}
	for _, u := range m.usage {
		agg := out[u.Model]
		agg.Model = u.Model
		agg.PromptTokens += u.PromptTokens
		agg.CompletionTokens += u.CompletionTokens
		agg.TotalTokens += u.TotalTokens
		agg.Cost += u.Cost
		out[u.Model] = agg
	}
	return out, nil
}
