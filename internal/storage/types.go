// Package storage is the gateway to all durable state: reports, index
// documents, jobs, job events, sessions and usage counters. Callers see
// typed operations only; SQL never leaks past this package. A SQLite
// backend is the normal mode, with an in-memory fallback when the data
// directory cannot be opened.
package storage

import (
	"context"
	"errors"
	"time"
)

const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusCanceled  = "canceled"
)

// Job event types appended by the engine and the orchestrator.
const (
	EventSubmitted      = "submitted"
	EventStarted        = "started"
	EventProgress       = "progress"
	EventPlanComplete   = "plan_complete"
	EventAgentStarted   = "agent_started"
	EventAgentCompleted = "agent_completed"
	EventAgentUsage     = "agent_usage"
	EventSynthStarted   = "synthesis_started"
	EventSynthToken     = "synthesis_token"
	EventSynthError     = "synthesis_error"
	EventReportSaved    = "report_saved"
	EventCompleted      = "completed"
	EventError          = "error"
	EventCanceled       = "canceled"
)

// Backend modes reported by Mode().
const (
	ModeSQLite = "sqlite"
	ModeMemory = "memory"
)

var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a state transition was rejected (terminal job,
	// duplicate key, dimension mismatch on write).
	ErrConflict = errors.New("conflict")
	// ErrNoJobs means no queued job was eligible for claiming.
	ErrNoJobs = errors.New("no queued jobs")
	// ErrUnavailable means the backend cannot serve the request at all
	// (memory mode for SQL, exhausted retries on a locked database).
	ErrUnavailable = errors.New("storage unavailable")
	// ErrSchemaMismatch means the stored schema disagrees with the
	// configured one (embedding dimension, layout version).
	ErrSchemaMismatch = errors.New("schema mismatch")
)

// IsTerminalStatus reports whether a job status admits no further transitions.
func IsTerminalStatus(status string) bool {
	switch status {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// Report is an immutable record of a completed research run.
type Report struct {
	ID        int64          `json:"id"`
	Query     string         `json:"query"`
	CreatedAt time.Time      `json:"created_at"`
	Output    string         `json:"output"`
	Sources   []string       `json:"sources,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Embedding []float32      `json:"-"`
}

// ReportHit is a similarity match over stored reports.
type ReportHit struct {
	Report Report  `json:"report"`
	Score  float64 `json:"score"`
}

// Job is one unit of asynchronous work.
type Job struct {
	ID                   string     `json:"id"`
	Type                 string     `json:"type"`
	Params               []byte     `json:"params,omitempty"`
	Status               string     `json:"status"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	HeartbeatAt          *time.Time `json:"heartbeat_at,omitempty"`
	LeaseOwner           string     `json:"lease_owner,omitempty"`
	Attempts             int        `json:"attempts"`
	IdempotencyKey       string     `json:"idempotency_key,omitempty"`
	IdempotencyExpiresAt *time.Time `json:"idempotency_expires_at,omitempty"`
	Result               []byte     `json:"result,omitempty"`
	RetryOf              string     `json:"retry_of,omitempty"`
}

// JobEvent is one append-only log entry for a job. EventID is dense and
// per-job monotonic, starting at 1.
type JobEvent struct {
	JobID     string         `json:"job_id"`
	EventID   int64          `json:"event_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// IndexDoc is one unit of retrievable content.
type IndexDoc struct {
	ID        int64     `json:"id"`
	Origin    string    `json:"origin"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Length    int       `json:"length"`
	CreatedAt time.Time `json:"created_at"`
	Embedding []float32 `json:"-"`
}

// Posting is one (term, doc) entry of the inverted index.
type Posting struct {
	Term string
	TF   int
}

// LexicalHit is a BM25-scored document reference.
type LexicalHit struct {
	DocID     int64
	Score     float64
	CreatedAt time.Time
}

// VectorHit is a cosine-scored document reference.
type VectorHit struct {
	DocID     int64
	Score     float64
	CreatedAt time.Time
}

// IndexStats summarizes the index for status surfaces.
type IndexStats struct {
	Docs         int       `json:"docs"`
	WithVectors  int       `json:"with_vectors"`
	AvgLength    float64   `json:"avg_length"`
	LastIndexed  time.Time `json:"last_indexed,omitempty"`
	ReportsCount int       `json:"reports"`
}

// Session is the per-transport conversational state persisted for HTTP
// and WebSocket clients.
type Session struct {
	ID              string    `json:"id"`
	Transport       string    `json:"transport"`
	ProtocolVersion string    `json:"protocol_version"`
	ClientInfo      string    `json:"client_info,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	LastEventID     int64     `json:"last_event_id"`
}

// Usage is one cumulative token/cost record.
type Usage struct {
	Model            string  `json:"model"`
	JobID            string  `json:"job_id,omitempty"`
	ReportID         int64   `json:"report_id,omitempty"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

// SQLResult carries guarded read-only query output.
type SQLResult struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated,omitempty"`
}

// Options tunes backend behavior shared by both implementations.
type Options struct {
	// EmbedDim is the deployment-wide vector dimension. Writes with a
	// different dimension are rejected with ErrConflict.
	EmbedDim int
	// BM25K1 and BM25B parameterize lexical scoring.
	BM25K1 float64
	BM25B  float64
	// MaxSQLRows caps guarded query output (default 200).
	MaxSQLRows int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.EmbedDim <= 0 {
		out.EmbedDim = 384
	}
	if out.BM25K1 <= 0 {
		out.BM25K1 = 1.2
	}
	if out.BM25B < 0 {
		out.BM25B = 0.75
	}
	if out.MaxSQLRows <= 0 {
		out.MaxSQLRows = 200
	}
	return out
}

// Store is the single gateway to durable state. Both the SQLite backend
// and the in-memory fallback implement it.
type Store interface {
	// Reports.
	SaveReport(ctx context.Context, r *Report) (int64, error)
	GetReport(ctx context.Context, id int64) (*Report, error)
	ListRecentReports(ctx context.Context, limit int, queryFilter string) ([]Report, error)
	FindReportsBySimilarity(ctx context.Context, embedding []float32, topK int, minSim float64) ([]ReportHit, error)

	// Jobs.
	CreateJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	FindJobByIdempotencyKey(ctx context.Context, key string, now time.Time) (*Job, error)
	ClaimNextJob(ctx context.Context, workerID string, now time.Time) (*Job, error)
	SetJobStatus(ctx context.Context, id, status string, result []byte) error
	HeartbeatJob(ctx context.Context, id string, now time.Time, idempotencyExpiry time.Time) error
	ReclaimStaleLeases(ctx context.Context, cutoff time.Time) ([]string, error)
	CountJobs(ctx context.Context) (map[string]int, error)
	ListJobs(ctx context.Context, status string, limit int) ([]Job, error)

	// Job events.
	AppendJobEvent(ctx context.Context, jobID, eventType string, payload map[string]any) (*JobEvent, error)
	GetJobEvents(ctx context.Context, jobID string, sinceEventID int64, limit int) ([]JobEvent, error)

	// Index.
	UpsertIndexDoc(ctx context.Context, doc *IndexDoc, postings []Posting) (int64, error)
	GetIndexDoc(ctx context.Context, id int64) (*IndexDoc, error)
	DeleteIndexDoc(ctx context.Context, id int64) error
	SearchBM25(ctx context.Context, terms []string, limit int) ([]LexicalHit, error)
	SearchVector(ctx context.Context, embedding []float32, limit int) ([]VectorHit, error)
	DocsMissingEmbedding(ctx context.Context, limit int) ([]IndexDoc, error)
	SetDocEmbedding(ctx context.Context, id int64, embedding []float32) error
	IndexStats(ctx context.Context) (*IndexStats, error)

	// Sessions.
	SaveSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	TouchSession(ctx context.Context, id string, lastEventID int64) error
	DeleteSession(ctx context.Context, id string) error
	PurgeStaleSessions(ctx context.Context, cutoff time.Time) (int, error)

	// Usage counters.
	AddUsage(ctx context.Context, u Usage) error
	UsageTotals(ctx context.Context) (Usage, error)
	UsageByModel(ctx context.Context) (map[string]Usage, error)

	// Guarded SQL surface.
	ExecuteReadOnlySQL(ctx context.Context, query string, params []any) (*SQLResult, error)

	// Admin.
	Mode() string
	BackupTo(ctx context.Context, path string) error
	Close() error
}
