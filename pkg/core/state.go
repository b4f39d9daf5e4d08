package core

import (
	"context"
	"time"
)

// Store defines the interface for pipeline state persistence.
type Store interface {
	Open(path string) error
	Close() error
	InitSchema() error

	// File ingest ledger
	GetFileState(ctx context.Context, fileID string) (*FileIngestState, error)
	SaveFileState(ctx context.Context, st *FileIngestState) error
	ListFileStates(ctx context.Context, status FileStatus) ([]*FileIngestState, error)
	CommitFileLoad(ctx context.Context, load *FileLoad) error

	// Raw record durability
	LoadRawBatches(ctx context.Context, table string) ([]*RawBatch, error)

	// Refresh history
	RecordRefresh(ctx context.Context, rec *RefreshRecord) error
	ListRefreshes(ctx context.Context, node string, limit int) ([]*RefreshRecord, error)

	// Quality results
	AppendQualityResult(ctx context.Context, res *QualityResult) error
	QualityHistory(ctx context.Context, table string, since time.Time) ([]*QualityResult, error)
}

// FileStatus is the consumption status of a landing file.
type FileStatus string

// File statuses.
const (
	FileStatusPending FileStatus = "pending"
	FileStatusLoading FileStatus = "loading"
	FileStatusLoaded  FileStatus = "loaded"
	FileStatusFailed  FileStatus = "failed"
)

// FileIngestState tracks the consumption of a single file.
type FileIngestState struct {
	FileID        string
	Location      string
	TargetTable   string
	Status        FileStatus
	AttemptCount  int
	RecordCount   int
	RejectedCount int
	LastError     string
	Exhausted     bool
	NextAttemptAt time.Time
	UpdatedAt     time.Time
}

// FileLoad is the atomic unit persisted when a file finishes loading.
// Rows hold business fields only; provenance comes from State and LoadedAt.
type FileLoad struct {
	State    *FileIngestState
	LoadedAt time.Time
	Rows     []Row
}

// RawBatch is the set of rows appended to a raw table from one file.
type RawBatch struct {
	FileID     string
	Table      string
	SourceFile string
	LoadedAt   time.Time
	Rows       []Row
}

// RefreshStatus is the freshness status of a derived table.
type RefreshStatus string

// Refresh statuses.
const (
	RefreshStatusFresh      RefreshStatus = "fresh"
	RefreshStatusRefreshing RefreshStatus = "refreshing"
	RefreshStatusStale      RefreshStatus = "stale"
	RefreshStatusFailed     RefreshStatus = "failed"
)

// RefreshState is the per-node refresh bookkeeping owned by the view manager.
type RefreshState struct {
	Node                string
	Status              RefreshStatus
	LastRefreshedAt     time.Time
	LastInputVersions   map[string]uint64
	Version             uint64
	RowCount            int
	ConsecutiveFailures int
	LastError           string
	NextRetryAt         time.Time
}

// Clone returns a deep copy of the state.
func (s RefreshState) Clone() RefreshState {
	out := s
	if s.LastInputVersions != nil {
		out.LastInputVersions = make(map[string]uint64, len(s.LastInputVersions))
		for k, v := range s.LastInputVersions {
			out.LastInputVersions[k] = v
		}
	}
	return out
}

// RefreshRecord is one completed refresh attempt, kept for history.
type RefreshRecord struct {
	ID            string
	Node          string
	Status        RefreshStatus
	StartedAt     time.Time
	CompletedAt   time.Time
	InputVersions map[string]uint64
	Version       uint64
	RowCount      int
	Error         string
}

// QualityStatus is the classification of a quality measurement.
type QualityStatus string

// Quality statuses.
const (
	QualityExcellent      QualityStatus = "EXCELLENT"
	QualityGood           QualityStatus = "GOOD"
	QualityFair           QualityStatus = "FAIR"
	QualityNeedsAttention QualityStatus = "NEEDS ATTENTION"
	QualityMonitoring     QualityStatus = "MONITORING"
	QualityError          QualityStatus = "ERROR"
)

// CheckType is the quality dimension a metric measures.
type CheckType string

// Check types.
const (
	CheckCompleteness CheckType = "Completeness"
	CheckUniqueness   CheckType = "Uniqueness"
	CheckValidity     CheckType = "Validity"
	CheckVolume       CheckType = "Volume"
	CheckOther        CheckType = "Other"
)

// QualityResult is one immutable evaluation of a quality check.
type QualityResult struct {
	ID          string
	CheckID     string
	Table       string
	Metric      string
	CheckType   CheckType
	MeasuredAt  time.Time
	Value       float64
	RecordCount int64
	FailCount   int64
	Score       float64
	Status      QualityStatus
	Error       string
}

// Failed reports whether the evaluation itself could not run.
func (r *QualityResult) Failed() bool {
	return r.Error != ""
}
