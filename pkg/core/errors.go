package core

import (
	"errors"
	"fmt"
)

// ErrTableNotFound is returned when a table is neither raw nor derived.
var ErrTableNotFound = errors.New("table not found")

// ErrAlreadyLoaded is returned when a file's batch was already committed,
// typically by a concurrent ingest of the same file.
var ErrAlreadyLoaded = errors.New("file already loaded")

// IngestError describes a file or record that could not be ingested.
// Row is 0 when the error applies to the whole file.
type IngestError struct {
	FileID string
	Row    int
	Reason string
	Err    error
}

func (e *IngestError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("ingest %s: row %d: %s", e.FileID, e.Row, e.reason())
	}
	return fmt.Sprintf("ingest %s: %s", e.FileID, e.reason())
}

func (e *IngestError) reason() string {
	if e.Err != nil {
		if e.Reason == "" {
			return e.Err.Error()
		}
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *IngestError) Unwrap() error { return e.Err }

// RefreshError describes a failed evaluation of a derived table.
type RefreshError struct {
	Node    string
	Timeout bool
	Err     error
}

func (e *RefreshError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("refresh %s: timed out: %v", e.Node, e.Err)
	}
	return fmt.Sprintf("refresh %s: %v", e.Node, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// QualityEvaluationError describes a quality check that could not run.
type QualityEvaluationError struct {
	CheckID string
	Table   string
	Err     error
}

func (e *QualityEvaluationError) Error() string {
	return fmt.Sprintf("quality check %s on %s: %v", e.CheckID, e.Table, e.Err)
}

func (e *QualityEvaluationError) Unwrap() error { return e.Err }

// PolicyResolutionError denies a read because a policy could not be
// resolved or evaluated. Reads fail closed on this error.
type PolicyResolutionError struct {
	PolicyID string
	Table    string
	Err      error
}

func (e *PolicyResolutionError) Error() string {
	if e.PolicyID == "" {
		return fmt.Sprintf("access to %s denied: %v", e.Table, e.Err)
	}
	return fmt.Sprintf("access to %s denied by policy %s: %v", e.Table, e.PolicyID, e.Err)
}

func (e *PolicyResolutionError) Unwrap() error { return e.Err }
