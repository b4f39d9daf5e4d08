// Package core defines the shared language of the leapflow system.
//
// This package contains:
//   - Table entities (Schema, Row, TableSnapshot)
//   - Pipeline state entities (FileIngestState, RefreshState, QualityResult)
//   - The persistence interface (Store)
//   - The error taxonomy (IngestError, RefreshError, QualityEvaluationError,
//     PolicyResolutionError)
//
// The Golden Rule: pkg/core imports ONLY stdlib.
// All other packages depend on core, not the reverse.
package core
