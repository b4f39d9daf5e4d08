// Package observe emits the structured events of the pipeline: refresh
// start/end/failure, ingestion counts, quality-score series, and read
// denials. Observers are fanned out with Multi.
package observe

import (
	"time"

	"github.com/leapstack-labs/leapflow/pkg/core"
)

// Observer receives pipeline events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	RefreshStarted(node string)
	RefreshSucceeded(node string, version uint64, rows int, took time.Duration)
	RefreshFailed(node string, err error, consecutive int)
	RefreshCancelled(node string)
	NodeUnhealthy(node string, consecutive int)

	FileLoaded(table, fileID string, records, rejected int)
	RecordRejected(table string, err *core.IngestError)
	FileFailed(table, fileID string, err error, attempts int, exhausted bool)

	QualityMeasured(res *core.QualityResult)

	ReadServed(table string, privilege string, rows int)
	ReadDenied(table string, err error)
}

// Nop discards every event.
type Nop struct{}

func (Nop) RefreshStarted(string)                               {}
func (Nop) RefreshSucceeded(string, uint64, int, time.Duration) {}
func (Nop) RefreshFailed(string, error, int)                    {}
func (Nop) RefreshCancelled(string)                             {}
func (Nop) NodeUnhealthy(string, int)                           {}
func (Nop) FileLoaded(string, string, int, int)                 {}
func (Nop) RecordRejected(string, *core.IngestError)            {}
func (Nop) FileFailed(string, string, error, int, bool)         {}
func (Nop) QualityMeasured(*core.QualityResult)                 {}
func (Nop) ReadServed(string, string, int)                      {}
func (Nop) ReadDenied(string, error)                            {}

// Multi fans events out to several observers in order.
type Multi []Observer

func (m Multi) RefreshStarted(node string) {
	for _, o := range m {
		o.RefreshStarted(node)
	}
}

func (m Multi) RefreshSucceeded(node string, version uint64, rows int, took time.Duration) {
	for _, o := range m {
		o.RefreshSucceeded(node, version, rows, took)
	}
}

func (m Multi) RefreshFailed(node string, err error, consecutive int) {
	for _, o := range m {
		o.RefreshFailed(node, err, consecutive)
	}
}

func (m Multi) RefreshCancelled(node string) {
	for _, o := range m {
		o.RefreshCancelled(node)
	}
}

func (m Multi) NodeUnhealthy(node string, consecutive int) {
	for _, o := range m {
		o.NodeUnhealthy(node, consecutive)
	}
}

func (m Multi) FileLoaded(table, fileID string, records, rejected int) {
	for _, o := range m {
		o.FileLoaded(table, fileID, records, rejected)
	}
}

func (m Multi) RecordRejected(table string, err *core.IngestError) {
	for _, o := range m {
		o.RecordRejected(table, err)
	}
}

func (m Multi) FileFailed(table, fileID string, err error, attempts int, exhausted bool) {
	for _, o := range m {
		o.FileFailed(table, fileID, err, attempts, exhausted)
	}
}

func (m Multi) QualityMeasured(res *core.QualityResult) {
	for _, o := range m {
		o.QualityMeasured(res)
	}
}

func (m Multi) ReadServed(table string, privilege string, rows int) {
	for _, o := range m {
		o.ReadServed(table, privilege, rows)
	}
}

func (m Multi) ReadDenied(table string, err error) {
	for _, o := range m {
		o.ReadDenied(table, err)
	}
}

// OrNop returns o, or Nop when o is nil.
func OrNop(o Observer) Observer {
	if o == nil {
		return Nop{}
	}
	return o
}
