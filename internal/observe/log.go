package observe

import (
	"context"
	"log/slog"
	"time"

	"github.com/leapstack-labs/leapflow/pkg/core"
)

// Log writes events as structured slog records.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log observer. A nil logger discards events.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Log{logger: logger}
}

func (l *Log) RefreshStarted(node string) {
	l.logger.Debug("refresh started", slog.String("event", "refresh.start"), slog.String("node", node))
}

func (l *Log) RefreshSucceeded(node string, version uint64, rows int, took time.Duration) {
	l.logger.Info("refresh completed",
		slog.String("event", "refresh.end"),
		slog.String("node", node),
		slog.Uint64("version", version),
		slog.Int("rows", rows),
		slog.Duration("took", took))
}

func (l *Log) RefreshFailed(node string, err error, consecutive int) {
	l.logger.Warn("refresh failed",
		slog.String("event", "refresh.failed"),
		slog.String("node", node),
		slog.Int("consecutive_failures", consecutive),
		slog.String("error", err.Error()))
}

func (l *Log) RefreshCancelled(node string) {
	l.logger.Info("refresh cancelled", slog.String("event", "refresh.cancelled"), slog.String("node", node))
}

func (l *Log) NodeUnhealthy(node string, consecutive int) {
	l.logger.Error("node unhealthy",
		slog.String("event", "refresh.unhealthy"),
		slog.String("node", node),
		slog.Int("consecutive_failures", consecutive))
}

func (l *Log) FileLoaded(table, fileID string, records, rejected int) {
	l.logger.Info("file loaded",
		slog.String("event", "ingest.loaded"),
		slog.String("table", table),
		slog.String("file_id", fileID),
		slog.Int("records", records),
		slog.Int("rejected", rejected))
}

func (l *Log) RecordRejected(table string, err *core.IngestError) {
	l.logger.Warn("record rejected",
		slog.String("event", "ingest.rejected"),
		slog.String("table", table),
		slog.String("file_id", err.FileID),
		slog.Int("row", err.Row),
		slog.String("error", err.Error()))
}

func (l *Log) FileFailed(table, fileID string, err error, attempts int, exhausted bool) {
	level := slog.LevelWarn
	event := "ingest.failed"
	if exhausted {
		level = slog.LevelError
		event = "ingest.exhausted"
	}
	l.logger.Log(context.Background(), level, "file ingest failed",
		slog.String("event", event),
		slog.String("table", table),
		slog.String("file_id", fileID),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()))
}

func (l *Log) QualityMeasured(res *core.QualityResult) {
	attrs := []any{
		slog.String("event", "quality.measured"),
		slog.String("check_id", res.CheckID),
		slog.String("table", res.Table),
		slog.Float64("value", res.Value),
		slog.Int64("record_count", res.RecordCount),
		slog.Float64("score", res.Score),
		slog.String("status", string(res.Status)),
	}
	if res.Failed() {
		l.logger.Warn("quality check errored", append(attrs, slog.String("error", res.Error))...)
		return
	}
	l.logger.Info("quality measured", attrs...)
}

func (l *Log) ReadServed(table string, privilege string, rows int) {
	l.logger.Debug("read served",
		slog.String("event", "access.read"),
		slog.String("table", table),
		slog.String("privilege", privilege),
		slog.Int("rows", rows))
}

func (l *Log) ReadDenied(table string, err error) {
	l.logger.Warn("read denied",
		slog.String("event", "access.denied"),
		slog.String("table", table),
		slog.String("error", err.Error()))
}
