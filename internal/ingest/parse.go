package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/leapstack-labs/leapflow/pkg/core"
)

// parse reads a CSV file with a header row into schema-typed rows. It
// returns the rows kept and the number of records rejected.
func (w *Watcher) parse(ctx context.Context, tbl Table, schema core.Schema, n FileNotice) ([]core.Row, int, error) {
	f, err := os.Open(n.Location)
	if err != nil {
		return nil, 0, &core.IngestError{FileID: n.FileID, Reason: "open", Err: err}
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, 0, &core.IngestError{FileID: n.FileID, Reason: "missing header row"}
	}
	if err != nil {
		return nil, 0, &core.IngestError{FileID: n.FileID, Reason: "header", Err: err}
	}
	index, err := headerIndex(schema, header)
	if err != nil {
		return nil, 0, &core.IngestError{FileID: n.FileID, Reason: "header", Err: err}
	}

	var rows []core.Row
	rejected := 0
	for rowNum := 1; ; rowNum++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		var row core.Row
		if err == nil {
			row, err = toRow(schema, index, len(header), rec)
		}
		if err != nil {
			ierr := &core.IngestError{FileID: n.FileID, Row: rowNum, Reason: "malformed record", Err: err}
			if tbl.OnError == OnErrorFail {
				return nil, 0, ierr
			}
			rejected++
			w.observer.RecordRejected(tbl.Name, ierr)
			w.logger.Warn("record rejected",
				slog.String("table", tbl.Name),
				slog.String("file_id", n.FileID),
				slog.Int("row", rowNum),
				slog.String("error", err.Error()))
			continue
		}
		rows = append(rows, row)
	}
	return rows, rejected, nil
}

// headerIndex maps each schema column to its position in the header.
// Nullable columns may be absent.
func headerIndex(schema core.Schema, header []string) (map[string]int, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.ToLower(strings.TrimSpace(h))] = i
	}
	index := make(map[string]int, len(schema.Columns))
	for _, c := range schema.Columns {
		i, ok := pos[strings.ToLower(c.Name)]
		if !ok {
			if c.Nullable {
				continue
			}
			return nil, fmt.Errorf("required column %q is missing", c.Name)
		}
		index[c.Name] = i
	}
	return index, nil
}

func toRow(schema core.Schema, index map[string]int, width int, rec []string) (core.Row, error) {
	if len(rec) != width {
		return nil, fmt.Errorf("expected %d fields, got %d", width, len(rec))
	}
	row := make(core.Row, len(schema.Columns))
	for _, c := range schema.Columns {
		i, ok := index[c.Name]
		if !ok {
			row[c.Name] = nil
			continue
		}
		v, err := c.ParseValue(rec[i])
		if err != nil {
			return nil, err
		}
		row[c.Name] = v
	}
	return row, nil
}
