package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Provenance columns added to every raw record.
const (
	ColumnLoadedAt   = "loaded_at"
	ColumnSourceFile = "source_file"
)

// ColumnType is the logical type of a column.
type ColumnType string

// Supported column types.
const (
	TypeString    ColumnType = "string"
	TypeInt       ColumnType = "int"
	TypeFloat     ColumnType = "float"
	TypeBool      ColumnType = "bool"
	TypeTimestamp ColumnType = "timestamp"
)

// Valid reports whether t is a known column type.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeTimestamp:
		return true
	}
	return false
}

// Column describes one business field of a table.
type Column struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Nullable bool       `json:"nullable"`
}

// Schema is the ordered set of business columns of a raw table.
type Schema struct {
	Columns []Column `json:"columns"`
}

// Names returns the column names in declaration order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Column returns the column with the given name.
func (s Schema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// Validate checks that the schema has unique, typed columns and does not
// shadow the provenance columns.
func (s Schema) Validate() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("schema has no columns")
	}
	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		name := strings.ToLower(c.Name)
		if name == "" {
			return fmt.Errorf("column name is required")
		}
		if name == ColumnLoadedAt || name == ColumnSourceFile {
			return fmt.Errorf("column %q is reserved for provenance", c.Name)
		}
		if seen[name] {
			return fmt.Errorf("duplicate column %q", c.Name)
		}
		if !c.Type.Valid() {
			return fmt.Errorf("column %q has unknown type %q", c.Name, c.Type)
		}
		seen[name] = true
	}
	return nil
}

// ParseValue converts a raw text field into the column's Go value.
// Empty text is nil for nullable columns and an error otherwise.
func (c Column) ParseValue(raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if c.Nullable {
			return nil, nil
		}
		return nil, fmt.Errorf("column %q: value is required", c.Name)
	}

	switch c.Type {
	case TypeString:
		return raw, nil
	case TypeInt:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("column %q: invalid int %q", c.Name, raw)
		}
		return v, nil
	case TypeFloat:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("column %q: invalid float %q", c.Name, raw)
		}
		return v, nil
	case TypeBool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("column %q: invalid bool %q", c.Name, raw)
		}
		return v, nil
	case TypeTimestamp:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, raw); err == nil {
				return t.UTC(), nil
			}
		}
		return nil, fmt.Errorf("column %q: invalid timestamp %q", c.Name, raw)
	default:
		return nil, fmt.Errorf("column %q: unknown type %q", c.Name, c.Type)
	}
}

// Coerce restores column types on a row decoded from JSON. Numbers are
// expected as json.Number (decoder UseNumber) and timestamps as RFC 3339 text.
func (s Schema) Coerce(row Row) (Row, error) {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	for _, c := range s.Columns {
		v, ok := row[c.Name]
		if !ok || v == nil {
			out[c.Name] = nil
			continue
		}
		switch c.Type {
		case TypeInt:
			n, ok := v.(json.Number)
			if !ok {
				return nil, fmt.Errorf("column %q: expected number, got %T", c.Name, v)
			}
			i, err := n.Int64()
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", c.Name, err)
			}
			out[c.Name] = i
		case TypeFloat:
			n, ok := v.(json.Number)
			if !ok {
				return nil, fmt.Errorf("column %q: expected number, got %T", c.Name, v)
			}
			f, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", c.Name, err)
			}
			out[c.Name] = f
		case TypeTimestamp:
			text, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("column %q: expected timestamp text, got %T", c.Name, v)
			}
			t, err := time.Parse(time.RFC3339Nano, text)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", c.Name, err)
			}
			out[c.Name] = t
		}
	}
	return out, nil
}

// Row is one record keyed by column name.
// Values are string, int64, float64, bool, time.Time or nil.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// TableSnapshot is an immutable, published version of a table's content.
// Rows must not be modified once the snapshot is published.
type TableSnapshot struct {
	Name        string
	Version     uint64
	Columns     []string
	Rows        []Row
	PublishedAt time.Time
}

// Len returns the number of rows in the snapshot.
func (s *TableSnapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Rows)
}

// HasColumn reports whether the snapshot exposes the named column.
func (s *TableSnapshot) HasColumn(name string) bool {
	for _, c := range s.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// TableKind distinguishes raw landing tables from derived tables.
type TableKind string

// Table kinds.
const (
	TableKindRaw     TableKind = "raw"
	TableKindDerived TableKind = "derived"
)

// AsFloat converts a numeric row value to float64.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
