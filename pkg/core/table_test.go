package core_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapflow/pkg/core"
)

func TestColumn_ParseValue(t *testing.T) {
	tests := []struct {
		name    string
		col     core.Column
		raw     string
		want    any
		wantErr string
	}{
		{"string", core.Column{Name: "state", Type: core.TypeString}, " CO ", "CO", ""},
		{"int", core.Column{Name: "n", Type: core.TypeInt}, "42", int64(42), ""},
		{"bad int", core.Column{Name: "n", Type: core.TypeInt}, "4.2", nil, `invalid int "4.2"`},
		{"float", core.Column{Name: "amount", Type: core.TypeFloat}, "73450.5", 73450.5, ""},
		{"bool", core.Column{Name: "ok", Type: core.TypeBool}, "true", true, ""},
		{"date", core.Column{Name: "at", Type: core.TypeTimestamp}, "2026-03-01",
			time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), ""},
		{"rfc3339", core.Column{Name: "at", Type: core.TypeTimestamp}, "2026-03-01T10:00:00+02:00",
			time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), ""},
		{"bad timestamp", core.Column{Name: "at", Type: core.TypeTimestamp}, "yesterday", nil, "invalid timestamp"},
		{"nullable empty", core.Column{Name: "note", Type: core.TypeString, Nullable: true}, "  ", nil, ""},
		{"required empty", core.Column{Name: "id", Type: core.TypeString}, "", nil, "value is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.col.ParseValue(tt.raw)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSchema_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cols    []core.Column
		wantErr string
	}{
		{"valid", []core.Column{{Name: "id", Type: core.TypeString}}, ""},
		{"empty", nil, "no columns"},
		{"reserved", []core.Column{{Name: core.ColumnSourceFile, Type: core.TypeString}}, "reserved"},
		{"duplicate", []core.Column{{Name: "id", Type: core.TypeString}, {Name: "id", Type: core.TypeInt}}, "duplicate"},
		{"unknown type", []core.Column{{Name: "id", Type: "uuid"}}, "unknown type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := core.Schema{Columns: tt.cols}.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestSchema_Coerce(t *testing.T) {
	schema := core.Schema{Columns: []core.Column{
		{Name: "claim_id", Type: core.TypeString},
		{Name: "claim_amount", Type: core.TypeFloat},
		{Name: "units", Type: core.TypeInt},
		{Name: "filed_at", Type: core.TypeTimestamp, Nullable: true},
	}}

	dec := json.NewDecoder(strings.NewReader(
		`{"claim_id":"C1","claim_amount":73450,"units":3,"filed_at":"2026-03-01T09:00:00Z","source_file":"a.csv"}`))
	dec.UseNumber()
	var row core.Row
	require.NoError(t, dec.Decode(&row))

	got, err := schema.Coerce(row)
	require.NoError(t, err)
	assert.Equal(t, "C1", got["claim_id"])
	assert.Equal(t, 73450.0, got["claim_amount"])
	assert.Equal(t, int64(3), got["units"])
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), got["filed_at"])
	assert.Equal(t, "a.csv", got["source_file"], "columns outside the schema pass through")

	_, err = schema.Coerce(core.Row{"units": "three"})
	assert.ErrorContains(t, err, `column "units": expected number`)
}

func TestAsFloat(t *testing.T) {
	for _, v := range []any{int64(2), 2, int32(2), float32(2), 2.0} {
		f, ok := core.AsFloat(v)
		assert.True(t, ok, "%T", v)
		assert.Equal(t, 2.0, f)
	}
	_, ok := core.AsFloat("2")
	assert.False(t, ok)
}
