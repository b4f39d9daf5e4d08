package commands

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRenderer_UnknownFormat(t *testing.T) {
	_, err := NewRenderer(new(bytes.Buffer), "yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "available: table, markdown, csv, json")

	r, err := NewRenderer(new(bytes.Buffer), "md")
	require.NoError(t, err)
	assert.Equal(t, FormatMarkdown, r.format)
}

func TestRenderer_Table(t *testing.T) {
	header := []string{"name", "count"}
	rows := [][]any{{"alpha", 1234}, {"beta", nil}}

	tests := []struct {
		format  string
		wantOut []string
	}{
		{format: FormatTable, wantOut: []string{"alpha", "1,234", "NULL", "(2 rows)"}},
		{format: FormatMarkdown, wantOut: []string{"| alpha ", "| beta "}},
		{format: FormatCSV, wantOut: []string{"alpha,", "beta,NULL"}},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			buf := new(bytes.Buffer)
			r, err := NewRenderer(buf, tt.format)
			require.NoError(t, err)
			require.NoError(t, r.Table("Things", header, rows))
			for _, want := range tt.wantOut {
				assert.Contains(t, buf.String(), want)
			}
		})
	}
}

func TestRenderer_TableJSON(t *testing.T) {
	buf := new(bytes.Buffer)
	r, err := NewRenderer(buf, FormatJSON)
	require.NoError(t, err)
	require.NoError(t, r.Table("ignored", []string{"name", "count"}, [][]any{{"alpha", 1234}}))

	var got []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, []map[string]any{{"name": "alpha", "count": float64(1234)}}, got)

	r.Printf("suppressed %d\n", 1)
	assert.NotContains(t, buf.String(), "suppressed")
}

func TestRenderer_EmptyTable(t *testing.T) {
	buf := new(bytes.Buffer)
	r, err := NewRenderer(buf, FormatTable)
	require.NoError(t, err)
	require.NoError(t, r.Table("", []string{"a"}, nil))
	assert.Equal(t, "(0 rows)\n", buf.String())
}

func TestRenderer_Value(t *testing.T) {
	r, err := NewRenderer(new(bytes.Buffer), FormatTable)
	require.NoError(t, err)

	tests := []struct {
		in   any
		want string
	}{
		{nil, "NULL"},
		{73450.0, "73,450.00"},
		{1234567, "1,234,567"},
		{int64(42), "42"},
		{uint64(7), "7"},
		{time.Minute, "1m0s"},
		{time.Time{}, "-"},
		{time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), "2026-01-02T03:04:05Z"},
		{"CO", "CO"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, r.Value(tt.in))
	}
	assert.Equal(t, "Needs Attention", r.Title("NEEDS ATTENTION"))
}
