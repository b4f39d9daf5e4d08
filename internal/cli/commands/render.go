package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Output formats.
const (
	FormatTable    = "table"
	FormatMarkdown = "markdown"
	FormatCSV      = "csv"
	FormatJSON     = "json"
)

// OutputFormats lists the accepted --output values.
var OutputFormats = []string{FormatTable, FormatMarkdown, FormatCSV, FormatJSON}

// Renderer writes command results in the selected format.
type Renderer struct {
	w       io.Writer
	format  string
	printer *message.Printer
	title   cases.Caser
}

// NewRenderer creates a renderer writing to w.
func NewRenderer(w io.Writer, format string) (*Renderer, error) {
	if format == "" {
		format = FormatTable
	}
	if format == "md" {
		format = FormatMarkdown
	}
	if !slices.Contains(OutputFormats, format) {
		return nil, fmt.Errorf("unknown output format %q, available: %s", format, strings.Join(OutputFormats, ", "))
	}
	return &Renderer{
		w:       w,
		format:  format,
		printer: message.NewPrinter(language.English),
		title:   cases.Title(language.English),
	}, nil
}

func newRenderer(cmd *cobra.Command) (*Renderer, error) {
	format, _ := cmd.Flags().GetString("output")
	return NewRenderer(cmd.OutOrStdout(), format)
}

// JSON reports whether output is JSON.
func (r *Renderer) JSON() bool { return r.format == FormatJSON }

// Encode writes v as indented JSON.
func (r *Renderer) Encode(v any) error {
	enc := json.NewEncoder(r.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Table renders rows under header. JSON output becomes an array of objects
// keyed by header.
func (r *Renderer) Table(title string, header []string, rows [][]any) error {
	if r.JSON() {
		out := make([]map[string]any, len(rows))
		for i, row := range rows {
			obj := make(map[string]any, len(header))
			for j, h := range header {
				if j < len(row) {
					obj[h] = row[j]
				}
			}
			out[i] = obj
		}
		return r.Encode(out)
	}

	t := table.NewWriter()
	t.SetOutputMirror(r.w)
	t.SetStyle(table.StyleLight)
	if title != "" && r.format == FormatTable {
		t.SetTitle(title)
		t.Style().Title.Align = text.AlignLeft
	}

	headerRow := make(table.Row, len(header))
	for i, h := range header {
		headerRow[i] = h
	}
	t.AppendHeader(headerRow)
	for _, row := range rows {
		out := make(table.Row, len(row))
		for i, v := range row {
			out[i] = r.Value(v)
		}
		t.AppendRow(out)
	}

	switch r.format {
	case FormatMarkdown:
		t.RenderMarkdown()
	case FormatCSV:
		t.RenderCSV()
	default:
		if len(rows) == 0 {
			_, _ = fmt.Fprintln(r.w, "(0 rows)")
			return nil
		}
		t.Render()
		_, _ = fmt.Fprintf(r.w, "(%s rows)\n", r.Count(len(rows)))
	}
	return nil
}

// Value formats one cell.
func (r *Renderer) Value(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case time.Time:
		if x.IsZero() {
			return "-"
		}
		return x.UTC().Format(time.RFC3339)
	case time.Duration:
		return x.String()
	case float64:
		return r.printer.Sprintf("%.2f", x)
	case int:
		return r.Count(x)
	case int64:
		return r.printer.Sprintf("%d", x)
	case uint64:
		return r.printer.Sprintf("%d", x)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Count formats an integer with thousands separators.
func (r *Renderer) Count(n int) string {
	return r.printer.Sprintf("%d", n)
}

// Title formats an upper-case status for display, "NEEDS ATTENTION" as
// "Needs Attention".
func (r *Renderer) Title(s string) string {
	return r.title.String(strings.ToLower(s))
}

// Printf writes a formatted line unless output is JSON.
func (r *Renderer) Printf(format string, args ...any) {
	if r.JSON() {
		return
	}
	_, _ = r.printer.Fprintf(r.w, format, args...)
}
