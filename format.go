package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/tonimelisma/docsync/internal/record"
)

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(quiet bool, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// Statusf prints a status message to stderr unless quiet mode is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Flags.Quiet, format, args...)
}

// stdoutIsTerminal is replaced by tests.
var stdoutIsTerminal = func() bool {
	fd := os.Stdout.Fd()

	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// JSONOutput reports whether results should be printed as JSON: when asked
// with --json or when stdout is piped.
func (cc *CLIContext) JSONOutput() bool {
	return cc.Flags.JSON || !stdoutIsTerminal()
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

// printRecords writes documents as a JSON array or, for a terminal, as a
// table of id, last-modified time and a compact body.
func printRecords(w io.Writer, recs []record.Record, asJSON bool) error {
	if asJSON {
		if recs == nil {
			recs = []record.Record{}
		}

		return printJSON(w, recs)
	}

	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, []string{r.ID(), formatLMT(r.LastModified()), summarize(r, summaryWidth)})
	}

	printTable(w, []string{"ID", "MODIFIED", "DOCUMENT"}, rows)

	return nil
}

// summaryWidth caps the document column of the table view.
const summaryWidth = 80

// summarize renders the document without its metadata blocks, truncated to
// width runes.
func summarize(r record.Record, width int) string {
	s := []rune(r.Without(record.KeyID, record.KeyAcl, record.KeyMetadata).String())
	if len(s) <= width {
		return string(s)
	}

	return string(s[:width-1]) + "…"
}

// formatLMT renders a last-modified timestamp, or "-" when absent.
func formatLMT(lmt string) string {
	if lmt == "" {
		return "-"
	}

	t, err := record.ParseTime(lmt)
	if err != nil {
		return lmt
	}

	return formatTime(t.Local())
}

// formatTime returns a compact timestamp for display.
func formatTime(t time.Time) string {
	now := time.Now()

	// Same calendar year: show "Jan  2 15:04"
	if t.Year() == now.Year() {
		return t.Format("Jan _2 15:04")
	}

	// Different year: show "Jan  2  2006"
	return t.Format("Jan _2  2006")
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len([]rune(h))
	}

	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len([]rune(cell)))
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

// printRow writes a single padded row. The last column is not padded.
func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		if i == len(cells)-1 {
			parts[i] = cell

			continue
		}

		parts[i] = cell + strings.Repeat(" ", widths[i]-len([]rune(cell)))
	}

	fmt.Fprintln(w, strings.Join(parts, "  "))
}
