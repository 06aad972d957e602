// Package source holds the tables produced by protocol execution and the
// resolution of a mapping's declared source to one of those tables.
package source

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// Table is an ordered set of rows of string cells. A Table is never mutated
// once it has been published to a namespace.
type Table struct {
	Rows    [][]string `json:"rows"`
	RawData string     `json:"raw_data,omitempty"`
}

// NewTable builds a table from rows and fills RawData.
func NewTable(rows [][]string) *Table {
	t := &Table{Rows: rows}
	t.RawData = t.Serialize()
	return t
}

// Empty reports whether the table has no rows.
func (t *Table) Empty() bool {
	return t == nil || len(t.Rows) == 0
}

// Serialize renders the rows as ';'-separated lines.
func (t *Table) Serialize() string {
	if t == nil {
		return ""
	}
	var b strings.Builder
	for i, row := range t.Rows {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strings.Join(row, ";"))
	}
	return b.String()
}

// ParseCSV splits raw text into rows on newlines and into cells on any of
// the characters in separators. Blank lines are skipped.
func ParseCSV(raw, separators string) *Table {
	if separators == "" {
		separators = ";"
	}
	var rows [][]string
	for _, line := range strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		rows = append(rows, splitAny(line, separators))
	}
	return &Table{Rows: rows, RawData: raw}
}

func splitAny(line, separators string) []string {
	var cells []string
	start := 0
	for i, r := range line {
		if strings.ContainsRune(separators, r) {
			cells = append(cells, strings.TrimSpace(line[start:i]))
			start = i + len(string(r))
		}
	}
	return append(cells, strings.TrimSpace(line[start:]))
}

// SelectColumns keeps the given 1-based columns of every row, in order.
// Out-of-range columns become empty cells.
func (t *Table) SelectColumns(columns []int) *Table {
	if t == nil || len(columns) == 0 {
		return t
	}
	rows := make([][]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		selected := make([]string, len(columns))
		for i, c := range columns {
			if c >= 1 && c <= len(row) {
				selected[i] = row[c-1]
			}
		}
		rows = append(rows, selected)
	}
	return NewTable(rows)
}

var columnTokenPattern = regexp.MustCompile(`\$(\d+)`)

// HasColumnToken reports whether s contains a $N column reference.
func HasColumnToken(s string) bool {
	return columnTokenPattern.MatchString(s)
}

// IsColumnToken reports whether s is exactly one $N column reference.
func IsColumnToken(s string) bool {
	loc := columnTokenPattern.FindStringIndex(strings.TrimSpace(s))
	return loc != nil && loc[0] == 0 && loc[1] == len(strings.TrimSpace(s))
}

// Column returns the 1-based cell n of row. An out-of-range index yields the
// empty string and a warning.
func Column(row []string, n int, logger *slog.Logger) string {
	if n < 1 || n > len(row) {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("column index out of range",
			"column", n,
			"row_length", len(row),
		)
		return ""
	}
	return row[n-1]
}

// ExpandColumns replaces every $N token in template with the matching cell
// of row.
func ExpandColumns(template string, row []string, logger *slog.Logger) string {
	return columnTokenPattern.ReplaceAllStringFunc(template, func(token string) string {
		n, err := strconv.Atoi(token[1:])
		if err != nil {
			return ""
		}
		return Column(row, n, logger)
	})
}
