// Package importer turns uploaded spreadsheets and pasted text into task
// rows. Header names are matched against known aliases so exports from
// different tools land on the same fields; anything unrecognized falls back
// to a safe default instead of failing the upload.
package importer

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ldi/sprintdeck/pkg/models"
	"github.com/xuri/excelize/v2"
)

// Header aliases in priority order. Matching is case-insensitive; the first
// alias found in the header row wins.
var (
	nameAliases     = []string{"feature name", "name", "task"}
	moduleAliases   = []string{"module"}
	dueDateAliases  = []string{"due date", "duedate"}
	velocityAliases = []string{"velocity", "storypoints", "points"}
	bugsAliases     = []string{"bugs"}
	statusAliases   = []string{"status"}
)

// dateLayouts are tried in order when normalizing a due date.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"2006-01-02T15:04:05Z07:00",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"01-02-06",
	"1/2/06",
}

// NormalizeDate converts a spreadsheet date cell to an ISO calendar date.
// Unparseable input normalizes to the empty string, never an error.
func NormalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d.Format("2006-01-02")
		}
	}
	return ""
}

func normalizeInt(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0
		}
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if f < 0 {
			return 0
		}
		return int(f)
	}
	return 0
}

func normalizeStatus(s string) models.TaskStatus {
	status := models.TaskStatus(strings.ToLower(strings.TrimSpace(s)))
	if status.Valid() {
		return status
	}
	return models.TaskStatusTodo
}

// columnIndex finds the column for a field by trying each alias in order
// against the lowercased header row. Returns -1 when no alias matches.
func columnIndex(headers []string, aliases []string) int {
	for _, alias := range aliases {
		for i, h := range headers {
			if strings.ToLower(strings.TrimSpace(h)) == alias {
				return i
			}
		}
	}
	return -1
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// NormalizeRows maps a header row plus data rows onto tasks. Rows that are
// entirely empty are skipped; a row without a recognizable name gets a
// placeholder numbered by its source row so the preview stays traceable to
// the upload even when empty rows were skipped.
func NormalizeRows(rows [][]string) []*models.Task {
	if len(rows) == 0 {
		return nil
	}

	headers := rows[0]
	nameIdx := columnIndex(headers, nameAliases)
	moduleIdx := columnIndex(headers, moduleAliases)
	dueIdx := columnIndex(headers, dueDateAliases)
	velocityIdx := columnIndex(headers, velocityAliases)
	bugsIdx := columnIndex(headers, bugsAliases)
	statusIdx := columnIndex(headers, statusAliases)

	var tasks []*models.Task
	for i, row := range rows[1:] {
		empty := true
		for _, c := range row {
			if strings.TrimSpace(c) != "" {
				empty = false
				break
			}
		}
		if empty {
			continue
		}

		name := cell(row, nameIdx)
		if name == "" {
			name = fmt.Sprintf("Task %d", i+1)
		}

		tasks = append(tasks, &models.Task{
			Name:     name,
			Module:   cell(row, moduleIdx),
			DueDate:  NormalizeDate(cell(row, dueIdx)),
			Velocity: normalizeInt(cell(row, velocityIdx)),
			Bugs:     normalizeInt(cell(row, bugsIdx)),
			Status:   normalizeStatus(cell(row, statusIdx)),
		})
	}

	return tasks
}

// ParseCSV reads a CSV upload with a header row.
func ParseCSV(r io.Reader) ([]*models.Task, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse csv: %w", err)
	}

	return NormalizeRows(rows), nil
}

// ParseWorkbook reads the first sheet of an xlsx upload with a header row.
func ParseWorkbook(r io.Reader) ([]*models.Task, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheets[0], err)
	}

	return NormalizeRows(rows), nil
}

// ParseDelimited reads pasted text with one task per line and positional
// fields: name, module, due date, velocity, bugs, status. Missing trailing
// fields take their defaults.
func ParseDelimited(text, delimiter string) []*models.Task {
	if delimiter == "" {
		delimiter = ","
	}

	var tasks []*models.Task
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Split(line, delimiter)
		name := cell(fields, 0)
		if name == "" {
			name = fmt.Sprintf("Task %d", i+1)
		}

		tasks = append(tasks, &models.Task{
			Name:     name,
			Module:   cell(fields, 1),
			DueDate:  NormalizeDate(cell(fields, 2)),
			Velocity: normalizeInt(cell(fields, 3)),
			Bugs:     normalizeInt(cell(fields, 4)),
			Status:   normalizeStatus(cell(fields, 5)),
		})
	}

	return tasks
}
