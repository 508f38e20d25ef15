// Package writeback writes the final grade and a date stamp into the value
// cells next to their labels in a report document.
package writeback

import (
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/labgrader/internal/docx"
	"github.com/pavelanni/labgrader/internal/extract"
	"github.com/pavelanni/labgrader/internal/model"
)

// Labels searched for in the document tables.
const (
	GradeLabel = string(model.FieldGrade)
	DateLabel  = string(model.FieldSignoffDate)
)

// Result tells which values were written.
type Result struct {
	Grade bool
	Date  bool
}

// Wrote reports whether anything was written.
func (r Result) Wrote() bool { return r.Grade || r.Date }

// Apply writes grade and date into doc. An empty date selects today in
// model.DateLayout. For every table, the first two-column row labeled
// exactly wins over rows that only contain the label; the grade may also go
// into the column before a label in the last column, the date may not.
func Apply(doc *docx.Document, grade, date string) Result {
	if date == "" {
		date = model.FormatDate(time.Now())
	}
	var res Result
	for _, tbl := range doc.Tables() {
		if c := valueCell(tbl, GradeLabel, true); c != nil {
			c.SetText(grade)
			res.Grade = true
		}
		if c := valueCell(tbl, DateLabel, false); c != nil {
			c.SetText(date)
			res.Date = true
		}
	}
	return res
}

func valueCell(tbl *docx.Table, label string, preceding bool) *docx.Cell {
	for _, exact := range []bool{true, false} {
		for _, row := range tbl.Rows() {
			cols := row.LogicalColumns()
			if len(cols) != 2 {
				continue
			}
			for i, c := range cols {
				if !matches(c.Text(), label, exact) {
					continue
				}
				if i == 0 {
					return cols[1]
				}
				if preceding {
					return cols[0]
				}
			}
		}
	}
	return nil
}

func matches(text, label string, exact bool) bool {
	if exact {
		return extract.NormalizeLabel(text) == label
	}
	return strings.Contains(text, label)
}

// WriteFile applies grade and date to the document at path and saves it in
// place when something was written. Failures are logged and reported as an
// empty Result.
func WriteFile(path, grade, date string, logger *slog.Logger) Result {
	if logger == nil {
		logger = slog.Default()
	}
	doc, err := docx.Open(path)
	if err != nil {
		logger.Warn("writeback.open.failed", "path", path, "error", err)
		return Result{}
	}
	res := Apply(doc, grade, date)
	if !res.Wrote() {
		logger.Info("writeback.target.missing", "path", path)
		return res
	}
	if err := doc.Save(path); err != nil {
		logger.Warn("writeback.save.failed", "path", path, "error", err)
		return Result{}
	}
	logger.Info("writeback.saved", "path", path, "grade", res.Grade, "date", res.Date)
	return res
}
