package extract

import (
	"errors"
	"strings"

	"github.com/pavelanni/labgrader/internal/docx"
	"github.com/pavelanni/labgrader/internal/model"
)

// ErrNoMatch is returned by Template when the first table does not follow the
// report template. It is a signal to use the label scan, not a failure.
var ErrNoMatch = errors.New("document does not match the report template")

// headerSlots assigns cell ordinals in the first five rows to fields.
var headerSlots = map[int]map[int]model.Field{
	0: {0: model.FieldInstitution, 1: model.FieldProgram, 2: model.FieldTerm},
	1: {1: model.FieldName, 3: model.FieldStudentID},
	2: {1: model.FieldClass, 3: model.FieldAdvisor},
	3: {1: model.FieldCourse, 3: model.FieldWeek},
	4: {1: model.FieldExperimentName},
}

// footerSlot describes a field found at a fixed row offset below the
// analysis anchor row. ordinal < 0 accepts any cell (the last one wins).
type footerSlot struct {
	field   model.Field
	ordinal int
}

var footerSlots = map[int]footerSlot{
	1: {model.FieldAnalysis, -1},
	2: {model.FieldExperimentDate, -1},
	3: {model.FieldRemarks, 1},
	4: {model.FieldGrade, 1},
	6: {model.FieldSignoffDate, 1},
}

// Template extracts a record from the first table using the fixed report
// layout. Cells are walked left to right: the grid position advances by each
// cell's span and the ordinal by one. The rows between the "实验内容" row and
// the "实验分析与体会" anchor row become the raw content. Items are never
// segmented here.
func Template(doc *docx.Document) (*model.ReportRecord, error) {
	tables := doc.Tables()
	if len(tables) == 0 {
		return nil, ErrNoMatch
	}
	rows := tables[0].Rows()
	if len(rows) == 0 {
		return nil, ErrNoMatch
	}

	rec := &model.ReportRecord{}
	contentStarted := false
	anchor := -1
	var content []string

	for i, row := range rows {
		header := headerSlots[i]
		var footer *footerSlot
		if anchor >= 0 {
			if s, ok := footerSlots[i-anchor]; ok {
				footer = &s
			}
		}

		grid := row.GridCells()
		pos, ordinal := 0, 0
		for pos < len(grid) {
			cell := grid[pos]
			if cell == nil {
				pos++
				continue
			}
			text := strings.TrimSpace(cell.Text())
			if f, ok := header[ordinal]; ok {
				rec.Set(f, text)
			}
			if footer != nil && (footer.ordinal < 0 || footer.ordinal == ordinal) {
				rec.Set(footer.field, text)
			}
			pos += cell.Span()
			ordinal++
		}

		text := rowText(row)
		if !contentStarted && strings.Contains(text, string(model.FieldContent)) {
			contentStarted = true
			continue
		}
		if contentStarted && anchor < 0 {
			if strings.Contains(text, string(model.FieldAnalysis)) {
				anchor = i
			} else if text != "" {
				content = append(content, text)
			}
		}
	}

	if len(content) > 0 {
		raw := strings.Join(content, "\n\n")
		rec.RawContent = &raw
	}
	if !rec.HasAny() {
		return nil, ErrNoMatch
	}
	return rec, nil
}

// rowText joins the non-empty logical-column texts of a row with spaces.
// Merged cells contribute once.
func rowText(row *docx.Row) string {
	var parts []string
	for _, c := range row.LogicalColumns() {
		if t := strings.TrimSpace(c.Text()); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
