// Package extract recovers a report record from the tables of a lab-report
// document.
package extract

import (
	"fmt"

	"github.com/pavelanni/labgrader/internal/docx"
	"github.com/pavelanni/labgrader/internal/model"
)

// Method names the extractor that produced a record.
type Method string

const (
	MethodTemplate Method = "template"
	MethodLabels   Method = "labels"
)

// Parse extracts a record, trying the positional template first and falling
// back to the label scan. When the label scan finds no content block the
// two-column question/answer heuristic fills the items directly.
func Parse(doc *docx.Document) (*model.ReportRecord, Method) {
	rec, err := Template(doc)
	if err == nil {
		return rec, MethodTemplate
	}
	rec = Labels(doc)
	if rec.RawContent == nil {
		rec.Items = DirectItems(doc)
	}
	return rec, MethodLabels
}

// ParseFile opens the document at path and parses it.
func ParseFile(path string) (*model.ReportRecord, Method, error) {
	doc, err := docx.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", path, err)
	}
	rec, m := Parse(doc)
	return rec, m, nil
}
