package extract

import (
	"regexp"
	"strings"

	"github.com/pavelanni/labgrader/internal/docx"
	"github.com/pavelanni/labgrader/internal/model"
)

// labelValue derives a (label, value) pair from a row. Rows with two or more
// logical columns use the first two; a single cell is split on its first
// colon.
func labelValue(row *docx.Row) (label, value string, ok bool) {
	cols := row.LogicalColumns()
	switch {
	case len(cols) >= 2:
		return NormalizeLabel(cols[0].Text()), strings.TrimSpace(cols[1].Text()), true
	case len(cols) == 1:
		parts := colonSplit.Split(strings.TrimSpace(cols[0].Text()), 2)
		if len(parts) != 2 {
			return "", "", false
		}
		return NormalizeLabel(parts[0]), strings.TrimSpace(parts[1]), true
	}
	return "", "", false
}

var colonSplit = regexp.MustCompile(`[：:]`)

// Labels scans every row of every table for label/value pairs. Values under
// "实验内容" are accumulated into the raw content; other canonical labels are
// stored, the last occurrence winning. Items are not segmented.
func Labels(doc *docx.Document) *model.ReportRecord {
	rec := &model.ReportRecord{}
	var content []string
	for _, t := range doc.Tables() {
		for _, row := range t.Rows() {
			label, value, ok := labelValue(row)
			if !ok {
				continue
			}
			if label == string(model.FieldContent) {
				if value != "" {
					content = append(content, value)
				}
				continue
			}
			if f, ok := model.FieldByName(label); ok {
				rec.Set(f, value)
			}
		}
	}
	if raw := strings.TrimSpace(strings.Join(content, "\n\n")); raw != "" {
		rec.RawContent = &raw
	}
	return rec
}

var questionKeyword = regexp.MustCompile(`题目|问题|任务`)

// DirectItems reads question/answer pairs straight from two-column tables.
// A table whose header row names a question column (题干/题目/问题) and an
// answer column (答案/回答) contributes every following row. Otherwise the
// first two columns are used, skipping rows labeled with a canonical field
// and rows whose question has no question-like keyword. This is a degraded
// path for documents without a segmentable content block.
func DirectItems(doc *docx.Document) []model.ContentItem {
	var items []model.ContentItem
	add := func(q, a string) {
		items = append(items, model.ContentItem{ID: model.ItemID(len(items)), Requirement: q, Answer: a})
	}
	for _, t := range doc.Tables() {
		rows := t.Rows()
		if len(rows) == 0 {
			continue
		}
		headers := columnTexts(rows[0])
		qi := findHeader(headers, "题干", "题目", "问题")
		ai := findHeader(headers, "答案", "回答")
		if qi >= 0 && ai >= 0 && len(rows) > 1 {
			for _, r := range rows[1:] {
				cols := columnTexts(r)
				q, a := at(cols, qi), at(cols, ai)
				if q != "" || a != "" {
					add(q, a)
				}
			}
			continue
		}
		if len(headers) < 2 {
			continue
		}
		for _, r := range rows {
			cols := columnTexts(r)
			if len(cols) == 0 {
				continue
			}
			if _, isField := LookupField(cols[0]); isField {
				continue
			}
			q, a := at(cols, 0), at(cols, 1)
			if (q != "" || a != "") && questionKeyword.MatchString(q) {
				add(q, a)
			}
		}
	}
	return items
}

func columnTexts(r *docx.Row) []string {
	cols := r.LogicalColumns()
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = strings.TrimSpace(c.Text())
	}
	return out
}

func findHeader(headers []string, keywords ...string) int {
	for _, kw := range keywords {
		for i, h := range headers {
			if strings.Contains(h, kw) {
				return i
			}
		}
	}
	return -1
}

func at(cols []string, i int) string {
	if i < len(cols) {
		return cols[i]
	}
	return ""
}
