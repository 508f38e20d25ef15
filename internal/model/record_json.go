package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type recordJSON struct {
	Institution    *string     `json:"学院信息"`
	Program        *string     `json:"专业信息"`
	Term           *string     `json:"时间"`
	Name           *string     `json:"姓名"`
	StudentID      *string     `json:"学号"`
	Class          *string     `json:"班级"`
	Advisor        *string     `json:"指导老师"`
	Course         *string     `json:"课程名称"`
	Week           *string     `json:"周次"`
	ExperimentName *string     `json:"实验名称"`
	Environment    *string     `json:"实验环境"`
	Content        contentJSON `json:"实验内容"`
	Analysis       *string     `json:"实验分析与体会"`
	ExperimentDate *string     `json:"实验日期"`
	Remarks        *string     `json:"备注"`
	Grade          *string     `json:"成绩"`
	Signature      *string     `json:"签名"`
	SignoffDate    *string     `json:"日期"`
}

type contentJSON struct {
	Raw   *string    `json:"raw"`
	Items []itemJSON `json:"items"`
}

// itemJSON carries both the current key set and the legacy question/answer
// keys read by older consumers.
type itemJSON struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Requirement string `json:"requirement"`
	Method      string `json:"method"`
	Code        string `json:"code"`
	Question    string `json:"question"`
	Answer      string `json:"answer"`
}

func toItemJSON(it ContentItem) itemJSON {
	return itemJSON{
		ID:          it.ID,
		Title:       it.Title,
		Requirement: it.Requirement,
		Method:      it.Method,
		Code:        it.Code,
		Question:    it.Question(),
		Answer:      it.ComposedAnswer(),
	}
}

// MarshalJSON renders the record with native-language keys in template order.
// Absent fields are null; the content object is always present.
func (r ReportRecord) MarshalJSON() ([]byte, error) {
	w := recordJSON{
		Institution:    r.Institution,
		Program:        r.Program,
		Term:           r.Term,
		Name:           r.Name,
		StudentID:      r.StudentID,
		Class:          r.Class,
		Advisor:        r.Advisor,
		Course:         r.Course,
		Week:           r.Week,
		ExperimentName: r.ExperimentName,
		Environment:    r.Environment,
		Content:        contentJSON{Raw: r.RawContent, Items: make([]itemJSON, 0, len(r.Items))},
		Analysis:       r.Analysis,
		ExperimentDate: r.ExperimentDate,
		Remarks:        r.Remarks,
		Grade:          r.Grade,
		Signature:      r.Signature,
		SignoffDate:    r.SignoffDate,
	}
	for _, it := range r.Items {
		w.Content.Items = append(w.Content.Items, toItemJSON(it))
	}
	return json.Marshal(w)
}

// looseItem accepts either key set.
type looseItem struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Requirement string `json:"requirement"`
	Method      string `json:"method"`
	Code        string `json:"code"`
	Question    string `json:"question"`
	Answer      string `json:"answer"`
}

func (l looseItem) item() ContentItem {
	it := ContentItem{
		ID:          l.ID,
		Title:       l.Title,
		Requirement: l.Requirement,
		Method:      l.Method,
		Code:        l.Code,
	}
	if it.Requirement == "" && l.Question != "" && l.Question != l.Title {
		it.Requirement = l.Question
	}
	// Legacy items only carry question/answer. When the new keys are present
	// the answer is derived from them and is not stored.
	if it.Method == "" && it.Code == "" && l.Answer != "" {
		it.Answer = l.Answer
	}
	return it
}

type looseRecord struct {
	recordJSON
	Content json.RawMessage `json:"实验内容"`
	Items   []looseItem     `json:"items"`
}

// UnmarshalJSON accepts the interchange format as well as records with items
// at the top level and items carrying only the legacy keys.
func (r *ReportRecord) UnmarshalJSON(data []byte) error {
	var w looseRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = ReportRecord{
		Institution:    w.Institution,
		Program:        w.Program,
		Term:           w.Term,
		Name:           w.Name,
		StudentID:      w.StudentID,
		Class:          w.Class,
		Advisor:        w.Advisor,
		Course:         w.Course,
		Week:           w.Week,
		ExperimentName: w.ExperimentName,
		Environment:    w.Environment,
		Analysis:       w.Analysis,
		ExperimentDate: w.ExperimentDate,
		Remarks:        w.Remarks,
		Grade:          w.Grade,
		Signature:      w.Signature,
		SignoffDate:    w.SignoffDate,
	}

	items := w.Items
	if c := bytes.TrimSpace(w.Content); len(c) > 0 && c[0] == '{' {
		var content struct {
			Raw   *string     `json:"raw"`
			Items []looseItem `json:"items"`
		}
		if err := json.Unmarshal(c, &content); err != nil {
			return fmt.Errorf("decode 实验内容: %w", err)
		}
		r.RawContent = content.Raw
		if content.Items != nil {
			items = content.Items
		}
	} else if len(c) > 0 && c[0] == '"' {
		var raw string
		if err := json.Unmarshal(c, &raw); err != nil {
			return fmt.Errorf("decode 实验内容: %w", err)
		}
		r.RawContent = &raw
	}
	for _, li := range items {
		r.Items = append(r.Items, li.item())
	}
	return nil
}

// EncodeRecord renders r as indented JSON with a trailing newline.
func EncodeRecord(r *ReportRecord) ([]byte, error) {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return append(b, '\n'), nil
}

// DecodeRecord parses a record in interchange format.
func DecodeRecord(data []byte) (*ReportRecord, error) {
	var r ReportRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &r, nil
}

// DecodeItems parses a bare item array in either key set.
func DecodeItems(data []byte) ([]ContentItem, error) {
	var raw []looseItem
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	out := make([]ContentItem, 0, len(raw))
	for _, li := range raw {
		out = append(out, li.item())
	}
	return out, nil
}

// EncodeItems renders items as an indented JSON array.
func EncodeItems(items []ContentItem) ([]byte, error) {
	out := make([]itemJSON, 0, len(items))
	for _, it := range items {
		out = append(out, toItemJSON(it))
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode items: %w", err)
	}
	return append(b, '\n'), nil
}
