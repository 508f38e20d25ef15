package model

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Field is one of the 18 canonical lab-report labels. The value is the label
// as printed on the report template and used as the interchange JSON key.
type Field string

const (
	FieldInstitution    Field = "学院信息"
	FieldProgram        Field = "专业信息"
	FieldTerm           Field = "时间"
	FieldName           Field = "姓名"
	FieldStudentID      Field = "学号"
	FieldClass          Field = "班级"
	FieldAdvisor        Field = "指导老师"
	FieldCourse         Field = "课程名称"
	FieldWeek           Field = "周次"
	FieldExperimentName Field = "实验名称"
	FieldEnvironment    Field = "实验环境"
	FieldContent        Field = "实验内容"
	FieldAnalysis       Field = "实验分析与体会"
	FieldExperimentDate Field = "实验日期"
	FieldRemarks        Field = "备注"
	FieldGrade          Field = "成绩"
	FieldSignature      Field = "签名"
	FieldSignoffDate    Field = "日期"
)

// Fields lists the canonical fields in interchange order.
var Fields = []Field{
	FieldInstitution, FieldProgram, FieldTerm, FieldName, FieldStudentID,
	FieldClass, FieldAdvisor, FieldCourse, FieldWeek, FieldExperimentName,
	FieldEnvironment, FieldContent, FieldAnalysis, FieldExperimentDate,
	FieldRemarks, FieldGrade, FieldSignature, FieldSignoffDate,
}

// FieldByName returns the canonical field with the given label.
func FieldByName(name string) (Field, bool) {
	for _, f := range Fields {
		if string(f) == name {
			return f, true
		}
	}
	return "", false
}


// ContentItem is one graded question unit of the experiment content.
type ContentItem struct {
	ID          string
	Title       string
	Requirement string
	Method      string
	Code        string
	// Answer is set when the source supplied an answer directly instead of
	// method and code sections.
	Answer string
}

// Section labels used when composing an answer for grading.
const (
	MethodSectionLabel = "【方法与步骤】"
	CodeSectionLabel   = "【代码】"
)

// ComposedAnswer is the text submitted for grading: the explicit answer when
// present, otherwise the labeled method and code sections.
func (it ContentItem) ComposedAnswer() string {
	if strings.TrimSpace(it.Answer) != "" {
		return it.Answer
	}
	var parts []string
	if m := strings.TrimSpace(it.Method); m != "" {
		parts = append(parts, MethodSectionLabel+"\n"+m)
	}
	if c := strings.TrimSpace(it.Code); c != "" {
		parts = append(parts, CodeSectionLabel+"\n"+c)
	}
	return strings.Join(parts, "\n\n")
}

// Question is the prompt text of the item, falling back to its title.
func (it ContentItem) Question() string {
	if strings.TrimSpace(it.Requirement) != "" {
		return it.Requirement
	}
	return it.Title
}

// Empty reports whether the item carries no text at all.
func (it ContentItem) Empty() bool {
	return strings.TrimSpace(it.Title+it.Requirement+it.Method+it.Code+it.Answer) == ""
}

// ItemID returns the stable identifier for the item at zero-based position i.
func ItemID(i int) string { return fmt.Sprintf("Q%d", i+1) }

// Renumber assigns sequential ids to items in place.
func Renumber(items []ContentItem) {
	for i := range items {
		items[i].ID = ItemID(i)
	}
}

// ReportRecord is the canonical representation of one lab report. Absent
// fields are nil.
type ReportRecord struct {
	Institution    *string
	Program        *string
	Term           *string
	Name           *string
	StudentID      *string
	Class          *string
	Advisor        *string
	Course         *string
	Week           *string
	ExperimentName *string
	Environment    *string
	Analysis       *string
	ExperimentDate *string
	Remarks        *string
	Grade          *string
	Signature      *string
	SignoffDate    *string

	// RawContent is the unsegmented experiment content block.
	RawContent *string
	Items      []ContentItem
}

func (r *ReportRecord) slot(f Field) **string {
	switch f {
	case FieldInstitution:
		return &r.Institution
	case FieldProgram:
		return &r.Program
	case FieldTerm:
		return &r.Term
	case FieldName:
		return &r.Name
	case FieldStudentID:
		return &r.StudentID
	case FieldClass:
		return &r.Class
	case FieldAdvisor:
		return &r.Advisor
	case FieldCourse:
		return &r.Course
	case FieldWeek:
		return &r.Week
	case FieldExperimentName:
		return &r.ExperimentName
	case FieldEnvironment:
		return &r.Environment
	case FieldContent:
		return &r.RawContent
	case FieldAnalysis:
		return &r.Analysis
	case FieldExperimentDate:
		return &r.ExperimentDate
	case FieldRemarks:
		return &r.Remarks
	case FieldGrade:
		return &r.Grade
	case FieldSignature:
		return &r.Signature
	case FieldSignoffDate:
		return &r.SignoffDate
	}
	return nil
}

// Get returns the value of f and whether it is set. FieldContent maps to the
// raw content block.
func (r *ReportRecord) Get(f Field) (string, bool) {
	p := r.slot(f)
	if p == nil || *p == nil {
		return "", false
	}
	return **p, true
}

// Value returns the value of f or the empty string.
func (r *ReportRecord) Value(f Field) string {
	v, _ := r.Get(f)
	return v
}

// Set stores v in f. It reports false for an unknown field.
func (r *ReportRecord) Set(f Field, v string) bool {
	p := r.slot(f)
	if p == nil {
		return false
	}
	*p = &v
	return true
}

// HasAny reports whether any scalar field is non-empty or content was found.
func (r *ReportRecord) HasAny() bool {
	for _, f := range Fields {
		if strings.TrimSpace(r.Value(f)) != "" {
			return true
		}
	}
	return len(r.Items) > 0
}

// GradingResult is the score for one content item. Raw carries a diagnostic
// payload when the model response could not be used.
type GradingResult struct {
	ID       string  `json:"id"`
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
	Raw      string  `json:"raw,omitempty"`
}

// Degraded reports whether the result was synthesized from a fallback.
func (g GradingResult) Degraded() bool { return g.Raw != "" }

// Average is the mean score of results. It reports false for an empty list.
func Average(results []GradingResult) (float64, bool) {
	if len(results) == 0 {
		return 0, false
	}
	var sum float64
	n := 0
	for _, r := range results {
		if math.IsNaN(r.Score) || math.IsInf(r.Score, 0) {
			continue
		}
		sum += r.Score
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// FormatGrade renders a grade with exactly one decimal place.
func FormatGrade(avg float64) string {
	return fmt.Sprintf("%.1f", avg)
}

// DateLayout is the default write-back date format (YYYY.MM.DD).
const DateLayout = "2006.01.02"

// FormatDate renders t in DateLayout.
func FormatDate(t time.Time) string { return t.Format(DateLayout) }

// Status summarizes the result of processing one document.
type Status string

const (
	StatusOK      Status = "ok"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)
