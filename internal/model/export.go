package model

import "time"

// SummaryRow is one line of the batch grade summary (grades.csv / grades.xlsx).
type SummaryRow struct {
	File           string `json:"file"`
	Name           string `json:"name"`
	StudentID      string `json:"student_id"`
	Class          string `json:"class"`
	Course         string `json:"course"`
	ExperimentName string `json:"experiment_name"`
	Grade          string `json:"grade"`
	Status         Status `json:"status"`
}

// SummaryHeader is the column header of the grade summary.
var SummaryHeader = []string{"姓名", "学号", "班级", "课程名称", "实验名称", "成绩"}

// Columns returns the row values in SummaryHeader order.
func (s SummaryRow) Columns() []string {
	return []string{s.Name, s.StudentID, s.Class, s.Course, s.ExperimentName, s.Grade}
}

// SummaryFor builds a summary row from a graded record.
func SummaryFor(file string, r *ReportRecord, status Status) SummaryRow {
	return SummaryRow{
		File:           file,
		Name:           r.Value(FieldName),
		StudentID:      r.Value(FieldStudentID),
		Class:          r.Value(FieldClass),
		Course:         r.Value(FieldCourse),
		ExperimentName: r.Value(FieldExperimentName),
		Grade:          r.Value(FieldGrade),
		Status:         status,
	}
}

// StoredReport is a report as persisted in the store.
type StoredReport struct {
	ID          int64        `json:"id"`
	Path        string       `json:"path"`
	Record      ReportRecord `json:"record"`
	Grade       string       `json:"grade"`
	Status      Status       `json:"status"`
	ExtractedBy string       `json:"extracted_by"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Run is one batch invocation.
type Run struct {
	ID         string     `json:"id"`
	InputDir   string     `json:"input_dir"`
	OutputDir  string     `json:"output_dir"`
	Provider   string     `json:"provider"`
	Model      string     `json:"model"`
	Total      int        `json:"total"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ReportExport is one report with its scores in a full export.
type ReportExport struct {
	StoredReport
	Scores []GradingResult `json:"scores"`
}

// Export is the top-level JSON structure written by `labgrader export`.
type Export struct {
	ExportedAt time.Time      `json:"exported_at"`
	Reports    []ReportExport `json:"reports"`
	Runs       []Run          `json:"runs"`
}
