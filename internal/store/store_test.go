package store

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/pavelanni/labgrader/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testReport(path, name string, items ...model.ContentItem) model.StoredReport {
	var rec model.ReportRecord
	rec.Set(model.FieldName, name)
	rec.Set(model.FieldStudentID, "2024"+name)
	rec.Set(model.FieldContent, "题目1：求和")
	rec.Items = items
	return model.StoredReport{Path: path, Record: rec, Status: model.StatusOK, ExtractedBy: "template"}
}

func insertTestReport(t *testing.T, s *Store, r model.StoredReport) int64 {
	t.Helper()
	id, err := s.SaveReport(r)
	if err != nil {
		t.Fatalf("insertTestReport: %v", err)
	}
	return id
}

func TestReportCRUD(t *testing.T) {
	s := newTestStore(t)

	// Empty DB should return zero count and empty list.
	count, err := s.ReportCount()
	if err != nil {
		t.Fatalf("ReportCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 reports, got %d", count)
	}
	list, err := s.ListReports()
	if err != nil {
		t.Fatalf("ListReports: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty list, got %d", len(list))
	}

	// Insert and retrieve.
	items := []model.ContentItem{
		{ID: "Q1", Title: "题目1", Requirement: "求和", Method: "循环"},
		{ID: "Q2", Requirement: "排序", Code: "sort.Ints(xs)"},
	}
	id := insertTestReport(t, s, testReport("/in/a.docx", "张三", items...))
	got, err := s.GetReport(id)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got.Path != "/in/a.docx" || got.Status != model.StatusOK || got.ExtractedBy != "template" {
		t.Errorf("unexpected report: %+v", got)
	}
	if got.Record.Value(model.FieldName) != "张三" {
		t.Errorf("expected name 张三, got %q", got.Record.Value(model.FieldName))
	}
	if got.Record.Value(model.FieldContent) != "题目1：求和" {
		t.Errorf("raw content lost: %q", got.Record.Value(model.FieldContent))
	}
	if diff := cmp.Diff(items, got.Record.Items); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}

	// Not found.
	_, err = s.GetReport(9999)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected ErrNoRows, got %v", err)
	}

	// Multiple reports.
	insertTestReport(t, s, testReport("/in/b.docx", "李四"))
	count, _ = s.ReportCount()
	if count != 2 {
		t.Errorf("expected 2 reports, got %d", count)
	}
}

func TestSaveReportReplacesByPath(t *testing.T) {
	s := newTestStore(t)

	first := testReport("/in/a.docx", "张三",
		model.ContentItem{ID: "Q1", Requirement: "a"},
		model.ContentItem{ID: "Q2", Requirement: "b"},
		model.ContentItem{ID: "Q3", Requirement: "c"},
	)
	id := insertTestReport(t, s, first)

	second := testReport("/in/a.docx", "张三", model.ContentItem{ID: "Q1", Requirement: "only"})
	second.Record.Set(model.FieldGrade, "88.0")
	second.Status = model.StatusPartial
	id2 := insertTestReport(t, s, second)
	if id2 != id {
		t.Fatalf("expected same id %d, got %d", id, id2)
	}

	got, err := s.GetReport(id)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got.Grade != "88.0" || got.Status != model.StatusPartial {
		t.Errorf("expected updated grade and status, got %q %q", got.Grade, got.Status)
	}
	if len(got.Record.Items) != 1 || got.Record.Items[0].Requirement != "only" {
		t.Errorf("expected items to be replaced, got %+v", got.Record.Items)
	}
	if !got.UpdatedAt.After(got.CreatedAt) && !got.UpdatedAt.Equal(got.CreatedAt) {
		t.Errorf("updated_at %v before created_at %v", got.UpdatedAt, got.CreatedAt)
	}
}

func TestScores(t *testing.T) {
	s := newTestStore(t)
	id := insertTestReport(t, s, testReport("/in/a.docx", "张三"))

	// No scores yet.
	scores, err := s.GetScores(id)
	if err != nil {
		t.Fatalf("GetScores: %v", err)
	}
	if len(scores) != 0 {
		t.Fatalf("expected no scores, got %d", len(scores))
	}

	results := []model.GradingResult{
		{ID: "Q1", Score: 90, Feedback: "好"},
		{ID: "Q2", Score: 60, Feedback: "模型未返回规范JSON，已使用保底评分与占位反馈。", Raw: "no result for Q2"},
	}
	if err := s.SaveScores(id, results); err != nil {
		t.Fatalf("SaveScores: %v", err)
	}
	scores, err = s.GetScores(id)
	if err != nil {
		t.Fatalf("GetScores: %v", err)
	}
	if diff := cmp.Diff(results, scores); diff != "" {
		t.Errorf("scores mismatch (-want +got):\n%s", diff)
	}

	// Saving again replaces.
	if err := s.SaveScores(id, results[:1]); err != nil {
		t.Fatalf("SaveScores replace: %v", err)
	}
	scores, _ = s.GetScores(id)
	if len(scores) != 1 {
		t.Errorf("expected 1 score after replace, got %d", len(scores))
	}
}

func TestSaveReportDropsStaleScores(t *testing.T) {
	s := newTestStore(t)
	id := insertTestReport(t, s, testReport("/in/a.docx", "张三"))
	if err := s.SaveScores(id, []model.GradingResult{{ID: "Q1", Score: 90, Feedback: "好"}}); err != nil {
		t.Fatalf("SaveScores: %v", err)
	}

	failed := testReport("/in/a.docx", "张三")
	failed.Status = model.StatusFailed
	if again := insertTestReport(t, s, failed); again != id {
		t.Fatalf("re-save id = %d, want %d", again, id)
	}
	scores, err := s.GetScores(id)
	if err != nil {
		t.Fatalf("GetScores: %v", err)
	}
	if len(scores) != 0 {
		t.Errorf("stale scores survived re-save: %+v", scores)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)

	run := model.Run{ID: "run-1", InputDir: "/in", OutputDir: "/out", Provider: "deepseek", Model: "deepseek-chat"}
	if err := s.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	runs, err := s.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].FinishedAt != nil {
		t.Fatalf("expected one open run, got %+v", runs)
	}

	if err := s.FinishRun("run-1", 3, 2, 1); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	runs, _ = s.ListRuns()
	want := model.Run{ID: "run-1", InputDir: "/in", OutputDir: "/out", Provider: "deepseek", Model: "deepseek-chat", Total: 3, Succeeded: 2, Failed: 1}
	if diff := cmp.Diff(want, runs[0], cmpopts.IgnoreFields(model.Run{}, "StartedAt", "FinishedAt")); diff != "" {
		t.Errorf("run mismatch (-want +got):\n%s", diff)
	}
	if runs[0].FinishedAt == nil {
		t.Error("expected finished_at to be set")
	}

	// Unknown run.
	if err := s.FinishRun("nope", 0, 0, 0); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected ErrNoRows, got %v", err)
	}
}

func TestMetadata(t *testing.T) {
	s := newTestStore(t)

	// Missing key returns empty string.
	v, err := s.GetMetadata(KeyAPITokenHash)
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if v != "" {
		t.Errorf("expected empty value, got %q", v)
	}

	if err := s.SetMetadata(KeyAPITokenHash, "abc123"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if err := s.SetMetadata(KeyAPITokenHash, "def456"); err != nil {
		t.Fatalf("SetMetadata update: %v", err)
	}
	v, _ = s.GetMetadata(KeyAPITokenHash)
	if v != "def456" {
		t.Errorf("expected 'def456', got %q", v)
	}
}

func TestExportAll(t *testing.T) {
	s := newTestStore(t)

	// Empty DB exports empty, non-nil lists.
	exp, err := s.ExportAll()
	if err != nil {
		t.Fatalf("ExportAll: %v", err)
	}
	if exp.Reports == nil || exp.Runs == nil || len(exp.Reports) != 0 {
		t.Errorf("expected empty lists, got %+v", exp)
	}

	id := insertTestReport(t, s, testReport("/in/a.docx", "张三", model.ContentItem{ID: "Q1", Requirement: "a"}))
	insertTestReport(t, s, testReport("/in/b.docx", "李四"))
	if err := s.SaveScores(id, []model.GradingResult{{ID: "Q1", Score: 75, Feedback: "ok"}}); err != nil {
		t.Fatalf("SaveScores: %v", err)
	}
	if err := s.CreateRun(model.Run{ID: "r"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	exp, err = s.ExportAll()
	if err != nil {
		t.Fatalf("ExportAll: %v", err)
	}
	if len(exp.Reports) != 2 || len(exp.Runs) != 1 {
		t.Fatalf("expected 2 reports and 1 run, got %d and %d", len(exp.Reports), len(exp.Runs))
	}
	if len(exp.Reports[0].Scores) != 1 || exp.Reports[0].Scores[0].Score != 75 {
		t.Errorf("unexpected scores: %+v", exp.Reports[0].Scores)
	}
	if exp.Reports[1].Scores == nil {
		t.Error("expected empty scores list for unscored report")
	}
	if len(exp.Reports[0].Record.Items) != 1 {
		t.Errorf("expected items in export, got %+v", exp.Reports[0].Record.Items)
	}
}
