package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/xuri/excelize/v2"

	"github.com/pavelanni/labgrader/internal/docx/docxtest"
	"github.com/pavelanni/labgrader/internal/extract"
	"github.com/pavelanni/labgrader/internal/grading"
	appI18n "github.com/pavelanni/labgrader/internal/i18n"
	"github.com/pavelanni/labgrader/internal/llm"
	"github.com/pavelanni/labgrader/internal/model"
	"github.com/pavelanni/labgrader/internal/segment"
	"github.com/pavelanni/labgrader/internal/store"
)

func TestMain(m *testing.M) {
	if err := appI18n.Init("en"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func reportTable(name, content string) docxtest.Table {
	return docxtest.Table{
		{{Text: "计算机学院"}, {Text: "软件工程"}, {Text: "2024-2025学年第一学期"}},
		{{Text: "姓名"}, {Text: name}, {Text: "学号"}, {Text: "2021001"}},
		{{Text: "班级"}, {Text: "软工1班"}, {Text: "指导老师"}, {Text: "李老师"}},
		{{Text: "课程名称"}, {Text: "Go 程序设计"}, {Text: "周次"}, {Text: "第5周"}},
		{{Text: "实验名称"}, docxtest.Span("实验一", 3)},
		{docxtest.Span("实验内容", 4)},
		{docxtest.Span(content, 4)},
		{docxtest.Span("实验分析与体会", 4)},
		{docxtest.Span("收获很多", 4)},
		{{Text: "实验日期"}, docxtest.Span("2024.10.01", 3)},
		{{Text: "备注"}, docxtest.Span("无", 3)},
		{{Text: "成绩"}, docxtest.Span("", 3)},
		{{Text: "签名"}, docxtest.Span("李老师", 3)},
		{{Text: "日期"}, docxtest.Span("", 3)},
	}
}

const twoItems = "题目1：求和\n实验步骤：循环累加\n题目2：排序\n代码：sort.Ints(xs)"

// scoreGrader returns the given scores in order; a negative score becomes a
// fallback result.
type scoreGrader []float64

func (g scoreGrader) Score(_ context.Context, items []model.ContentItem) []model.GradingResult {
	out := make([]model.GradingResult, len(items))
	for i, it := range items {
		s := g[i%len(g)]
		if s < 0 {
			out[i] = model.GradingResult{ID: it.ID, Score: grading.FallbackScore, Feedback: grading.FallbackFeedback, Raw: "bad reply"}
			continue
		}
		out[i] = model.GradingResult{ID: it.ID, Score: s, Feedback: "ok"}
	}
	return out
}

func newProcessor(g Grader, s *store.Store) *Processor {
	return &Processor{
		Segmenter: &segment.Local{Logger: quiet},
		Grader:    g,
		Store:     s,
		Logger:    quiet,
	}
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProcess(t *testing.T) {
	ctx := appI18n.WithLang(context.Background(), "en")
	src := docxtest.WriteFile(t, t.TempDir(), "张三-实验一.docx", reportTable("张三", twoItems))
	outDir := t.TempDir()

	p := newProcessor(scoreGrader{90, 80}, nil)
	out, err := p.Process(ctx, src, Options{OutDir: outDir, Expected: 2, Date: "2024.06.30"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Status != model.StatusOK || out.Grade != "85.0" || out.Method != extract.MethodTemplate {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if !slices.Contains(out.Messages, "Average grade: 85.0") {
		t.Errorf("messages = %q", out.Messages)
	}

	// Record JSON carries the items and the grade.
	data, err := os.ReadFile(filepath.Join(outDir, "张三-实验一.json"))
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	rec, err := model.DecodeRecord(data)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if rec.Value(model.FieldGrade) != "85.0" || len(rec.Items) != 2 || rec.Items[1].Code != "sort.Ints(xs)" {
		t.Errorf("unexpected record: grade %q items %+v", rec.Value(model.FieldGrade), rec.Items)
	}

	// Scores file lists one result per item.
	data, err = os.ReadFile(out.ScoresPath)
	if err != nil {
		t.Fatalf("read scores: %v", err)
	}
	var scores []model.GradingResult
	if err := json.Unmarshal(data, &scores); err != nil {
		t.Fatalf("unmarshal scores: %v", err)
	}
	want := []model.GradingResult{{ID: "Q1", Score: 90, Feedback: "ok"}, {ID: "Q2", Score: 80, Feedback: "ok"}}
	if diff := cmp.Diff(want, scores); diff != "" {
		t.Errorf("scores mismatch (-want +got):\n%s", diff)
	}

	// The copy carries grade and date; the source is untouched.
	graded, _, err := extract.ParseFile(out.DocOut)
	if err != nil {
		t.Fatalf("ParseFile(out): %v", err)
	}
	if graded.Value(model.FieldGrade) != "85.0" || graded.Value(model.FieldSignoffDate) != "2024.06.30" {
		t.Errorf("graded copy: grade %q date %q", graded.Value(model.FieldGrade), graded.Value(model.FieldSignoffDate))
	}
	if graded.Value(model.FieldExperimentDate) != "2024.10.01" {
		t.Errorf("experiment date overwritten: %q", graded.Value(model.FieldExperimentDate))
	}
	orig, _, _ := extract.ParseFile(src)
	if orig.Value(model.FieldGrade) != "" {
		t.Errorf("source modified: grade %q", orig.Value(model.FieldGrade))
	}
}

func TestProcessStatuses(t *testing.T) {
	tests := []struct {
		name     string
		tables   []docxtest.Table
		grader   scoreGrader
		opts     Options
		status   model.Status
		grade    string
		degraded int
	}{
		{
			name:     "degraded item is partial",
			tables:   []docxtest.Table{reportTable("张三", twoItems)},
			grader:   scoreGrader{100, -1},
			opts:     Options{Expected: 2},
			status:   model.StatusPartial,
			grade:    "80.0",
			degraded: 1,
		},
		{
			name:   "padded to default count",
			tables: []docxtest.Table{reportTable("张三", twoItems)},
			grader: scoreGrader{60},
			status: model.StatusOK,
			grade:  "60.0",
		},
		{
			name:   "no content fails",
			tables: []docxtest.Table{{}, docxtest.TextTable([]string{"姓名", "王五"})},
			grader: scoreGrader{90},
			status: model.StatusFailed,
		},
		{
			name:   "strict padding fails",
			tables: []docxtest.Table{reportTable("张三", twoItems)},
			grader: scoreGrader{90},
			opts:   Options{Expected: 4},
			status: model.StatusFailed,
		},
		{
			name:   "warn padding is partial",
			tables: []docxtest.Table{reportTable("张三", twoItems)},
			grader: scoreGrader{75},
			opts:   Options{Expected: 3},
			status: model.StatusPartial,
			grade:  "75.0",
		},
		{
			name:   "no write-back target is partial",
			tables: []docxtest.Table{{}, docxtest.TextTable([]string{"姓名", "王五"}, []string{"题目1：求和", "循环"})},
			grader: scoreGrader{70},
			status: model.StatusPartial,
			grade:  "70.0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := docxtest.WriteFile(t, t.TempDir(), "r.docx", tt.tables...)
			p := newProcessor(tt.grader, nil)
			switch tt.name {
			case "strict padding fails":
				p.Segmenter = &segment.Local{Pad: segment.PadStrict, Logger: quiet}
			case "warn padding is partial":
				p.Segmenter = &segment.Local{Pad: segment.PadWarn, Logger: quiet}
			}
			tt.opts.OutDir = t.TempDir()
			out, err := p.Process(context.Background(), src, tt.opts)
			if err != nil {
				t.Fatalf("Process: %v", err)
			}
			if out.Status != tt.status || out.Grade != tt.grade || out.Degraded != tt.degraded {
				t.Errorf("got status %s grade %q degraded %d, want %s %q %d (messages %q)",
					out.Status, out.Grade, out.Degraded, tt.status, tt.grade, tt.degraded, out.Messages)
			}
			if _, err := os.Stat(out.JSONPath); err != nil {
				t.Errorf("record JSON not written: %v", err)
			}
		})
	}
}

func TestProcessUnreadable(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.docx")
	if err := os.WriteFile(bad, []byte("not a zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := newProcessor(scoreGrader{90}, nil)
	if _, err := p.Process(context.Background(), bad, Options{OutDir: dir}); err == nil {
		t.Fatal("expected error for unreadable document")
	}
}

func TestProcessWithReconcilerAndStore(t *testing.T) {
	s := newStore(t)
	src := docxtest.WriteFile(t, t.TempDir(), "r.docx", reportTable("张三", twoItems))

	reply := `[{"id":"Q1","score":70,"feedback":"一般"},{"id":"Q2","score":"90","feedback":"好"}]`
	rc := &grading.Reconciler{
		Completer: llm.CompleterFunc(func(context.Context, []llm.Message, string) (string, error) { return reply, nil }),
		Model:     "test-model",
		Logger:    quiet,
	}
	p := newProcessor(rc, s)

	out, err := p.Process(context.Background(), src, Options{OutDir: t.TempDir(), Expected: 2, SkipDocx: true})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Grade != "80.0" || out.DocOut != "" || out.ReportID == 0 {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	stored, err := s.GetReport(out.ReportID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if stored.Grade != "80.0" || stored.ExtractedBy != "template" || len(stored.Record.Items) != 2 {
		t.Errorf("unexpected stored report: %+v", stored)
	}
	scores, err := s.GetScores(out.ReportID)
	if err != nil {
		t.Fatalf("GetScores: %v", err)
	}
	if len(scores) != 2 || scores[1].Score != 90 {
		t.Errorf("unexpected stored scores: %+v", scores)
	}
}

func TestCollect(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.docx", "a.DOCX", "~$a.docx", "notes.txt", "sub/c.docx"} {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		recursive bool
		want      []string
	}{
		{false, []string{"a.DOCX", "b.docx"}},
		{true, []string{"a.DOCX", "b.docx", "sub/c.docx"}},
	}
	for _, tt := range tests {
		got, err := Collect(dir, tt.recursive)
		if err != nil {
			t.Fatalf("Collect: %v", err)
		}
		var rel []string
		for _, p := range got {
			r, _ := filepath.Rel(dir, p)
			rel = append(rel, filepath.ToSlash(r))
		}
		if diff := cmp.Diff(tt.want, rel); diff != "" {
			t.Errorf("recursive=%v (-want +got):\n%s", tt.recursive, diff)
		}
	}

	if _, err := Collect(filepath.Join(dir, "missing"), false); err == nil {
		t.Error("expected error for missing dir")
	}
}

func TestBatchRun(t *testing.T) {
	in := t.TempDir()
	docxtest.WriteFile(t, in, "a.docx", reportTable("张三", twoItems))
	docxtest.WriteFile(t, in, "b.docx", reportTable("李四", twoItems))
	if err := os.WriteFile(filepath.Join(in, "bad.docx"), []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(in, "~$a.docx"), []byte("lock"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "graded")
	s := newStore(t)

	b := &Batch{
		Processor: newProcessor(scoreGrader{80, 90}, s),
		Options:   Options{Expected: 2},
		Provider:  "deepseek",
		Model:     "deepseek-chat",
		Logger:    quiet,
	}
	sum, err := b.Run(context.Background(), in, out, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Total != 3 || sum.Succeeded != 2 || sum.Failed != 1 || len(sum.Rows) != 2 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	ctx := appI18n.WithLang(context.Background(), "en")
	if msg := sum.Message(ctx); msg != "Processed 3 reports: 2 ok, 0 partial, 1 failed" {
		t.Errorf("Message = %q", msg)
	}

	csvData, err := os.ReadFile(sum.CSVPath)
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if !bytes.HasPrefix(csvData, []byte("\xef\xbb\xbf姓名,学号,班级,课程名称,实验名称,成绩\n")) {
		t.Errorf("csv header: %q", csvData[:min(len(csvData), 60)])
	}
	if !strings.Contains(string(csvData), "张三,2021001,软工1班,Go 程序设计,实验一,85.0") {
		t.Errorf("csv rows: %s", csvData)
	}

	f, err := excelize.OpenFile(sum.XLSXPath)
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(sheetName)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 3 || rows[0][0] != "文件名" || rows[1][0] != "a.docx" || rows[2][7] != "ok" {
		t.Errorf("unexpected workbook rows: %q", rows)
	}

	runs, err := s.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != sum.RunID || runs[0].Total != 3 || runs[0].Failed != 1 || runs[0].FinishedAt == nil {
		t.Errorf("unexpected runs: %+v", runs)
	}
	last, _ := s.GetMetadata(store.KeyLastRun)
	if last != sum.RunID {
		t.Errorf("last run = %q, want %q", last, sum.RunID)
	}
	if n, _ := s.ReportCount(); n != 2 {
		t.Errorf("stored reports = %d, want 2", n)
	}
}

func TestBatchCanceled(t *testing.T) {
	in := t.TempDir()
	docxtest.WriteFile(t, in, "a.docx", reportTable("张三", twoItems))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := &Batch{Processor: newProcessor(scoreGrader{80}, nil), Logger: quiet}
	sum, err := b.Run(ctx, in, t.TempDir(), false)
	if err == nil {
		t.Fatal("expected context error")
	}
	if sum == nil || sum.Total != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if _, err := os.Stat(sum.CSVPath); err != nil {
		t.Errorf("summary not written: %v", err)
	}
}
