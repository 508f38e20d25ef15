// Package pipeline runs the full grading flow for one document or a
// directory of documents: extract, segment, grade, write outputs.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pavelanni/labgrader/internal/extract"
	appI18n "github.com/pavelanni/labgrader/internal/i18n"
	"github.com/pavelanni/labgrader/internal/model"
	"github.com/pavelanni/labgrader/internal/segment"
	"github.com/pavelanni/labgrader/internal/store"
	"github.com/pavelanni/labgrader/internal/writeback"
)

// DefaultExpected is the item count requested when content must be segmented.
const DefaultExpected = 6

// Grader scores content items. Implementations never fail; unusable
// responses become fallback results.
type Grader interface {
	Score(ctx context.Context, items []model.ContentItem) []model.GradingResult
}

// Options control one Process call.
type Options struct {
	// OutDir receives <stem>.json, <stem>.scores.json and the graded copy of
	// the document. Empty means the document's own directory.
	OutDir string
	// Expected is the segmentation item count; zero selects DefaultExpected.
	Expected int
	// Date is the write-back date; empty means today.
	Date string
	// SkipDocx disables the graded document copy.
	SkipDocx bool
}

// Outcome describes what Process did with one document.
type Outcome struct {
	Doc        string                `json:"doc"`
	DocOut     string                `json:"doc_out,omitempty"`
	JSONPath   string                `json:"json"`
	ScoresPath string                `json:"scores_json,omitempty"`
	Method     extract.Method        `json:"extracted_by"`
	Grade      string                `json:"average_score,omitempty"`
	Status     model.Status          `json:"status"`
	Degraded   int                   `json:"degraded"`
	ReportID   int64                 `json:"report_id,omitempty"`
	Messages   []string              `json:"messages"`
	Record     *model.ReportRecord   `json:"-"`
	Results    []model.GradingResult `json:"-"`
	WriteBack  writeback.Result      `json:"-"`
}

func (o *Outcome) say(msg string) { o.Messages = append(o.Messages, msg) }

// Processor wires the stages together. Store is optional.
type Processor struct {
	Segmenter segment.Segmenter
	Grader    Grader
	Store     *store.Store
	Logger    *slog.Logger
}

func (p *Processor) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Process grades the document at docPath. It returns an error only when the
// document cannot be read or an output cannot be written; content problems
// produce an Outcome with StatusFailed.
func (p *Processor) Process(ctx context.Context, docPath string, opts Options) (*Outcome, error) {
	log := p.logger().With("doc", docPath)
	name := filepath.Base(docPath)

	rec, method, err := extract.ParseFile(docPath)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	log.Info("pipeline.parsed", "method", method, "items", len(rec.Items))

	outDir := opts.OutDir
	if outDir == "" {
		outDir = filepath.Dir(docPath)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	stem := strings.TrimSuffix(name, filepath.Ext(name))

	out := &Outcome{
		Doc:      docPath,
		JSONPath: filepath.Join(outDir, stem+".json"),
		Method:   method,
		Status:   model.StatusOK,
		Record:   rec,
	}
	out.say(appI18n.Td(ctx, "ParseOK", map[string]any{"File": name, "Method": method}))

	if len(rec.Items) == 0 {
		if !p.segment(ctx, rec, opts, out, log) {
			out.Status = model.StatusFailed
			return out, p.finish(out, log)
		}
	}

	out.Results = p.Grader.Score(ctx, rec.Items)
	for _, r := range out.Results {
		if r.Degraded() {
			out.Degraded++
		}
	}
	if out.Degraded > 0 {
		out.Status = model.StatusPartial
		out.say(appI18n.Tpd(ctx, "GradeDegraded", out.Degraded, nil))
	}
	if avg, ok := model.Average(out.Results); ok {
		out.Grade = model.FormatGrade(avg)
		rec.Set(model.FieldGrade, out.Grade)
		out.say(appI18n.Td(ctx, "GradeAverage", map[string]any{"Grade": out.Grade}))
	}

	out.ScoresPath = filepath.Join(outDir, stem+".scores.json")
	if err := writeScores(out.ScoresPath, out.Results); err != nil {
		return out, err
	}

	if out.Grade != "" && !opts.SkipDocx {
		p.writeDocx(ctx, docPath, outDir, opts.Date, out, log)
	}
	return out, p.finish(out, log)
}

// segment fills rec.Items from the raw content. It reports false when the
// document has nothing gradable.
func (p *Processor) segment(ctx context.Context, rec *model.ReportRecord, opts Options, out *Outcome, log *slog.Logger) bool {
	name := filepath.Base(out.Doc)
	raw := rec.Value(model.FieldContent)
	if strings.TrimSpace(raw) == "" {
		out.say(appI18n.Td(ctx, "NoContent", map[string]any{"File": name}))
		return false
	}
	expected := opts.Expected
	if expected <= 0 {
		expected = DefaultExpected
	}

	items, err := p.Segmenter.Segment(ctx, raw, expected)
	var mismatch *segment.CountMismatchError
	switch {
	case errors.As(err, &mismatch):
		log.Warn("pipeline.segment.mismatch", "expected", mismatch.Expected, "got", mismatch.Got, "attempts", mismatch.Attempts)
		out.say(appI18n.Td(ctx, "CountMismatch", map[string]any{
			"Expected": mismatch.Expected, "Got": mismatch.Got, "Attempts": mismatch.Attempts,
		}))
		return false
	case errors.Is(err, segment.ErrEmptyContent):
		out.say(appI18n.Td(ctx, "NoContent", map[string]any{"File": name}))
		return false
	case err != nil:
		log.Error("pipeline.segment.failed", "error", err)
		out.say(err.Error())
		return false
	case len(items) == 0:
		out.say(appI18n.Td(ctx, "NoItems", map[string]any{"File": name}))
		return false
	}

	rec.Items = items
	out.say(appI18n.Tp(ctx, "SegmentOK", len(items)))
	if local, ok := p.Segmenter.(*segment.Local); ok {
		p.reportFit(ctx, local, raw, expected, out)
	}
	return true
}

// reportFit tells the user when the heuristic segmenter padded or truncated
// to reach the expected count. Padding under PadWarn marks the outcome partial.
func (p *Processor) reportFit(ctx context.Context, local *segment.Local, raw string, expected int, out *Outcome) {
	found := len(segment.Split(raw))
	data := map[string]any{"Found": found, "Expected": expected}
	switch {
	case found < expected:
		out.say(appI18n.Td(ctx, "SegmentPadded", data))
		if local.Pad == segment.PadWarn {
			out.Status = model.StatusPartial
		}
	case found > expected:
		out.say(appI18n.Td(ctx, "SegmentTruncated", data))
	}
}

func (p *Processor) writeDocx(ctx context.Context, docPath, outDir, date string, out *Outcome, log *slog.Logger) {
	target := filepath.Join(outDir, filepath.Base(docPath))
	if !samePath(docPath, target) {
		if err := copyFile(docPath, target); err != nil {
			log.Warn("pipeline.copy.failed", "target", target, "error", err)
			out.Status = model.StatusPartial
			out.say(err.Error())
			return
		}
	}
	out.DocOut = target
	out.WriteBack = writeback.WriteFile(target, out.Grade, date, log)
	if out.WriteBack.Grade {
		out.say(appI18n.Td(ctx, "WriteBackOK", map[string]any{"Grade": out.Grade, "File": filepath.Base(target)}))
		return
	}
	out.Status = model.StatusPartial
	out.say(appI18n.Td(ctx, "WriteBackMissing", map[string]any{"File": filepath.Base(target)}))
}

// finish writes the record JSON and persists the outcome.
func (p *Processor) finish(out *Outcome, log *slog.Logger) error {
	data, err := model.EncodeRecord(out.Record)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out.JSONPath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", out.JSONPath, err)
	}

	if p.Store != nil {
		path, err := filepath.Abs(out.Doc)
		if err != nil {
			path = out.Doc
		}
		id, err := p.Store.SaveReport(model.StoredReport{
			Path:        path,
			Record:      *out.Record,
			Status:      out.Status,
			ExtractedBy: string(out.Method),
		})
		if err != nil {
			return fmt.Errorf("save report: %w", err)
		}
		out.ReportID = id
		if len(out.Results) > 0 {
			if err := p.Store.SaveScores(id, out.Results); err != nil {
				return fmt.Errorf("save scores: %w", err)
			}
		}
	}

	log.Info("pipeline.done", "status", out.Status, "grade", out.Grade, "degraded", out.Degraded)
	return nil
}

func writeScores(path string, results []model.GradingResult) error {
	if results == nil {
		results = []model.GradingResult{}
	}
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("encode scores: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(f, in); err != nil {
		f.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	return f.Close()
}

func samePath(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}
