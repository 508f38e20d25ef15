package pipeline

import (
	"context"
	"encoding/csv"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	appI18n "github.com/pavelanni/labgrader/internal/i18n"
	"github.com/pavelanni/labgrader/internal/model"
	"github.com/pavelanni/labgrader/internal/store"
)

const (
	// CSVName and XLSXName are the summary files written to the output dir.
	CSVName  = "grades.csv"
	XLSXName = "grades.xlsx"

	lockPrefix = "~$"
	utf8BOM    = "\ufeff"
	sheetName  = "成绩汇总"
)

// Batch grades every document in a directory.
type Batch struct {
	Processor *Processor
	Options   Options
	// Provider and Model are recorded on the run row.
	Provider string
	Model    string
	Logger   *slog.Logger
}

// Summary is the result of one batch run.
type Summary struct {
	RunID     string             `json:"run_id"`
	InDir     string             `json:"in_dir"`
	OutDir    string             `json:"out_dir"`
	Total     int                `json:"total"`
	Succeeded int                `json:"succeeded"`
	Partial   int                `json:"partial"`
	Failed    int                `json:"failed"`
	CSVPath   string             `json:"csv"`
	XLSXPath  string             `json:"xlsx"`
	Rows      []model.SummaryRow `json:"rows"`
	Outcomes  []*Outcome         `json:"-"`
}

// Message renders the localized one-line summary.
func (s *Summary) Message(ctx context.Context) string {
	return appI18n.Tpd(ctx, "BatchSummary", s.Total, map[string]any{
		"Succeeded": s.Succeeded, "Partial": s.Partial, "Failed": s.Failed,
	})
}

// Collect lists the .docx files under dir in lexical order, skipping Word
// lock files.
func Collect(dir string, recursive bool) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("input dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("input dir %s is not a directory", dir)
	}

	var docs []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, lockPrefix) || !strings.EqualFold(filepath.Ext(name), ".docx") {
			return nil
		}
		docs = append(docs, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(docs)
	return docs, nil
}

// Run processes every document in inDir sequentially and writes the grade
// summary to outDir. A document that fails does not stop the run.
func (b *Batch) Run(ctx context.Context, inDir, outDir string, recursive bool) (*Summary, error) {
	log := b.Logger
	if log == nil {
		log = slog.Default()
	}
	docs, err := Collect(inDir, recursive)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	sum := &Summary{
		RunID:    uuid.NewString(),
		InDir:    inDir,
		OutDir:   outDir,
		CSVPath:  filepath.Join(outDir, CSVName),
		XLSXPath: filepath.Join(outDir, XLSXName),
		Rows:     []model.SummaryRow{},
	}
	log = log.With("run_id", sum.RunID)

	st := b.Processor.Store
	if st != nil {
		run := model.Run{ID: sum.RunID, InputDir: inDir, OutputDir: outDir, Provider: b.Provider, Model: b.Model}
		if err := st.CreateRun(run); err != nil {
			return nil, fmt.Errorf("create run: %w", err)
		}
	}
	log.Info("batch.start", "in_dir", inDir, "documents", len(docs))

	opts := b.Options
	opts.OutDir = outDir
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			log.Warn("batch.canceled", "processed", sum.Total)
			break
		}
		sum.Total++
		out, err := b.Processor.Process(ctx, doc, opts)
		if err != nil {
			log.Error("batch.document.failed", "doc", doc, "error", err)
			sum.Failed++
			if out == nil {
				continue
			}
			out.Status = model.StatusFailed
		} else {
			switch out.Status {
			case model.StatusOK:
				sum.Succeeded++
			case model.StatusPartial:
				sum.Partial++
			default:
				sum.Failed++
			}
		}
		sum.Outcomes = append(sum.Outcomes, out)
		sum.Rows = append(sum.Rows, model.SummaryFor(filepath.Base(doc), out.Record, out.Status))
	}

	if err := WriteCSV(sum.CSVPath, sum.Rows); err != nil {
		return sum, err
	}
	if err := WriteXLSX(sum.XLSXPath, sum.Rows); err != nil {
		return sum, err
	}

	if st != nil {
		if err := st.FinishRun(sum.RunID, sum.Total, sum.Succeeded+sum.Partial, sum.Failed); err != nil {
			return sum, fmt.Errorf("finish run: %w", err)
		}
		if err := st.SetMetadata(store.KeyLastRun, sum.RunID); err != nil {
			return sum, fmt.Errorf("record last run: %w", err)
		}
	}
	log.Info("batch.done", "total", sum.Total, "ok", sum.Succeeded, "partial", sum.Partial, "failed", sum.Failed)
	return sum, ctx.Err()
}

// WriteCSV writes the grade summary with a UTF-8 byte order mark so that
// spreadsheet tools detect the encoding.
func WriteCSV(path string, rows []model.SummaryRow) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(utf8BOM); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(model.SummaryHeader); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	for _, r := range rows {
		if err := w.Write(r.Columns()); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// WriteXLSX writes the grade summary as a workbook. It carries the CSV
// columns plus the source file name and the processing status.
func WriteXLSX(path string, rows []model.SummaryRow) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), sheetName); err != nil {
		return fmt.Errorf("xlsx sheet: %w", err)
	}

	headers := append([]string{"文件名"}, model.SummaryHeader...)
	headers = append(headers, "状态")
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetName, cell, h)
	}

	for r, row := range rows {
		values := append([]string{row.File}, row.Columns()...)
		values = append(values, string(row.Status))
		for c, v := range values {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			_ = f.SetCellValue(sheetName, cell, v)
		}
	}

	_ = f.SetColWidth(sheetName, "A", "A", 32) // file
	_ = f.SetColWidth(sheetName, "B", "D", 14) // name, id, class
	_ = f.SetColWidth(sheetName, "E", "F", 24) // course, experiment
	_ = f.SetColWidth(sheetName, "G", "H", 10) // grade, status

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}
