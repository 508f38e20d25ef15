package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/labgrader/internal/config"
	"github.com/pavelanni/labgrader/internal/extract"
	"github.com/pavelanni/labgrader/internal/handler"
	appI18n "github.com/pavelanni/labgrader/internal/i18n"
	"github.com/pavelanni/labgrader/internal/llm"
	"github.com/pavelanni/labgrader/internal/model"
	"github.com/pavelanni/labgrader/internal/pipeline"
	"github.com/pavelanni/labgrader/internal/segment"
	"github.com/pavelanni/labgrader/internal/store"
	"github.com/pavelanni/labgrader/internal/validate"
	"github.com/pavelanni/labgrader/internal/writeback"
)

func parseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse",
		Short: "Extract the 18 report fields from a .docx into JSON",
		RunE:  runParse,
	}
	f := cmd.Flags()
	f.String("doc", "", "Path to the .docx report (required)")
	f.StringP("output", "o", "-", "Output JSON path (- for stdout)")
	_ = cmd.MarkFlagRequired("doc")
	addSegmentFlags(cmd)
	addLLMFlags(cmd)
	addCommonFlags(cmd)
	return cmd
}

func segmentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "segment",
		Short: "Split experiment content into items",
		RunE:  runSegment,
	}
	f := cmd.Flags()
	f.String("doc", "", "Path to a .docx report")
	f.String("json", "", "Path to a parsed record JSON")
	f.StringP("output", "o", "-", "Output JSON path (- for stdout)")
	cmd.MarkFlagsOneRequired("doc", "json")
	cmd.MarkFlagsMutuallyExclusive("doc", "json")
	addSegmentFlags(cmd)
	addLLMFlags(cmd)
	addCommonFlags(cmd)
	return cmd
}

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Grade the items of a report and print per-item scores",
		RunE:  runScore,
	}
	f := cmd.Flags()
	f.String("doc", "", "Path to a .docx report")
	f.String("json", "", "Path to a parsed record JSON")
	f.Bool("write-back", false, "Store the average in the JSON file's 成绩 field (with --json)")
	f.Bool("write-docx", false, "Write the average into the document's 成绩/日期 cells (with --doc)")
	f.String("date", "", "Write-back date (default today, YYYY.MM.DD)")
	f.Bool("json-mode", false, "Request JSON responses from the model")
	cmd.MarkFlagsOneRequired("doc", "json")
	cmd.MarkFlagsMutuallyExclusive("doc", "json")
	addSegmentFlags(cmd)
	addLLMFlags(cmd)
	addCommonFlags(cmd)
	return cmd
}

func writeDocxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "write-docx",
		Short: "Write the grade from a record JSON into a .docx",
		RunE:  runWriteDocx,
	}
	f := cmd.Flags()
	f.String("doc", "", "Path to the .docx to update in place (required)")
	f.String("json", "", "Record JSON holding 成绩 (required)")
	f.String("date", "", "Write-back date (default today, YYYY.MM.DD)")
	_ = cmd.MarkFlagRequired("doc")
	_ = cmd.MarkFlagRequired("json")
	addCommonFlags(cmd)
	return cmd
}

func addPipelineFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("date", "", "Write-back date (default today, YYYY.MM.DD)")
	f.Bool("skip-docx", false, "Do not write a graded copy of the document")
	f.Bool("json-mode", false, "Request JSON responses from the model")
	f.String("db", "labgrader.db", "SQLite database path (empty disables persistence)")
	addSegmentFlags(cmd)
	addLLMFlags(cmd)
	addCommonFlags(cmd)
}

func autoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auto",
		Short: "Parse, segment, grade and write back one report",
		RunE:  runAuto,
	}
	f := cmd.Flags()
	f.String("doc", "", "Path to the .docx report (required)")
	f.String("out-dir", "", "Output directory (default: the document's directory)")
	_ = cmd.MarkFlagRequired("doc")
	addPipelineFlags(cmd)
	return cmd
}

func autoDirCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auto-dir",
		Short: "Run auto for every .docx in a directory and write grades.csv",
		RunE:  runAutoDir,
	}
	f := cmd.Flags()
	f.String("in-dir", "", "Input directory (required)")
	f.String("out-dir", "", "Output directory (required)")
	f.BoolP("recursive", "r", false, "Descend into subdirectories")
	_ = cmd.MarkFlagRequired("in-dir")
	_ = cmd.MarkFlagRequired("out-dir")
	addPipelineFlags(cmd)
	return cmd
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check record JSON files against the interchange schema",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runValidate,
	}
	cmd.Flags().Bool("strict", false, "Treat warnings as failures")
	addCommonFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored reports, scores and runs as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "labgrader.db", "SQLite database path")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addCommonFlags(cmd)
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only review API",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "labgrader.db", "SQLite database path")
	f.String("token", "", "Set the API bearer token (stored as a bcrypt hash)")
	f.Bool("new-token", false, "Generate a new API token, print it and store its hash")
	addCommonFlags(cmd)
	return cmd
}

// modelClient resolves the provider configuration and builds a client.
func modelClient(ctx context.Context, cmd *cobra.Command, v *viper.Viper) (config.LLM, *llm.Client, error) {
	cfg, err := resolveLLM(ctx, cmd, v)
	if err != nil {
		return config.LLM{}, nil, err
	}
	return cfg, llm.New(cfg, slog.Default()), nil
}

// segmenterFor builds the segmenter, creating a model client only when the
// llm strategy needs one.
func segmenterFor(ctx context.Context, cmd *cobra.Command, v *viper.Viper) (segment.Segmenter, error) {
	if st, err := segment.ParseStrategy(v.GetString("strategy")); err != nil || st == segment.StrategyLocal {
		return newSegmenter(v, nil, "")
	}
	cfg, client, err := modelClient(ctx, cmd, v)
	if err != nil {
		return nil, err
	}
	return newSegmenter(v, client, cfg.Model)
}

func writeOutput(path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func loadRecord(v *viper.Viper) (*model.ReportRecord, error) {
	if doc := v.GetString("doc"); doc != "" {
		rec, method, err := extract.ParseFile(doc)
		if err != nil {
			return nil, err
		}
		slog.Info("parsed document", "doc", doc, "method", method)
		return rec, nil
	}
	data, err := os.ReadFile(v.GetString("json"))
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	return model.DecodeRecord(data)
}

// ensureItems segments the raw content when rec has no items and either a
// count was requested or items are required.
func ensureItems(ctx context.Context, cmd *cobra.Command, v *viper.Viper, rec *model.ReportRecord, required bool) error {
	count := v.GetInt("segment-count")
	if len(rec.Items) > 0 || (count <= 0 && !required) {
		return nil
	}
	if count <= 0 {
		count = pipeline.DefaultExpected
	}
	source := v.GetString("doc") + v.GetString("json")
	raw := rec.Value(model.FieldContent)
	if strings.TrimSpace(raw) == "" {
		status(cmd, appI18n.Td(ctx, "NoContent", map[string]any{"File": source}))
		return segment.ErrEmptyContent
	}
	seg, err := segmenterFor(ctx, cmd, v)
	if err != nil {
		return err
	}
	items, err := seg.Segment(ctx, raw, count)
	var mismatch *segment.CountMismatchError
	switch {
	case errors.As(err, &mismatch):
		status(cmd, appI18n.Td(ctx, "CountMismatch", map[string]any{
			"Expected": mismatch.Expected, "Got": mismatch.Got, "Attempts": mismatch.Attempts,
		}))
		return err
	case errors.Is(err, segment.ErrEmptyContent):
		status(cmd, appI18n.Td(ctx, "NoContent", map[string]any{"File": source}))
		return err
	case err != nil:
		return err
	}
	rec.Items = items
	status(cmd, appI18n.Tp(ctx, "SegmentOK", len(items)))
	return nil
}

func runParse(cmd *cobra.Command, _ []string) error {
	v, ctx, err := setup(cmd)
	if err != nil {
		return err
	}
	doc := v.GetString("doc")
	rec, method, err := extract.ParseFile(doc)
	if err != nil {
		status(cmd, appI18n.Td(ctx, "ParseFailed", map[string]any{"File": doc, "Error": err}))
		return err
	}
	status(cmd, appI18n.Td(ctx, "ParseOK", map[string]any{"File": filepath.Base(doc), "Method": method}))

	if err := ensureItems(ctx, cmd, v, rec, false); err != nil {
		return err
	}
	data, err := model.EncodeRecord(rec)
	if err != nil {
		return err
	}
	return writeOutput(v.GetString("output"), data)
}

func runSegment(cmd *cobra.Command, _ []string) error {
	v, ctx, err := setup(cmd)
	if err != nil {
		return err
	}
	rec, err := loadRecord(v)
	if err != nil {
		return err
	}
	rec.Items = nil
	if err := ensureItems(ctx, cmd, v, rec, true); err != nil {
		return err
	}
	data, err := model.EncodeItems(rec.Items)
	if err != nil {
		return err
	}
	return writeOutput(v.GetString("output"), append(data, '\n'))
}

func runScore(cmd *cobra.Command, _ []string) error {
	v, ctx, err := setup(cmd)
	if err != nil {
		return err
	}
	rec, err := loadRecord(v)
	if err != nil {
		return err
	}
	if err := ensureItems(ctx, cmd, v, rec, true); err != nil {
		return err
	}
	if len(rec.Items) == 0 {
		status(cmd, appI18n.Td(ctx, "NoItems", map[string]any{"File": v.GetString("doc") + v.GetString("json")}))
		return errors.New("no items to grade")
	}

	cfg, client, err := modelClient(ctx, cmd, v)
	if err != nil {
		return err
	}
	if v.GetBool("json-mode") {
		client = client.WithJSONMode()
	}
	rc, err := newReconciler(v, cfg, client)
	if err != nil {
		return err
	}
	results := rc.Score(ctx, rec.Items)
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	if err := writeOutput("-", append(data, '\n')); err != nil {
		return err
	}

	avg, ok := model.Average(results)
	if !ok {
		return nil
	}
	grade := model.FormatGrade(avg)
	status(cmd, appI18n.Td(ctx, "GradeAverage", map[string]any{"Grade": grade}))

	if path := v.GetString("json"); path != "" && v.GetBool("write-back") {
		rec.Set(model.FieldGrade, grade)
		data, err := model.EncodeRecord(rec)
		if err != nil {
			return err
		}
		if err := writeOutput(path, data); err != nil {
			return err
		}
	}
	if doc := v.GetString("doc"); doc != "" && v.GetBool("write-docx") {
		return writeDocx(ctx, cmd, doc, grade, v.GetString("date"))
	}
	return nil
}

func writeDocx(ctx context.Context, cmd *cobra.Command, doc, grade, date string) error {
	res := writeback.WriteFile(doc, grade, date, slog.Default())
	if !res.Wrote() {
		status(cmd, appI18n.Td(ctx, "WriteBackMissing", map[string]any{"File": filepath.Base(doc)}))
		return errors.New("no grade or date cell written")
	}
	status(cmd, appI18n.Td(ctx, "WriteBackOK", map[string]any{"Grade": grade, "File": filepath.Base(doc)}))
	return nil
}

func runWriteDocx(cmd *cobra.Command, _ []string) error {
	v, ctx, err := setup(cmd)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(v.GetString("json"))
	if err != nil {
		return fmt.Errorf("read record: %w", err)
	}
	rec, err := model.DecodeRecord(data)
	if err != nil {
		return err
	}
	grade := strings.TrimSpace(rec.Value(model.FieldGrade))
	if grade == "" {
		return fmt.Errorf("%s has no %s; grade the report first", v.GetString("json"), model.FieldGrade)
	}
	return writeDocx(ctx, cmd, v.GetString("doc"), grade, v.GetString("date"))
}

// newProcessor builds the pipeline shared by auto and auto-dir.
func newProcessor(ctx context.Context, cmd *cobra.Command, v *viper.Viper) (*pipeline.Processor, config.LLM, error) {
	cfg, client, err := modelClient(ctx, cmd, v)
	if err != nil {
		return nil, config.LLM{}, err
	}
	seg, err := newSegmenter(v, client, cfg.Model)
	if err != nil {
		return nil, cfg, err
	}
	grader := client
	if v.GetBool("json-mode") {
		grader = client.WithJSONMode()
	}
	rc, err := newReconciler(v, cfg, grader)
	if err != nil {
		return nil, cfg, err
	}
	db, err := openStore(v)
	if err != nil {
		return nil, cfg, err
	}
	return &pipeline.Processor{Segmenter: seg, Grader: rc, Store: db, Logger: slog.Default()}, cfg, nil
}

func pipelineOptions(v *viper.Viper) pipeline.Options {
	return pipeline.Options{
		Expected: v.GetInt("segment-count"),
		Date:     v.GetString("date"),
		SkipDocx: v.GetBool("skip-docx"),
	}
}

func runAuto(cmd *cobra.Command, _ []string) error {
	v, ctx, err := setup(cmd)
	if err != nil {
		return err
	}
	p, _, err := newProcessor(ctx, cmd, v)
	if err != nil {
		return err
	}
	if p.Store != nil {
		defer p.Store.Close()
	}

	opts := pipelineOptions(v)
	opts.OutDir = v.GetString("out-dir")
	out, err := p.Process(ctx, v.GetString("doc"), opts)
	if err != nil {
		status(cmd, appI18n.Td(ctx, "ParseFailed", map[string]any{"File": v.GetString("doc"), "Error": err}))
		return err
	}
	for _, m := range out.Messages {
		status(cmd, m)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	if err := writeOutput("-", append(data, '\n')); err != nil {
		return err
	}
	if out.Status == model.StatusFailed {
		return fmt.Errorf("%s: %s", filepath.Base(out.Doc), appI18n.T(ctx, "StatusFailed"))
	}
	return nil
}

func runAutoDir(cmd *cobra.Command, _ []string) error {
	v, ctx, err := setup(cmd)
	if err != nil {
		return err
	}
	inDir := v.GetString("in-dir")
	docs, err := pipeline.Collect(inDir, v.GetBool("recursive"))
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		status(cmd, appI18n.Td(ctx, "BatchEmpty", map[string]any{"Dir": inDir}))
		return nil
	}

	p, cfg, err := newProcessor(ctx, cmd, v)
	if err != nil {
		return err
	}
	if p.Store != nil {
		defer p.Store.Close()
	}
	b := &pipeline.Batch{
		Processor: p,
		Options:   pipelineOptions(v),
		Provider:  string(cfg.Provider),
		Model:     cfg.Model,
		Logger:    slog.Default(),
	}
	sum, err := b.Run(ctx, inDir, v.GetString("out-dir"), v.GetBool("recursive"))
	if sum != nil {
		for _, out := range sum.Outcomes {
			for _, m := range out.Messages {
				status(cmd, "["+filepath.Base(out.Doc)+"] "+m)
			}
		}
		status(cmd, appI18n.Td(ctx, "SummaryWritten", map[string]any{"Path": sum.CSVPath}))
		status(cmd, sum.Message(ctx))
		data, merr := json.MarshalIndent(sum, "", "  ")
		if merr == nil {
			_ = writeOutput("-", append(data, '\n'))
		}
	}
	return err
}

func runValidate(cmd *cobra.Command, args []string) error {
	v, ctx, err := setup(cmd)
	if err != nil {
		return err
	}
	strict := v.GetBool("strict")
	failed := 0
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		rep, err := validate.Record(data)
		if err != nil {
			status(cmd, appI18n.Td(ctx, "ValidationFailed", map[string]any{"File": path}))
			status(cmd, "  "+err.Error())
			failed++
			continue
		}
		if rep.OK() && (!strict || len(rep.Warnings) == 0) {
			status(cmd, appI18n.Td(ctx, "ValidationPassed", map[string]any{"File": path, "Items": rep.Items}))
		} else {
			status(cmd, appI18n.Td(ctx, "ValidationFailed", map[string]any{"File": path}))
			failed++
		}
		for _, e := range rep.Errors {
			status(cmd, "  error: "+e)
		}
		for _, w := range rep.Warnings {
			status(cmd, "  warning: "+w)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed validation", failed, len(args))
	}
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	v, _, err := setup(cmd)
	if err != nil {
		return err
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportAll()
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	v, _, err := setup(cmd)
	if err != nil {
		return err
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	token := v.GetString("token")
	if v.GetBool("new-token") {
		if token, err = handler.GenerateToken(); err != nil {
			return fmt.Errorf("generate token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
	}
	if token != "" {
		hash, err := handler.HashToken(token)
		if err != nil {
			return err
		}
		if err := db.SetMetadata(store.KeyAPITokenHash, hash); err != nil {
			return fmt.Errorf("store token hash: %w", err)
		}
		slog.Info("API token updated")
	} else if hash, _ := db.GetMetadata(store.KeyAPITokenHash); hash == "" {
		slog.Warn("no API token configured, the review API is open")
	}

	lang := v.GetString("lang")
	h := handler.New(db, slog.Default())
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		<-cmd.Context().Done()
		_ = srv.Shutdown(context.Background())
	}()

	slog.Info("starting server", "addr", addr, "db", v.GetString("db"), "lang", lang)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
