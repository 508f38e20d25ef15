package store

import (
	"fmt"
	"time"

	"github.com/pavelanni/labgrader/internal/model"
)

// ExportAll builds an export of every report with its scores and every run.
func (s *Store) ExportAll() (model.Export, error) {
	out := model.Export{ExportedAt: time.Now().UTC()}

	reports, err := s.ListReports()
	if err != nil {
		return out, fmt.Errorf("list reports: %w", err)
	}
	out.Reports = make([]model.ReportExport, 0, len(reports))
	for _, r := range reports {
		scores, err := s.GetScores(r.ID)
		if err != nil {
			return out, fmt.Errorf("get scores for report %d: %w", r.ID, err)
		}
		if scores == nil {
			scores = []model.GradingResult{}
		}
		out.Reports = append(out.Reports, model.ReportExport{StoredReport: r, Scores: scores})
	}

	runs, err := s.ListRuns()
	if err != nil {
		return out, fmt.Errorf("list runs: %w", err)
	}
	if runs == nil {
		runs = []model.Run{}
	}
	out.Runs = runs
	return out, nil
}
