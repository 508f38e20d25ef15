package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/labgrader/internal/i18n"
	"github.com/pavelanni/labgrader/internal/model"
	"github.com/pavelanni/labgrader/internal/store"
)

func TestMain(m *testing.M) {
	if err := appI18n.Init("en"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	h := New(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := chi.NewRouter()
	r.Use(appI18n.Middleware("en"))
	h.Routes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, s
}

func seedReport(t *testing.T, s *store.Store) int64 {
	t.Helper()
	var rec model.ReportRecord
	rec.Set(model.FieldName, "张三")
	rec.Set(model.FieldStudentID, "20240001")
	rec.Set(model.FieldGrade, "85.0")
	rec.Items = []model.ContentItem{{ID: "Q1", Requirement: "求和"}, {ID: "Q2", Requirement: "排序"}}
	id, err := s.SaveReport(model.StoredReport{Path: "/in/a.docx", Record: rec, Status: model.StatusOK})
	if err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	if err := s.SaveScores(id, []model.GradingResult{{ID: "Q1", Score: 90, Feedback: "好"}, {ID: "Q2", Score: 80, Feedback: "可"}}); err != nil {
		t.Fatalf("SaveScores: %v", err)
	}
	return id
}

func get(t *testing.T, url, token string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func TestHealth(t *testing.T) {
	srv, s := newTestServer(t)
	seedReport(t, s)

	resp, body := get(t, srv.URL+"/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["status"] != "ok" || got["reports"] != float64(1) {
		t.Errorf("unexpected health body: %s", body)
	}
}

func TestReportEndpoints(t *testing.T) {
	srv, s := newTestServer(t)
	id := seedReport(t, s)

	t.Run("list", func(t *testing.T) {
		resp, body := get(t, srv.URL+"/api/reports", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			t.Errorf("Content-Type = %q", ct)
		}
		var list []reportListItem
		if err := json.Unmarshal(body, &list); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(list) != 1 {
			t.Fatalf("expected 1 report, got %d", len(list))
		}
		if list[0].ID != id || list[0].Name != "张三" || list[0].Grade != "85.0" || list[0].Items != 2 {
			t.Errorf("unexpected list entry: %+v", list[0])
		}
	})

	t.Run("detail", func(t *testing.T) {
		resp, body := get(t, srv.URL+"/api/reports/1", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		var rep model.StoredReport
		if err := json.Unmarshal(body, &rep); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if rep.Record.Value(model.FieldStudentID) != "20240001" || len(rep.Record.Items) != 2 {
			t.Errorf("unexpected report: %+v", rep.Record)
		}
	})

	t.Run("scores", func(t *testing.T) {
		resp, body := get(t, srv.URL+"/api/reports/1/scores", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		var got []model.GradingResult
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		want := []model.GradingResult{{ID: "Q1", Score: 90, Feedback: "好"}, {ID: "Q2", Score: 80, Feedback: "可"}}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("scores mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/api/reports/42", "/api/reports/abc", "/api/reports/42/scores"} {
		t.Run(path, func(t *testing.T) {
			resp, body := get(t, srv.URL+path, "")
			if resp.StatusCode != http.StatusNotFound {
				t.Fatalf("status = %d, want 404", resp.StatusCode)
			}
			if !strings.Contains(string(body), "Not found") {
				t.Errorf("expected localized error, got %s", body)
			}
		})
	}
}

func TestRunsAndExport(t *testing.T) {
	srv, s := newTestServer(t)

	resp, body := get(t, srv.URL+"/api/runs", "")
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("expected empty run list, got %d %s", resp.StatusCode, body)
	}

	seedReport(t, s)
	if err := s.CreateRun(model.Run{ID: "run-1", InputDir: "/in"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	resp, body = get(t, srv.URL+"/api/export", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "labgrader-export-") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	var exp model.Export
	if err := json.Unmarshal(body, &exp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(exp.Reports) != 1 || len(exp.Runs) != 1 || len(exp.Reports[0].Scores) != 2 {
		t.Errorf("unexpected export: %d reports, %d runs", len(exp.Reports), len(exp.Runs))
	}
}

func TestTokenAuth(t *testing.T) {
	srv, s := newTestServer(t)

	hash, err := bcrypt.GenerateFromPassword([]byte("secret-token"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	if err := s.SetMetadata(store.KeyAPITokenHash, string(hash)); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}

	tests := []struct {
		name   string
		path   string
		token  string
		status int
	}{
		{"health is public", "/healthz", "", http.StatusOK},
		{"missing token", "/api/reports", "", http.StatusUnauthorized},
		{"wrong token", "/api/reports", "nope", http.StatusUnauthorized},
		{"valid token", "/api/reports", "secret-token", http.StatusOK},
		{"valid token on runs", "/api/runs", "secret-token", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := get(t, srv.URL+tt.path, tt.token)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tt.status, body)
			}
			if tt.status == http.StatusUnauthorized {
				if resp.Header.Get("WWW-Authenticate") == "" {
					t.Error("expected WWW-Authenticate header")
				}
				if !strings.Contains(string(body), "Invalid or missing API token") {
					t.Errorf("unexpected body: %s", body)
				}
			}
		})
	}
}

func TestHashToken(t *testing.T) {
	tok, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if len(tok) < 40 {
		t.Errorf("token too short: %q", tok)
	}
	hash, err := HashToken(tok)
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(tok)); err != nil {
		t.Errorf("hash does not match token: %v", err)
	}
	if _, err := HashToken(""); err == nil {
		t.Error("expected error for empty token")
	}
}
