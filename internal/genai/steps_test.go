package genai

import (
	"archive/zip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sitesmith/sitesmith/internal/engine"
	"github.com/sitesmith/sitesmith/pkg/models"
)

func testSteps(t *testing.T) *Steps {
	t.Helper()
	return NewSteps(&Client{tracker: NewTokenTracker()}, t.TempDir())
}

func codeTask(files ...models.CodeFile) *models.Task {
	return &models.Task{
		ID:   "task-test-1",
		Type: models.TaskTypeDeploy,
		Input: models.StepInput{
			Code: &models.CodeBundle{
				Framework: "static",
				EntryPath: "index.html",
				Files:     files,
			},
		},
	}
}

func TestDeployWritesBundle(t *testing.T) {
	s := testSteps(t)
	task := codeTask(
		models.CodeFile{Path: "index.html", Content: "<html></html>"},
		models.CodeFile{Path: "css/site.css", Content: "body{}"},
	)

	out, err := s.Deploy(context.Background(), task)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if out.Kind != models.OutputKindDeployment || out.Deployment == nil {
		t.Fatalf("output = %+v, want deployment", out)
	}
	if !strings.HasPrefix(out.Deployment.URL, "file://") {
		t.Errorf("url = %q, want file:// prefix", out.Deployment.URL)
	}
	if out.Deployment.Provider != "local" {
		t.Errorf("provider = %q, want local", out.Deployment.Provider)
	}
}

func TestDeployRejectsEscapingPaths(t *testing.T) {
	dataDir := t.TempDir()
	s := NewSteps(&Client{tracker: NewTokenTracker()}, dataDir)

	for _, path := range []string{"../../escape.html", "/etc/escape.html", "css/../../escape.html"} {
		task := codeTask(models.CodeFile{Path: path, Content: "<html></html>"})
		_, err := s.Deploy(context.Background(), task)
		stepErr := engine.ClassifyStepError(err)
		if err == nil || stepErr.Code != engine.CodeValidation {
			t.Errorf("Deploy(%q) = %v, want fatal validation error", path, err)
		}
	}

	// Nothing may land outside the deploy tree.
	if _, err := os.Stat(filepath.Join(dataDir, "escape.html")); err == nil {
		t.Error("deploy wrote a file outside its deploy directory")
	}
}

func TestExportRejectsEscapingPaths(t *testing.T) {
	s := testSteps(t)

	task := codeTask(
		models.CodeFile{Path: "index.html", Content: "<html></html>"},
		models.CodeFile{Path: "../outside.html", Content: "<html></html>"},
	)
	_, err := s.Export(context.Background(), task)
	stepErr := engine.ClassifyStepError(err)
	if err == nil || stepErr.Code != engine.CodeValidation {
		t.Fatalf("Export = %v, want fatal validation error", err)
	}
}

func TestBundlePath(t *testing.T) {
	valid := map[string]string{
		"index.html":            "index.html",
		"css/site.css":          "css/site.css",
		"assets/./img/logo.svg": "assets/img/logo.svg",
	}
	for in, want := range valid {
		got, err := bundlePath(in)
		if err != nil {
			t.Errorf("bundlePath(%q) rejected: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("bundlePath(%q) = %q, want %q", in, got, want)
		}
	}

	invalid := []string{"", ".", "..", "../x.html", "a/../../x.html", "/abs.html"}
	for _, in := range invalid {
		if got, err := bundlePath(in); err == nil {
			t.Errorf("bundlePath(%q) = %q, want rejection", in, got)
		}
	}
}

func TestDeployRequiresCode(t *testing.T) {
	s := testSteps(t)

	_, err := s.Deploy(context.Background(), &models.Task{ID: "task-test-2"})
	if !errors.Is(err, engine.ErrMissingUpstream) {
		t.Fatalf("expected ErrMissingUpstream, got %v", err)
	}
}

func TestExportProducesZip(t *testing.T) {
	s := testSteps(t)
	task := codeTask(
		models.CodeFile{Path: "index.html", Content: "<html></html>"},
		models.CodeFile{Path: "js/app.js", Content: "console.log(1)"},
	)

	out, err := s.Export(context.Background(), task)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if out.Export == nil || out.Export.Format != "zip" {
		t.Fatalf("output = %+v, want zip export", out)
	}
	if out.Export.SizeBytes <= 0 {
		t.Errorf("size = %d, want > 0", out.Export.SizeBytes)
	}

	r, err := zip.OpenReader(out.Export.Location)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer r.Close()
	if len(r.File) != 2 {
		t.Errorf("archive files = %d, want 2", len(r.File))
	}
}

func TestExportRequiresCode(t *testing.T) {
	s := testSteps(t)

	_, err := s.Export(context.Background(), &models.Task{ID: "task-test-3"})
	if !errors.Is(err, engine.ErrMissingUpstream) {
		t.Fatalf("expected ErrMissingUpstream, got %v", err)
	}
}

func TestCodeRequiresUpstream(t *testing.T) {
	s := testSteps(t)

	_, err := s.Code(context.Background(), &models.Task{ID: "task-test-4"})
	if !errors.Is(err, engine.ErrMissingUpstream) {
		t.Fatalf("expected ErrMissingUpstream, got %v", err)
	}
}

func TestAnalyzeRequiresSourceURL(t *testing.T) {
	s := testSteps(t)

	_, err := s.Analyze(context.Background(), &models.Task{ID: "task-test-5"})
	stepErr := engine.ClassifyStepError(err)
	if stepErr.Code != engine.CodeValidation || stepErr.Retryable {
		t.Fatalf("classification = %+v, want fatal validation", stepErr)
	}
}

func TestFetchPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte("<html>hello</html>"))
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	s := testSteps(t)

	body, err := s.fetchPage(context.Background(), srv.URL+"/ok")
	if err != nil {
		t.Fatalf("fetch ok: %v", err)
	}
	if !strings.Contains(body, "hello") {
		t.Errorf("body = %q, want page content", body)
	}

	_, err = s.fetchPage(context.Background(), srv.URL+"/missing")
	if stepErr := engine.ClassifyStepError(err); stepErr.Retryable {
		t.Errorf("404 classified retryable: %+v", stepErr)
	}

	_, err = s.fetchPage(context.Background(), srv.URL+"/broken")
	if stepErr := engine.ClassifyStepError(err); !stepErr.Retryable || stepErr.Code != engine.CodeServiceUnavailable {
		t.Errorf("500 classification = %+v, want retryable service_unavailable", stepErr)
	}
}
