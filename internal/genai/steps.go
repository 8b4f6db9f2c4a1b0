package genai

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sitesmith/sitesmith/internal/engine"
	"github.com/sitesmith/sitesmith/pkg/models"
)

// maxFetchBytes caps how much of an analyzed page is read.
const maxFetchBytes = 128 * 1024

// Steps binds the generation client to the engine's built-in task types.
type Steps struct {
	client    *Client
	httpc     *http.Client
	deployDir string
	exportDir string
}

// NewSteps creates the built-in step set. Deploy and export artifacts are
// written under dataDir; empty uses the XDG data default.
func NewSteps(client *Client, dataDir string) *Steps {
	if dataDir == "" {
		dataDir = defaultDataDir()
	}
	return &Steps{
		client:    client,
		httpc:     &http.Client{Timeout: 30 * time.Second},
		deployDir: filepath.Join(dataDir, "deploys"),
		exportDir: filepath.Join(dataDir, "exports"),
	}
}

func defaultDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "sitesmith")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".local", "share", "sitesmith")
	}
	return filepath.Join(home, ".local", "share", "sitesmith")
}

// RegisterAll registers every built-in step function on the engine.
func (s *Steps) RegisterAll(e *engine.Engine) error {
	steps := map[models.TaskType]engine.StepFunc{
		models.TaskTypeAnalyze:   s.Analyze,
		models.TaskTypeArchitect: s.Architect,
		models.TaskTypeDesign:    s.Design,
		models.TaskTypeCode:      s.Code,
		models.TaskTypeDeploy:    s.Deploy,
		models.TaskTypeExport:    s.Export,
	}
	for taskType, fn := range steps {
		if err := e.RegisterStep(taskType, fn); err != nil {
			return err
		}
	}
	return nil
}

// Analyze fetches the source site and summarizes its structure, palette, and
// tone for downstream steps.
func (s *Steps) Analyze(ctx context.Context, task *models.Task) (*models.StepOutput, error) {
	url := task.Input.SourceURL
	if url == "" {
		return nil, engine.FatalError(engine.CodeValidation, fmt.Errorf("analyze requires a source URL"))
	}

	html, err := s.fetchPage(ctx, url)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(`Analyze this website's HTML and summarize it for a rebuild.

URL: %s

HTML (truncated):
%s

Return ONLY a JSON object with this exact structure (no other text):
{
  "url": "%s",
  "summary": "what the site is and does",
  "pages": ["/", "/about"],
  "palette": ["#112233"],
  "fonts": ["Inter"],
  "frameworks": ["react"],
  "content_tone": "formal | casual | playful"
}`, url, html, url)

	analysis := &models.SiteAnalysis{}
	u, err := s.client.generateJSON(ctx, "You are a web analyst producing structured site audits.", prompt, analysis)
	if err != nil {
		return nil, err
	}
	analysis.URL = url

	return &models.StepOutput{
		Kind:       models.OutputKindAnalysis,
		Analysis:   analysis,
		TokensUsed: u.total(),
		Cost:       u.cost(),
	}, nil
}

// Architect plans the site structure from the brief, or from the analysis
// when rebuilding an existing site.
func (s *Steps) Architect(ctx context.Context, task *models.Task) (*models.StepOutput, error) {
	if task.Input.Brief == "" && task.Input.Analysis == nil {
		return nil, engine.FatalError(engine.CodeValidation, fmt.Errorf("architect requires a brief or a site analysis"))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Plan the page structure for a website.\n\n")
	if task.Input.Brief != "" {
		fmt.Fprintf(&b, "Brief: %s\n\n", task.Input.Brief)
	}
	if task.Input.Analysis != nil {
		fmt.Fprintf(&b, "Existing site analysis:\n%s\n\n", mustJSON(task.Input.Analysis))
	}
	appendFeedback(&b, task.Input.Feedback)
	b.WriteString(`Return ONLY a JSON object with this exact structure (no other text):
{
  "site_name": "name",
  "summary": "one paragraph",
  "pages": [{"path": "/", "title": "Home", "purpose": "...", "sections": ["hero", "features"]}],
  "navigation": ["/", "/about"],
  "features": ["contact form"]
}`)

	arch := &models.Architecture{}
	u, err := s.client.generateJSON(ctx, "You are an information architect planning small business websites.", b.String(), arch)
	if err != nil {
		return nil, err
	}
	if len(arch.Pages) == 0 {
		return nil, engine.FatalError(engine.CodeValidation, fmt.Errorf("architecture has no pages"))
	}

	return &models.StepOutput{
		Kind:         models.OutputKindArchitecture,
		Architecture: arch,
		TokensUsed:   u.total(),
		Cost:         u.cost(),
	}, nil
}

// Design produces the visual language, keyed to the architecture when one
// exists and to the brief alone for design-only runs.
func (s *Steps) Design(ctx context.Context, task *models.Task) (*models.StepOutput, error) {
	if task.Input.Brief == "" && task.Input.Architecture == nil {
		return nil, engine.FatalError(engine.CodeValidation, fmt.Errorf("design requires a brief or an architecture"))
	}

	var b strings.Builder
	b.WriteString("Create a design system for a website.\n\n")
	if task.Input.Brief != "" {
		fmt.Fprintf(&b, "Brief: %s\n\n", task.Input.Brief)
	}
	if task.Input.Architecture != nil {
		fmt.Fprintf(&b, "Site architecture:\n%s\n\n", mustJSON(task.Input.Architecture))
	}
	if task.Input.Analysis != nil {
		fmt.Fprintf(&b, "Original site analysis (match its feel):\n%s\n\n", mustJSON(task.Input.Analysis))
	}
	appendFeedback(&b, task.Input.Feedback)
	b.WriteString(`Return ONLY a JSON object with this exact structure (no other text):
{
  "palette": {"primary": "#112233", "background": "#ffffff", "accent": "#ff6600"},
  "font_heading": "Inter",
  "font_body": "Inter",
  "spacing": "comfortable",
  "radius": "8px",
  "tone": "clean and modern"
}`)

	design := &models.DesignSystem{}
	u, err := s.client.generateJSON(ctx, "You are a brand designer producing concise design systems.", b.String(), design)
	if err != nil {
		return nil, err
	}

	return &models.StepOutput{
		Kind:       models.OutputKindDesign,
		Design:     design,
		TokensUsed: u.total(),
		Cost:       u.cost(),
	}, nil
}

// Code generates the source tree from the architecture and design.
func (s *Steps) Code(ctx context.Context, task *models.Task) (*models.StepOutput, error) {
	if task.Input.Architecture == nil && task.Input.Design == nil {
		return nil, fmt.Errorf("code generation: %w", engine.ErrMissingUpstream)
	}

	var b strings.Builder
	b.WriteString("Generate a complete static website as source files.\n\n")
	if task.Input.Architecture != nil {
		fmt.Fprintf(&b, "Architecture:\n%s\n\n", mustJSON(task.Input.Architecture))
	}
	if task.Input.Design != nil {
		fmt.Fprintf(&b, "Design system:\n%s\n\n", mustJSON(task.Input.Design))
	}
	if task.Input.Code != nil {
		fmt.Fprintf(&b, "Previous version (refine it, don't restart):\n%s\n\n", mustJSON(task.Input.Code))
	}
	appendFeedback(&b, task.Input.Feedback)
	b.WriteString(`Return ONLY a JSON object with this exact structure (no other text):
{
  "framework": "static",
  "entry_path": "index.html",
  "files": [{"path": "index.html", "content": "<!doctype html>..."}]
}`)

	bundle := &models.CodeBundle{}
	u, err := s.client.generateJSON(ctx, "You are a front-end engineer generating clean, accessible sites.", b.String(), bundle)
	if err != nil {
		return nil, err
	}
	if len(bundle.Files) == 0 {
		return nil, engine.FatalError(engine.CodeValidation, fmt.Errorf("code bundle has no files"))
	}

	return &models.StepOutput{
		Kind:       models.OutputKindCode,
		Code:       bundle,
		TokensUsed: u.total(),
		Cost:       u.cost(),
	}, nil
}

// Deploy publishes the code bundle to the local deploy target and reports
// where it landed.
func (s *Steps) Deploy(ctx context.Context, task *models.Task) (*models.StepOutput, error) {
	bundle := task.Input.Code
	if bundle == nil || len(bundle.Files) == 0 {
		return nil, fmt.Errorf("deploy: %w", engine.ErrMissingUpstream)
	}

	target := filepath.Join(s.deployDir, task.ID)
	for _, file := range bundle.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel, err := bundlePath(file.Path)
		if err != nil {
			return nil, err
		}
		path := filepath.Join(target, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("deploy mkdir: %w", err)
		}
		if err := os.WriteFile(path, []byte(file.Content), 0644); err != nil {
			return nil, fmt.Errorf("deploy write %s: %w", file.Path, err)
		}
	}

	entry := bundle.EntryPath
	if entry == "" {
		entry = "index.html"
	}
	return &models.StepOutput{
		Kind: models.OutputKindDeployment,
		Deployment: &models.Deployment{
			URL:        "file://" + filepath.Join(target, entry),
			Provider:   "local",
			DeployedAt: time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}

// Export packages the code bundle into a zip archive for download.
func (s *Steps) Export(ctx context.Context, task *models.Task) (*models.StepOutput, error) {
	bundle := task.Input.Code
	if bundle == nil || len(bundle.Files) == 0 {
		return nil, fmt.Errorf("export: %w", engine.ErrMissingUpstream)
	}

	if err := os.MkdirAll(s.exportDir, 0755); err != nil {
		return nil, fmt.Errorf("export mkdir: %w", err)
	}
	location := filepath.Join(s.exportDir, task.ID+".zip")
	f, err := os.Create(location)
	if err != nil {
		return nil, fmt.Errorf("export create: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, file := range bundle.Files {
		if err := ctx.Err(); err != nil {
			zw.Close()
			return nil, err
		}
		name, err := bundlePath(file.Path)
		if err != nil {
			zw.Close()
			return nil, err
		}
		w, err := zw.Create(name)
		if err != nil {
			zw.Close()
			return nil, fmt.Errorf("export add %s: %w", file.Path, err)
		}
		if _, err := w.Write([]byte(file.Content)); err != nil {
			zw.Close()
			return nil, fmt.Errorf("export write %s: %w", file.Path, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("export finalize: %w", err)
	}

	info, err := os.Stat(location)
	if err != nil {
		return nil, fmt.Errorf("export stat: %w", err)
	}
	return &models.StepOutput{
		Kind: models.OutputKindExport,
		Export: &models.ExportBundle{
			Format:    "zip",
			SizeBytes: info.Size(),
			Location:  location,
		},
	}, nil
}

// bundlePath validates a generated file path and returns its cleaned,
// slash-separated form relative to the bundle root. Absolute paths and paths
// whose cleaned form climbs out of the root are rejected: the model names
// these paths, so they are untrusted input.
func bundlePath(name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", engine.FatalError(engine.CodeValidation, fmt.Errorf("invalid bundle file path %q", name))
	}
	clean := filepath.ToSlash(filepath.Clean(filepath.FromSlash(name)))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", engine.FatalError(engine.CodeValidation, fmt.Errorf("bundle file path %q escapes the bundle root", name))
	}
	return clean, nil
}

// fetchPage downloads up to maxFetchBytes of the page. Network and
// server-side failures are transient; a page that answers 4xx is not going
// to start answering on retry.
func (s *Steps) fetchPage(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", engine.FatalError(engine.CodeValidation, fmt.Errorf("invalid source URL %q: %w", url, err))
	}

	resp, err := s.httpc.Do(req)
	if err != nil {
		return "", engine.RetryableError(engine.CodeServiceUnavailable, fmt.Errorf("fetch %s: %w", url, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", engine.RetryableError(engine.CodeServiceUnavailable, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return "", engine.FatalError(engine.CodeValidation, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", engine.RetryableError(engine.CodeServiceUnavailable, fmt.Errorf("read %s: %w", url, err))
	}
	return string(body), nil
}

// appendFeedback adds refinement feedback to a prompt.
func appendFeedback(b *strings.Builder, feedback []string) {
	if len(feedback) == 0 {
		return
	}
	b.WriteString("User feedback to incorporate:\n")
	for _, f := range feedback {
		fmt.Fprintf(b, "- %s\n", f)
	}
	b.WriteString("\n")
}

func mustJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(data)
}
