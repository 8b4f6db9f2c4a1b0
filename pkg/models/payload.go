package models

// StepInput is the payload handed to a step function. The engine treats it
// as opaque; each step type reads the fields it needs. Upstream outputs are
// threaded in by the coordinator as steps complete.
type StepInput struct {
	// Brief is the natural-language description driving generation.
	Brief string `json:"brief,omitempty"`
	// SourceURL is the site to analyze for clone workflows.
	SourceURL string `json:"source_url,omitempty"`
	// Feedback carries refinement feedback merged into re-run steps.
	Feedback []string `json:"feedback,omitempty"`
	// Options toggles optional workflow steps.
	Options WorkflowOptions `json:"options,omitempty"`

	// Upstream outputs, populated by the coordinator before dispatch.
	Analysis     *SiteAnalysis `json:"analysis,omitempty"`
	Architecture *Architecture `json:"architecture,omitempty"`
	Design       *DesignSystem `json:"design,omitempty"`
	Code         *CodeBundle   `json:"code,omitempty"`
}

// WorkflowOptions controls which optional steps a workflow template includes.
type WorkflowOptions struct {
	// SkipDesign omits the design step at construction time.
	SkipDesign bool `json:"skip_design,omitempty"`
	// SkipCode omits the code step at construction time.
	SkipCode bool `json:"skip_code,omitempty"`
	// Deploy appends a deploy step after code generation.
	Deploy bool `json:"deploy,omitempty"`
	// Export appends an export step after code generation.
	Export bool `json:"export,omitempty"`
}

// OutputKind tags the variant carried by a StepOutput.
type OutputKind string

const (
	OutputKindAnalysis     OutputKind = "analysis"
	OutputKindArchitecture OutputKind = "architecture"
	OutputKindDesign       OutputKind = "design"
	OutputKindCode         OutputKind = "code"
	OutputKindDeployment   OutputKind = "deployment"
	OutputKindExport       OutputKind = "export"
)

// StepOutput is the tagged union produced by step functions. Exactly one
// variant field is set, matching Kind.
type StepOutput struct {
	Kind OutputKind `json:"kind"`

	Analysis     *SiteAnalysis `json:"analysis,omitempty"`
	Architecture *Architecture `json:"architecture,omitempty"`
	Design       *DesignSystem `json:"design,omitempty"`
	Code         *CodeBundle   `json:"code,omitempty"`
	Deployment   *Deployment   `json:"deployment,omitempty"`
	Export       *ExportBundle `json:"export,omitempty"`

	// TokensUsed and Cost are usage figures from the generation call,
	// consumed opaquely by the engine.
	TokensUsed int64   `json:"tokens_used,omitempty"`
	Cost       float64 `json:"cost,omitempty"`
}

// SiteAnalysis describes an existing site examined by the analyze step.
type SiteAnalysis struct {
	URL         string   `json:"url"`
	Summary     string   `json:"summary"`
	Pages       []string `json:"pages,omitempty"`
	Palette     []string `json:"palette,omitempty"`
	Fonts       []string `json:"fonts,omitempty"`
	Frameworks  []string `json:"frameworks,omitempty"`
	ContentTone string   `json:"content_tone,omitempty"`
}

// PageSpec describes one page in an architecture.
type PageSpec struct {
	Path     string   `json:"path"`
	Title    string   `json:"title"`
	Purpose  string   `json:"purpose,omitempty"`
	Sections []string `json:"sections,omitempty"`
}

// Architecture is the site structure produced by the architect step.
type Architecture struct {
	SiteName   string     `json:"site_name"`
	Summary    string     `json:"summary,omitempty"`
	Pages      []PageSpec `json:"pages"`
	Navigation []string   `json:"navigation,omitempty"`
	Features   []string   `json:"features,omitempty"`
}

// DesignSystem is the visual language produced by the design step.
type DesignSystem struct {
	Palette     map[string]string `json:"palette"`
	FontHeading string            `json:"font_heading,omitempty"`
	FontBody    string            `json:"font_body,omitempty"`
	Spacing     string            `json:"spacing,omitempty"`
	Radius      string            `json:"radius,omitempty"`
	Tone        string            `json:"tone,omitempty"`
}

// CodeFile is a single generated source file.
type CodeFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// CodeBundle is the source tree produced by the code step.
type CodeBundle struct {
	Framework string     `json:"framework,omitempty"`
	Files     []CodeFile `json:"files"`
	EntryPath string     `json:"entry_path,omitempty"`
}

// Deployment records the result of publishing a code bundle.
type Deployment struct {
	URL        string `json:"url"`
	Provider   string `json:"provider,omitempty"`
	DeployedAt string `json:"deployed_at,omitempty"`
}

// ExportBundle records a packaged download of generated code.
type ExportBundle struct {
	Format    string `json:"format"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	Location  string `json:"location,omitempty"`
}

// Suggestion is a follow-up action derived from a completed workflow's output.
type Suggestion struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}
