package engine

import (
	"github.com/sitesmith/sitesmith/pkg/models"
)

// deriveSuggestions inspects a finished workflow's output and proposes
// follow-up actions. Pure derivation: no generation call is made and the
// workflow record is read, never written.
func deriveSuggestions(wf *models.Workflow) []models.Suggestion {
	var suggestions []models.Suggestion

	if wf.Output.Code != nil {
		if wf.Output.Deployment == nil {
			suggestions = append(suggestions, models.Suggestion{
				Type:        "deploy",
				Title:       "Deploy your site",
				Description: "Publish the generated code to a live URL.",
			})
		}
		if wf.Output.Export == nil {
			suggestions = append(suggestions, models.Suggestion{
				Type:        "export",
				Title:       "Export the code",
				Description: "Download the generated source as a bundle.",
			})
		}
	}

	if wf.Output.Architecture != nil && wf.Output.Design == nil {
		suggestions = append(suggestions, models.Suggestion{
			Type:        "design",
			Title:       "Generate a design system",
			Description: "Create a visual language for the planned pages.",
		})
	}
	if (wf.Output.Architecture != nil || wf.Output.Design != nil) && wf.Output.Code == nil {
		suggestions = append(suggestions, models.Suggestion{
			Type:        "code",
			Title:       "Generate the code",
			Description: "Turn the architecture and design into a working site.",
		})
	}

	if wf.Output.Code != nil || wf.Output.Design != nil {
		suggestions = append(suggestions, models.Suggestion{
			Type:        "refine",
			Title:       "Refine the result",
			Description: "Describe what to change and run another iteration.",
		})
	}

	return suggestions
}
