package anthropic

import (
	anthropic "github.com/anthropics/anthropic-sdk-go"
)

// extractToolName is the single tool the extraction call is forced to use,
// so the response's structured-output shape is guaranteed by the API
// contract rather than parsed out of free text (§4.7).
const extractToolName = "record_work_order_extraction"

var extractToolDescription = "Record the structured analysis of a single medical equipment work order notification."

var extractToolProperties = map[string]any{
	"keywords": map[string]any{
		"type":        "array",
		"items":       map[string]any{"type": "string"},
		"description": "Salient keywords drawn from the notification text.",
	},
	"primary_symptom": map[string]any{"type": "string"},
	"root_cause":      map[string]any{"type": "string"},
	"summary":         map[string]any{"type": "string"},
	"solution":        map[string]any{"type": "string"},
	"solution_type": map[string]any{
		"type": "string",
		"enum": []string{"repair", "replace", "software_update", "calibration", "no_action", "escalated"},
	},
	"components": map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "string"},
	},
	"processes": map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "string"},
	},
	"main_component": map[string]any{"type": "string"},
	"main_process":   map[string]any{"type": "string"},
	"confidence": map[string]any{
		"type":        "number",
		"description": "Confidence in this extraction, between 0 and 1 inclusive.",
	},
}

var extractToolRequired = []string{
	"primary_symptom", "root_cause", "summary", "solution", "solution_type", "confidence",
}

func extractTool() anthropic.ToolUnionParam {
	tool := anthropic.ToolParam{
		Name:        extractToolName,
		Description: anthropic.Opt(extractToolDescription),
		InputSchema: anthropic.ToolInputSchemaParam{
			Type:       "object",
			Properties: extractToolProperties,
			Required:   extractToolRequired,
		},
	}
	return anthropic.ToolUnionParam{OfTool: &tool}
}

// extractionWire is the raw JSON shape produced by the tool_use block,
// before domain-level validation and type conversion.
type extractionWire struct {
	Keywords       []string `json:"keywords"`
	PrimarySymptom string   `json:"primary_symptom"`
	RootCause      string   `json:"root_cause"`
	Summary        string   `json:"summary"`
	Solution       string   `json:"solution"`
	SolutionType   string   `json:"solution_type"`
	Components     []string `json:"components"`
	Processes      []string `json:"processes"`
	MainComponent  string   `json:"main_component"`
	MainProcess    string   `json:"main_process"`
	Confidence     float64  `json:"confidence"`
}

// validate reports the first structural defect in w, matching spec §4.7's
// "responses failing JSON validation are retried ... then quarantined."
func (w extractionWire) validate() error {
	switch {
	case w.PrimarySymptom == "":
		return errInvalidExtraction("primary_symptom is empty")
	case w.RootCause == "":
		return errInvalidExtraction("root_cause is empty")
	case w.Summary == "":
		return errInvalidExtraction("summary is empty")
	case w.Solution == "":
		return errInvalidExtraction("solution is empty")
	case w.SolutionType == "":
		return errInvalidExtraction("solution_type is empty")
	case w.Confidence < 0 || w.Confidence > 1:
		return errInvalidExtraction("confidence out of [0,1] range")
	}
	return nil
}

type errInvalidExtraction string

func (e errInvalidExtraction) Error() string { return "invalid extraction: " + string(e) }
