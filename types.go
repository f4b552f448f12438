package kaiwa

import (
	"encoding/json"

	"github.com/ashita-ai/kaiwa/internal/tools"
)

// Tool is a tool the model may call, registered with WithTool.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object. Properties listed in "required"
	// are collected from the user before approval when the model omits them.
	Parameters json.RawMessage
	Handler    ToolHandler
}

func (t Tool) internal() tools.Tool {
	return tools.Tool{
		Definition: tools.Definition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
			Source:      tools.SourceEmbedded,
		},
		Handler: tools.Handler(t.Handler),
	}
}
