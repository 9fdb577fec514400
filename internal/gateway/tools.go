package gateway

import (
	"context"
	"errors"
	"fmt"

	"calcgate-mcp-server/internal/browser"
	"calcgate-mcp-server/internal/catalog"
	"calcgate-mcp-server/internal/engine"
)

// Scopes the gateway enforces on tool calls.
const (
	ScopeRead    = "gateway:read"
	ScopeExecute = "gateway:execute"
)

// Tool describes the contract for gateway tool implementations. Scope names
// the OAuth scope a caller must hold; the dispatcher enforces it before
// Execute runs.
type Tool interface {
	Name() string
	Description() string
	Scope() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (*ToolResult, error)
}

// ToolResult carries a JSON-encodable payload plus an optional snapshot that
// the dispatcher emits as an image content segment ahead of the text.
type ToolResult struct {
	Payload  interface{}
	Snapshot *engine.PageSnapshot
}

// Automator is the engine surface the tools depend on.
type Automator interface {
	Inspect(ctx context.Context, identity browser.Identity, url string) (*engine.PageSnapshot, error)
	Assign(ctx context.Context, identity browser.Identity, url string, assignments []engine.FieldAssignment) (*engine.ExecutionResult, error)
	Extract(ctx context.Context, identity browser.Identity, url string) (map[string]string, error)
}

// ListAllTool returns the full target catalog grouped by category.
type ListAllTool struct {
	catalog *catalog.Catalog
}

func (t *ListAllTool) Name() string  { return "calc_list_all" }
func (t *ListAllTool) Scope() string { return ScopeRead }
func (t *ListAllTool) Description() string {
	return "Get the complete catalog of calculators in a compact format: ID, name and " +
		"medical category for each entry, grouped by category. Use for comprehensive " +
		"assessments where you need to review all available options by specialty."
}

func (t *ListAllTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
		"required":   []string{},
	}
}

func (t *ListAllTool) Execute(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
	groups, names := t.catalog.ByCategory()
	return &ToolResult{
		Payload: map[string]interface{}{
			"success":                 true,
			"total_count":             t.catalog.Len(),
			"categories":              names,
			"calculators_by_category": groups,
		},
	}, nil
}

// SearchTool searches the catalog by condition, name or slug.
type SearchTool struct {
	catalog *catalog.Catalog
}

func (t *SearchTool) Name() string  { return "calc_search" }
func (t *SearchTool) Scope() string { return ScopeRead }
func (t *SearchTool) Description() string {
	return "Search the calculator catalog by condition, symptom, specialty or name. " +
		`Example queries: "chest pain", "afib", "HEART Score". Returns matching ` +
		"calculators with IDs usable by calc_inspect and calc_execute."
}

func (t *SearchTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search term: condition, symptom, specialty or calculator name",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of results (default: 10, max: 50)",
				"default":     10,
				"minimum":     1,
				"maximum":     50,
			},
		},
		"required": []string{"query"},
	}
}

func (t *SearchTool) Execute(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
	query := getStringArg(args, "query", "")
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	limit := getIntArg(args, "limit", 10)

	results := t.catalog.Search(query, limit)
	return &ToolResult{
		Payload: map[string]interface{}{
			"success":     true,
			"count":       len(results),
			"calculators": results,
		},
	}, nil
}

// InspectTool navigates to a calculator and captures a snapshot for visual
// understanding. The image is the primary output; field hints are best-effort.
type InspectTool struct {
	catalog  *catalog.Catalog
	engine   Automator
	identity browser.Identity
}

func (t *InspectTool) Name() string  { return "calc_inspect" }
func (t *InspectTool) Scope() string { return ScopeRead }
func (t *InspectTool) Description() string {
	return "Get a JPEG screenshot and details of a specific calculator. The screenshot " +
		"shows all input fields, options and current values. Use vision to understand " +
		"the calculator structure, then map values to the EXACT text shown before " +
		"calling calc_execute."
}

func (t *InspectTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"calculator_id": map[string]interface{}{
				"type": "string",
				"description": `Calculator ID (e.g., "1752") or slug (e.g., "heart-score"). ` +
					"Get IDs from calc_search or calc_list_all results.",
			},
		},
		"required": []string{"calculator_id"},
	}
}

func (t *InspectTool) Execute(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
	id := getStringArg(args, "calculator_id", "")
	if id == "" {
		return nil, fmt.Errorf("calculator_id is required")
	}
	url := t.catalog.URLFor(id)

	snap, err := t.engine.Inspect(ctx, t.identity, url)
	if err != nil {
		return automationFailure(err, nil), nil
	}

	return &ToolResult{
		Payload: map[string]interface{}{
			"success":         true,
			"title":           snap.Title,
			"url":             snap.URL,
			"fields_detected": len(snap.Hints),
			"fields":          snap.Hints,
		},
		Snapshot: snap,
	}, nil
}

// ExecuteTool applies field values to a calculator and returns the outcome
// with a result snapshot. It is mechanical: it matches exactly what it is
// given and never interprets results.
type ExecuteTool struct {
	catalog  *catalog.Catalog
	engine   Automator
	identity browser.Identity
}

func (t *ExecuteTool) Name() string  { return "calc_execute" }
func (t *ExecuteTool) Scope() string { return ScopeExecute }
func (t *ExecuteTool) Description() string {
	return "Execute a calculator by filling inputs and clicking options. This is a " +
		"MECHANICAL tool: values must match the EXACT visible text, including case, " +
		"whitespace and typographic characters such as ≥ and en-dashes. First call " +
		"calc_inspect to SEE the calculator, then pass the mapped values here. " +
		"Returns extracted results plus a result screenshot; ALWAYS examine the " +
		"screenshot to verify execution."
}

func (t *ExecuteTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"calculator_id": map[string]interface{}{
				"type":        "string",
				"description": `Calculator ID (e.g., "1752") or slug (e.g., "heart-score")`,
			},
			"fields": map[string]interface{}{
				"type": "array",
				"description": "Field assignments. display_text must match the EXACT visible " +
					`text locating the element (e.g., "≥65", "Moderately suspicious"); ` +
					"target_value is the value to fill for inputs (clickable options ignore it).",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"display_text": map[string]interface{}{"type": "string"},
						"target_value": map[string]interface{}{"type": "string"},
					},
					"required": []string{"display_text"},
				},
			},
		},
		"required": []string{"calculator_id", "fields"},
	}
}

func (t *ExecuteTool) Execute(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
	var params struct {
		CalculatorID string                   `json:"calculator_id"`
		Fields       []engine.FieldAssignment `json:"fields"`
	}
	if err := decodeArgs(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if params.CalculatorID == "" {
		return nil, fmt.Errorf("calculator_id is required")
	}
	if len(params.Fields) == 0 {
		return nil, fmt.Errorf("fields is required")
	}

	url := t.catalog.URLFor(params.CalculatorID)
	result, err := t.engine.Assign(ctx, t.identity, url, params.Fields)
	if err != nil {
		return automationFailure(err, nil), nil
	}

	return &ToolResult{
		Payload: map[string]interface{}{
			"success":   result.Success,
			"extracted": result.Extracted,
			"unmatched": result.Unmatched,
		},
		Snapshot: result.Snapshot,
	}, nil
}

// automationFailure converts an automation error into a normal tool result.
// Page-level failures are domain outcomes the caller must see and reason
// about, not transport errors.
func automationFailure(err error, snap *engine.PageSnapshot) *ToolResult {
	payload := map[string]interface{}{
		"success": false,
		"error":   err.Error(),
	}
	var kindErr *engine.Error
	if errors.As(err, &kindErr) {
		payload["error_kind"] = string(kindErr.Kind)
	}
	return &ToolResult{Payload: payload, Snapshot: snap}
}
