package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"calcgate-mcp-server/internal/audit"
	"calcgate-mcp-server/internal/auth"
	"calcgate-mcp-server/internal/config"

	"github.com/mark3labs/mcp-go/mcp"
)

const protocolVersion = "2024-11-05"

// codeInsufficientScope is returned when a granted token lacks the scope a
// tool requires. Distinct from -32601 so clients can tell "no such tool"
// from "not allowed to call it".
const codeInsufficientScope = -32001

// JSONRPCRequest represents an incoming JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`

	// hasID distinguishes a null id from an absent one.
	hasID bool
}

// UnmarshalJSON tracks whether the id member was present at all, since a
// request without an id is a notification and must get no response.
func (r *JSONRPCRequest) UnmarshalJSON(data []byte) error {
	type plain JSONRPCRequest
	if err := json.Unmarshal(data, (*plain)(r)); err != nil {
		return err
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	_, r.hasID = probe["id"]
	return nil
}

// HasID reports whether the request carried an id member, even a null one.
func (r *JSONRPCRequest) HasID() bool { return r.hasID }

// HasInvalidID reports whether the id is present but not a string, number
// or null.
func (r *JSONRPCRequest) HasInvalidID() bool {
	if !r.hasID || r.ID == nil {
		return false
	}
	switch r.ID.(type) {
	case string, float64:
		return false
	default:
		return true
	}
}

// JSONRPCResponse represents an outgoing JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Dispatcher routes JSON-RPC requests to tools, enforcing scopes before any
// tool runs. Every request with an id gets exactly one response; automation
// failures travel inside successful responses.
type Dispatcher struct {
	cfg      config.Config
	tools    map[string]Tool
	order    []string
	recorder *audit.Recorder
	identity string
}

func NewDispatcher(cfg config.Config, recorder *audit.Recorder) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		tools:    make(map[string]Tool),
		recorder: recorder,
	}
}

// RegisterTool adds a tool. Registration order is the tools/list order.
func (d *Dispatcher) RegisterTool(tool Tool) {
	if _, exists := d.tools[tool.Name()]; !exists {
		d.order = append(d.order, tool.Name())
	}
	d.tools[tool.Name()] = tool
}

// Handle processes one request and returns its response, or nil for
// notifications. claims may be nil when token validation is disabled, in
// which case every scope is treated as granted.
func (d *Dispatcher) Handle(ctx context.Context, claims *auth.Claims, req JSONRPCRequest) (resp *JSONRPCResponse) {
	if req.HasInvalidID() {
		return errorResponse(nil, mcp.INVALID_REQUEST, "Invalid Request: id must be string, number or null")
	}

	// Notifications do not get responses per JSON-RPC 2.0.
	if !req.HasID() {
		return nil
	}

	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, mcp.INVALID_REQUEST, `Invalid Request: jsonrpc must be "2.0"`)
	}

	// A panicking tool must still produce exactly one response, and the
	// raw panic value must not leak to the caller.
	defer func() {
		if r := recover(); r != nil {
			log.Printf("panic handling %s: %v", req.Method, r)
			resp = errorResponse(req.ID, mcp.INTERNAL_ERROR, "Internal error")
		}
	}()

	switch req.Method {
	case "initialize":
		return d.handleInitialize(req)
	case "notifications/initialized", "ping":
		return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{}`)}
	case "tools/list":
		return d.handleToolsList(claims, req)
	case "tools/call":
		return d.handleToolsCall(ctx, claims, req)
	default:
		return errorResponse(req.ID, mcp.METHOD_NOT_FOUND, "Method not found: "+req.Method)
	}
}

func (d *Dispatcher) handleInitialize(req JSONRPCRequest) *JSONRPCResponse {
	result := map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]interface{}{
			"tools": map[string]interface{}{},
		},
		"serverInfo": map[string]interface{}{
			"name":    d.cfg.Server.Name,
			"version": d.cfg.Server.Version,
		},
	}
	return resultResponse(req.ID, result)
}

// handleToolsList advertises only the tools the caller's scopes allow, so a
// read-only client never sees calc_execute at all.
func (d *Dispatcher) handleToolsList(claims *auth.Claims, req JSONRPCRequest) *JSONRPCResponse {
	tools := make([]mcp.Tool, 0, len(d.order))
	for _, name := range d.order {
		tool := d.tools[name]
		if !scopeGranted(claims, tool.Scope()) {
			continue
		}
		schema, err := json.Marshal(tool.InputSchema())
		if err != nil {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		tools = append(tools, mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema))
	}
	return resultResponse(req.ID, mcp.ListToolsResult{Tools: tools})
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, claims *auth.Claims, req JSONRPCRequest) *JSONRPCResponse {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, mcp.INVALID_PARAMS, "Invalid params: "+err.Error())
		}
	}
	if params.Name == "" {
		return errorResponse(req.ID, mcp.INVALID_PARAMS, "Invalid params: tool name is required")
	}

	tool, ok := d.tools[params.Name]
	if !ok {
		return errorResponse(req.ID, mcp.INVALID_PARAMS, "Unknown tool: "+params.Name)
	}

	// Scope enforcement happens here, before the tool (and the browser
	// behind it) sees anything.
	if !scopeGranted(claims, tool.Scope()) {
		resp := errorResponse(req.ID, codeInsufficientScope, "Insufficient scope for tool: "+params.Name)
		resp.Error.Data = map[string]string{"required_scope": tool.Scope()}
		d.record(claims, req, tool.Name(), "denied", "missing scope "+tool.Scope(), 0)
		return resp
	}

	if params.Arguments == nil {
		params.Arguments = map[string]interface{}{}
	}

	started := time.Now()
	result, err := tool.Execute(ctx, params.Arguments)
	elapsed := time.Since(started)

	if err != nil {
		// Argument and tool-level errors become IsError results, not
		// JSON-RPC errors: the protocol exchange itself succeeded.
		d.record(claims, req, tool.Name(), "error", err.Error(), elapsed)
		return resultResponse(req.ID, &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
			IsError: true,
		})
	}

	d.record(claims, req, tool.Name(), "success", "", elapsed)
	return resultResponse(req.ID, wrapToolResult(tool.Name(), result))
}

// wrapToolResult builds the content segments: snapshot image first so vision
// clients see the page before the text payload.
func wrapToolResult(toolName string, result *ToolResult) *mcp.CallToolResult {
	var content []mcp.Content

	if result.Snapshot != nil && len(result.Snapshot.ImageBytes) > 0 {
		content = append(content, mcp.NewImageContent(
			base64.StdEncoding.EncodeToString(result.Snapshot.ImageBytes),
			result.Snapshot.MimeType,
		))
	}

	payload, err := json.MarshalIndent(result.Payload, "", "  ")
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"success":false,"error":"tool %s returned non-serializable payload"}`, toolName))
	}
	content = append(content, mcp.NewTextContent(string(payload)))

	return &mcp.CallToolResult{Content: content}
}

func (d *Dispatcher) record(claims *auth.Claims, req JSONRPCRequest, tool, outcome, detail string, elapsed time.Duration) {
	if d.recorder == nil {
		return
	}
	evt := audit.Event{
		RequestID: fmt.Sprintf("%v", req.ID),
		Tool:      tool,
		Identity:  d.identity,
		Outcome:   outcome,
		Detail:    detail,
		Duration:  elapsed.Milliseconds(),
	}
	if claims != nil {
		evt.Subject = claims.Subject
	}
	d.recorder.Record(evt)
}

// scopeGranted checks the token's scopes; a nil claims set means validation
// is disabled and everything is allowed.
func scopeGranted(claims *auth.Claims, scope string) bool {
	if claims == nil {
		return true
	}
	return claims.HasScope(scope)
}

func resultResponse(id interface{}, result interface{}) *JSONRPCResponse {
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, mcp.INTERNAL_ERROR, "Internal error: could not encode result")
	}
	return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: raw}
}

func errorResponse(id interface{}, code int, message string) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	}
}
