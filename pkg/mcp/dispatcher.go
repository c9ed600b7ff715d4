// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/tokenbridge/mcp-bridge/pkg/logger"
	"github.com/tokenbridge/mcp-bridge/pkg/reqctx"
	"github.com/tokenbridge/mcp-bridge/pkg/sessions"
	"github.com/tokenbridge/mcp-bridge/pkg/telemetry"
)

// SupportedProtocolVersions are accepted at initialize, newest first.
var SupportedProtocolVersions = []string{
	"2025-11-25", "2025-06-18", "2025-03-26", "2024-11-05", "2024-10-07",
}

// LatestProtocolVersion is the negotiation fallback for unknown offers.
const LatestProtocolVersion = "2025-06-18"

// cancelledMessage is the canonical cancellation error text.
const cancelledMessage = "Request was cancelled"

var validLogLevels = []string{
	"debug", "info", "notice", "warning", "error", "critical", "alert", "emergency",
}

// ServerInfo identifies this server at initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Dispatcher routes JSON-RPC messages to handlers. It owns the
// cancellation handles of in-flight tool calls via the request-context
// registry.
type Dispatcher struct {
	registry *Registry
	contexts *reqctx.Registry
	sessions sessions.Store

	serverInfo   ServerInfo
	instructions string
}

// NewDispatcher wires a dispatcher. sessions may be nil for transports
// without session state (the initialized flag is then dropped).
func NewDispatcher(
	registry *Registry, contexts *reqctx.Registry, sessionStore sessions.Store,
	info ServerInfo, instructions string,
) *Dispatcher {
	return &Dispatcher{
		registry:     registry,
		contexts:     contexts,
		sessions:     sessionStore,
		serverInfo:   info,
		instructions: instructions,
	}
}

// Registry exposes the tool registry, for startup registration.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch handles one message. Notifications return nil: the transport
// acknowledges them with HTTP 202.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, req *Request) *Response {
	if req.JSONRPC != "2.0" || req.Method == "" {
		return NewError(req.ID, CodeInvalidRequest, "Invalid Request")
	}

	telemetry.RequestsDispatched.WithLabelValues(req.Method).Inc()

	if req.IsNotification() {
		d.handleNotification(ctx, sessionID, req)
		return nil
	}

	switch req.Method {
	case "initialize":
		return d.handleInitialize(ctx, sessionID, req)
	case "ping":
		return NewResult(req.ID, map[string]any{})
	case "tools/list":
		return d.handleToolsList(req)
	case "tools/call":
		return d.handleToolsCall(ctx, sessionID, req)
	case "resources/list":
		return d.handleResourcesList(req)
	case "resources/templates/list":
		return d.handleResourceTemplatesList(req)
	case "prompts/list":
		return d.handlePromptsList(req)
	case "logging/setLevel":
		return d.handleSetLevel(req)
	default:
		return NewError(req.ID, CodeMethodNotFound,
			fmt.Sprintf("Method not found: %s", req.Method))
	}
}

func (d *Dispatcher) handleNotification(ctx context.Context, sessionID string, req *Request) {
	switch req.Method {
	case "notifications/initialized":
		d.markInitialized(ctx, sessionID)
	case "notifications/cancelled":
		d.handleCancelled(req)
	default:
		logger.Debugw("ignoring notification", "method", req.Method)
	}
}

func (d *Dispatcher) markInitialized(ctx context.Context, sessionID string) {
	if d.sessions == nil || sessionID == "" {
		return
	}
	initialized := true
	if _, err := d.sessions.Update(ctx, sessionID, sessions.Patch{Initialized: &initialized}); err != nil {
		logger.Debugw("could not mark session initialized",
			"session_id", sessionID, "error", err.Error())
	}
}

func (d *Dispatcher) handleCancelled(req *Request) {
	var params struct {
		RequestID json.RawMessage `json:"requestId"`
		Reason    string          `json:"reason"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params.RequestID) == 0 {
		logger.Debugw("malformed cancellation notification")
		return
	}
	requestID := NormalizeID(params.RequestID)
	if d.contexts.CancelRequest(requestID, params.Reason) {
		telemetry.RequestsCancelled.Inc()
		logger.Debugw("cancelled in-flight request",
			"request_id", requestID, "reason", params.Reason)
		return
	}
	// Unknown ids are accepted silently: the request may have finished.
	logger.Debugw("cancellation for unknown request", "request_id", requestID)
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
	Capabilities map[string]any `json:"capabilities"`
}

func (d *Dispatcher) handleInitialize(ctx context.Context, sessionID string, req *Request) *Response {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return NewError(req.ID, CodeInvalidParams, "invalid initialize params")
		}
	}

	version := params.ProtocolVersion
	if !slices.Contains(SupportedProtocolVersions, version) {
		logger.Debugw("negotiating protocol version down",
			"offered", version, "negotiated", LatestProtocolVersion)
		version = LatestProtocolVersion
	}

	if d.sessions != nil && sessionID != "" {
		if _, err := d.sessions.Update(ctx, sessionID, sessions.Patch{ProtocolVersion: &version}); err != nil {
			logger.Debugw("could not record protocol version",
				"session_id", sessionID, "error", err.Error())
		}
	}

	logger.Infow("session initialized",
		"session_id", sessionID,
		"client", params.ClientInfo.Name,
		"protocol_version", version)

	return NewResult(req.ID, map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"logging":   map[string]any{},
			"prompts":   map[string]any{"listChanged": true},
			"resources": map[string]any{"listChanged": true, "subscribe": true},
			"tools":     map[string]any{"listChanged": true},
		},
		"serverInfo":   d.serverInfo,
		"instructions": d.instructions,
	})
}

func (d *Dispatcher) handleToolsList(req *Request) *Response {
	tools := d.registry.Tools()
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		entry := map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"inputSchema": t.InputSchema,
		}
		if t.OutputSchema != nil {
			entry["outputSchema"] = t.OutputSchema
		}
		if t.Annotations != nil {
			entry["annotations"] = t.Annotations
		}
		out = append(out, entry)
	}
	return NewResult(req.ID, map[string]any{"tools": out})
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Meta      struct {
		ProgressToken any `json:"progressToken"`
	} `json:"_meta"`
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, sessionID string, req *Request) *Response {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return NewError(req.ID, CodeInvalidParams, "tool name is required")
	}

	tool, ok := d.registry.Tool(params.Name)
	if !ok {
		return NewError(req.ID, CodeInvalidParams,
			fmt.Sprintf("Unknown tool: %s", params.Name))
	}

	requestID := req.RequestID()

	// Reuse the facade-seeded context when present so an out-of-band
	// cancel targets the same handle; otherwise install a fresh one.
	rc := reqctx.FromContext(ctx)
	if rc == nil || rc.RequestID != requestID {
		rc = d.contexts.Create(requestID, sessionID, reqctx.AuthSnapshot{})
		ctx = reqctx.WithContext(ctx, rc)
	}
	defer d.contexts.Delete(requestID)

	if err := validateToolInput(tool, params.Arguments); err != nil {
		return NewResult(req.ID, &ToolResult{
			Content: []Content{TextContent("Invalid input: " + err.Error())},
			IsError: true,
		})
	}

	result, err := d.invokeTool(ctx, tool, ToolCall{
		Arguments: params.Arguments,
		Cancel:    rc.Cancel,
		Request:   rc,
		Meta:      CallMeta{ProgressToken: params.Meta.ProgressToken, RequestID: requestID},
	})
	if err != nil {
		var cerr *reqctx.CancelledError
		if errors.As(err, &cerr) {
			return NewError(req.ID, CodeInternalError, cancelledMessage)
		}
		logger.Errorw("tool invocation failed", "tool", tool.Name, "error", err.Error())
		return NewError(req.ID, CodeInternalError, "Internal error")
	}

	if tool.OutputSchema != nil && result.StructuredContent == nil && !result.IsError {
		return NewResult(req.ID, &ToolResult{
			Content: []Content{TextContent(
				fmt.Sprintf("Tool %s declares an output schema but returned no structured content", tool.Name))},
			IsError: true,
		})
	}
	return NewResult(req.ID, result)
}

// invokeTool runs the handler, racing it against the cancellation handle.
// A handler that finishes before the cancel is observed wins.
func (d *Dispatcher) invokeTool(ctx context.Context, tool *Tool, call ToolCall) (*ToolResult, error) {
	if err := call.Cancel.Err(); err != nil {
		return nil, err
	}

	handlerCtx, stop := context.WithCancel(ctx)
	defer stop()
	call.Cancel.OnCancelled(func(string) { stop() })

	type outcome struct {
		result *ToolResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := tool.Handler(handlerCtx, call)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		// Completed work stands even if a cancel raced in late, but a
		// handler failing because its ctx was torn down reports the
		// canonical cancellation error.
		if out.err != nil && call.Cancel.IsCancelled() {
			return nil, call.Cancel.Err()
		}
		return out.result, out.err
	case <-call.Cancel.Done():
		// Give a simultaneously finishing handler the benefit of the
		// doubt before reporting cancellation.
		select {
		case out := <-done:
			if out.err == nil {
				return out.result, nil
			}
		default:
		}
		return nil, call.Cancel.Err()
	}
}

// validateToolInput checks the arguments against the declared schema.
func validateToolInput(tool *Tool, args map[string]any) error {
	if tool.InputSchema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(tool.InputSchema),
		gojsonschema.NewGoLoader(args),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}
	return nil
}

type listParams struct {
	Cursor string `json:"cursor"`
}

func decodeListParams(req *Request) (listParams, *Response) {
	var params listParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return params, NewError(req.ID, CodeInvalidParams, "invalid params")
		}
	}
	return params, nil
}

func (d *Dispatcher) handleResourcesList(req *Request) *Response {
	params, errResp := decodeListParams(req)
	if errResp != nil {
		return errResp
	}
	page, next, err := paginate(d.registry.Resources(), params.Cursor, ResourcesPageSize)
	if err != nil {
		return NewError(req.ID, CodeInvalidParams, err.Error())
	}
	result := map[string]any{"resources": page}
	if next != "" {
		result["nextCursor"] = next
	}
	return NewResult(req.ID, result)
}

func (d *Dispatcher) handleResourceTemplatesList(req *Request) *Response {
	params, errResp := decodeListParams(req)
	if errResp != nil {
		return errResp
	}
	page, next, err := paginate(d.registry.ResourceTemplates(), params.Cursor, ResourceTemplatesPageSize)
	if err != nil {
		return NewError(req.ID, CodeInvalidParams, err.Error())
	}
	result := map[string]any{"resourceTemplates": page}
	if next != "" {
		result["nextCursor"] = next
	}
	return NewResult(req.ID, result)
}

func (d *Dispatcher) handlePromptsList(req *Request) *Response {
	params, errResp := decodeListParams(req)
	if errResp != nil {
		return errResp
	}
	page, next, err := paginate(d.registry.Prompts(), params.Cursor, PromptsPageSize)
	if err != nil {
		return NewError(req.ID, CodeInvalidParams, err.Error())
	}
	result := map[string]any{"prompts": page}
	if next != "" {
		result["nextCursor"] = next
	}
	return NewResult(req.ID, result)
}

func (d *Dispatcher) handleSetLevel(req *Request) *Response {
	var params struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil ||
		!slices.Contains(validLogLevels, params.Level) {
		return NewError(req.ID, CodeInvalidParams, "invalid logging level")
	}
	logger.Infow("log level change requested", "level", params.Level)
	return NewResult(req.ID, map[string]any{})
}
