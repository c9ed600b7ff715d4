// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tokenbridge/mcp-bridge/pkg/reqctx"
)

// Content is one element of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextContent builds a text content element.
func TextContent(text string) Content {
	return Content{Type: "text", Text: text}
}

// ToolResult is what a tool handler returns.
type ToolResult struct {
	Content           []Content `json:"content"`
	StructuredContent any       `json:"structuredContent,omitempty"`
	IsError           bool      `json:"isError,omitempty"`
}

// CallMeta carries per-invocation metadata into the handler.
type CallMeta struct {
	ProgressToken any
	RequestID     string
}

// ToolCall is the handler input: validated arguments, the abort handle,
// and the ambient request context (auth snapshot included).
type ToolCall struct {
	Arguments map[string]any
	Cancel    *reqctx.CancellationToken
	Request   *reqctx.RequestContext
	Meta      CallMeta
}

// ToolHandler executes one tool invocation. Implementations must honor
// ctx and the Cancel handle around I/O.
type ToolHandler func(ctx context.Context, call ToolCall) (*ToolResult, error)

// Tool is a registered tool with its JSON-Schema contracts.
type Tool struct {
	Name         string
	Description  string
	InputSchema  map[string]any
	OutputSchema map[string]any
	Annotations  map[string]any
	Handler      ToolHandler
}

// Resource is a registered static resource.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceTemplate is a registered URI template.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PromptArgument describes one prompt parameter.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Prompt is a registered prompt.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// Registry holds the tools, resources and prompts the server exposes.
// Registration happens at startup; lookups are concurrent.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]*Tool
	resources []Resource
	templates []ResourceTemplate
	prompts   []Prompt
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// RegisterTool adds a tool. Re-registering a name replaces it.
func (r *Registry) RegisterTool(tool *Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %s has no handler", tool.Name)
	}
	r.mu.Lock()
	r.tools[tool.Name] = tool
	r.mu.Unlock()
	return nil
}

// Tool looks up a tool by name.
func (r *Registry) Tool(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Tools lists registered tools sorted by name.
func (r *Registry) Tools() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddResource registers a static resource.
func (r *Registry) AddResource(res Resource) {
	r.mu.Lock()
	r.resources = append(r.resources, res)
	r.mu.Unlock()
}

// AddResourceTemplate registers a URI template.
func (r *Registry) AddResourceTemplate(tpl ResourceTemplate) {
	r.mu.Lock()
	r.templates = append(r.templates, tpl)
	r.mu.Unlock()
}

// AddPrompt registers a prompt.
func (r *Registry) AddPrompt(p Prompt) {
	r.mu.Lock()
	r.prompts = append(r.prompts, p)
	r.mu.Unlock()
}

// Resources returns the registered resources.
func (r *Registry) Resources() []Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Resource(nil), r.resources...)
}

// ResourceTemplates returns the registered templates.
func (r *Registry) ResourceTemplates() []ResourceTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ResourceTemplate(nil), r.templates...)
}

// Prompts returns the registered prompts.
func (r *Registry) Prompts() []Prompt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Prompt(nil), r.prompts...)
}
