// Package mcp exposes the scheduler's status surface as MCP tools over
// streamable HTTP.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

const (
	toolStatus   = "qubicsleep_status"
	toolTiers    = "qubicsleep_tiers"
	toolRun      = "qubicsleep_run"
	toolActivate = "qubicsleep_activate"
)

// Config controls MCP route behavior.
type Config struct {
	APIKey    string
	Stateless bool
	// AllowRun registers the manual invocation tool.
	AllowRun bool
	// AllowActivate registers the activation recording tool.
	AllowActivate bool
}

// Backend is what the tools can see and do.
type Backend interface {
	Status(ctx context.Context) (map[string]any, error)
	Tiers(ctx context.Context) (map[string]any, error)
	Run(ctx context.Context, rhythm string) (map[string]any, error)
	Activate(ctx context.Context, ids []string) (map[string]any, error)
}

// NewHandler builds an MCP streamable HTTP handler with optional API-key auth.
func NewHandler(cfg Config, backend Backend) (http.Handler, error) {
	if backend == nil {
		return nil, fmt.Errorf("mcp backend is required")
	}

	s := mcpserver.NewMCPServer(
		"qubicsleep-mcp",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)
	registerTools(s, backend, cfg)

	streamable := mcpserver.NewStreamableHTTPServer(s, mcpserver.WithStateLess(cfg.Stateless))
	var h http.Handler = http.HandlerFunc(streamable.ServeHTTP)

	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		h = apiKeyMiddleware(key, h)
	}
	return h, nil
}

func registerTools(s *mcpserver.MCPServer, backend Backend, cfg Config) {
	s.AddTool(mcpproto.NewTool(toolStatus,
		mcpproto.WithDescription("Report the consolidation scheduler state: running flag, circadian phase, last trigger per rhythm and cycle metrics."),
	), statusHandler(backend))

	s.AddTool(mcpproto.NewTool(toolTiers,
		mcpproto.WithDescription("Count stored memory traces per tier."),
	), tiersHandler(backend))

	if cfg.AllowActivate {
		s.AddTool(mcpproto.NewTool(toolActivate,
			mcpproto.WithDescription("Record that memory traces were recalled together just now. Co-activated traces of one category link up on the next consolidation pass."),
			mcpproto.WithString("ids", mcpproto.Required(),
				mcpproto.Description("Comma-separated trace ids.")),
		), activateHandler(backend))
	}

	if cfg.AllowRun {
		s.AddTool(mcpproto.NewTool(toolRun,
			mcpproto.WithDescription("Run one consolidation rhythm now, bypassing its circadian gate."),
			mcpproto.WithString("rhythm", mcpproto.Required(),
				mcpproto.Description("One of continuous, short_term, long_term, deep_sleep, rem_sleep, homeostasis.")),
		), runHandler(backend))
	}
}

type toolHandler = func(context.Context, mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error)

func statusHandler(backend Backend) toolHandler {
	return func(ctx context.Context, _ mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		result, err := backend.Status(ctx)
		if err != nil {
			return errResult(err.Error()), nil
		}
		return structuredResult("scheduler status", result)
	}
}

func tiersHandler(backend Backend) toolHandler {
	return func(ctx context.Context, _ mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		result, err := backend.Tiers(ctx)
		if err != nil {
			return errResult(err.Error()), nil
		}
		return structuredResult("tier counts", result)
	}
}

func runHandler(backend Backend) toolHandler {
	return func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		rhythm := strings.TrimSpace(getString(req.GetArguments(), "rhythm", ""))
		if rhythm == "" {
			return errResult("rhythm is required"), nil
		}
		result, err := backend.Run(ctx, rhythm)
		if err != nil {
			return errResult(err.Error()), nil
		}
		return structuredResult("rhythm "+rhythm+" finished", result)
	}
}

func activateHandler(backend Backend) toolHandler {
	return func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		var ids []string
		for _, id := range strings.Split(getString(req.GetArguments(), "ids", ""), ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return errResult("ids is required"), nil
		}
		result, err := backend.Activate(ctx, ids)
		if err != nil {
			return errResult(err.Error()), nil
		}
		return structuredResult(fmt.Sprintf("%d traces activated", len(ids)), result)
	}
}

func errResult(msg string) *mcpproto.CallToolResult {
	return &mcpproto.CallToolResult{
		Content: []mcpproto.Content{
			mcpproto.TextContent{Type: "text", Text: "Error: " + msg},
		},
		IsError: true,
	}
}

func structuredResult(summary string, data any) (*mcpproto.CallToolResult, error) {
	blob, err := json.Marshal(data)
	if err != nil {
		return errResult(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return &mcpproto.CallToolResult{
		Content: []mcpproto.Content{
			mcpproto.TextContent{Type: "text", Text: summary},
			mcpproto.TextContent{Type: "text", Text: string(blob)},
		},
	}, nil
}

func getString(args map[string]any, key string, def string) string {
	if args == nil {
		return def
	}
	if v, ok := args[key].(string); ok {
		return v
	}
	return def
}

func apiKeyMiddleware(expected string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		provided := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if provided == "" {
			auth := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				provided = strings.TrimSpace(auth[7:])
			}
		}

		if provided == "" || provided != expected {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
