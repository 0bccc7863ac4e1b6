package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/datedocs/internal/bucket"
	"github.com/kalambet/datedocs/internal/generate"
	"github.com/kalambet/datedocs/internal/orchestrator"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Generation Generation
}

// NewMCPServer creates an MCP server with the generation tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"datedocs",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("datedocs keeps one derived document per calendar date of published content."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("generation_progress",
			mcp.WithDescription("Report the state of the current or most recent generation batch."),
		),
		mcpProgress(deps),
	)

	s.AddTool(
		mcp.NewTool("run_incremental",
			mcp.WithDescription("Detect missing and stale date documents and regenerate them."),
		),
		mcpRun(deps, orchestrator.ModeIncremental),
	)

	s.AddTool(
		mcp.NewTool("run_full",
			mcp.WithDescription("Regenerate the document of every date that has eligible content."),
		),
		mcpRun(deps, orchestrator.ModeFull),
	)

	s.AddTool(
		mcp.NewTool("cancel_generation",
			mcp.WithDescription("Stop the running batch and cancel its pending jobs."),
		),
		mcpCancel(deps),
	)

	s.AddTool(
		mcp.NewTool("generate_bucket",
			mcp.WithDescription("Generate the document of one date."),
			mcp.WithString("key", mcp.Description("Date in YYYY-MM-DD form"), mcp.Required()),
			mcp.WithBoolean("force", mcp.Description("Overwrite an existing document (default false)")),
		),
		mcpGenerateBucket(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"datedocs://progress",
			"Generation Progress",
			mcp.WithResourceDescription("Progress of the current generation batch as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceProgress(deps),
	)

	return s
}

func mcpProgress(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		p, err := deps.Generation.Progress(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("reading progress failed: %v", err)), nil
		}
		return mcpJSON(p)
	}
}

func mcpRun(deps MCPDeps, mode orchestrator.Mode) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var (
			report orchestrator.RunReport
			err    error
		)
		if mode == orchestrator.ModeFull {
			report, err = deps.Generation.RunFull(ctx)
		} else {
			report, err = deps.Generation.RunIncremental(ctx)
		}
		if errors.Is(err, orchestrator.ErrGenerationInProgress) {
			return mcpError("a generation batch is already running; check generation_progress or cancel_generation"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("%s run failed: %v", mode, err)), nil
		}
		return mcpJSON(report)
	}
}

func mcpCancel(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		n, err := deps.Generation.Cancel(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("cancel failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Cancelled %d pending jobs", n)), nil
	}
}

func mcpGenerateBucket(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}
		key, err := bucket.Parse(raw)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		force := req.GetBool("force", false)

		res, err := deps.Generation.GenerateBucket(ctx, key, force)
		if errors.Is(err, generate.ErrDocumentExists) {
			return mcpError(fmt.Sprintf("document for %s already exists; pass force=true to overwrite", key)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("generating %s failed: %v", key, err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpResourceProgress(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		p, err := deps.Generation.Progress(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read progress: %w", err)
		}

		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal progress: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
