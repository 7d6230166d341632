package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/BustosAndrew/calhacks10/internal/nutrition"
	"github.com/BustosAndrew/calhacks10/internal/storage"
	"github.com/BustosAndrew/calhacks10/internal/tools"
)

const ledgerURIPrefix, ledgerURISuffix = "ledger://", "/today"

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store      *storage.Store
	Dispatcher *tools.Dispatcher
	Location   *time.Location   // defaults to time.Local
	Now        func() time.Time // defaults to time.Now
}

func (d MCPDeps) today() time.Time {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	loc := d.Location
	if loc == nil {
		loc = time.Local
	}
	return now().In(loc)
}

// NewMCPServer creates an MCP server exposing the ledger tools for any user
// and a resource with each user's totals for today.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"macrochat",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("macrochat: log foods against a user's daily macro ledger and read today's totals."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool(tools.NameUpdateMacros,
			mcp.WithDescription("Add a catalog food to a user's ledger for today. Returns the updated totals or \"Food not found.\""),
			mcp.WithString("uid", mcp.Description("User id"), mcp.Required()),
			mcp.WithString("name", mcp.Description("Food name, first word capitalized"), mcp.Required()),
			mcp.WithNumber("servingSize", mcp.Description("Number of servings (default 1, fractions allowed)")),
		),
		mcpLogFood(deps),
	)

	if deps.Dispatcher != nil && deps.Dispatcher.ModelAsserted() {
		opts := []mcp.ToolOption{
			mcp.WithDescription("Add a food with caller-supplied per-serving nutrients to a user's ledger for today."),
			mcp.WithString("uid", mcp.Description("User id"), mcp.Required()),
			mcp.WithString("name", mcp.Description("Food name"), mcp.Required()),
			mcp.WithNumber("servingSize", mcp.Description("Number of servings (default 1)")),
		}
		for _, f := range nutrition.Fields {
			opts = append(opts, mcp.WithNumber(f, mcp.Description("Per-serving "+f)))
		}
		s.AddTool(mcp.NewTool(tools.NameLogNutrients, opts...), mcpLogFood(deps))
	}

	s.AddResourceTemplate(
		mcp.NewResourceTemplate(
			ledgerURIPrefix+"{uid}"+ledgerURISuffix,
			"Today's Ledger",
			mcp.WithTemplateDescription("A user's macro totals and contributing foods for today"),
			mcp.WithTemplateMIMEType("application/json"),
		),
		mcpResourceLedger(deps),
	)

	return s
}

// mcpLogFood serves both ledger tools. The tool arguments, minus uid, are
// re-encoded into the model tool-call form so they get the same validation.
func mcpLogFood(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		uid, err := req.RequireString("uid")
		if err != nil {
			return mcpError("uid is required"), nil
		}

		args := map[string]any{}
		nutrients := map[string]any{}
		for k, v := range req.GetArguments() {
			switch {
			case k == "uid":
			case isNutrientField(k):
				nutrients[k] = v
			default:
				args[k] = v
			}
		}
		if req.Params.Name == tools.NameLogNutrients {
			args["nutrients"] = nutrients
		}
		raw, err := json.Marshal(args)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to encode arguments: %v", err)), nil
		}

		call, err := tools.Parse(req.Params.Name, string(raw))
		if err != nil {
			return mcpError(err.Error()), nil
		}

		ledger, err := deps.Store.EnsureDailyLedger(ctx, uid, deps.today())
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("unknown user %q", uid)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to resolve ledger: %v", err)), nil
		}

		result, err := deps.Dispatcher.Dispatch(ctx, ledger.ID, "mcp_"+uuid.NewString(), call)
		if err != nil {
			return mcpError(fmt.Sprintf("%s failed: %v", req.Params.Name, err)), nil
		}
		return mcpText(result), nil
	}
}

func isNutrientField(k string) bool {
	for _, f := range nutrition.Fields {
		if f == k {
			return true
		}
	}
	return false
}

func mcpResourceLedger(deps MCPDeps) server.ResourceTemplateHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		uid, ok := uidFromLedgerURI(req.Params.URI)
		if !ok {
			return nil, fmt.Errorf("invalid ledger uri %q", req.Params.URI)
		}

		view, err := loadLedgerView(ctx, deps.Store, uid, deps.today())
		if err != nil {
			return nil, fmt.Errorf("failed to load ledger: %w", err)
		}

		b, err := json.Marshal(view)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal ledger: %w", err)
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

func uidFromLedgerURI(uri string) (string, bool) {
	if !strings.HasPrefix(uri, ledgerURIPrefix) || !strings.HasSuffix(uri, ledgerURISuffix) {
		return "", false
	}
	uid := strings.TrimSuffix(strings.TrimPrefix(uri, ledgerURIPrefix), ledgerURISuffix)
	if uid == "" || strings.Contains(uid, "/") {
		return "", false
	}
	return uid, true
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
