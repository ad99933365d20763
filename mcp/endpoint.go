package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/flarexio/ragvault"
	"github.com/flarexio/ragvault/rag"
	"github.com/flarexio/ragvault/vector"
)

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      mcp.RequestId   `json:"id"`
	Method  mcp.MCPMethod   `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func errorResponse(id mcp.RequestId, code int, message string) mcp.JSONRPCError {
	return mcp.JSONRPCError{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      id,
		Error: struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Data    any    `json:"data,omitempty"`
		}{
			Code:    code,
			Message: message,
		},
	}
}

type MCPEndpoint func(ctx context.Context, req JSONRPCRequest) mcp.JSONRPCMessage

const (
	ToolSearchVault  = "search_vault"
	ToolBuildContext = "build_context"
	ToolAskVault     = "ask_vault"
)

const MCPSERVER_INSTRUCTIONS string = `RAGVault is a local knowledge vault of indexed code and documentation.

Available tools:
- search_vault: rank vault documents by semantic similarity to a query
- build_context: assemble a token-bounded context for a question, with structural truncation and cross-referenced definitions
- ask_vault: answer a question from the vault with a local model, expanding the context when the draft answer is missing information

Encrypted documents are decrypted only when the vault key is loaded.`

func InitializeEndpoint(svc ragvault.Service) MCPEndpoint {
	return func(ctx context.Context, req JSONRPCRequest) mcp.JSONRPCMessage {
		var params mcp.InitializeParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, mcp.INVALID_PARAMS, err.Error())
		}

		protocolVersion := mcp.LATEST_PROTOCOL_VERSION
		if clientVersion := params.ProtocolVersion; clientVersion != "" {
			if slices.Contains(mcp.ValidProtocolVersions, clientVersion) {
				protocolVersion = clientVersion
			}
		}

		result := &mcp.InitializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities: mcp.ServerCapabilities{
				Tools: &struct {
					ListChanged bool `json:"listChanged,omitempty"`
				}{},
			},
			ServerInfo: mcp.Implementation{
				Name:    "ragvault",
				Version: "1.0.0",
			},
			Instructions: MCPSERVER_INSTRUCTIONS,
		}

		return mcp.JSONRPCResponse{
			JSONRPC: mcp.JSONRPC_VERSION,
			ID:      req.ID,
			Result:  result,
		}
	}
}

func PingEndpoint(svc ragvault.Service) MCPEndpoint {
	return func(ctx context.Context, req JSONRPCRequest) mcp.JSONRPCMessage {
		return mcp.JSONRPCResponse{
			JSONRPC: mcp.JSONRPC_VERSION,
			ID:      req.ID,
			Result:  struct{}{},
		}
	}
}

func strategyOption() mcp.ToolOption {
	return mcp.WithString("strategy",
		mcp.Description("Context assembly strategy"),
		mcp.Enum(
			string(rag.StrategyComprehensive),
			string(rag.StrategyConcise),
			string(rag.StrategyCodeFocused),
			string(rag.StrategyDocFocused),
		),
	)
}

func projectOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("project", mcp.Description("Project to search instead of the current one")),
		mcp.WithBoolean("all_projects", mcp.Description("Search across every project")),
	}
}

func tool(name string, opts ...mcp.ToolOption) mcp.Tool {
	return mcp.NewTool(name, append(opts, projectOptions()...)...)
}

// Tools lists the tools the vault exposes.
func Tools() []mcp.Tool {
	return []mcp.Tool{
		tool(ToolSearchVault,
			mcp.WithDescription("Search the vault for documents similar to a query"),
			mcp.WithString("query", mcp.Required(), mcp.Description("Natural language query")),
			mcp.WithNumber("top_k", mcp.Description("Number of results to return")),
			mcp.WithString("file_type", mcp.Description("Only return documents of this file type, e.g. go or md")),
		),
		tool(ToolBuildContext,
			mcp.WithDescription("Assemble a token-bounded context from the vault for a question"),
			mcp.WithString("query", mcp.Required(), mcp.Description("Question the context should answer")),
			mcp.WithNumber("max_tokens", mcp.Description("Context token budget")),
			mcp.WithNumber("top_k", mcp.Description("Number of candidate documents")),
			strategyOption(),
		),
		tool(ToolAskVault,
			mcp.WithDescription("Answer a question from the vault using the local model"),
			mcp.WithString("query", mcp.Required(), mcp.Description("Question to answer")),
			mcp.WithNumber("max_tokens", mcp.Description("Context token budget")),
			mcp.WithNumber("top_k", mcp.Description("Number of candidate documents")),
			strategyOption(),
		),
	}
}

func ListToolsEndpoint(svc ragvault.Service) MCPEndpoint {
	return func(ctx context.Context, req JSONRPCRequest) mcp.JSONRPCMessage {
		result := &mcp.ListToolsResult{
			Tools: Tools(),
		}

		return mcp.JSONRPCResponse{
			JSONRPC: mcp.JSONRPC_VERSION,
			ID:      req.ID,
			Result:  result,
		}
	}
}

type toolArguments struct {
	Query       string       `json:"query"`
	TopK        int          `json:"top_k"`
	FileType    string       `json:"file_type"`
	MaxTokens   int          `json:"max_tokens"`
	Strategy    rag.Strategy `json:"strategy"`
	Project     string       `json:"project"`
	AllProjects bool         `json:"all_projects"`
}

func (args toolArguments) query() ragvault.QueryRequest {
	return ragvault.QueryRequest{
		Query:       args.Query,
		TopK:        args.TopK,
		FileType:    args.FileType,
		MaxTokens:   args.MaxTokens,
		Strategy:    args.Strategy,
		Project:     args.Project,
		AllProjects: args.AllProjects,
	}
}

func CallToolEndpoint(svc ragvault.Service) MCPEndpoint {
	return func(ctx context.Context, req JSONRPCRequest) mcp.JSONRPCMessage {
		var params mcp.CallToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, mcp.INVALID_PARAMS, err.Error())
		}

		var args toolArguments
		if params.Arguments != nil {
			bs, err := json.Marshal(params.Arguments)
			if err != nil {
				return errorResponse(req.ID, mcp.INVALID_PARAMS, err.Error())
			}

			if err := json.Unmarshal(bs, &args); err != nil {
				return errorResponse(req.ID, mcp.INVALID_PARAMS, err.Error())
			}
		}

		var (
			text string
			err  error
		)

		switch params.Name {
		case ToolSearchVault:
			var results []vector.Result
			results, err = svc.Search(ctx, ragvault.SearchRequest{
				Query:       args.Query,
				TopK:        args.TopK,
				FileType:    args.FileType,
				Project:     args.Project,
				AllProjects: args.AllProjects,
			})

			text = formatResults(args.Query, results)

		case ToolBuildContext:
			var c rag.Context
			c, err = svc.BuildContext(ctx, args.query())

			text = formatContext(c)

		case ToolAskVault:
			var answer rag.Answer
			answer, err = svc.GenerateAnswer(ctx, args.query())

			text = formatAnswer(answer)

		default:
			return errorResponse(req.ID, mcp.INVALID_PARAMS, "tool not found: "+params.Name)
		}

		var result *mcp.CallToolResult
		switch {
		case err == nil:
			result = mcp.NewToolResultText(text)

		case errors.Is(err, vector.ErrValidation):
			result = mcp.NewToolResultError(err.Error())

		default:
			return errorResponse(req.ID, mcp.INTERNAL_ERROR, err.Error())
		}

		return mcp.JSONRPCResponse{
			JSONRPC: mcp.JSONRPC_VERSION,
			ID:      req.ID,
			Result:  result,
		}
	}
}

func formatResults(query string, results []vector.Result) string {
	if len(results) == 0 {
		return "No results found for query: " + query
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d results for query: %s\n", len(results), query)

	for i, r := range results {
		source := r.Source
		if source == "" {
			source = "unknown"
		}

		fmt.Fprintf(&sb, "\n[%d] %s (%s) id=%s score=%.3f\n", i+1, source, r.FileType, r.DocumentID, r.Score)
		sb.WriteString(r.Content)
		if !strings.HasSuffix(r.Content, "\n") {
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

func formatContext(c rag.Context) string {
	if c.Empty() {
		return strings.Join(append([]string{"No context could be assembled."}, c.Warnings...), "\n")
	}

	var sb strings.Builder
	sb.WriteString(c.Text)

	for _, w := range c.Warnings {
		sb.WriteString("\nwarning: " + w)
	}

	return sb.String()
}

func formatAnswer(a rag.Answer) string {
	var sb strings.Builder

	if a.Answer != "" {
		sb.WriteString(a.Answer)
	} else {
		sb.WriteString(a.Context.Text)
	}

	if len(a.Context.Chunks) > 0 {
		sb.WriteString("\n\nSources:")
		for _, c := range a.Context.Chunks {
			fmt.Fprintf(&sb, "\n- %s (id: %s)", c.Source, c.SourceDocumentID)
		}
	}

	for _, w := range a.Warnings {
		sb.WriteString("\nwarning: " + w)
	}

	return sb.String()
}
