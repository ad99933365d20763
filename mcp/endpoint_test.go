package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flarexio/ragvault"
	"github.com/flarexio/ragvault/embedding"
	"github.com/flarexio/ragvault/persistence/chromem"
	"github.com/flarexio/ragvault/vector"
)

func newTestService(t *testing.T) ragvault.Service {
	t.Helper()

	ctx := context.Background()

	backend, err := chromem.NewChromemBackend(vector.Config{})
	require.NoError(t, err)

	store, err := vector.NewStore(ctx, backend)
	require.NoError(t, err)

	svc, err := ragvault.NewService(ragvault.Config{}, store, embedding.NewHash(128))
	require.NoError(t, err)

	_, err = svc.Ingest(ctx, ragvault.IngestRequest{
		Content:  "package auth\n\nfunc login(user string) error {\n\treturn nil\n}\n",
		Source:   "auth/login.go",
		FileType: "go",
	})
	require.NoError(t, err)

	return svc
}

func marshal(t *testing.T, v any) string {
	t.Helper()

	bs, err := json.Marshal(v)
	require.NoError(t, err)
	return string(bs)
}

func TestUnmarshalInitializeRequest(t *testing.T) {
	assert := assert.New(t)

	input := []byte(`{
	  "jsonrpc": "2.0",
	  "id": 1,
	  "method": "initialize",
	  "params": {
	    "protocolVersion": "2024-11-05",
	    "capabilities": {
	      "roots": {
	        "listChanged": true
	      },
	      "sampling": {}
	    },
	    "clientInfo": {
	      "name": "ExampleClient",
	      "version": "1.0.0"
	    }
	  }
	}`)

	var req JSONRPCRequest
	if err := json.Unmarshal(input, &req); err != nil {
		assert.Fail(err.Error())
		return
	}

	var params mcp.InitializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		assert.Fail(err.Error())
		return
	}

	assert.Equal(mcp.JSONRPC_VERSION, req.JSONRPC)
	assert.Equal(mcp.NewRequestId(int64(1)), req.ID)
	assert.Equal(mcp.MethodInitialize, req.Method)
	assert.Equal("2024-11-05", params.ProtocolVersion)
}

func TestInitializeEndpoint(t *testing.T) {
	assert := assert.New(t)

	req := JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(int64(1)),
		Method:  mcp.MethodInitialize,
		Params:  json.RawMessage(`{"protocolVersion": "2024-11-05"}`),
	}

	resp := InitializeEndpoint(nil)(context.Background(), req)

	result, ok := resp.(mcp.JSONRPCResponse)
	if !assert.True(ok) {
		return
	}

	init, ok := result.Result.(*mcp.InitializeResult)
	if !assert.True(ok) {
		return
	}

	assert.Equal("2024-11-05", init.ProtocolVersion)
	assert.Equal("ragvault", init.ServerInfo.Name)
	assert.NotNil(init.Capabilities.Tools)
}

func TestListToolsEndpoint(t *testing.T) {
	assert := assert.New(t)

	req := JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(int64(2)),
		Method:  mcp.MethodToolsList,
	}

	resp := ListToolsEndpoint(nil)(context.Background(), req)

	result, ok := resp.(mcp.JSONRPCResponse)
	if !assert.True(ok) {
		return
	}

	list, ok := result.Result.(*mcp.ListToolsResult)
	if !assert.True(ok) {
		return
	}

	names := make([]string, 0, len(list.Tools))
	for _, tool := range list.Tools {
		names = append(names, tool.Name)
	}

	assert.Equal([]string{ToolSearchVault, ToolBuildContext, ToolAskVault}, names)
	assert.Contains(marshal(t, list.Tools[0]), `"required":["query"]`)
}

func callTool(t *testing.T, svc ragvault.Service, params string) mcp.JSONRPCMessage {
	t.Helper()

	req := JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(int64(3)),
		Method:  mcp.MethodToolsCall,
		Params:  json.RawMessage(params),
	}

	return CallToolEndpoint(svc)(context.Background(), req)
}

func TestCallToolSearchVault(t *testing.T) {
	assert := assert.New(t)

	svc := newTestService(t)

	resp := callTool(t, svc, `{"name": "search_vault", "arguments": {"query": "login", "top_k": 1}}`)

	result, ok := resp.(mcp.JSONRPCResponse)
	if !assert.True(ok) {
		return
	}

	out := marshal(t, result.Result)
	assert.Contains(out, "Found 1 results for query: login")
	assert.Contains(out, "auth/login.go (go)")
	assert.NotContains(out, `"isError":true`)
}

func TestCallToolSearchVaultProject(t *testing.T) {
	assert := assert.New(t)

	svc := newTestService(t)

	resp := callTool(t, svc, `{"name": "search_vault", "arguments": {"query": "login", "project": "billing"}}`)

	result, ok := resp.(mcp.JSONRPCResponse)
	if !assert.True(ok) {
		return
	}

	assert.Contains(marshal(t, result.Result), "No results found for query: login")

	resp = callTool(t, svc, `{"name": "search_vault", "arguments": {"query": "login", "all_projects": true}}`)

	result, ok = resp.(mcp.JSONRPCResponse)
	if !assert.True(ok) {
		return
	}

	assert.Contains(marshal(t, result.Result), "Found 1 results for query: login")
}

func TestCallToolBuildContext(t *testing.T) {
	assert := assert.New(t)

	svc := newTestService(t)

	resp := callTool(t, svc, `{"name": "build_context", "arguments": {"query": "login", "strategy": "concise"}}`)

	result, ok := resp.(mcp.JSONRPCResponse)
	if !assert.True(ok) {
		return
	}

	assert.Contains(marshal(t, result.Result), "[Document 1] auth/login.go")
}

func TestCallToolAskVaultWithoutGenerator(t *testing.T) {
	assert := assert.New(t)

	svc := newTestService(t)

	resp := callTool(t, svc, `{"name": "ask_vault", "arguments": {"query": "login"}}`)

	result, ok := resp.(mcp.JSONRPCResponse)
	if !assert.True(ok) {
		return
	}

	out := marshal(t, result.Result)
	assert.Contains(out, "[Document 1] auth/login.go")
	assert.Contains(out, "Sources:")
	assert.Contains(out, "warning: ")
}

func TestCallToolErrors(t *testing.T) {
	assert := assert.New(t)

	svc := newTestService(t)

	resp := callTool(t, svc, `{"name": "search_vault", "arguments": {"query": ""}}`)

	result, ok := resp.(mcp.JSONRPCResponse)
	if assert.True(ok) {
		assert.Contains(marshal(t, result.Result), `"isError":true`)
	}

	resp = callTool(t, svc, `{"name": "get_weather", "arguments": {}}`)

	rpcErr, ok := resp.(mcp.JSONRPCError)
	if assert.True(ok) {
		assert.Equal(mcp.INVALID_PARAMS, rpcErr.Error.Code)
	}

	resp = callTool(t, svc, `not json`)

	rpcErr, ok = resp.(mcp.JSONRPCError)
	if assert.True(ok) {
		assert.Equal(mcp.INVALID_PARAMS, rpcErr.Error.Code)
	}
}

func TestStdioMCPServer(t *testing.T) {
	assert := assert.New(t)

	input := strings.Join([]string{
		`{"jsonrpc": "2.0", "id": 1, "method": "ping"}`,
		`{"jsonrpc": "2.0", "method": "notifications/initialized"}`,
		``,
		`{"jsonrpc": "2.0", "id": 2, "method": "resources/list"}`,
		`{broken`,
	}, "\n")

	var out bytes.Buffer

	s := NewStdioMCPServer(strings.NewReader(input), &out)
	assert.NoError(s.AddEndpoint(mcp.MethodPing, PingEndpoint(nil)))
	assert.ErrorIs(s.AddEndpoint(mcp.MethodPing, PingEndpoint(nil)), ErrEndpointExists)

	err := s.Listen(context.Background())
	assert.NoError(err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if !assert.Len(lines, 3) {
		return
	}

	assert.JSONEq(`{"jsonrpc": "2.0", "id": 1, "result": {}}`, lines[0])
	assert.Contains(lines[1], `"id":2`)
	assert.Contains(lines[1], `"code":-32601`)
	assert.Contains(lines[2], `"code":-32700`)
}
