package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
)

var ErrEndpointExists = errors.New("endpoint already exists")

type StdioMCPServer interface {
	AddEndpoint(method mcp.MCPMethod, endpoint MCPEndpoint) error
	Listen(ctx context.Context) error
}

// NewStdioMCPServer serves newline-delimited JSON-RPC requests read from in
// and writes one response line per request to out.
func NewStdioMCPServer(in io.Reader, out io.Writer) StdioMCPServer {
	return &stdioMCPServer{
		in:        in,
		out:       out,
		endpoints: make(map[mcp.MCPMethod]MCPEndpoint),
	}
}

type stdioMCPServer struct {
	in  io.Reader
	out io.Writer

	endpoints map[mcp.MCPMethod]MCPEndpoint
	mu        sync.Mutex
}

func (s *stdioMCPServer) Listen(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lines := make(chan string)
	errs := make(chan error, 1)

	go func(ctx context.Context, lines chan<- string, errs chan<- error) {
		defer close(lines)

		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- err
		}
	}(ctx, lines, errs)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-errs:
			if errors.Is(err, io.EOF) {
				return nil
			}

			return err

		case line, ok := <-lines:
			if !ok {
				return nil
			}

			if line == "" {
				continue
			}

			var req JSONRPCRequest
			if err := json.Unmarshal([]byte(line), &req); err != nil {
				s.write(errorResponse(mcp.NewRequestId(nil), mcp.PARSE_ERROR, err.Error()))
				continue
			}

			// notifications carry no id and expect no response
			if req.ID.IsNil() {
				continue
			}

			var resp mcp.JSONRPCMessage

			s.mu.Lock()
			endpoint, ok := s.endpoints[req.Method]
			s.mu.Unlock()

			if ok {
				resp = endpoint(ctx, req)
			} else {
				resp = errorResponse(req.ID, mcp.METHOD_NOT_FOUND, "method not found")
			}

			s.write(resp)
		}
	}
}

func (s *stdioMCPServer) write(resp mcp.JSONRPCMessage) {
	bs, err := json.Marshal(resp)
	if err != nil {
		return
	}

	fmt.Fprintf(s.out, "%s\n", bs)
}

func (s *stdioMCPServer) AddEndpoint(method mcp.MCPMethod, endpoint MCPEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.endpoints[method]; ok {
		return ErrEndpointExists
	}

	s.endpoints[method] = endpoint
	return nil
}
