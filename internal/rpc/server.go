// Package rpc exposes the monitor's tool surface over newline-delimited
// JSON-RPC 2.0 on a byte stream, the framing the LLM client speaks. The
// transport is thin: it decodes requests, dispatches to the service, and
// posts heartbeat progress notifications while next_step blocks.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/m-nash/pr-copilot/internal/monitor"
)

const protocolVersion = "2024-11-05"

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Server reads requests from in and writes responses to out. Requests are
// dispatched concurrently so stop can land while next_step blocks; writes
// are serialized.
type Server struct {
	svc    *monitor.Service
	in     io.Reader
	out    io.Writer
	logger *slog.Logger

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewServer creates a Server over the given stream.
func NewServer(svc *monitor.Service, in io.Reader, out io.Writer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, in: in, out: out, logger: logger}
}

// Run serves until the input stream closes. A cancelled ctx is noticed
// only when the next line is read; it is not observed while the read
// blocks. In-flight calls are waited for on the way out.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Warn("discarding malformed request", "error", err)
			continue
		}

		reqCopy := req
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(ctx, reqCopy)
		}()
	}

	s.wg.Wait()
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req request) {
	switch req.Method {
	case "initialize":
		s.reply(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"serverInfo":      map[string]any{"name": "pr-copilot", "version": "dev"},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		}, nil)
	case "notifications/initialized":
		// Notification; no reply.
	case "tools/list":
		s.reply(req.ID, map[string]any{"tools": toolDescriptors()}, nil)
	case "tools/call":
		var p toolCallParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			s.reply(req.ID, nil, &rpcError{Code: -32602, Message: "invalid tool call params"})
			return
		}
		result, err := s.callTool(ctx, p.Name, p.Arguments)
		if err != nil {
			s.reply(req.ID, nil, &rpcError{Code: -32000, Message: err.Error()})
			return
		}
		s.reply(req.ID, wrapContent(result), nil)
	case "start", "next_step", "stop":
		result, err := s.callTool(ctx, req.Method, req.Params)
		if err != nil {
			s.reply(req.ID, nil, &rpcError{Code: -32000, Message: err.Error()})
			return
		}
		s.reply(req.ID, result, nil)
	default:
		if req.ID == nil {
			return
		}
		s.reply(req.ID, nil, &rpcError{Code: -32601, Message: fmt.Sprintf("unknown method %q", req.Method)})
	}
}

func (s *Server) callTool(ctx context.Context, name string, args json.RawMessage) (any, error) {
	switch name {
	case "start":
		var p monitor.StartParams
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, fmt.Errorf("invalid start params: %w", err)
		}
		return s.svc.Start(ctx, p)
	case "next_step":
		var p monitor.NextStepParams
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, fmt.Errorf("invalid next_step params: %w", err)
		}
		progress := func(msg string) {
			s.notify("notifications/progress", map[string]any{
				"monitor_id": p.MonitorID,
				"message":    msg,
			})
		}
		return s.svc.NextStep(ctx, p, progress)
	case "stop":
		var p struct {
			MonitorID string `json:"monitor_id"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, fmt.Errorf("invalid stop params: %w", err)
		}
		return s.svc.Stop(ctx, p.MonitorID)
	}
	return nil, fmt.Errorf("unknown tool %q", name)
}

func (s *Server) reply(id any, result any, rpcErr *rpcError) {
	if id == nil {
		return
	}
	s.write(response{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr})
}

func (s *Server) notify(method string, params any) {
	s.write(notification{JSONRPC: "2.0", Method: method, Params: params})
}

func (s *Server) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("encoding response", "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.out.Write(data)
	s.out.Write([]byte("\n"))
}

func wrapContent(result any) map[string]any {
	data, err := json.Marshal(result)
	if err != nil {
		data = []byte("{}")
	}
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(data)}},
	}
}

func toolDescriptors() []map[string]any {
	return []map[string]any{
		{
			"name":        "start",
			"description": "Start monitoring a pull request.",
			"inputSchema": objectSchema(map[string]string{
				"owner":          "string",
				"repo":           "string",
				"pr_number":      "integer",
				"session_folder": "string",
			}, []string{"owner", "repo", "pr_number", "session_folder"}),
		},
		{
			"name":        "next_step",
			"description": "Advance the monitor; blocks while polling. Returns the next directive.",
			"inputSchema": objectSchema(map[string]string{
				"monitor_id": "string",
				"event":      "string",
				"choice":     "string",
				"data":       "object",
			}, []string{"monitor_id", "event"}),
		},
		{
			"name":        "stop",
			"description": "Stop monitoring a pull request.",
			"inputSchema": objectSchema(map[string]string{
				"monitor_id": "string",
			}, []string{"monitor_id"}),
		},
	}
}

func objectSchema(props map[string]string, required []string) map[string]any {
	properties := make(map[string]any, len(props))
	for name, typ := range props {
		properties[name] = map[string]any{"type": typ}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}
