package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joss/swarm/internal/logging"
)

const (
	serverName  = "swarm-communication"
	maxLineSize = 4 << 20
)

// Server answers MCP requests with the swarm tools bound to one broker.
type Server struct {
	tools    map[string]tool
	order    []string
	log      *logging.Logger
	recovery *logging.RecoveryHandler
	version  string
}

// NewServer creates a server whose tools act as b's agent.
func NewServer(b Broker, log *logging.Logger, version string) *Server {
	if log == nil {
		log = logging.New("mcp")
	}
	s := &Server{
		tools:    make(map[string]tool),
		log:      log,
		recovery: logging.NewRecoveryHandler("mcp", log),
		version:  version,
	}
	for _, t := range swarmTools(b) {
		s.tools[t.info.Name] = t
		s.order = append(s.order, t.info.Name)
	}
	return s
}

// Tools lists the tool definitions in registration order.
func (s *Server) Tools() []ToolInfo {
	out := make([]ToolInfo, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.tools[name].info)
	}
	return out
}

// lineWriter serializes responses so concurrent tool calls never interleave.
type lineWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *lineWriter) write(resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.out.Write(append(data, '\n'))
	return err
}

// Serve reads one JSON-RPC message per line from in and writes replies to
// out. Tool calls run concurrently; everything else is answered in order.
// It returns when in is exhausted and every call has replied, or when ctx
// ends.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	logging.SafeGo(s.log, "mcp_reader", func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), maxLineSize)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	})

	w := &lineWriter{out: out}
	var calls errgroup.Group
	s.log.Info("mcp_serving", zap.Int("tools", len(s.order)))

	for {
		select {
		case <-ctx.Done():
			_ = calls.Wait()
			return nil
		case line, ok := <-lines:
			if !ok {
				_ = calls.Wait()
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("read request: %w", err)
					}
				default:
				}
				return nil
			}
			if len(line) == 0 {
				continue
			}
			if err := s.handle(ctx, w, &calls, line); err != nil {
				return err
			}
		}
	}
}

func (s *Server) handle(ctx context.Context, w *lineWriter, calls *errgroup.Group, line []byte) error {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return w.write(errorResponse(nil, CodeParseError, "parse error: "+err.Error()))
	}
	if req.IsNotification() {
		s.log.Debug("mcp_notification", zap.String("method", req.Method))
		return nil
	}
	if req.Method == "" {
		return w.write(errorResponse(req.ID, CodeInvalidRequest, "missing method"))
	}

	switch req.Method {
	case "initialize":
		return w.write(resultResponse(req.ID, map[string]any{
			"protocolVersion": ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": serverName, "version": s.version},
		}))
	case "ping":
		return w.write(resultResponse(req.ID, map[string]any{}))
	case "tools/list":
		return w.write(resultResponse(req.ID, map[string]any{"tools": s.Tools()}))
	case "tools/call":
		var p callParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return w.write(errorResponse(req.ID, CodeInvalidParams, "invalid params: "+err.Error()))
		}
		t, ok := s.tools[p.Name]
		if !ok {
			return w.write(errorResponse(req.ID, CodeInvalidParams, "unknown tool: "+p.Name))
		}
		calls.Go(func() error {
			if err := w.write(resultResponse(req.ID, s.call(ctx, t, p.Arguments))); err != nil {
				s.log.Warn("mcp_write_failed", err, zap.String("tool", p.Name))
			}
			return nil
		})
		return nil
	default:
		return w.write(errorResponse(req.ID, CodeMethodNotFound, "method not found: "+req.Method))
	}
}

func (s *Server) call(ctx context.Context, t tool, args map[string]any) *CallResult {
	if args == nil {
		args = map[string]any{}
	}
	var out any
	err := s.recovery.WrapError(func() error {
		var err error
		out, err = t.run(ctx, args)
		return err
	})
	if err != nil {
		s.log.Warn("mcp_tool_failed", err, zap.String("tool", t.info.Name))
		return textResult("Error: "+err.Error(), true)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return textResult("Error: encode result: "+err.Error(), true)
	}
	s.log.Debug("mcp_tool_called", zap.String("tool", t.info.Name))
	return textResult(string(data), false)
}

func resultResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, msg string) *Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: msg}}
}
