package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/valimikayilov/mcp-email-server/internal/app/mailer"
	"github.com/valimikayilov/mcp-email-server/internal/app/tools"
)

// listToolsName is answered by the server itself.
const listToolsName = "list_tools"

type Dispatcher interface {
	Call(ctx context.Context, name string, args json.RawMessage) (any, error)
	Tools() []tools.Descriptor
}

// request is one line of input.
type request struct {
	ID        json.RawMessage `json:"id,omitempty"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// response is one line of output. Exactly one of Result and Error is set.
type response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  *mailer.Error   `json:"error,omitempty"`
}

// Server answers line-delimited JSON requests. Every request runs on its own
// goroutine, so responses may come back in a different order; callers match
// them by id.
type Server struct {
	dispatcher Dispatcher
	logger     *slog.Logger

	mu  sync.Mutex
	enc *json.Encoder
}

func NewServer(dispatcher Dispatcher, logger *slog.Logger) *Server {
	return &Server{dispatcher: dispatcher, logger: logger}
}

// Serve reads requests from in until EOF or ctx is done and writes one
// response per request to out. In-flight calls are waited for before it
// returns.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.enc = json.NewEncoder(out)

	var wg sync.WaitGroup
	defer wg.Wait()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		readErr <- readLines(ctx, in, lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case line := <-lines:
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handle(ctx, line)
			}()
		}
	}
}

func readLines(ctx context.Context, in io.Reader, lines chan<- []byte) error {
	r := bufio.NewReader(in)
	for {
		line, err := r.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			select {
			case lines <- line:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read request: %w", err)
		}
	}
}

func (s *Server) handle(ctx context.Context, line []byte) {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		s.write(response{Error: mailer.Validationf("malformed request: %v", err)})
		return
	}

	resp := response{ID: req.ID}
	switch req.Tool {
	case "":
		resp.Error = mailer.Validationf("request names no tool")
	case listToolsName:
		resp.Result = map[string]any{"tools": s.dispatcher.Tools()}
	default:
		result, err := s.dispatcher.Call(ctx, req.Tool, req.Arguments)
		if err != nil {
			resp.Error = mailer.AsError(err)
		} else {
			resp.Result = result
		}
	}
	s.write(resp)
}

func (s *Server) write(resp response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enc.Encode(resp); err != nil {
		s.logger.Error("unable to write response", slog.Any("error", err))
	}
}
