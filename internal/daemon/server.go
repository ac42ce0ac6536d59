package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	tserrors "github.com/Aman-CERP/tutosearch/internal/errors"
	"github.com/Aman-CERP/tutosearch/internal/status"
	"github.com/Aman-CERP/tutosearch/internal/store"
)

// RequestHandler handles incoming RPC requests.
type RequestHandler interface {
	Search(ctx context.Context, q store.Query) (*store.ResultPage, error)
	Status(ctx context.Context) status.Status
	Reindex(ctx context.Context, wait bool) (*ReindexResult, error)
}

// Server listens on a Unix socket and handles RPC requests.
type Server struct {
	socketPath string
	listener   net.Listener
	handler    RequestHandler
	logger     *slog.Logger
	started    time.Time

	mu       sync.Mutex
	shutdown bool
	wg       sync.WaitGroup
}

// NewServer creates a new server that listens on the given socket path.
func NewServer(socketPath string, handler RequestHandler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		logger:     logger,
	}
}

// ListenAndServe starts the server and blocks until context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	// Clean up any stale socket
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.started = time.Now()
	s.mu.Unlock()

	defer func() {
		_ = listener.Close()
		_ = os.Remove(s.socketPath)
	}()

	s.logger.Info("daemon_listening", slog.String("socket", s.socketPath))

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			shutdown := s.shutdown
			s.mu.Unlock()
			if shutdown {
				break
			}
			s.logger.Error("daemon_accept_failed", slog.String("error", err.Error()))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	// Wait for active connections to finish
	s.wg.Wait()

	return ctx.Err()
}

// handleConnection processes a single client connection.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(30 * time.Second)); err != nil {
		s.logger.Warn("daemon_deadline_failed", slog.String("error", err.Error()))
	}

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	var req Request
	if err := decoder.Decode(&req); err != nil {
		_ = encoder.Encode(NewErrorResponse("", ErrCodeParseError, "failed to parse request"))
		return
	}

	// A waited reindex runs as long as the rebuild does; the client owns that deadline
	if req.Method == MethodReindex {
		_ = conn.SetDeadline(time.Time{})
	}

	_ = encoder.Encode(s.handleRequest(ctx, req))
}

// handleRequest dispatches a request to the appropriate handler.
func (s *Server) handleRequest(ctx context.Context, req Request) Response {
	if req.JSONRPC != "2.0" {
		return NewErrorResponse(req.ID, ErrCodeInvalidRequest, "jsonrpc must be \"2.0\"")
	}

	switch req.Method {
	case MethodPing:
		return NewSuccessResponse(req.ID, PingResult{Pong: true, PID: os.Getpid()})

	case MethodStatus:
		return NewSuccessResponse(req.ID, s.getStatus(ctx))

	case MethodSearch:
		return s.handleSearch(ctx, req)

	case MethodReindex:
		return s.handleReindex(ctx, req)

	default:
		return NewErrorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

// decodeParams re-decodes the generic params into dst.
func decodeParams(params any, dst any) error {
	if params == nil {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// handleSearch processes a search request.
func (s *Server) handleSearch(ctx context.Context, req Request) Response {
	if s.handler == nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "no search handler configured")
	}

	var params SearchParams
	if err := decodeParams(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, "failed to decode params")
	}
	if err := params.Validate(); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}

	page, err := s.handler.Search(ctx, params.Query())
	if err != nil {
		return s.errorResponse(req.ID, ErrCodeSearchFailed, err)
	}
	return NewSuccessResponse(req.ID, page)
}

// handleReindex starts a rebuild or runs one to completion.
func (s *Server) handleReindex(ctx context.Context, req Request) Response {
	if s.handler == nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "no reindex handler configured")
	}

	var params ReindexParams
	if err := decodeParams(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, "failed to decode params")
	}

	result, err := s.handler.Reindex(ctx, params.Wait)
	if err != nil {
		resp := s.errorResponse(req.ID, ErrCodeReindexFailed, err)
		if result != nil {
			resp.Error.Data = result
		}
		return resp
	}
	return NewSuccessResponse(req.ID, result)
}

// errorResponse maps a domain error to its RPC code.
func (s *Server) errorResponse(id string, fallback int, err error) Response {
	code := fallback
	switch tserrors.GetCode(err) {
	case tserrors.ErrCodeInvalidQuery:
		code = ErrCodeInvalidQuery
	case tserrors.ErrCodeReindexInProgress:
		code = ErrCodeReindexInProgress
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		code = ErrCodeInternalError
	}
	return NewErrorResponse(id, code, err.Error())
}

// getStatus returns the current server status.
func (s *Server) getStatus(ctx context.Context) StatusResult {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	result := StatusResult{
		PID:    os.Getpid(),
		Uptime: time.Since(started).Round(time.Second).String(),
	}
	if s.handler != nil {
		result.Status = s.handler.Status(ctx)
	}
	return result
}

// Close stops the server.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true

	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
