package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/felixgeelhaar/objclass/internal/adapters/logging"
	"github.com/felixgeelhaar/objclass/internal/domain/objclass"
	"github.com/felixgeelhaar/objclass/internal/ports"
)

// NodeProvider is the node the admin surface operates on.
type NodeProvider interface {
	Status() StatusResponse
	List() []objclass.ClassInfo
	Reload(ctx context.Context, name string) error
	Disable(ctx context.Context, name string) error
	Unblock(name string) error
	Exec(ctx context.Context, class, method string, in []byte, timeout time.Duration) (int, []byte, error)
}

// Server handles IPC communication via Unix socket.
type Server struct {
	socketPath string
	lockPath   string
	provider   NodeProvider
	logger     ports.Logger

	// ctx is canceled by Stop to abort requests still waiting on a gate.
	ctx    context.Context
	cancel context.CancelFunc

	listener net.Listener
	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
}

// ServerConfig contains configuration for the IPC server.
type ServerConfig struct {
	SocketPath string
	LockPath   string
	Logger     ports.Logger
}

// DefaultSocketPath returns the default socket path.
func DefaultSocketPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".objclass", "admin.sock")
}

// DefaultLockPath returns the default lock file path.
func DefaultLockPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".objclass", "admin.lock")
}

// NewServer creates a new IPC server.
func NewServer(cfg ServerConfig, provider NodeProvider) *Server {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath()
	}
	if cfg.LockPath == "" {
		cfg.LockPath = DefaultLockPath()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: cfg.SocketPath,
		lockPath:   cfg.LockPath,
		provider:   provider,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins listening for connections.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("server is closed")
	}

	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	// Remove stale socket file
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	if err := s.createLockFile(); err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		s.removeLockFile()
		return fmt.Errorf("failed to listen on socket: %w", err)
	}

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = listener.Close() // Cleanup on error
		s.removeLockFile()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info(s.ctx, "admin socket listening", ports.F("socket", s.socketPath))
	return nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	s.closed = true
	s.cancel()

	started := s.listener != nil
	if started {
		_ = s.listener.Close() // Best effort close
	}
	s.mu.Unlock()

	// Wait for connections to finish (outside of lock to avoid deadlock)
	s.wg.Wait()

	// The socket and lock file belong to whoever created them.
	if started {
		_ = os.RemoveAll(s.socketPath) // Best effort cleanup
		s.removeLockFile()
	}

	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.RLock()
			closed := s.closed
			s.mu.RUnlock()

			if closed {
				return
			}
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))

	decoder := json.NewDecoder(conn)
	var msg Message
	if err := decoder.Decode(&msg); err != nil {
		if err != io.EOF {
			s.sendError(conn, msg.RequestID, ErrorCodeInvalidRequest, "failed to decode message", invalidRequest)
		}
		return
	}
	// Requests may wait on a gate; only the response write is bounded.
	_ = conn.SetReadDeadline(time.Time{})

	s.handleMessage(conn, &msg)
}

func (s *Server) handleMessage(conn net.Conn, msg *Message) {
	s.logger.Debug(s.ctx, "admin request", ports.F("type", msg.Type), ports.F("request_id", msg.RequestID))

	switch msg.Type {
	case MessageTypeStatusRequest:
		s.sendResponse(conn, msg.RequestID, MessageTypeStatusResponse, s.provider.Status())
	case MessageTypeListRequest:
		s.sendResponse(conn, msg.RequestID, MessageTypeListResponse, ListResponse{Classes: s.provider.List()})
	case MessageTypeReloadRequest:
		s.handleClassRequest(conn, msg, func(name string) error { return s.provider.Reload(s.ctx, name) })
	case MessageTypeDisableRequest:
		s.handleClassRequest(conn, msg, func(name string) error { return s.provider.Disable(s.ctx, name) })
	case MessageTypeUnblockRequest:
		s.handleClassRequest(conn, msg, s.provider.Unblock)
	case MessageTypeExecRequest:
		s.handleExecRequest(conn, msg)
	default:
		s.sendError(conn, msg.RequestID, ErrorCodeInvalidRequest, "unknown message type", invalidRequest)
	}
}

// handleClassRequest runs op on the class named in the payload.
func (s *Server) handleClassRequest(conn net.Conn, msg *Message, op func(name string) error) {
	var req ClassRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.Class == "" {
		s.sendError(conn, msg.RequestID, ErrorCodeInvalidRequest, "class is required", invalidRequest)
		return
	}

	resp := ResultResponse{Class: req.Class, Success: true}
	if err := op(req.Class); err != nil {
		s.logger.Warn(s.ctx, "admin request failed",
			ports.F("type", msg.Type), ports.F("class", req.Class), ports.F("error", err))
		resp.Success = false
		resp.Message = err.Error()
		resp.Errno = objclass.Errno(err)
	}
	s.sendResponse(conn, msg.RequestID, MessageTypeResultResponse, resp)
}

func (s *Server) handleExecRequest(conn net.Conn, msg *Message) {
	var req ExecRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.Class == "" || req.Method == "" {
		s.sendError(conn, msg.RequestID, ErrorCodeInvalidRequest, "class and method are required", invalidRequest)
		return
	}

	timeout := time.Duration(req.TimeoutMillis) * time.Millisecond
	if req.TimeoutMillis < 0 {
		timeout = -1
	}
	status, out, err := s.provider.Exec(s.ctx, req.Class, req.Method, req.Input, timeout)
	if err != nil {
		s.sendError(conn, msg.RequestID, errorCode(err), err.Error(), objclass.Errno(err))
		return
	}
	s.sendResponse(conn, msg.RequestID, MessageTypeExecResponse, ExecResponse{
		Class:  req.Class,
		Method: req.Method,
		Status: status,
		Output: out,
	})
}

func (s *Server) sendResponse(conn net.Conn, requestID string, msgType MessageType, payload interface{}) {
	msg, err := NewMessage(msgType, requestID, payload)
	if err != nil {
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = json.NewEncoder(conn).Encode(msg) // Best effort, connection may be closed
}

func (s *Server) sendError(conn net.Conn, requestID, code, message string, errno int) {
	s.sendResponse(conn, requestID, MessageTypeErrorResponse, ErrorResponse{
		Code:    code,
		Message: message,
		Errno:   errno,
	})
}

// createLockFile creates the lock file with the current PID.
func (s *Server) createLockFile() error {
	dir := filepath.Dir(s.lockPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data := fmt.Sprintf("%d\n", os.Getpid())
	return os.WriteFile(s.lockPath, []byte(data), 0o600)
}

func (s *Server) removeLockFile() {
	_ = os.RemoveAll(s.lockPath) // Best effort cleanup
}
