package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/objclass/internal/domain/objclass"
)

// ErrNodeNotRunning indicates no node is serving the admin socket.
var ErrNodeNotRunning = errors.New("node is not running")

// Client talks to a node's admin socket.
type Client struct {
	socketPath string
	lockPath   string
	timeout    time.Duration
}

// ClientConfig contains configuration for the IPC client.
type ClientConfig struct {
	SocketPath string
	LockPath   string
	// Timeout bounds a whole request. Reload and disable wait for the class
	// to drain, so it should exceed the node's close timeout.
	Timeout time.Duration
}

// NewClient creates a new IPC client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath()
	}
	if cfg.LockPath == "" {
		cfg.LockPath = DefaultLockPath()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Minute
	}

	return &Client{
		socketPath: cfg.SocketPath,
		lockPath:   cfg.LockPath,
		timeout:    cfg.Timeout,
	}
}

// IsNodeRunning checks whether a node is listening on the socket.
func (c *Client) IsNodeRunning() bool {
	if _, err := os.Stat(c.lockPath); err != nil {
		return false
	}
	if _, err := os.Stat(c.socketPath); err != nil {
		return false
	}

	conn, err := net.DialTimeout("unix", c.socketPath, 500*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close() // Best effort cleanup

	return true
}

// NodePID returns the PID of the running node, or 0 if not running.
func (c *Client) NodePID() int {
	data, err := os.ReadFile(c.lockPath)
	if err != nil {
		return 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// Status requests node status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call(MessageTypeStatusRequest, nil, MessageTypeStatusResponse, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// List requests every class the node knows about.
func (c *Client) List() ([]objclass.ClassInfo, error) {
	var resp ListResponse
	if err := c.call(MessageTypeListRequest, nil, MessageTypeListResponse, &resp); err != nil {
		return nil, err
	}
	return resp.Classes, nil
}

// Reload unloads a class so its next open loads it fresh.
func (c *Client) Reload(class string) (*ResultResponse, error) {
	return c.classCall(MessageTypeReloadRequest, class)
}

// Disable unloads a class and blocks it until Unblock.
func (c *Client) Disable(class string) (*ResultResponse, error) {
	return c.classCall(MessageTypeDisableRequest, class)
}

// Unblock lifts a disable.
func (c *Client) Unblock(class string) (*ResultResponse, error) {
	return c.classCall(MessageTypeUnblockRequest, class)
}

// Exec opens a class, invokes a method and releases the class.
func (c *Client) Exec(class, method string, input []byte, openTimeout time.Duration) (*ExecResponse, error) {
	req := ExecRequest{
		Class:         class,
		Method:        method,
		Input:         input,
		TimeoutMillis: openTimeout.Milliseconds(),
	}
	if openTimeout < 0 {
		req.TimeoutMillis = -1
	}

	var resp ExecResponse
	if err := c.call(MessageTypeExecRequest, req, MessageTypeExecResponse, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) classCall(msgType MessageType, class string) (*ResultResponse, error) {
	var resp ResultResponse
	if err := c.call(msgType, ClassRequest{Class: class}, MessageTypeResultResponse, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// call sends a request and decodes a response of type want into out.
func (c *Client) call(msgType MessageType, payload interface{}, want MessageType, out interface{}) error {
	if !c.IsNodeRunning() {
		return ErrNodeNotRunning
	}

	resp, err := c.sendRequest(msgType, payload)
	if err != nil {
		return err
	}

	switch resp.Type {
	case want:
		if err := json.Unmarshal(resp.Payload, out); err != nil {
			return fmt.Errorf("failed to parse %s: %w", resp.Type, err)
		}
		return nil
	case MessageTypeErrorResponse:
		var errResp ErrorResponse
		if err := json.Unmarshal(resp.Payload, &errResp); err != nil {
			return fmt.Errorf("failed to parse error response: %w", err)
		}
		return &RemoteError{Code: errResp.Code, Message: errResp.Message, Errno: errResp.Errno}
	default:
		return fmt.Errorf("unexpected response type %s", resp.Type)
	}
}

// sendRequest sends a request and waits for a response.
func (c *Client) sendRequest(msgType MessageType, payload interface{}) (*Message, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to node: %w", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	requestID := uuid.New().String()
	msg, err := NewMessage(msgType, requestID, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	if err := json.NewEncoder(conn).Encode(msg); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	var resp Message
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.RequestID != "" && resp.RequestID != requestID {
		return nil, fmt.Errorf("response for request %s, expected %s", resp.RequestID, requestID)
	}

	return &resp, nil
}
