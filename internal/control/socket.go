// Package control provides a Unix socket server for CLI-to-daemon
// communication. Commands map onto the engine's operations and return the
// integer results the polling callers interpret: 0 for started or pending,
// -1 for a rejected request, and a big-endian IPv4 address for a result.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/portpunch/portpunch/internal/upnp"
)

// DefaultSocketPath returns the default control socket path.
func DefaultSocketPath() string {
	return "/var/run/portpunch.sock"
}

// Request types for control commands.
const (
	CmdBegin    = "upnp.begin"
	CmdScan     = "upnp.scan"
	CmdAdd      = "upnp.add"
	CmdRemove   = "upnp.remove"
	CmdExternal = "upnp.external"
	CmdStatus   = "upnp.status"
)

// Result sentinel for rejected requests.
const ValueRejected = -1

// Timeouts for control socket operations.
const (
	// SocketDialTimeout is the timeout for connecting to the control socket.
	SocketDialTimeout = 5 * time.Second
	// SocketReadWriteTimeout is the timeout for reading/writing on the socket.
	SocketReadWriteTimeout = 5 * time.Second
)

// Request is a control command from the CLI.
type Request struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is a response to a control command.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// AddRequest is the payload for upnp.add.
type AddRequest struct {
	LocalIP    string `json:"local_ip"`
	LocalPort  uint16 `json:"local_port"`
	RemotePort uint16 `json:"remote_port"`
}

// RemoveRequest is the payload for upnp.remove.
type RemoveRequest struct {
	RemotePort uint16 `json:"remote_port"`
}

// ValueResponse carries an operation result. Value is 0 when the operation
// was started (or is still pending), -1 when it was rejected, and a
// big-endian IPv4 address otherwise; Address is the dotted form of a
// nonzero address value.
type ValueResponse struct {
	Value   int64  `json:"value"`
	Address string `json:"address,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// StatusResponse is the response for upnp.status.
type StatusResponse struct {
	State   string `json:"state"`
	Gateway string `json:"gateway,omitempty"`
}

// Server is a Unix socket control server driving a UPnP engine.
type Server struct {
	socketPath string
	engine     *upnp.Engine
	listener   net.Listener
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewServer creates a new control server for the given engine.
func NewServer(socketPath string, engine *upnp.Engine) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: socketPath,
		engine:     engine,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins listening on the control socket.
func (s *Server) Start() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	// Remove stale socket
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.listener = listener
	log.Info().Str("path", s.socketPath).Msg("control socket listening")

	go s.acceptLoop()
	return nil
}

// Stop closes the control server.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	_ = os.Remove(s.socketPath)
	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Error().Err(err).Msg("control socket accept error")
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(SocketReadWriteTimeout))

	decoder := json.NewDecoder(conn)
	var req Request
	if err := decoder.Decode(&req); err != nil {
		s.sendError(conn, fmt.Errorf("decode request: %w", err))
		return
	}

	resp := s.handleCommand(req)

	encoder := json.NewEncoder(conn)
	_ = encoder.Encode(resp)
}

func (s *Server) handleCommand(req Request) Response {
	s.mu.RLock()
	engine := s.engine
	s.mu.RUnlock()

	if engine == nil {
		return Response{Success: false, Error: "engine not initialized"}
	}

	switch req.Command {
	case CmdBegin:
		engine.BeginSession()
		return valueResponse(ValueResponse{Value: 0})
	case CmdScan:
		return s.handleScan(engine)
	case CmdAdd:
		return s.handleAdd(engine, req.Payload)
	case CmdRemove:
		return s.handleRemove(engine, req.Payload)
	case CmdExternal:
		return s.handleExternal(engine)
	case CmdStatus:
		return s.handleStatus(engine)
	default:
		return Response{Success: false, Error: fmt.Sprintf("unknown command: %s", req.Command)}
	}
}

func (s *Server) handleScan(engine *upnp.Engine) Response {
	v := engine.Scan()
	resp := ValueResponse{Value: int64(v)}
	if gw := engine.Gateway(); v != 0 && gw != nil {
		resp.Address = gw.String()
	}
	return valueResponse(resp)
}

func (s *Server) handleAdd(engine *upnp.Engine, payload json.RawMessage) Response {
	var req AddRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return Response{Success: false, Error: fmt.Sprintf("invalid payload: %v", err)}
	}

	localIP := net.ParseIP(req.LocalIP)
	if localIP == nil || localIP.To4() == nil {
		return Response{Success: false, Error: fmt.Sprintf("invalid local_ip %q", req.LocalIP)}
	}
	if req.LocalPort == 0 || req.RemotePort == 0 {
		return Response{Success: false, Error: "local_port and remote_port are required"}
	}

	if err := engine.AddPort(localIP, req.LocalPort, req.RemotePort); err != nil {
		return valueResponse(ValueResponse{Value: ValueRejected, Detail: err.Error()})
	}

	log.Info().
		Str("local_ip", req.LocalIP).
		Uint16("local_port", req.LocalPort).
		Uint16("remote_port", req.RemotePort).
		Msg("port mapping requested via control socket")
	return valueResponse(ValueResponse{Value: 0})
}

func (s *Server) handleRemove(engine *upnp.Engine, payload json.RawMessage) Response {
	var req RemoveRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return Response{Success: false, Error: fmt.Sprintf("invalid payload: %v", err)}
	}
	if req.RemotePort == 0 {
		return Response{Success: false, Error: "remote_port is required"}
	}

	if err := engine.RemovePort(req.RemotePort); err != nil {
		return valueResponse(ValueResponse{Value: ValueRejected, Detail: err.Error()})
	}

	log.Info().Uint16("remote_port", req.RemotePort).Msg("port mapping removal requested via control socket")
	return valueResponse(ValueResponse{Value: 0})
}

func (s *Server) handleExternal(engine *upnp.Engine) Response {
	addr, err := engine.ExternalAddress()
	if err != nil {
		return valueResponse(ValueResponse{Value: ValueRejected, Detail: err.Error()})
	}
	resp := ValueResponse{Value: int64(addr)}
	if addr != 0 {
		resp.Address = net.IPv4(byte(addr>>24), byte(addr>>16), byte(addr>>8), byte(addr)).String()
	}
	return valueResponse(resp)
}

func (s *Server) handleStatus(engine *upnp.Engine) Response {
	resp := StatusResponse{State: engine.State().String()}
	if gw := engine.Gateway(); gw != nil {
		resp.Gateway = gw.String()
	}
	data, _ := json.Marshal(resp)
	return Response{Success: true, Data: data}
}

func valueResponse(v ValueResponse) Response {
	data, _ := json.Marshal(v)
	return Response{Success: true, Data: data}
}

func (s *Server) sendError(conn net.Conn, err error) {
	resp := Response{Success: false, Error: err.Error()}
	_ = json.NewEncoder(conn).Encode(resp)
}

// Client is a control socket client for CLI commands.
type Client struct {
	socketPath string
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Send sends a request and returns the response.
func (c *Client) Send(req Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, SocketDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to control socket: %w", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(SocketReadWriteTimeout))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &resp, nil
}

func (c *Client) sendValue(req Request) (*ValueResponse, error) {
	resp, err := c.Send(req)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.New(resp.Error)
	}
	var result ValueResponse
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

// Begin resets the daemon's session.
func (c *Client) Begin() error {
	_, err := c.sendValue(Request{Command: CmdBegin})
	return err
}

// Scan starts or polls gateway discovery.
func (c *Client) Scan() (*ValueResponse, error) {
	return c.sendValue(Request{Command: CmdScan})
}

// AddPort requests a port mapping.
func (c *Client) AddPort(localIP string, localPort, remotePort uint16) (*ValueResponse, error) {
	payload, _ := json.Marshal(AddRequest{
		LocalIP:    localIP,
		LocalPort:  localPort,
		RemotePort: remotePort,
	})
	return c.sendValue(Request{Command: CmdAdd, Payload: payload})
}

// RemovePort requests removal of a port mapping.
func (c *Client) RemovePort(remotePort uint16) (*ValueResponse, error) {
	payload, _ := json.Marshal(RemoveRequest{RemotePort: remotePort})
	return c.sendValue(Request{Command: CmdRemove, Payload: payload})
}

// ExternalAddress starts or polls the external-address query.
func (c *Client) ExternalAddress() (*ValueResponse, error) {
	return c.sendValue(Request{Command: CmdExternal})
}

// Status retrieves the daemon's engine state.
func (c *Client) Status() (*StatusResponse, error) {
	resp, err := c.Send(Request{Command: CmdStatus})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.New(resp.Error)
	}
	var result StatusResponse
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}
