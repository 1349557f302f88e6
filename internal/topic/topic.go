// Package topic speaks the control protocol between the daemon and a running
// server process: one JSON request line and one JSON response line per TCP
// connection.
package topic

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/zulandar/roundhouse/internal/models"
)

// Commands understood by the server process.
const (
	CommandHandshake      = "handshake"
	CommandHealth         = "health"
	CommandSetRebootState = "set_reboot_state"
	CommandDeployNotify   = "deploy_notify"
)

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Parameter keys.
const (
	ParamRebootState  = "reboot_state"
	ParamCompileJobID = "compile_job_id"
	ParamDirectory    = "directory"
	ParamAccessID     = "roundhouse_access_identifier"
	ParamControlPort  = "roundhouse_control_port"
	ParamHostVersion  = "roundhouse_version"
	ParamInstanceName = "roundhouse_instance"
)

// DefaultTimeout bounds a request when the client is built without one.
const DefaultTimeout = 5 * time.Second

const maxResponseLineLen = 1 << 20

var (
	// ErrRejected is returned when the server answers with an error status.
	ErrRejected = errors.New("topic: request rejected")
	// ErrIdentifierMismatch is returned when a handshake echoes an access
	// identifier other than the one presented.
	ErrIdentifierMismatch = errors.New("topic: access identifier mismatch")
	// ErrExited is returned by AwaitHandshake when the server process exits
	// before answering.
	ErrExited = errors.New("server exited before handshake")
)

// Request is one command line sent to the server.
type Request struct {
	Command          string            `json:"command"`
	AccessIdentifier string            `json:"access_identifier"`
	Parameters       map[string]string `json:"parameters,omitempty"`
}

// Response is the server's single reply line.
type Response struct {
	Status           string            `json:"status"`
	Error            string            `json:"error,omitempty"`
	AccessIdentifier string            `json:"access_identifier,omitempty"`
	APIVersion       string            `json:"api_version,omitempty"`
	SecurityLevel    string            `json:"security_level,omitempty"`
	Data             map[string]string `json:"data,omitempty"`
}

// Handshake is what a server reports about itself.
type Handshake struct {
	// APIVersion is the plugin API version, empty when the build does not
	// carry the plugin.
	APIVersion string
	// SecurityLevel is the tier the server reports running at, nil when
	// it does not say.
	SecurityLevel *models.SecurityLevel
}

// Client sends requests to one control port.
type Client struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer
}

// NewClient returns a client for the control port on the loopback interface.
// timeout bounds each request in addition to the caller's context.
func NewClient(port uint16, timeout time.Duration) *Client {
	return NewClientAddr(net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))), timeout)
}

// NewClientAddr returns a client for an explicit host:port.
func NewClientAddr(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{addr: addr, timeout: timeout}
}

// Addr returns the address requests are sent to.
func (c *Client) Addr() string { return c.addr }

// Do sends req and reads one response. A response with an error status is
// returned together with an error wrapping ErrRejected.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return Response{}, fmt.Errorf("topic: %s: dial %s: %w", req.Command, c.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	// Unblock reads when ctx is cancelled before the deadline.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	line, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("topic: %s: encode: %w", req.Command, err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return Response{}, c.ioError(ctx, req.Command, "write", err)
	}

	reader := bufio.NewReaderSize(conn, 4096)
	raw, err := readLine(reader)
	if err != nil {
		return Response{}, c.ioError(ctx, req.Command, "read", err)
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, fmt.Errorf("topic: %s: decode response: %w", req.Command, err)
	}
	if resp.Status != StatusOK {
		return resp, fmt.Errorf("topic: %s: %w: %s", req.Command, ErrRejected, resp.Error)
	}
	return resp, nil
}

// ioError prefers the context error so callers can tell cancellation from
// an unresponsive server.
func (c *Client) ioError(ctx context.Context, command, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("topic: %s: %s %s: %w", command, op, c.addr, ctxErr)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("topic: %s: %s %s: %w", command, op, c.addr, context.DeadlineExceeded)
	}
	return fmt.Errorf("topic: %s: %s %s: %w", command, op, c.addr, err)
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
		if len(buf) > maxResponseLineLen {
			return nil, fmt.Errorf("response line exceeds %d bytes", maxResponseLineLen)
		}
		if !isPrefix {
			return buf, nil
		}
	}
}

// Handshake presents accessID and returns what the server reports. The
// server must echo the identifier back.
func (c *Client) Handshake(ctx context.Context, accessID string) (Handshake, error) {
	resp, err := c.Do(ctx, Request{Command: CommandHandshake, AccessIdentifier: accessID})
	if err != nil {
		return Handshake{}, err
	}
	if resp.AccessIdentifier != accessID {
		return Handshake{}, fmt.Errorf("topic: handshake with %s: %w", c.addr, ErrIdentifierMismatch)
	}
	hs := Handshake{APIVersion: resp.APIVersion}
	if resp.SecurityLevel != "" {
		level, err := models.ParseSecurityLevel(resp.SecurityLevel)
		if err != nil {
			return Handshake{}, fmt.Errorf("topic: handshake with %s: %w", c.addr, err)
		}
		hs.SecurityLevel = &level
	}
	return hs, nil
}

// Health asks the server whether it is responsive.
func (c *Client) Health(ctx context.Context, accessID string) error {
	_, err := c.Do(ctx, Request{Command: CommandHealth, AccessIdentifier: accessID})
	return err
}

// SetRebootState tells the server what to do at its next safe reboot point.
func (c *Client) SetRebootState(ctx context.Context, accessID string, state models.RebootState) error {
	_, err := c.Do(ctx, Request{
		Command:          CommandSetRebootState,
		AccessIdentifier: accessID,
		Parameters:       map[string]string{ParamRebootState: state.String()},
	})
	return err
}

// NotifyDeploy tells the server a new build is live and should be picked up
// on the next reboot.
func (c *Client) NotifyDeploy(ctx context.Context, accessID string, compileJobID uint, directory string) error {
	_, err := c.Do(ctx, Request{
		Command:          CommandDeployNotify,
		AccessIdentifier: accessID,
		Parameters: map[string]string{
			ParamCompileJobID: strconv.FormatUint(uint64(compileJobID), 10),
			ParamDirectory:    directory,
		},
	})
	return err
}

// AwaitHandshake retries Handshake every interval while the server starts.
// It gives up on an identifier mismatch, when exited is closed, or when ctx
// ends.
func (c *Client) AwaitHandshake(ctx context.Context, accessID string, interval time.Duration, exited <-chan struct{}) (Handshake, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last error
	for {
		hs, err := c.Handshake(ctx, accessID)
		if err == nil {
			return hs, nil
		}
		if errors.Is(err, ErrIdentifierMismatch) || errors.Is(err, ErrRejected) {
			return Handshake{}, err
		}
		last = err
		select {
		case <-ctx.Done():
			return Handshake{}, fmt.Errorf("topic: no handshake from %s: %w (last error: %v)", c.addr, ctx.Err(), last)
		case <-exited:
			return Handshake{}, fmt.Errorf("topic: %s: %w", c.addr, ErrExited)
		case <-ticker.C:
		}
	}
}
