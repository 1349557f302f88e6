// Package topictest provides an in-process control-port server standing in
// for a running game server in tests.
package topictest

import (
	"bufio"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/zulandar/roundhouse/internal/topic"
)

// Server answers topic requests on a loopback port.
type Server struct {
	ln net.Listener
	wg sync.WaitGroup

	mu            sync.Mutex
	accessID      string
	apiVersion    string
	securityLevel string
	unhealthy     bool
	silent        bool
	reject        string
	requests      []topic.Request
	closed        bool
}

// NewServer starts a server that identifies as accessID and reports
// apiVersion (empty when the build has no plugin) at securityLevel.
func NewServer(accessID, apiVersion, securityLevel string) (*Server, error) {
	return NewServerOn(0, accessID, apiVersion, securityLevel)
}

// NewServerOn is NewServer bound to a specific loopback port.
func NewServerOn(port uint16, accessID, apiVersion, securityLevel string) (*Server, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	if err != nil {
		return nil, err
	}
	s := &Server{ln: ln, accessID: accessID, apiVersion: apiVersion, securityLevel: securityLevel}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Port returns the listening port.
func (s *Server) Port() uint16 {
	return uint16(s.ln.Addr().(*net.TCPAddr).Port)
}

// SetHealthy controls the answer to health requests.
func (s *Server) SetHealthy(ok bool) {
	s.mu.Lock()
	s.unhealthy = !ok
	s.mu.Unlock()
}

// SetSilent makes the server accept connections without ever answering.
func (s *Server) SetSilent(silent bool) {
	s.mu.Lock()
	s.silent = silent
	s.mu.Unlock()
}

// RejectHandshake makes handshakes fail with reason. An empty reason
// accepts them again.
func (s *Server) RejectHandshake(reason string) {
	s.mu.Lock()
	s.reject = reason
	s.mu.Unlock()
}

// SetAccessIdentifier changes the identifier the server reports.
func (s *Server) SetAccessIdentifier(id string) {
	s.mu.Lock()
	s.accessID = id
	s.mu.Unlock()
}

// Requests returns a copy of every request received so far.
func (s *Server) Requests() []topic.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]topic.Request(nil), s.requests...)
}

// Count returns how many requests carried command.
func (s *Server) Count(command string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Command == command {
			n++
		}
	}
	return n
}

// FreePort returns a loopback port that was free a moment ago.
func FreePort() (uint16, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port), nil
}

// Close stops the listener and waits for open connections to finish.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.ln.Close()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return
	}
	var req topic.Request
	if err := json.Unmarshal(line, &req); err != nil {
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	silent := s.silent
	resp := s.respond(req)
	s.mu.Unlock()

	if silent {
		// Hold the connection open until the client gives up.
		buf := make([]byte, 1)
		conn.Read(buf)
		return
	}
	out, _ := json.Marshal(resp)
	conn.Write(append(out, '\n'))
}

// respond must be called with s.mu held.
func (s *Server) respond(req topic.Request) topic.Response {
	if req.Command == topic.CommandHandshake {
		if s.reject != "" {
			return topic.Response{Status: topic.StatusError, Error: s.reject}
		}
		return topic.Response{
			Status:           topic.StatusOK,
			AccessIdentifier: s.accessID,
			APIVersion:       s.apiVersion,
			SecurityLevel:    s.securityLevel,
		}
	}
	if req.AccessIdentifier != s.accessID {
		return topic.Response{Status: topic.StatusError, Error: "unknown access identifier"}
	}
	switch req.Command {
	case topic.CommandHealth:
		if s.unhealthy {
			return topic.Response{Status: topic.StatusError, Error: "world is lagging"}
		}
		return topic.Response{Status: topic.StatusOK}
	case topic.CommandSetRebootState, topic.CommandDeployNotify:
		return topic.Response{Status: topic.StatusOK}
	}
	return topic.Response{Status: topic.StatusError, Error: "unknown command " + req.Command}
}
