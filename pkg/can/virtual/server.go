package virtual

import (
	"encoding/binary"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Server is the broker every virtual Bus dials into: it relays every wire
// frame it receives from one client to all other connected clients. It
// exists purely to support tests and local development; production
// adapters talk to real hardware.
type Server struct {
	mu        sync.Mutex
	listener  net.Listener
	clients   map[net.Conn]struct{}
	closeOnce sync.Once
}

// Listen starts a broker on addr (e.g. "127.0.0.1:0" to pick a free port).
func Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{listener: ln, clients: make(map[net.Conn]struct{})}
	go s.acceptLoop()
	return s, nil
}

// Addr returns the broker's bound address, useful when Listen was given
// port 0.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Close stops accepting new clients and closes every existing connection.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		_ = s.listener.Close()
		s.mu.Lock()
		for c := range s.clients {
			_ = c.Close()
		}
		s.clients = nil
		s.mu.Unlock()
	})
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.clients[conn] = struct{}{}
		s.mu.Unlock()
		go s.relay(conn)
	}
}

func (s *Server) relay(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()
	for {
		lenBytes := make([]byte, 4)
		if _, err := readFull(conn, lenBytes); err != nil {
			return
		}
		bodyLen := binary.BigEndian.Uint32(lenBytes)
		body := make([]byte, bodyLen)
		if _, err := readFull(conn, body); err != nil {
			return
		}
		frame := append(lenBytes, body...)
		s.broadcast(conn, frame)
	}
}

func (s *Server) broadcast(from net.Conn, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if c == from {
			continue
		}
		if _, err := c.Write(frame); err != nil {
			log.WithError(err).Debug("virtual broker: dropping unresponsive client")
		}
	}
}
