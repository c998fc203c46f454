package tcp

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/edr1412/loom/reactor"
)

// ServerOptions configures a Server at construction: listen address,
// I/O thread count (default 0, meaning the base loop handles
// everything), name, and SO_REUSEPORT.
type ServerOptions struct {
	Name       string
	ListenAddr string
	ThreadNum  int
	Reuseport  bool
}

// Server owns an Acceptor, a LoopThreadPool, and a name->Connection
// registry. New connections are distributed round-robin across the
// pool's loops.
type Server struct {
	baseLoop *reactor.Loop
	opts     ServerOptions
	acceptor *Acceptor
	pool     *reactor.LoopThreadPool

	mu      sync.Mutex
	conns   map[string]*Connection
	started bool
	nextID  int

	onConnection    ConnectionCallback
	onMessage       MessageCallback
	onWriteComplete WriteCompleteCallback
}

// NewServer creates a Server bound to baseLoop (the loop that will run
// the Acceptor). Connections are distributed to the pool's loops once
// Start is called.
func NewServer(baseLoop *reactor.Loop, opts ServerOptions) (*Server, error) {
	acceptor, err := NewAcceptor(baseLoop, opts.ListenAddr, opts.Reuseport)
	if err != nil {
		return nil, err
	}
	s := &Server{
		baseLoop: baseLoop,
		opts:     opts,
		acceptor: acceptor,
		conns:    make(map[string]*Connection),
	}
	s.pool = reactor.NewLoopThreadPool(baseLoop, reactor.KindEpoll, nil)
	acceptor.NewConnection = s.newConnection
	return s, nil
}

func (s *Server) SetConnectionCallback(cb ConnectionCallback)       { s.onConnection = cb }
func (s *Server) SetMessageCallback(cb MessageCallback)             { s.onMessage = cb }
func (s *Server) SetWriteCompleteCallback(cb WriteCompleteCallback) { s.onWriteComplete = cb }

// SetThreadNum is only legal before Start.
func (s *Server) SetThreadNum(n int) {
	if s.started {
		panic("tcp: Server.SetThreadNum called after Start")
	}
	s.opts.ThreadNum = n
}

// Start launches the I/O thread pool and begins accepting connections.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		panic("tcp: Server.Start called twice")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.pool.Start(s.opts.ThreadNum); err != nil {
		return err
	}
	s.baseLoop.RunInLoop(s.acceptor.Listen)
	return nil
}

// ConnectionCount returns the number of currently registered connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Connections returns a snapshot of currently registered connections,
// for diagnostics.
func (s *Server) Connections() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Server) newConnection(connFD int, peerAddr *net.TCPAddr) {
	loop := s.pool.GetNextLoop()
	name := fmt.Sprintf("%s-%s", s.opts.ListenAddr, uuid.NewString())

	conn := NewConnection(loop, name, connFD, s.acceptor.ListenAddr(), peerAddr)
	conn.SetConnectionCallback(s.onConnection)
	conn.SetMessageCallback(s.onMessage)
	conn.SetWriteCompleteCallback(s.onWriteComplete)
	conn.setCloseCallback(s.removeConnection)

	s.mu.Lock()
	s.conns[name] = conn
	s.mu.Unlock()

	loop.RunInLoop(conn.connectEstablished)
}

func (s *Server) removeConnection(conn *Connection) {
	s.mu.Lock()
	delete(s.conns, conn.Name())
	s.mu.Unlock()
	conn.Loop().QueueInLoop(conn.connectDestroyed)
}

// Stop closes the Acceptor and every registered connection.
func (s *Server) Stop() {
	s.baseLoop.RunInLoop(s.acceptor.Close)
	for _, c := range s.Connections() {
		c.ForceClose()
	}
}
