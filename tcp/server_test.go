package tcp

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edr1412/loom/buffer"
	"github.com/edr1412/loom/reactor"
)

func newTestLoop(t *testing.T) (*reactor.Loop, func()) {
	t.Helper()
	lt := reactor.NewLoopThread(reactor.KindEpoll, nil)
	loop, err := lt.Start()
	if err != nil {
		t.Fatalf("LoopThread.Start: %v", err)
	}
	return loop, func() {
		loop.Quit()
		lt.Wait()
	}
}

// A client connects, sends "hello\n", and the server echoes it back
// byte for byte.
func TestEchoServerRoundTrip(t *testing.T) {
	serverLoop, stopServer := newTestLoop(t)
	defer stopServer()
	clientLoop, stopClient := newTestLoop(t)
	defer stopClient()

	srv, err := NewServer(serverLoop, ServerOptions{ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.SetMessageCallback(func(conn *Connection, buf *buffer.Buffer, ts time.Time) {
		conn.Send(drain(buf))
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := srv.acceptor.ListenAddr().String()

	received := make(chan string, 1)
	client := NewClient(clientLoop, ClientOptions{Name: "test", ServerAddr: addr})
	client.SetMessageCallback(func(conn *Connection, buf *buffer.Buffer, ts time.Time) {
		received <- string(drain(buf))
	})
	client.SetConnectionCallback(func(conn *Connection) {
		if conn.Connected() {
			conn.Send([]byte("hello\n"))
		}
	})
	client.Connect()

	select {
	case got := <-received:
		if got != "hello\n" {
			t.Fatalf("got %q, want %q", got, "hello\n")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}

// A client half-close still delivers the echoed payload to the client,
// and both sides observe connection-down without a reset.
func TestHalfCloseObservedByBothSides(t *testing.T) {
	serverLoop, stopServer := newTestLoop(t)
	defer stopServer()
	clientLoop, stopClient := newTestLoop(t)
	defer stopClient()

	srv, err := NewServer(serverLoop, ServerOptions{ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	serverDown := make(chan struct{}, 1)
	srv.SetMessageCallback(func(conn *Connection, buf *buffer.Buffer, ts time.Time) {
		conn.Send(drain(buf))
	})
	srv.SetConnectionCallback(func(conn *Connection) {
		if !conn.Connected() {
			select {
			case serverDown <- struct{}{}:
			default:
			}
		}
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := srv.acceptor.ListenAddr().String()

	clientMsg := make(chan string, 1)
	clientDown := make(chan struct{}, 1)
	client := NewClient(clientLoop, ClientOptions{Name: "test", ServerAddr: addr})
	client.SetMessageCallback(func(conn *Connection, buf *buffer.Buffer, ts time.Time) {
		clientMsg <- string(drain(buf))
	})
	client.SetConnectionCallback(func(conn *Connection) {
		if conn.Connected() {
			conn.Send([]byte("ping"))
			conn.Shutdown()
		} else {
			select {
			case clientDown <- struct{}{}:
			default:
			}
		}
	})
	client.Connect()

	select {
	case got := <-clientMsg:
		if got != "ping" {
			t.Fatalf("client got %q, want %q", got, "ping")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for echoed ping")
	}

	select {
	case <-serverDown:
	case <-time.After(3 * time.Second):
		t.Fatal("server never observed connection-down after half-close")
	}
	select {
	case <-clientDown:
	case <-time.After(3 * time.Second):
		t.Fatal("client never observed connection-down")
	}
}

// Sending a payload twice the high-water threshold must fire the
// high-water callback exactly once during the send and the
// write-complete callback exactly once after the drain.
func TestHighWaterMarkFiresOnceDuringLargeSend(t *testing.T) {
	serverLoop, stopServer := newTestLoop(t)
	defer stopServer()
	clientLoop, stopClient := newTestLoop(t)
	defer stopClient()

	const highWaterMark = 64 * 1024
	const payloadSize = 128 * 1024

	srv, err := NewServer(serverLoop, ServerOptions{ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	var mu sync.Mutex
	var received int
	allReceived := make(chan struct{})
	srv.SetConnectionCallback(func(conn *Connection) {
		if conn.Connected() {
			conn.SetHighWaterMarkCallback(nil, highWaterMark)
		}
	})
	srv.SetMessageCallback(func(conn *Connection, buf *buffer.Buffer, ts time.Time) {
		n := buf.ReadableBytes()
		buf.Consume(n)
		mu.Lock()
		received += n
		done := received >= payloadSize
		mu.Unlock()
		if done {
			select {
			case <-allReceived:
			default:
				close(allReceived)
			}
		}
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := srv.acceptor.ListenAddr().String()

	var highWaterHits atomic.Int32
	var writeCompleteHits atomic.Int32
	client := NewClient(clientLoop, ClientOptions{Name: "test", ServerAddr: addr})
	client.SetConnectionCallback(func(conn *Connection) {
		if conn.Connected() {
			conn.SetHighWaterMarkCallback(func(c *Connection, n int) {
				highWaterHits.Add(1)
			}, highWaterMark)
			conn.SetWriteCompleteCallback(func(c *Connection) {
				writeCompleteHits.Add(1)
			})
			conn.Send(make([]byte, payloadSize))
		}
	})
	client.Connect()

	select {
	case <-allReceived:
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the full payload")
	}

	deadline := time.Now().Add(2 * time.Second)
	for writeCompleteHits.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if highWaterHits.Load() != 1 {
		t.Fatalf("high-water callback fired %d times, want exactly 1", highWaterHits.Load())
	}
	if writeCompleteHits.Load() != 1 {
		t.Fatalf("write-complete callback fired %d times, want exactly 1", writeCompleteHits.Load())
	}
}

func drain(buf *buffer.Buffer) []byte {
	out := append([]byte(nil), buf.Peek()...)
	buf.ConsumeAll()
	return out
}
