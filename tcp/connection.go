package tcp

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edr1412/loom/buffer"
	"github.com/edr1412/loom/internal/netfd"
	"github.com/edr1412/loom/logging"
	"github.com/edr1412/loom/reactor"
)

// State is a Connection's position in its lifecycle:
// Connecting -> Connected -> Disconnecting -> Disconnected.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

const defaultHighWaterMark = 64 * 1024 * 1024

// MessageCallback receives bytes read from the peer; it may consume the
// buffer partially, leaving the remainder for the next invocation.
type MessageCallback func(conn *Connection, buf *buffer.Buffer, ts time.Time)

// ConnectionCallback fires once a Connection reaches Connected and once
// more when it reaches Disconnected.
type ConnectionCallback func(conn *Connection)

// WriteCompleteCallback fires once all data passed to Send has been
// handed to the kernel: right after a direct write sends everything, or
// when the output buffer fully drains.
type WriteCompleteCallback func(conn *Connection)

// HighWaterMarkCallback fires when buffered output crosses the
// configured threshold during a send.
type HighWaterMarkCallback func(conn *Connection, bufferedBytes int)

// CloseCallback is installed by Server/Client, not by application code;
// it removes the connection from their registry and schedules
// connectDestroyed.
type CloseCallback func(conn *Connection)

// Connection is the per-socket state machine: a Channel, two Buffers,
// and the callback set a protocol layer installs. A self-reference
// (selfRef) is held while the Channel is registered and released only
// inside connectDestroyed, so in-flight callbacks outlive the
// connection's removal from its Server/Client registry; Channel.Tie's
// liveness probe is the read side of that relationship.
type Connection struct {
	loop *reactor.Loop
	name string
	fd   int

	channel *reactor.Channel
	local   *net.TCPAddr
	peer    *net.TCPAddr

	state atomic.Int32

	inputBuf  buffer.Buffer
	outputBuf buffer.Buffer

	highWaterMark int

	onConnection    ConnectionCallback
	onMessage       MessageCallback
	onWriteComplete WriteCompleteCallback
	onHighWaterMark HighWaterMarkCallback
	onClose         CloseCallback

	bytesSent     atomic.Int64
	bytesReceived atomic.Int64

	ctxMu sync.RWMutex
	ctx   interface{}

	selfRef *Connection // see doc comment above; nil once released
}

// NewConnection wraps an already-accepted or already-connected fd,
// bound to loop. name is the registry key the owning Server/Client
// assigns.
func NewConnection(loop *reactor.Loop, name string, fd int, local, peer *net.TCPAddr) *Connection {
	c := &Connection{
		loop:          loop,
		name:          name,
		fd:            fd,
		local:         local,
		peer:          peer,
		highWaterMark: defaultHighWaterMark,
	}
	c.inputBuf = *buffer.New()
	c.outputBuf = *buffer.New()
	c.state.Store(int32(StateConnecting))
	c.channel = reactor.NewChannel(loop, fd)
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)
	c.channel.Tie(func() bool { return c.selfRef != nil })
	return c
}

func (c *Connection) Name() string            { return c.name }
func (c *Connection) LocalAddr() *net.TCPAddr { return c.local }
func (c *Connection) PeerAddr() *net.TCPAddr  { return c.peer }
func (c *Connection) Loop() *reactor.Loop     { return c.loop }
func (c *Connection) State() State            { return State(c.state.Load()) }
func (c *Connection) Connected() bool         { return c.State() == StateConnected }

// BytesSent and BytesReceived are cumulative byte counters, safe to
// read from any goroutine.
func (c *Connection) BytesSent() int64     { return c.bytesSent.Load() }
func (c *Connection) BytesReceived() int64 { return c.bytesReceived.Load() }

// Context/SetContext let a protocol layer attach per-connection state
// without wrapping Connection.
func (c *Connection) Context() interface{} {
	c.ctxMu.RLock()
	defer c.ctxMu.RUnlock()
	return c.ctx
}

func (c *Connection) SetContext(ctx interface{}) {
	c.ctxMu.Lock()
	c.ctx = ctx
	c.ctxMu.Unlock()
}

func (c *Connection) SetConnectionCallback(cb ConnectionCallback)       { c.onConnection = cb }
func (c *Connection) SetMessageCallback(cb MessageCallback)             { c.onMessage = cb }
func (c *Connection) SetWriteCompleteCallback(cb WriteCompleteCallback) { c.onWriteComplete = cb }
func (c *Connection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	c.onHighWaterMark = cb
	c.highWaterMark = mark
}
func (c *Connection) setCloseCallback(cb CloseCallback) { c.onClose = cb }

// connectEstablished transitions Connecting->Connected, enables reading,
// takes the self-strong-reference, and fires onConnection. Called by
// Server/Client via runInLoop right after construction.
func (c *Connection) connectEstablished() {
	c.loop.AssertInLoopThread()
	c.state.Store(int32(StateConnected))
	c.selfRef = c
	c.channel.EnableReading()
	if c.onConnection != nil {
		c.onConnection(c)
	}
}

// connectDestroyed removes the Channel and releases the self-reference;
// runs after handleClose, always on the loop thread.
func (c *Connection) connectDestroyed() {
	c.loop.AssertInLoopThread()
	if c.State() == StateConnected {
		c.state.Store(int32(StateDisconnected))
		c.channel.DisableAll()
		if c.onConnection != nil {
			c.onConnection(c)
		}
	}
	c.channel.Remove()
	netfd.Close(c.fd)
	c.selfRef = nil
}

func (c *Connection) handleRead(ts time.Time) {
	n, err := c.inputBuf.ReadFrom(c.fd)
	switch {
	case n > 0:
		c.bytesReceived.Add(int64(n))
		if c.onMessage != nil {
			c.onMessage(c, &c.inputBuf, ts)
		}
	case err == nil:
		c.handleClose()
	case isEAGAIN(err):
		// Spurious readiness; nothing to do.
	default:
		logging.WithField("conn", c.name).WithField("err", err).Warn("connection: read error")
		c.handleError()
	}
}

func (c *Connection) handleWrite() {
	if !c.channel.IsWriting() {
		return
	}
	n, err := netfd.Write(c.fd, c.outputBuf.Peek())
	if err != nil {
		if !isEAGAIN(err) {
			logging.WithField("conn", c.name).WithField("err", err).Warn("connection: write error")
		}
		return
	}
	c.outputBuf.Consume(n)
	c.bytesSent.Add(int64(n))
	if c.outputBuf.ReadableBytes() == 0 {
		c.channel.DisableWriting()
		if c.onWriteComplete != nil {
			c.onWriteComplete(c)
		}
		if c.State() == StateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

func (c *Connection) handleClose() {
	c.loop.AssertInLoopThread()
	c.channel.DisableAll()
	c.state.Store(int32(StateDisconnected))
	if c.onConnection != nil {
		c.onConnection(c)
	}
	if c.onClose != nil {
		c.onClose(c)
	}
}

func (c *Connection) handleError() {
	if err := netfd.SocketError(c.fd); err != nil {
		logging.WithField("conn", c.name).WithField("err", err).Error("connection: socket error")
	}
}

// Send queues data for delivery; on the loop goroutine with an empty
// output buffer it attempts a direct non-blocking write first.
// Off-loop callers have their payload copied and the write path posted
// via QueueInLoop.
func (c *Connection) Send(data []byte) {
	if c.State() != StateConnected {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(data)
		return
	}
	cp := append([]byte(nil), data...)
	c.loop.QueueInLoop(func() { c.sendInLoop(cp) })
}

func (c *Connection) sendInLoop(data []byte) {
	if c.State() != StateConnected {
		return
	}
	remaining := data
	if !c.channel.IsWriting() && c.outputBuf.ReadableBytes() == 0 {
		n, err := netfd.Write(c.fd, data)
		if err != nil && !isEAGAIN(err) {
			logging.WithField("conn", c.name).WithField("err", err).Warn("connection: send error")
			return
		}
		c.bytesSent.Add(int64(n))
		remaining = data[n:]
		if len(remaining) == 0 {
			if c.onWriteComplete != nil {
				c.onWriteComplete(c)
			}
			return
		}
	}
	if len(remaining) == 0 {
		return
	}
	before := c.outputBuf.ReadableBytes()
	c.outputBuf.Append(remaining)
	if before < c.highWaterMark && before+len(remaining) >= c.highWaterMark && c.onHighWaterMark != nil {
		c.onHighWaterMark(c, before+len(remaining))
	}
	if !c.channel.IsWriting() {
		c.channel.EnableWriting()
	}
}

// Shutdown half-closes the write side once the output buffer drains.
func (c *Connection) Shutdown() {
	if c.State() != StateConnected {
		return
	}
	c.state.Store(int32(StateDisconnecting))
	c.loop.RunInLoop(c.shutdownInLoop)
}

func (c *Connection) shutdownInLoop() {
	if !c.channel.IsWriting() {
		netfd.ShutdownWrite(c.fd)
	}
}

// ForceClose unconditionally moves the connection toward handleClose.
func (c *Connection) ForceClose() {
	if c.State() == StateConnected || c.State() == StateDisconnecting {
		c.state.Store(int32(StateDisconnecting))
		c.loop.QueueInLoop(func() {
			if c.State() != StateDisconnected {
				c.handleClose()
			}
		})
	}
}

// ForceCloseWithDelay is ForceClose scheduled after d via the loop's
// timer queue rather than immediately.
func (c *Connection) ForceCloseWithDelay(d time.Duration) {
	if c.State() == StateConnected || c.State() == StateDisconnecting {
		c.state.Store(int32(StateDisconnecting))
		c.loop.RunAfter(d, c.ForceClose)
	}
}

func (c *Connection) SetTCPNoDelay(on bool) error { return netfd.SetTCPNoDelay(c.fd, on) }
func (c *Connection) SetKeepAlive(on bool) error  { return netfd.SetKeepAlive(c.fd, on, 0) }

// TCPInfo is a trimmed view of Linux's struct tcp_info (TCP_INFO),
// exposed for retransmit and congestion diagnostics.
type TCPInfo struct {
	State       uint8
	CaState     uint8
	Retransmits uint8
	Rtt         uint32
	RttVar      uint32
	SndCwnd     uint32
	SndMss      uint32
}

// GetTCPInfo reads TCP_INFO for the connection's socket.
func (c *Connection) GetTCPInfo() (TCPInfo, error) {
	raw, err := netfd.GetTCPInfo(c.fd)
	if err != nil {
		return TCPInfo{}, err
	}
	return TCPInfo{
		State:       raw.State,
		CaState:     raw.CaState,
		Retransmits: raw.Retransmits,
		Rtt:         raw.Rtt,
		RttVar:      raw.RttVar,
		SndCwnd:     raw.SndCwnd,
		SndMss:      raw.SndMss,
	}, nil
}

func isEAGAIN(err error) bool {
	return err == netfd.ErrWouldBlock
}
