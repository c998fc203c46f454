package tcp

import (
	"fmt"
	"sync"
	"time"

	"github.com/edr1412/loom/internal/netfd"
	"github.com/edr1412/loom/reactor"
)

// ClientOptions configures a Client: where to connect, what to call the
// connection, and the reconnect backoff bounds. Zero backoff values use
// the Connector's defaults.
type ClientOptions struct {
	Name         string
	ServerAddr   string
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// Client owns a Connector and builds a Connection once it succeeds.
type Client struct {
	loop      *reactor.Loop
	opts      ClientOptions
	connector *Connector

	mu      sync.Mutex
	conn    *Connection
	connect bool // true between Connect and Disconnect/Stop
	retry   bool // reconnect after an established connection drops

	onConnection    ConnectionCallback
	onMessage       MessageCallback
	onWriteComplete WriteCompleteCallback
}

// NewClient creates a Client bound to loop, not yet connecting.
func NewClient(loop *reactor.Loop, opts ClientOptions) *Client {
	c := &Client{loop: loop, opts: opts}
	c.connector = NewConnector(loop, opts.ServerAddr, opts.RetryInitial, opts.RetryMax)
	c.connector.OnNewConnection = c.newConnection
	return c
}

func (c *Client) SetConnectionCallback(cb ConnectionCallback)       { c.onConnection = cb }
func (c *Client) SetMessageCallback(cb MessageCallback)             { c.onMessage = cb }
func (c *Client) SetWriteCompleteCallback(cb WriteCompleteCallback) { c.onWriteComplete = cb }

// Retry toggles whether the Connector reconnects after an established
// connection closes for a reason other than Disconnect or Stop.
func (c *Client) Retry(on bool) {
	c.mu.Lock()
	c.retry = on
	c.mu.Unlock()
}

// Connect arms the Connector.
func (c *Client) Connect() {
	c.mu.Lock()
	c.connect = true
	c.mu.Unlock()
	c.connector.Start()
}

// Disconnect requests a graceful close of any active connection and
// suppresses reconnection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.connect = false
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Shutdown()
	}
}

// Stop aborts a pending reconnect.
func (c *Client) Stop() {
	c.mu.Lock()
	c.connect = false
	c.mu.Unlock()
	c.connector.Stop()
}

// Connection returns the currently active connection, or nil.
func (c *Client) Connection() *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) newConnection(fd int) {
	local, _ := netfd.LocalAddr(fd)
	peer, _ := netfd.PeerAddr(fd)
	name := fmt.Sprintf("%s-client-%s", c.opts.Name, c.opts.ServerAddr)

	conn := NewConnection(c.loop, name, fd, local, peer)
	conn.SetConnectionCallback(c.onConnection)
	conn.SetMessageCallback(c.onMessage)
	conn.SetWriteCompleteCallback(c.onWriteComplete)
	conn.setCloseCallback(c.removeConnection)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.loop.RunInLoop(conn.connectEstablished)
}

func (c *Client) removeConnection(conn *Connection) {
	c.mu.Lock()
	c.conn = nil
	reconnect := c.retry && c.connect
	c.mu.Unlock()
	conn.Loop().QueueInLoop(conn.connectDestroyed)
	if reconnect {
		c.connector.Restart()
	}
}
