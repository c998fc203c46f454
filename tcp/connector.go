package tcp

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/edr1412/loom/internal/netfd"
	"github.com/edr1412/loom/logging"
	"github.com/edr1412/loom/reactor"
)

// connectorState tracks the Connector's small state machine:
// Disconnected -> Connecting -> Connected -> Disconnected.
type connectorState int

const (
	connectorDisconnected connectorState = iota
	connectorConnecting
	connectorConnected
)

const (
	defaultInitialRetry = 500 * time.Millisecond
	defaultMaxRetry     = 30 * time.Second
)

// NewConnectionFunc is invoked once a Connector establishes a socket.
type NewConnectionFunc func(fd int)

// Connector owns the retry loop for an outbound TCP connection:
// connect() failures are classified into retryable (exponential backoff,
// capped) and fatal (reported once, Connector stops).
type Connector struct {
	loop *reactor.Loop
	addr string

	state        connectorState
	initialRetry time.Duration
	retryDelay   time.Duration
	maxRetry     time.Duration
	retryOn      bool
	connectFD    int
	channel      *reactor.Channel
	timerID      reactor.TimerID
	hasTimer     bool

	OnNewConnection NewConnectionFunc
	OnFatalError    func(error)
}

// NewConnector creates a Connector targeting addr, not yet started.
// Non-positive backoff values fall back to the defaults.
func NewConnector(loop *reactor.Loop, addr string, initialRetry, maxRetry time.Duration) *Connector {
	if initialRetry <= 0 {
		initialRetry = defaultInitialRetry
	}
	if maxRetry <= 0 {
		maxRetry = defaultMaxRetry
	}
	return &Connector{
		loop:         loop,
		addr:         addr,
		initialRetry: initialRetry,
		retryDelay:   initialRetry,
		maxRetry:     maxRetry,
		retryOn:      true,
	}
}

// Start arms the connector: Disconnected -> Connecting, attempting an
// immediate non-blocking connect.
func (c *Connector) Start() {
	c.loop.RunInLoop(c.startInLoop)
}

func (c *Connector) startInLoop() {
	c.loop.AssertInLoopThread()
	if c.state != connectorDisconnected {
		return
	}
	c.state = connectorConnecting
	c.connect()
}

func (c *Connector) connect() {
	fd, err := netfd.Connect(c.addr)
	if err != nil {
		c.handleConnectError(err)
		return
	}
	c.connectFD = fd
	c.channel = reactor.NewChannel(c.loop, fd)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetErrorCallback(c.handleError)
	c.channel.EnableWriting()
}

func (c *Connector) handleConnectError(err error) {
	if isRetryableConnectError(err) {
		c.retryLater()
		return
	}
	logging.WithField("addr", c.addr).WithField("err", err).Error("connector: fatal connect error")
	if c.OnFatalError != nil {
		c.OnFatalError(errors.Wrapf(err, "connector: connect %s", c.addr))
	}
	c.state = connectorDisconnected
}

func (c *Connector) handleWrite() {
	if c.state != connectorConnecting {
		return
	}
	c.removeAndResetChannel()

	if err := netfd.SocketError(c.connectFD); err != nil {
		netfd.Close(c.connectFD)
		c.handleConnectError(err)
		return
	}

	c.state = connectorConnected
	if c.OnNewConnection != nil {
		c.OnNewConnection(c.connectFD)
	}
}

func (c *Connector) handleError() {
	if c.state != connectorConnecting {
		return
	}
	err := netfd.SocketError(c.connectFD)
	c.removeAndResetChannel()
	netfd.Close(c.connectFD)
	c.handleConnectError(err)
}

func (c *Connector) removeAndResetChannel() {
	c.channel.DisableAll()
	c.channel.Remove()
	c.channel = nil
}

func (c *Connector) retryLater() {
	if !c.retryOn {
		c.state = connectorDisconnected
		return
	}
	c.state = connectorDisconnected
	delay := c.retryDelay
	c.timerID = c.loop.RunAfter(delay, func() {
		c.hasTimer = false
		c.startInLoop()
	})
	c.hasTimer = true
	c.retryDelay *= 2
	if c.retryDelay > c.maxRetry {
		c.retryDelay = c.maxRetry
	}
}

// Restart resets the backoff and re-arms the connector. Used by Client
// when an established connection drops and retry is enabled.
func (c *Connector) Restart() {
	c.loop.RunInLoop(func() {
		c.state = connectorDisconnected
		c.retryDelay = c.initialRetry
		c.retryOn = true
		c.startInLoop()
	})
}

// Stop aborts a pending reconnect timer, if any, and stops further
// retries.
func (c *Connector) Stop() {
	c.loop.RunInLoop(func() {
		c.retryOn = false
		if c.hasTimer {
			c.loop.CancelTimer(c.timerID)
			c.hasTimer = false
		}
	})
}

// isRetryableConnectError separates transient connect failures, worth a
// capped exponential backoff, from ones retrying can never fix.
func isRetryableConnectError(err error) bool {
	switch errors.Cause(err) {
	case unix.ECONNREFUSED, unix.ENETUNREACH, unix.ETIMEDOUT, unix.EAGAIN,
		unix.EADDRINUSE, unix.EADDRNOTAVAIL, unix.EINPROGRESS, unix.ECONNRESET:
		return true
	default:
		return false
	}
}
