// Package tcp implements the server/client/connection surface on top of
// the reactor package: Acceptor, Connection, Server, Client, Connector.
package tcp

import (
	"net"
	"os"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/edr1412/loom/internal/netfd"
	"github.com/edr1412/loom/logging"
	"github.com/edr1412/loom/reactor"
)

// NewConnectionCallback is invoked with a freshly accepted socket and
// its peer address; the Acceptor has no opinion on what happens next.
type NewConnectionCallback func(connFd int, peerAddr *net.TCPAddr)

// Acceptor owns a listening socket, its Channel, and an idle reserve fd
// used to survive EMFILE without busy-looping on a readable listening
// socket.
type Acceptor struct {
	loop       *reactor.Loop
	listenFD   int
	listenFile *os.File // non-nil on the reuseport path; owns listenFD
	listenAddr *net.TCPAddr
	channel    *reactor.Channel
	idleFD     int
	listening  bool

	NewConnection NewConnectionCallback
}

// NewAcceptor binds addr (SO_REUSEPORT if reuse is true, via
// go_reuseport) and returns an Acceptor not yet listening.
func NewAcceptor(loop *reactor.Loop, addr string, reuse bool) (*Acceptor, error) {
	var fd int
	var file *os.File
	var tcpAddr *net.TCPAddr
	var err error
	if reuse {
		fd, file, tcpAddr, err = listenReuseport(addr)
	} else {
		fd, tcpAddr, err = netfd.Listen(addr, false)
	}
	if err != nil {
		return nil, errors.Wrap(err, "tcp: acceptor listen")
	}

	idleFD, err := netfd.OpenIdleFD()
	if err != nil {
		if file != nil {
			file.Close()
		} else {
			netfd.Close(fd)
		}
		return nil, errors.Wrap(err, "tcp: acceptor reserve fd")
	}

	a := &Acceptor{loop: loop, listenFD: fd, listenFile: file, listenAddr: tcpAddr, idleFD: idleFD}
	a.channel = reactor.NewChannel(loop, fd)
	a.channel.SetReadCallback(a.handleRead)
	return a, nil
}

// listenReuseport adapts go_reuseport's net.Listener to the raw
// nonblocking fd this package's Channel machinery expects. The returned
// *os.File owns the fd; the Acceptor must hold it for the fd's lifetime,
// or its finalizer closes the fd out from under the Channel.
func listenReuseport(addr string) (int, *os.File, *net.TCPAddr, error) {
	ln, err := reuseport.Listen("tcp", addr)
	if err != nil {
		return 0, nil, nil, err
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return 0, nil, nil, errors.New("tcp: reuseport listener is not TCP")
	}
	f, err := tcpLn.File()
	if err != nil {
		ln.Close()
		return 0, nil, nil, err
	}
	// File() duplicated the descriptor; release the listener's own.
	ln.Close()
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		f.Close()
		return 0, nil, nil, err
	}
	addrTCP, _ := tcpLn.Addr().(*net.TCPAddr)
	return fd, f, addrTCP, nil
}

// ListenAddr returns the bound local address.
func (a *Acceptor) ListenAddr() *net.TCPAddr { return a.listenAddr }

// Listen starts listening and enables read events on the loop.
func (a *Acceptor) Listen() {
	a.loop.AssertInLoopThread()
	a.listening = true
	a.channel.EnableReading()
}

func (a *Acceptor) handleRead(ts time.Time) {
	connFD, peer, err := netfd.Accept4(a.listenFD)
	if err == nil {
		if a.NewConnection != nil {
			a.NewConnection(connFD, peer)
		} else {
			netfd.Close(connFD)
		}
		return
	}
	if errors.Is(err, unix.EAGAIN) {
		return
	}
	if errors.Is(err, unix.EMFILE) {
		// Close the idle reserve, accept-and-drop the connection that
		// would otherwise keep the listening fd perpetually readable,
		// then reopen the reserve for next time.
		netfd.Close(a.idleFD)
		fd, _, _ := netfd.Accept4(a.listenFD)
		if fd > 0 {
			netfd.Close(fd)
		}
		a.idleFD, _ = netfd.OpenIdleFD()
		return
	}
	logging.WithField("err", err).Warn("acceptor: accept failed")
}

// Close tears down the listening socket, its reserve fd, and Channel.
func (a *Acceptor) Close() {
	a.channel.DisableAll()
	a.channel.Remove()
	if a.listenFile != nil {
		a.listenFile.Close()
	} else {
		netfd.Close(a.listenFD)
	}
	netfd.Close(a.idleFD)
}
