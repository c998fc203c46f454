package netfd

import (
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// Listen creates a non-blocking, close-on-exec TCP listening socket bound
// to addr ("host:port"). When reuse is true SO_REUSEPORT is set so that
// multiple processes (or multiple loops of this process) may bind the
// same address.
func Listen(addr string, reuse bool) (int, *net.TCPAddr, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, nil, err
	}

	domain := unix.AF_INET
	if tcpAddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, nil, err
	}
	if reuse {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			unix.Close(fd)
			return -1, nil, err
		}
	}

	sa, err := sockaddrFromTCPAddr(tcpAddr, domain)
	if err != nil {
		unix.Close(fd)
		return -1, nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, nil, err
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, nil, err
	}

	boundAddr, err := LocalAddr(fd)
	if err != nil {
		unix.Close(fd)
		return -1, nil, err
	}
	return fd, boundAddr, nil
}

// Accept4 accepts one connection from listenFD, returning a non-blocking,
// close-on-exec connection fd and the peer address.
func Accept4(listenFD int) (int, *net.TCPAddr, error) {
	connFD, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, err
	}
	return connFD, SockaddrToTCPAddr(sa), nil
}

// OpenIdleFD opens a throwaway fd used as the acceptor's EMFILE reserve.
func OpenIdleFD() (int, error) {
	return unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
}

// Close closes fd and returns the close(2) error as-is; callers that
// treat a failed close as harmless ignore the result.
func Close(fd int) error {
	return unix.Close(fd)
}

// ErrWouldBlock is the errno a non-blocking Write/Read returns when the
// socket buffer is full/empty; callers compare against this rather than
// the deprecated syscall package's equivalent.
const ErrWouldBlock = unix.EAGAIN

// Write writes p to fd, returning (n, ErrWouldBlock) when the socket
// would otherwise block rather than treating EAGAIN as a hard error.
func Write(fd int, p []byte) (int, error) {
	n, err := unix.Write(fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

// TCPInfoRaw mirrors the subset of Linux's struct tcp_info this package
// exposes through TCPInfo in the tcp package.
type TCPInfoRaw struct {
	State       uint8
	CaState     uint8
	Retransmits uint8
	Rtt         uint32
	RttVar      uint32
	SndCwnd     uint32
	SndMss      uint32
}

// GetTCPInfo reads TCP_INFO for fd.
func GetTCPInfo(fd int) (TCPInfoRaw, error) {
	info, err := unix.GetsockoptTCPInfo(fd, unix.SOL_TCP, unix.TCP_INFO)
	if err != nil {
		return TCPInfoRaw{}, err
	}
	return TCPInfoRaw{
		State:       info.State,
		CaState:     info.Ca_state,
		Retransmits: info.Retransmits,
		Rtt:         info.Rtt,
		RttVar:      info.Rttvar,
		SndCwnd:     info.Snd_cwnd,
		SndMss:      info.Snd_mss,
	}, nil
}

// SetNonblock toggles O_NONBLOCK on fd.
func SetNonblock(fd int, nonblocking bool) error {
	return unix.SetNonblock(fd, nonblocking)
}

// SetTCPNoDelay toggles TCP_NODELAY.
func SetTCPNoDelay(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}

// SetKeepAlive toggles SO_KEEPALIVE and, when on and idleSeconds>0, sets
// TCP_KEEPIDLE to idleSeconds.
func SetKeepAlive(fd int, on bool, idleSeconds int) error {
	v := 0
	if on {
		v = 1
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, v); err != nil {
		return err
	}
	if on && idleSeconds > 0 {
		return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, idleSeconds)
	}
	return nil
}

// SocketError reads and clears SO_ERROR on fd.
func SocketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}

// ShutdownWrite shuts down the write half of fd (half-close).
func ShutdownWrite(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

// LocalAddr returns the address fd is bound to.
func LocalAddr(fd int) (*net.TCPAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, err
	}
	return SockaddrToTCPAddr(sa), nil
}

// PeerAddr returns the address fd is connected to.
func PeerAddr(fd int) (*net.TCPAddr, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil, err
	}
	return SockaddrToTCPAddr(sa), nil
}

// Connect starts a non-blocking TCP connect to addr, returning the new
// socket fd immediately; the caller watches the fd for writability (or
// POLLHUP/error) to learn whether it completed, per the Connector state
// machine.
func Connect(addr string) (int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, err
	}
	domain := unix.AF_INET
	if tcpAddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	sa, err := sockaddrFromTCPAddr(tcpAddr, domain)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func sockaddrFromTCPAddr(a *net.TCPAddr, domain int) (unix.Sockaddr, error) {
	if domain == unix.AF_INET6 {
		sa := &unix.SockaddrInet6{Port: a.Port}
		copy(sa.Addr[:], a.IP.To16())
		return sa, nil
	}
	sa := &unix.SockaddrInet4{Port: a.Port}
	ip4 := a.IP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	copy(sa.Addr[:], ip4)
	return sa, nil
}

// SockaddrToTCPAddr converts a raw unix.Sockaddr into a *net.TCPAddr.
func SockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, sa.Addr[:])
		return &net.TCPAddr{IP: ip, Port: sa.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, sa.Addr[:])
		var zone string
		if sa.ZoneId != 0 {
			zone = strconv.FormatUint(uint64(sa.ZoneId), 10)
		}
		return &net.TCPAddr{IP: ip, Port: sa.Port, Zone: zone}
	default:
		return &net.TCPAddr{}
	}
}
