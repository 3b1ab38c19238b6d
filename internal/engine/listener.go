// Listener set (spec §4.1), generalizing the teacher's listenSocket
// (server/engine/epoll.go): one non-blocking, SO_REUSEADDR socket per
// distinct (host, port) pair, registered with the loop for read readiness.
package engine

import (
	"net"
	"strconv"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

const listenBacklog = 128

// Listener owns one bound, listening socket.
type Listener struct {
	FD       int
	Endpoint string // "host:port", the key used by the router

	// AcceptLimiter paces accept() calls per spec §5's resource caps,
	// smoothing a SYN burst instead of accepting (and immediately having to
	// 503) every pending connection in one epoll wakeup. Nil means
	// unbounded, matching the teacher's unthrottled accept loop.
	AcceptLimiter *rate.Limiter
}

// Bind creates a non-blocking TCP listening socket for host:port with
// SO_REUSEADDR set, per spec §4.1.
func Bind(host string, port int) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}

	addr, err := resolveIPv4(host)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	sa := &unix.SockaddrInet4{Port: port, Addr: addr}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &Listener{FD: fd, Endpoint: net.JoinHostPort(host, strconv.Itoa(port))}, nil
}

func (l *Listener) Close() error {
	return unix.Close(l.FD)
}

func resolveIPv4(host string) ([4]byte, error) {
	var out [4]byte
	if host == "" || host == "0.0.0.0" || host == "*" {
		return out, nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return out, err
		}
		ip = ips[0]
	}
	v4 := ip.To4()
	if v4 == nil {
		return out, unix.EAFNOSUPPORT
	}
	copy(out[:], v4)
	return out, nil
}

// Accept drains pending connections on l, calling onAccept for each. It
// accepts in a loop until EAGAIN, because the loop is level-triggered and a
// burst of SYNs would otherwise be starved until the next wait (spec §4.2).
func (l *Listener) Accept(onAccept func(fd int, endpoint string)) {
	for {
		if l.AcceptLimiter != nil && !l.AcceptLimiter.Allow() {
			// Over the pace limit for this instant; leave the rest of the
			// backlog for the next readiness wait rather than draining it
			// all at once.
			return
		}
		nfd, _, err := unix.Accept(l.FD)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			// EMFILE, ECONNABORTED, etc: drop this attempt and let the
			// listener fire again on the next readiness wait (spec §4.1).
			return
		}
		unix.SetNonblock(nfd, true)
		onAccept(nfd, l.Endpoint)
	}
}
