package engine

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

type echoHandler struct {
	fd int
}

func (h *echoHandler) OnReadable(l *Loop) {
	buf := make([]byte, 256)
	n, err := unix.Read(h.fd, buf)
	if n > 0 {
		unix.Write(h.fd, []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nOK"))
	}
	if err != nil && err != unix.EAGAIN {
		l.Deregister(h.fd)
		unix.Close(h.fd)
	}
}

func (h *echoHandler) OnWritable(l *Loop) {}

func TestLoopAcceptAndEcho(t *testing.T) {
	var loop *Loop
	loop, err := New(zerolog.Nop(), func(fd int, endpoint string) {
		loop.Register(fd, unix.EPOLLIN, &echoHandler{fd: fd})
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ln, err := Bind("127.0.0.1", 0)
	if err != nil {
		t.Skipf("cannot bind loopback socket in this sandbox: %v", err)
	}
	loop.AddListener(ln)
	if err := loop.Register(ln.FD, unix.EPOLLIN, listenerHandler{ln, loop.onAccept}); err != nil {
		t.Fatalf("register listener: %v", err)
	}

	sa, err := unix.Getsockname(ln.FD)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	inet4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		t.Fatal("unexpected sockaddr type")
	}
	addr := net.TCPAddr{IP: net.IPv4(inet4.Addr[0], inet4.Addr[1], inet4.Addr[2], inet4.Addr[3]), Port: inet4.Port}

	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			loop.pollOnce(50 * time.Millisecond)
		}
	}()

	conn, err := net.DialTimeout("tcp", addr.String(), 200*time.Millisecond)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("GET / HTTP/1.1\r\nHost: localhost\r\nContent-Length: 0\r\n\r\n"))
	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n == 0 {
		t.Fatal("expected echoed response bytes")
	}
}
