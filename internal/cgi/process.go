// Package cgi implements the CGI/1.1 executor (spec §4.7): forking the
// interpreter, wiring stdin/stdout through non-blocking pipes registered
// with the same event loop the client socket uses, and streaming the parsed
// CGI response back to the connection that spawned it.
//
// There is no teacher source for this component (the s00inx/goserver
// retrieval lacks a CGI layer); the pipe/fork/env plumbing here is grounded
// on the spec's own protocol description and generalizes the FCGI
// header-to-environment mapping idiom found in hexinfra/gorox's fcgi
// handlet (hemi/standard/handlets/fcgi/protocol.go) from FastCGI's binary
// records to CGI/1.1's plain text header block.
package cgi

import (
	"bytes"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/kfcemployee/goserver/internal/engine"
	"github.com/kfcemployee/goserver/internal/httpproto"
	"github.com/kfcemployee/goserver/internal/metrics"
	"github.com/kfcemployee/goserver/internal/mimetypes"
)

// activeChildren tracks concurrently running CGI processes so the
// connection layer can enforce spec §5's "maximum CGI children (default
// 64)" cap before forking another one.
var activeChildren int64

// ActiveChildren reports how many CGI children are currently unreaped.
func ActiveChildren() int64 { return atomic.LoadInt64(&activeChildren) }

const (
	readChunk     = 16 << 10
	headerCap     = 64 << 10
	killGrace     = 2 * time.Second
)

// Sink receives the decoded CGI output. It is implemented by the connection
// that started the CGI invocation; the Process never imports the conn
// package (spec §9: "no component holds a long-lived back-reference to a
// connection" — the Process holds only this narrow interface).
type Sink interface {
	CGIHeaders(status int, reason string, header httpproto.Header, chunked bool)
	CGIBody(chunk []byte)
	CGIEnd(closeAfter bool)
	CGIFail(status int)
}

// Request is everything the executor needs to build the CGI environment
// (spec §4.7's exact variable list).
type Request struct {
	Method      string
	Target      string
	Path        string
	PathInfo    string
	ScriptName  string
	Query       string
	Header      httpproto.Header
	Body        []byte
	RemoteAddr  string
	ServerName  string
	ServerPort  string
	HTTPVersion string
	Interpreter string
	ScriptPath  string
}

// hop-by-hop headers are never forwarded to the CGI environment.
var hopByHop = map[string]bool{
	"CONNECTION":        true,
	"KEEP-ALIVE":        true,
	"PROXY-AUTHENTICATE": true,
	"PROXY-AUTHORIZATION": true,
	"TE":                true,
	"TRAILER":           true,
	"TRANSFER-ENCODING": true,
	"UPGRADE":           true,
}

// Process is one running CGI child.
type Process struct {
	sink Sink
	log  zerolog.Logger

	cmd *exec.Cmd

	stdinFD  int
	stdoutFD int

	stdinQueue  []byte
	stdinClosed bool

	outBuf         bytes.Buffer
	headersParsed  bool
	headerByteSeen int

	deadline     time.Time
	termSentAt   time.Time
	killSentAt   time.Time
	reaped       bool
	exitCode     int

	stdoutClosed bool // stdout has hit EOF/error; finish has run
	done         bool // a terminal sink call has already gone out

	clientIsHTTP11 bool
}

// Start forks the interpreter and registers both pipe ends with loop. The
// caller (the connection) supplies sink to receive the streamed response.
func Start(l *engine.Loop, log zerolog.Logger, req *Request, timeout time.Duration, httpVersion string, sink Sink) (*Process, error) {
	stdinR, stdinW, err := pipe2NonblockWriteEnd()
	if err != nil {
		return nil, err
	}
	stdoutR, stdoutW, err := pipe2NonblockReadEnd()
	if err != nil {
		unix.Close(stdinR)
		unix.Close(stdinW)
		return nil, err
	}

	cmd := exec.Command(req.Interpreter, req.ScriptPath)
	cmd.Dir = dirOf(req.ScriptPath)
	cmd.Env = buildEnviron(req)
	cmd.Stdin = os.NewFile(uintptr(stdinR), "cgi-stdin-r")
	cmd.Stdout = os.NewFile(uintptr(stdoutW), "cgi-stdout-w")
	cmd.Stderr = nil // nil: the child's stderr goes to the null device (discarded)

	if err := cmd.Start(); err != nil {
		unix.Close(stdinR)
		unix.Close(stdinW)
		unix.Close(stdoutR)
		unix.Close(stdoutW)
		return nil, err
	}
	// Parent no longer needs the child's ends.
	cmd.Stdin.(*os.File).Close()
	cmd.Stdout.(*os.File).Close()

	p := &Process{
		sink:           sink,
		log:            log,
		cmd:            cmd,
		stdinFD:        stdinW,
		stdoutFD:       stdoutR,
		stdinQueue:     append([]byte(nil), req.Body...),
		deadline:       time.Now().Add(timeout),
		clientIsHTTP11: httpVersion == "HTTP/1.1",
	}

	if len(p.stdinQueue) == 0 {
		p.closeStdin(l)
	} else {
		l.Register(p.stdinFD, unix.EPOLLOUT, stdinHandler{p})
	}
	l.Register(p.stdoutFD, unix.EPOLLIN, stdoutHandler{p})
	l.AddSweepable(p)

	atomic.AddInt64(&activeChildren, 1)
	metrics.CGIChildrenSpawned.Inc()

	return p, nil
}

func dirOf(scriptPath string) string {
	i := strings.LastIndexByte(scriptPath, '/')
	if i <= 0 {
		return "/"
	}
	return scriptPath[:i]
}

// buildEnviron assembles exactly the variables spec §4.7 names.
func buildEnviron(req *Request) []string {
	env := []string{
		"GATEWAY_INTERFACE=CGI/1.1",
		"SERVER_PROTOCOL=HTTP/1.1",
		"SERVER_SOFTWARE=goserver/1.0",
		"REQUEST_METHOD=" + req.Method,
		"QUERY_STRING=" + req.Query,
		"PATH_INFO=" + req.PathInfo,
		"SCRIPT_NAME=" + req.ScriptName,
		"SERVER_NAME=" + req.ServerName,
		"SERVER_PORT=" + req.ServerPort,
		"REMOTE_ADDR=" + req.RemoteAddr,
	}

	if ct := req.Header.Get("Content-Type"); ct != "" {
		env = append(env, "CONTENT_TYPE="+ct)
	}
	if len(req.Body) > 0 {
		env = append(env, "CONTENT_LENGTH="+strconv.Itoa(len(req.Body)))
	}

	for key, vals := range req.Header {
		if key == "CONTENT-LENGTH" || key == "CONTENT-TYPE" {
			continue
		}
		if hopByHop[key] {
			continue
		}
		name := "HTTP_" + strings.ReplaceAll(key, "-", "_")
		env = append(env, name+"="+strings.Join(vals, ", "))
	}

	return env
}

type stdinHandler struct{ p *Process }

func (h stdinHandler) OnReadable(l *engine.Loop) {}
func (h stdinHandler) OnWritable(l *engine.Loop) { h.p.flushStdin(l) }

func (p *Process) flushStdin(l *engine.Loop) {
	for len(p.stdinQueue) > 0 {
		n, err := unix.Write(p.stdinFD, p.stdinQueue)
		if n > 0 {
			p.stdinQueue = p.stdinQueue[n:]
		}
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			p.closeStdin(l)
			return
		}
	}
	p.closeStdin(l)
}

func (p *Process) closeStdin(l *engine.Loop) {
	if p.stdinClosed {
		return
	}
	p.stdinClosed = true
	l.Deregister(p.stdinFD)
	unix.Close(p.stdinFD)
}

type stdoutHandler struct{ p *Process }

func (h stdoutHandler) OnReadable(l *engine.Loop) { h.p.readStdout(l) }
func (h stdoutHandler) OnWritable(l *engine.Loop) {}

func (p *Process) readStdout(l *engine.Loop) {
	buf := make([]byte, readChunk)
	for {
		n, err := unix.Read(p.stdoutFD, buf)
		if n > 0 {
			p.outBuf.Write(buf[:n])
			p.pump()
		}
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			p.finish(l)
			return
		}
		if n == 0 {
			p.finish(l)
			return
		}
		if p.outBuf.Len() > headerCap && !p.headersParsed {
			p.emitTerminal(func() { p.sink.CGIFail(502) })
			p.finish(l)
			return
		}
	}
}

// pump parses the CGI header block once it sees it, then streams everything
// after it straight to the sink as body bytes.
func (p *Process) pump() {
	if !p.headersParsed {
		raw := p.outBuf.Bytes()
		sep, sepLen := findHeaderBreak(raw)
		if sep == -1 {
			return
		}
		status, reason, header, ok := parseCGIHeaders(raw[:sep])
		if !ok {
			p.emitTerminal(func() { p.sink.CGIFail(502) })
			return
		}
		p.headersParsed = true
		_, hasCL := header["CONTENT-LENGTH"]
		chunked := !hasCL && p.clientIsHTTP11
		p.sink.CGIHeaders(status, reason, header, chunked)

		rest := append([]byte(nil), raw[sep+sepLen:]...)
		p.outBuf.Reset()
		if len(rest) > 0 {
			p.sink.CGIBody(rest)
		}
		return
	}

	if p.outBuf.Len() == 0 {
		return
	}
	b := append([]byte(nil), p.outBuf.Bytes()...)
	p.outBuf.Reset()
	p.sink.CGIBody(b)
}

func findHeaderBreak(b []byte) (idx, length int) {
	if i := bytes.Index(b, []byte("\r\n\r\n")); i != -1 {
		return i, 4
	}
	if i := bytes.Index(b, []byte("\n\n")); i != -1 {
		return i, 2
	}
	return -1, 0
}

func parseCGIHeaders(block []byte) (status int, reason string, header httpproto.Header, ok bool) {
	header = make(httpproto.Header)
	status = 200
	reason = "OK"

	lines := bytes.Split(block, []byte("\n"))
	for _, line := range lines {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			continue
		}
		colon := bytes.IndexByte(line, ':')
		if colon == -1 {
			return 0, "", nil, false
		}
		key := string(bytes.TrimSpace(line[:colon]))
		val := string(bytes.TrimSpace(line[colon+1:]))

		switch strings.ToUpper(key) {
		case "STATUS":
			fields := strings.SplitN(val, " ", 2)
			n, err := strconv.Atoi(fields[0])
			if err != nil {
				return 0, "", nil, false
			}
			status = n
			if len(fields) > 1 {
				reason = fields[1]
			} else {
				reason = httpStatusReason(n)
			}
		case "LOCATION":
			header.Add(key, val)
			if status == 200 {
				status = 302
				reason = "Found"
			}
		default:
			header.Add(key, val)
		}
	}
	return status, reason, header, true
}

func httpStatusReason(code int) string {
	return mimetypes.Reason(code)
}

// finish runs once the child's stdout has hit EOF or an error. It never
// blocks the event loop goroutine waiting for the child to become waitable
// (spec §5): it tries a single non-blocking reap, which succeeds in the
// overwhelmingly common case (a process's fds close strictly after it
// exits, so by the time we observe EOF here the kernel has already made it
// a zombie). If that one attempt misses, the timer sweep keeps retrying the
// reap on every later tick until it succeeds (spec §8 property 4's grace
// window), at which point maybeFinalize emits the deferred status.
func (p *Process) finish(l *engine.Loop) {
	malformed := !p.headersParsed && p.outBuf.Len() > 0

	l.Deregister(p.stdoutFD)
	unix.Close(p.stdoutFD)
	p.closeStdin(l)
	p.stdoutClosed = true

	switch {
	case p.headersParsed:
		p.emitTerminal(func() { p.sink.CGIEnd(false) })
	case malformed:
		p.emitTerminal(func() { p.sink.CGIFail(502) }) // data but no header break
	default:
		p.reap()
		p.maybeFinalize()
	}

	if p.reaped {
		l.RemoveSweepable(p)
	}
}

// maybeFinalize emits the deferred no-headers-emitted status exactly once,
// as soon as the child has actually been reaped. Called from finish's first
// attempt and from every subsequent Sweep tick until it succeeds.
func (p *Process) maybeFinalize() {
	if p.done || !p.reaped {
		return
	}
	if p.exitCode == 0 {
		p.emitTerminal(func() { p.sink.CGIFail(502) }) // exited zero without emitting headers
	} else {
		p.emitTerminal(func() { p.sink.CGIFail(500) }) // nonzero exit, no headers: exec/script failure
	}
}

// emitTerminal guards against sending a second terminal response for one
// CGI invocation — e.g. Sweep's deadline-driven 504/truncation racing a
// reap that finish already resolved, or vice versa. At most one fires per
// Process; it does not itself touch the Sweepable registration, since the
// process may still need reaping (and killing) after its terminal response
// has gone out.
func (p *Process) emitTerminal(fn func()) {
	if p.done {
		return
	}
	p.done = true
	fn()
}

// reap performs a non-blocking wait4(WNOHANG); the timer sweep retries on
// every iteration if the child hasn't exited yet (spec §4.7, §8 property 4:
// reaped within the grace window of stdout closing or the deadline firing).
// This bypasses os/exec.Cmd.Wait, which blocks, to keep the single event
// loop goroutine free of blocking syscalls (spec §5).
func (p *Process) reap() (exitCode int, err error) {
	if p.reaped {
		return p.exitCode, nil
	}
	var ws unix.WaitStatus
	pid, err := unix.Wait4(p.cmd.Process.Pid, &ws, unix.WNOHANG, nil)
	if err != nil {
		return 0, err
	}
	if pid == 0 {
		return 0, nil // still running
	}
	p.reaped = true
	p.exitCode = ws.ExitStatus()
	atomic.AddInt64(&activeChildren, -1)
	metrics.CGIChildrenReaped.Inc()
	return p.exitCode, nil
}

// Sweep enforces the CGI deadline (spec §4.7): SIGTERM at the deadline,
// SIGKILL after a 2s grace, and keeps trying to reap until the process is
// gone.
func (p *Process) Sweep(now time.Time, l *engine.Loop) bool {
	if p.reaped {
		return true
	}
	if now.After(p.deadline) && p.termSentAt.IsZero() {
		p.termSentAt = now
		metrics.TimeoutsFired.WithLabelValues("cgi").Inc()
		p.cmd.Process.Signal(syscall.SIGTERM)
		if !p.headersParsed {
			p.emitTerminal(func() { p.sink.CGIFail(504) })
		} else {
			p.emitTerminal(func() { p.sink.CGIEnd(true) }) // truncate partial body, close after write
		}
	}
	if !p.termSentAt.IsZero() && p.killSentAt.IsZero() && now.Sub(p.termSentAt) > killGrace {
		p.killSentAt = now
		p.cmd.Process.Signal(syscall.SIGKILL)
	}
	// Keep retrying the reap once stdout has closed (the finish-path grace
	// window) or once termination has been signaled (the deadline path),
	// emitting the deferred no-headers status the moment it succeeds.
	if p.stdoutClosed || !p.termSentAt.IsZero() {
		p.reap()
		p.maybeFinalize()
	}
	return p.reaped
}

func pipe2NonblockWriteEnd() (readFD, writeFD int, err error) {
	var fds [2]int
	if err = unix.Pipe2(fds[:], 0); err != nil {
		return 0, 0, err
	}
	if err = unix.SetNonblock(fds[1], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

func pipe2NonblockReadEnd() (readFD, writeFD int, err error) {
	var fds [2]int
	if err = unix.Pipe2(fds[:], 0); err != nil {
		return 0, 0, err
	}
	if err = unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}
