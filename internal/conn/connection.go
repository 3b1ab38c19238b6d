// Package conn implements the per-client connection state machine (spec
// §4.3): ReadingRequest -> Routing -> WritingResponse/WritingError -> Closed,
// generalizing the teacher's Session (server/engine/session.go) from a
// fixed-size pooled arena into a state machine that owns an
// httpproto.Parser, consults the router, and dispatches to either the
// static/upload/delete pipeline or a CGI child.
package conn

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/kfcemployee/goserver/internal/cgi"
	"github.com/kfcemployee/goserver/internal/config"
	"github.com/kfcemployee/goserver/internal/engine"
	"github.com/kfcemployee/goserver/internal/httpproto"
	"github.com/kfcemployee/goserver/internal/metrics"
	"github.com/kfcemployee/goserver/internal/respond"
	"github.com/kfcemployee/goserver/internal/router"
	"github.com/kfcemployee/goserver/internal/session"
)

type state int

const (
	stateReadingRequest state = iota
	stateWritingResponse
	stateClosed
)

const (
	readChunkSize  = 16 << 10
	maxBufferedHdr = 256 << 10 // hard ceiling on unparsed buffered bytes regardless of body cap
	sessionTTL     = 30 * time.Minute
)

// Deps bundles the shared, immutable-after-startup collaborators every
// Connection needs; cmd/goserver builds one and passes it to every accept.
type Deps struct {
	Log            zerolog.Logger
	Config         *config.ServerConfig
	Router         *router.Router
	Pipeline       *respond.Pipeline
	Sessions       *session.Store
	ServerSoftware string
}

// Connection is one accepted client socket plus everything needed to carry
// it through one or more request/response cycles (spec §4.3 state table).
type Connection struct {
	fd         int
	endpoint   string
	remoteAddr string
	serverPort string

	loop *engine.Loop
	deps *Deps

	state state

	readBuf []byte
	parser  *httpproto.Parser

	writeBuf  []byte
	writeOff  int
	writeArmed bool

	fileSrc             *respond.Result
	fileHandle          *openFile
	fileStreamKeepAlive bool
	closeAfterWrite     bool

	cgiProc        *cgi.Process
	cgiChunked     bool
	cgiHeadersSent bool
	pendingBlock   *config.ServerBlock
	pendingReq     *httpproto.Request

	idleTimeout   time.Duration
	headerTimeout time.Duration
	writeStall    time.Duration
	cgiTimeout    time.Duration

	lastActivity   time.Time
	headerDeadline time.Time
	writeDeadline  time.Time
}

// New wires a freshly-accepted fd into the connection state machine and
// registers it with loop for read readiness.
func New(fd int, endpoint, remoteAddr string, loop *engine.Loop, deps *Deps) *Connection {
	maxBody := defaultMaxBody(deps.Config, endpoint)
	_, port, _ := splitEndpointPort(endpoint)

	c := &Connection{
		fd:            fd,
		endpoint:      endpoint,
		remoteAddr:    remoteAddr,
		serverPort:    port,
		loop:          loop,
		deps:          deps,
		parser:        httpproto.NewParser(maxBody),
		idleTimeout:   time.Duration(deps.Config.IdleTimeoutSeconds) * time.Second,
		headerTimeout: time.Duration(deps.Config.HeaderTimeoutSeconds) * time.Second,
		writeStall:    time.Duration(deps.Config.WriteStallSeconds) * time.Second,
		cgiTimeout:    time.Duration(deps.Config.CGITimeoutSeconds) * time.Second,
		lastActivity:  time.Now(),
	}
	c.headerDeadline = c.lastActivity.Add(c.headerTimeout)

	loop.Register(fd, unix.EPOLLIN, c)
	loop.AddSweepable(c)
	metrics.ConnectionsAccepted.Inc()
	return c
}

func defaultMaxBody(cfg *config.ServerConfig, endpoint string) int64 {
	blocks := cfg.BlocksFor(endpoint)
	if len(blocks) == 0 {
		return 1 << 20
	}
	return blocks[0].MaxBodySize
}

func splitEndpointPort(endpoint string) (host, port string, err error) {
	i := len(endpoint) - 1
	for i >= 0 && endpoint[i] != ':' {
		i--
	}
	if i < 0 {
		return endpoint, "", errors.New("endpoint missing port")
	}
	return endpoint[:i], endpoint[i+1:], nil
}

// OnReadable implements engine.Handler.
func (c *Connection) OnReadable(l *engine.Loop) {
	if c.state == stateClosed {
		return
	}

	buf := make([]byte, readChunkSize)
	for {
		n, err := unix.Read(c.fd, buf)
		if n > 0 {
			c.readBuf = append(c.readBuf, buf[:n]...)
			c.lastActivity = time.Now()
		}
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			c.closeNow(l)
			return
		}
		if n == 0 {
			c.closeNow(l)
			return
		}
		if n < len(buf) {
			break // short read: socket buffer drained for now (level-triggered, fine to stop)
		}
	}

	if c.state == stateReadingRequest {
		c.tryParse(l)
	}
}

// OnWritable implements engine.Handler.
func (c *Connection) OnWritable(l *engine.Loop) {
	c.drainWrite(l)
}

// tryParse drives the parser over whatever is buffered. It only ever
// dispatches at most one request per call: after a complete parse the
// connection leaves ReadingRequest, and re-enters it only once the previous
// response has been fully queued (spec §4.3), at which point the caller
// re-invokes tryParse to pick up already-buffered pipelined bytes (spec §8
// property 3) without waiting for a new readable event.
func (c *Connection) tryParse(l *engine.Loop) {
	for {
		consumed, result, perr := c.parser.Step(c.readBuf)
		if perr != nil {
			c.respondTerminal(l, perr.Status())
			return
		}

		switch result {
		case httpproto.ResultNeedMore:
			if int64(len(c.readBuf)) > maxBufferedHdr {
				c.respondTerminal(l, 400)
			}
			return

		case httpproto.ResultExpectContinue:
			c.queueWrite([]byte("HTTP/1.1 100 Continue\r\n\r\n"))
			continue // parser already advanced past Expect; keep driving it

		case httpproto.ResultComplete:
			req := *c.parser.Pending() // shallow copy: Body/Header belong to heap objects Reset doesn't touch
			c.readBuf = append([]byte(nil), c.readBuf[consumed:]...)
			c.parser.Reset()
			c.headerDeadline = time.Time{}
			c.state = stateWritingResponse
			c.handleRequest(l, &req)
			return
		}
	}
}

// respondTerminal answers a request the parser could never complete (a
// ParseError) and always closes afterward, since the connection's byte
// stream can no longer be trusted to be framed correctly (spec §7).
func (c *Connection) respondTerminal(l *engine.Loop, status int) {
	c.state = stateWritingResponse
	c.headerDeadline = time.Time{} // answered once; Sweep must not queue another 408
	res := c.deps.Pipeline.ErrorPage(nil, status)
	res.CloseAfter = true
	c.writeResult(l, nil, nil, res)
}

func cloneKeepAlive(req *httpproto.Request) bool {
	if req == nil {
		return false
	}
	return req.KeepAlive
}
