package conn

import (
	"strings"

	"github.com/kfcemployee/goserver/internal/cgi"
	"github.com/kfcemployee/goserver/internal/config"
	"github.com/kfcemployee/goserver/internal/engine"
	"github.com/kfcemployee/goserver/internal/httpproto"
)

// startCGI builds the environment-variable contract (spec §4.7) and hands
// execution to the cgi package; the Connection is the cgi.Sink that
// receives the streamed response (the methods below).
func (c *Connection) startCGI(l *engine.Loop, block *config.ServerBlock, route *config.Route, req *httpproto.Request, fsPath string) {
	remainder := ""
	if len(req.Path) > len(route.Prefix) {
		remainder = req.Path[len(route.Prefix):]
	}

	cgiReq := &cgi.Request{
		Method:      string(req.Method),
		Target:      req.Target,
		Path:        req.Path,
		PathInfo:    "",
		ScriptName:  strings.TrimSuffix(route.Prefix, "/") + remainder,
		Query:       req.Query,
		Header:      req.Header,
		Body:        req.Body,
		RemoteAddr:  c.remoteAddr,
		ServerName:  hostOnly(req.Header.Get("Host")),
		ServerPort:  c.serverPort,
		HTTPVersion: req.Version,
		Interpreter: route.CGI,
		ScriptPath:  fsPath,
	}

	if max := c.deps.Config.MaxCGIChildren; max > 0 && cgi.ActiveChildren() >= int64(max) {
		// Spec §5: "excess requests queue at the route level or return
		// 503." This server has no per-route queue, so it answers 503
		// immediately rather than forking past the configured cap.
		c.writeResult(l, block, req, c.deps.Pipeline.ErrorPage(block, 503))
		return
	}

	c.pendingBlock = block
	c.pendingReq = req
	c.cgiHeadersSent = false

	proc, err := cgi.Start(l, c.deps.Log, cgiReq, c.cgiTimeout, req.Version, c)
	if err != nil {
		c.writeResult(l, block, req, c.deps.Pipeline.ErrorPage(block, 502))
		return
	}
	c.cgiProc = proc
}

func hostOnly(host string) string {
	if i := strings.IndexByte(host, ':'); i != -1 {
		return host[:i]
	}
	return host
}

// CGIHeaders implements cgi.Sink: the CGI output's header block has been
// parsed, so frame and queue the response head now.
func (c *Connection) CGIHeaders(status int, reason string, header httpproto.Header, chunked bool) {
	var h httpproto.ResponseHeaders
	for key, vals := range header {
		for _, v := range vals {
			h.Set(key, v)
		}
	}
	c.cgiChunked = chunked
	keepAlive := cloneKeepAlive(c.pendingReq)
	c.applySession(c.pendingBlock, c.pendingReq, &h)
	c.deps.Pipeline.AddCommonHeaders(&h, keepAlive)
	if chunked {
		h.Set("Transfer-Encoding", "chunked")
	}
	c.queueWrite(httpproto.BuildHead(status, reason, &h))
	c.cgiHeadersSent = true
}

// CGIBody implements cgi.Sink.
func (c *Connection) CGIBody(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if c.cgiChunked {
		c.queueWrite(httpproto.EncodeChunk(nil, chunk))
	} else {
		c.queueWrite(chunk)
	}
}

// CGIEnd implements cgi.Sink: the child finished (or was cut off at its
// deadline, in which case closeAfter is true and the connection must close
// rather than offer keep-alive on a truncated body).
func (c *Connection) CGIEnd(closeAfter bool) {
	if c.cgiChunked {
		c.queueWrite(httpproto.FinalChunk())
	}
	keepAlive := cloneKeepAlive(c.pendingReq) && !closeAfter
	c.finishResponse(c.loop, keepAlive)
}

// CGIFail implements cgi.Sink: the child never produced a usable header
// block. If we already started streaming a response there is nothing
// coherent left to send, so just close; otherwise render a normal error
// page.
func (c *Connection) CGIFail(status int) {
	if c.cgiHeadersSent {
		c.finishResponse(c.loop, false)
		return
	}
	res := c.deps.Pipeline.ErrorPage(c.pendingBlock, status)
	c.writeResult(c.loop, c.pendingBlock, c.pendingReq, res)
}
