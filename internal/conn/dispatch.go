package conn

import (
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/kfcemployee/goserver/internal/config"
	"github.com/kfcemployee/goserver/internal/engine"
	"github.com/kfcemployee/goserver/internal/httpproto"
	"github.com/kfcemployee/goserver/internal/metrics"
	"github.com/kfcemployee/goserver/internal/respond"
	"github.com/kfcemployee/goserver/internal/router"
	"github.com/kfcemployee/goserver/internal/session"
)

// handleRequest performs routing (spec §4.5) and dispatches to whichever
// pipeline answers the request: redirect, CGI, or the static/upload/delete
// responder.
func (c *Connection) handleRequest(l *engine.Loop, req *httpproto.Request) {
	host := req.Header.Get("Host")
	outcome := c.deps.Router.Select(c.endpoint, host, req.Path, string(req.Method))

	if outcome.NotFound {
		c.writeResult(l, outcome.Block, req, c.deps.Pipeline.ErrorPage(outcome.Block, 404))
		return
	}
	if req.Method == httpproto.MethodUnknown {
		// spec §3/§4.5 step 3/§6: a syntactically-unknown method token is
		// accepted by the parser but rejected here with 501, distinct from a
		// known method the route simply doesn't allow (405 below).
		c.writeResult(l, outcome.Block, req, c.deps.Pipeline.ErrorPage(outcome.Block, 501))
		return
	}
	if outcome.MethodNotAllowed {
		res := c.deps.Pipeline.ErrorPage(outcome.Block, 405)
		res.Header.Set("Allow", outcome.AllowHeader)
		c.writeResult(l, outcome.Block, req, res)
		return
	}

	route := outcome.Route
	if route.Redirect != "" {
		c.writeResult(l, outcome.Block, req, c.deps.Pipeline.Redirect(route.RedirectStatus, route.Redirect))
		return
	}

	remainder := router.StripPrefix(route, req.Path)
	fsPath, err := respond.Resolve(route.Root, remainder)
	if err != nil {
		status := 500
		if errors.Is(err, respond.ErrEscapesRoot) {
			status = 403
		}
		c.writeResult(l, outcome.Block, req, c.deps.Pipeline.ErrorPage(outcome.Block, status))
		return
	}

	if respond.IsCGITarget(route.CGI, fsPath) {
		c.startCGI(l, outcome.Block, route, req, fsPath)
		return
	}

	switch req.Method {
	case httpproto.MethodGet, httpproto.MethodHead:
		res := c.deps.Pipeline.Static(route, req.Path, fsPath, req.Method == httpproto.MethodHead)
		c.writeResult(l, outcome.Block, req, res)
	case httpproto.MethodPost, httpproto.MethodPut:
		if !route.UploadEnabled {
			c.writeResult(l, outcome.Block, req, c.deps.Pipeline.ErrorPage(outcome.Block, 405))
			return
		}
		res := c.deps.Pipeline.Upload(route, route.Root, fsPath, req)
		c.writeResult(l, outcome.Block, req, res)
	case httpproto.MethodDelete:
		c.writeResult(l, outcome.Block, req, c.deps.Pipeline.Delete(fsPath))
	default:
		c.writeResult(l, outcome.Block, req, c.deps.Pipeline.ErrorPage(outcome.Block, 501))
	}
}

// applySession issues a session cookie when the matched server block
// requires one and the client didn't present a still-valid one (spec §4.8).
func (c *Connection) applySession(block *config.ServerBlock, req *httpproto.Request, h *httpproto.ResponseHeaders) {
	if block == nil || block.SessionCookie == "" || req == nil {
		return
	}
	cookies := session.ParseCookies(req.Header.Get("Cookie"))
	if id, ok := cookies[block.SessionCookie]; ok {
		if _, found := c.deps.Sessions.Lookup(id); found {
			return
		}
	}
	entry := c.deps.Sessions.Issue(sessionTTL)
	h.Set("Set-Cookie", session.SetCookieHeader(block.SessionCookie, entry.ID, sessionTTL))
}

// writeResult frames and queues a fully-formed Result, streaming from disk
// when the result carries a file rather than a buffered body.
func (c *Connection) writeResult(l *engine.Loop, block *config.ServerBlock, req *httpproto.Request, res respond.Result) {
	c.applySession(block, req, &res.Header)
	keepAlive := cloneKeepAlive(req) && !res.CloseAfter
	c.deps.Pipeline.AddCommonHeaders(&res.Header, keepAlive)
	metrics.RequestsHandled.WithLabelValues(strconv.Itoa(res.Status/100) + "xx").Inc()

	head := httpproto.BuildHead(res.Status, res.Reason, &res.Header)
	c.queueWrite(head)

	switch {
	case res.File != nil:
		c.beginFileStream(l, &res, keepAlive)
	case len(res.Body) > 0:
		c.queueWrite(res.Body)
		c.finishResponse(l, keepAlive)
	default:
		c.finishResponse(l, keepAlive)
	}
}
