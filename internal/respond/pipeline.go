// Package respond builds the actual HTTP response for everything that isn't
// CGI (spec §4.6): static files, directory listings, uploads, deletes, and
// error pages. It never touches a socket directly; it hands the connection
// a Result carrying either a fully-buffered body or a file (path and size)
// that the connection opens and streams in bounded chunks.
package respond

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/kfcemployee/goserver/internal/config"
	"github.com/kfcemployee/goserver/internal/httpproto"
	"github.com/kfcemployee/goserver/internal/mimetypes"
)

// Result is what the connection needs to frame and send a response. Exactly
// one of Body or File is meaningful for a body-bearing response; both are
// nil/zero for 204/304-style empty bodies.
type Result struct {
	Status int
	Reason string
	Header httpproto.ResponseHeaders

	Body []byte   // fully buffered body (error pages, listings, redirects, uploads)
	File *fileBody // streamed body (regular static files)

	CloseAfter bool
}

// fileBody names a regular file to stream (its path and size) and whether
// the request was HEAD; it holds no open descriptor. The connection opens
// the file itself and refills its write buffer from it in OnWritable,
// without a readiness registration of its own — a regular file never blocks
// on read, so there is nothing to wait on (spec §4.1 only requires
// readiness-driven I/O for sockets and pipes).
type fileBody struct {
	path string
	size int64
	head bool // HEAD: headers only, no body bytes written
}

// Pipeline holds the small amount of shared state every dispatch needs.
type Pipeline struct {
	Log            zerolog.Logger
	ServerSoftware string
}

func New(log zerolog.Logger, serverSoftware string) *Pipeline {
	return &Pipeline{Log: log, ServerSoftware: serverSoftware}
}

// AddCommonHeaders sets the headers every response carries (spec §4.6):
// Server, Date, Connection, and the fixed security header set.
func (p *Pipeline) AddCommonHeaders(h *httpproto.ResponseHeaders, keepAlive bool) {
	h.Set("Server", p.ServerSoftware)
	h.Set("Date", time.Now().UTC().Format(http1Date))
	if keepAlive {
		h.Set("Connection", "keep-alive")
	} else {
		h.Set("Connection", "close")
	}
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-XSS-Protection", "1; mode=block")
}

const http1Date = "Mon, 02 Jan 2006 15:04:05 GMT"

// ErrorPage renders the configured or built-in body for status, looking up
// block.ErrorPages first (spec §4.6 "custom error pages").
func (p *Pipeline) ErrorPage(block *config.ServerBlock, status int) Result {
	reason := mimetypes.Reason(status)
	body := p.customErrorBody(block, status)
	if body == nil {
		body = mimetypes.DefaultErrorBody(status)
	}

	var h httpproto.ResponseHeaders
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.SetInt("Content-Length", int64(len(body)))
	return Result{Status: status, Reason: reason, Header: h, Body: body}
}

func (p *Pipeline) customErrorBody(block *config.ServerBlock, status int) []byte {
	if block == nil {
		return nil
	}
	path, ok := block.ErrorPages[status]
	if !ok {
		return nil
	}
	b, err := readFileBounded(path, 1<<20)
	if err != nil {
		p.Log.Warn().Err(err).Int("status", status).Str("path", path).Msg("custom error page unreadable")
		return nil
	}
	return b
}

// Redirect renders a Location-header redirect response for a route's
// `redirect` directive (spec §4.5 dispatch step 4).
func (p *Pipeline) Redirect(status int, target string) Result {
	var h httpproto.ResponseHeaders
	h.Set("Location", target)
	h.Set("Content-Length", "0")
	return Result{Status: status, Reason: mimetypes.Reason(status), Header: h}
}
