// Incremental HTTP/1.1 request parser, generalizing the teacher's
// single-shot parseRaw (server/protocol/parser.go) into an explicit
// RequestLine -> Headers -> Body state machine that survives being called
// again as more bytes arrive on the same connection (spec §4.4).
package httpproto

import (
	"bytes"
)

const (
	maxTargetLen    = 8 << 10 // 8 KiB
	maxHeaderLine   = 8 << 10 // 8 KiB
	maxHeaderCount  = 100
	maxMethodLen    = 32
)

type phase int

const (
	phaseRequestLine phase = iota
	phaseHeaders
	phaseBody
	phaseChunkSize
	phaseChunkData
	phaseChunkCRLF
	phaseTrailer
	phaseDone
)

type chunkState struct {
	remaining int64 // bytes left in the current chunk's data
}

// Result tags what Step produced on this call.
type Result int

const (
	ResultNeedMore Result = iota
	ResultExpectContinue
	ResultComplete
)

// Parser is one instance per connection; it is re-entered on the same
// growing buffer across multiple readable events, per spec §4.4 ("the
// parser is re-entrant on the same buffer").
type Parser struct {
	ph  phase
	pos int // scan cursor into the buffer passed to the most recent Step

	req Request

	headerCount int

	contentLength     int64
	haveContentLength bool
	clRaw             string // first seen raw Content-Length value, for duplicate-mismatch checks

	chunk           chunkState
	bodyOut         []byte // accumulates the decoded body (copied out of the connection buffer)
	maxBody         int64

	expectContinueSignaled bool
}

// NewParser returns a parser bounded to maxBodySize bytes of body (the
// route/server's configured cap, spec §3 invariant 2).
func NewParser(maxBodySize int64) *Parser {
	return &Parser{maxBody: maxBodySize}
}

// Reset prepares the parser for the next request on the same connection
// (spec: "parser may begin a next request only after the previous response
// is fully queued").
func (p *Parser) Reset() {
	*p = Parser{maxBody: p.maxBody}
}

// Pending returns the in-progress request (valid once headers are parsed,
// even before Step returns ResultComplete) so the caller can consult the
// route's Expect: 100-continue policy.
func (p *Parser) Pending() *Request { return &p.req }

// Step consumes as much of buf (starting at offset 0, the unconsumed
// remainder of the connection's read buffer) as it can.
//
// On ResultComplete, consumed is the number of leading bytes of buf that
// belonged to this request; the caller strips exactly that many bytes
// (spec §3 invariant 3: FIFO, no reordering) and may call Reset + Step again
// immediately if more bytes are already buffered (spec §8 property 3).
func (p *Parser) Step(buf []byte) (consumed int, result Result, perr *ParseError) {
	for {
		switch p.ph {
		case phaseRequestLine:
			n, err := p.stepRequestLine(buf)
			if err != nil {
				return 0, ResultNeedMore, err
			}
			if n < 0 {
				return 0, ResultNeedMore, nil
			}
			p.pos = n
			p.ph = phaseHeaders
			p.req.Header = make(Header)

		case phaseHeaders:
			n, done, err := p.stepHeaders(buf)
			if err != nil {
				return 0, ResultNeedMore, err
			}
			if !done {
				return 0, ResultNeedMore, nil
			}
			p.pos = n
			if err := p.finishHeaders(); err != nil {
				return 0, ResultNeedMore, err
			}

			if p.req.Expect100 && !p.expectContinueSignaled && (p.req.Chunked || p.contentLength > 0) {
				p.expectContinueSignaled = true
				return 0, ResultExpectContinue, nil
			}

		case phaseBody:
			if p.contentLength == 0 {
				p.ph = phaseDone
				continue
			}
			need := p.pos + int(p.contentLength)
			if len(buf) < need {
				return 0, ResultNeedMore, nil
			}
			p.bodyOut = append([]byte(nil), buf[p.pos:need]...)
			p.pos = need
			p.ph = phaseDone

		case phaseChunkSize:
			n, size, err := p.stepChunkSize(buf)
			if err != nil {
				return 0, ResultNeedMore, err
			}
			if n < 0 {
				return 0, ResultNeedMore, nil
			}
			p.pos = n
			p.chunk.remaining = size
			if size == 0 {
				p.ph = phaseTrailer
			} else {
				if p.maxBody > 0 && int64(len(p.bodyOut))+size > p.maxBody {
					return 0, ResultNeedMore, newParseError(ErrKindTooLarge, "chunked body exceeds max_body_size")
				}
				p.ph = phaseChunkData
			}

		case phaseChunkData:
			need := p.pos + int(p.chunk.remaining)
			if len(buf) < need {
				return 0, ResultNeedMore, nil
			}
			p.bodyOut = append(p.bodyOut, buf[p.pos:need]...)
			p.pos = need
			p.ph = phaseChunkCRLF

		case phaseChunkCRLF:
			if len(buf) < p.pos+2 {
				return 0, ResultNeedMore, nil
			}
			if buf[p.pos] != '\r' || buf[p.pos+1] != '\n' {
				return 0, ResultNeedMore, newParseError(ErrKindBadRequest, "malformed chunk terminator")
			}
			p.pos += 2
			p.ph = phaseChunkSize

		case phaseTrailer:
			// Trailer headers are ignored (spec §4.4); just consume until the
			// final blank line.
			idx := bytes.Index(buf[p.pos:], []byte("\r\n\r\n"))
			if idx == -1 {
				if len(buf)-p.pos > maxHeaderLine*2 {
					return 0, ResultNeedMore, newParseError(ErrKindBadRequest, "trailer too large")
				}
				// Tolerate the no-trailer case: a bare CRLF immediately ends it.
				if len(buf) >= p.pos+2 && buf[p.pos] == '\r' && buf[p.pos+1] == '\n' {
					p.pos += 2
					p.ph = phaseDone
					continue
				}
				return 0, ResultNeedMore, nil
			}
			p.pos += idx + 4
			p.ph = phaseDone

		case phaseDone:
			p.req.Body = p.bodyOut
			return p.pos, ResultComplete, nil
		}
	}
}

func (p *Parser) stepRequestLine(buf []byte) (int, *ParseError) {
	sp1 := bytes.IndexByte(buf, ' ')
	if sp1 == -1 {
		if len(buf) > maxMethodLen {
			return 0, newParseError(ErrKindBadRequest, "method too long")
		}
		return -1, nil
	}
	if sp1 == 0 || sp1 > maxMethodLen {
		return 0, newParseError(ErrKindBadRequest, "invalid method token")
	}
	method := string(buf[:sp1])

	sp2 := bytes.IndexByte(buf[sp1+1:], ' ')
	if sp2 == -1 {
		if len(buf)-(sp1+1) > maxTargetLen {
			return 0, newParseError(ErrKindURITooLong, "request target too long")
		}
		return -1, nil
	}
	sp2 += sp1 + 1
	if sp2-(sp1+1) > maxTargetLen {
		return 0, newParseError(ErrKindURITooLong, "request target too long")
	}
	target := string(buf[sp1+1 : sp2])

	lf := bytes.IndexByte(buf[sp2+1:], '\n')
	if lf == -1 {
		if len(buf)-(sp2+1) > 64 {
			return 0, newParseError(ErrKindBadRequest, "malformed request line")
		}
		return -1, nil
	}
	lf += sp2 + 1
	if lf == sp2+1 || buf[lf-1] != '\r' {
		return 0, newParseError(ErrKindBadRequest, "request line not CRLF-terminated")
	}
	version := string(buf[sp2+1 : lf-1])
	if version != "HTTP/1.0" && version != "HTTP/1.1" {
		if isWellFormedHTTPVersion(version) {
			// A well-formed "HTTP/<digit>.<digit>" other than 1.0/1.1 (e.g.
			// HTTP/2.0) is rejected here with 505, distinct from a token that
			// isn't a version at all (400).
			return 0, newParseError(ErrKindVersionUnsupported, "unsupported HTTP version")
		}
		return 0, newParseError(ErrKindBadRequest, "unrecognized HTTP version")
	}

	p.req.RawMethod = method
	p.req.Method = parseMethod(method)
	p.req.Target = target
	p.req.Version = version
	p.req.KeepAlive = version == "HTTP/1.1"
	p.req.ContentLength = -1

	if path, query, err := splitTarget(target); err != nil {
		return 0, newParseError(ErrKindBadRequest, "invalid request target")
	} else {
		p.req.Path = path
		p.req.Query = query
	}

	return lf + 1, nil
}

func (p *Parser) stepHeaders(buf []byte) (pos int, done bool, perr *ParseError) {
	pos = p.pos
	for {
		if pos+2 > len(buf) {
			if len(buf)-pos > maxHeaderLine {
				return 0, false, newParseError(ErrKindBadRequest, "header line too long")
			}
			return 0, false, nil
		}
		if buf[pos] == '\r' && buf[pos+1] == '\n' {
			return pos + 2, true, nil
		}

		lf := bytes.IndexByte(buf[pos:], '\n')
		if lf == -1 {
			if len(buf)-pos > maxHeaderLine {
				return 0, false, newParseError(ErrKindBadRequest, "header line too long")
			}
			return 0, false, nil
		}
		lf += pos
		if lf-pos > maxHeaderLine {
			return 0, false, newParseError(ErrKindBadRequest, "header line too long")
		}
		if lf == pos || buf[lf-1] != '\r' {
			return 0, false, newParseError(ErrKindBadRequest, "header line not CRLF-terminated")
		}
		lineEnd := lf - 1

		colon := bytes.IndexByte(buf[pos:lineEnd], ':')
		if colon == -1 {
			return 0, false, newParseError(ErrKindBadRequest, "header missing colon")
		}
		colon += pos

		key := buf[pos:colon]
		vs := colon + 1
		for vs < lineEnd && (buf[vs] == ' ' || buf[vs] == '\t') {
			vs++
		}
		ve := lineEnd
		for ve > vs && (buf[ve-1] == ' ' || buf[ve-1] == '\t') {
			ve--
		}
		val := buf[vs:ve]

		p.headerCount++
		if p.headerCount > maxHeaderCount {
			return 0, false, newParseError(ErrKindBadRequest, "too many headers")
		}
		p.req.Header.Add(string(key), string(val))

		pos = lf + 1
		p.pos = pos // a re-entered Step resumes after the headers already added
	}
}

func (p *Parser) finishHeaders() *ParseError {
	te := p.req.Header.Get("Transfer-Encoding")
	if te != "" {
		if !equalFold(te, "chunked") {
			return newParseError(ErrKindNotImplemented, "unsupported transfer-encoding")
		}
		p.req.Chunked = true
	}

	if cls := p.req.Header.Values("Content-Length"); len(cls) > 0 {
		for _, cl := range cls {
			if p.haveContentLength {
				if cl != p.clRaw {
					return newParseError(ErrKindBadRequest, "mismatched Content-Length headers")
				}
				continue
			}
			n, ok := parseNonNegativeInt(cl)
			if !ok {
				return newParseError(ErrKindBadRequest, "invalid Content-Length")
			}
			p.contentLength = n
			p.clRaw = cl
			p.haveContentLength = true
		}
	}

	if p.maxBody > 0 && p.contentLength > p.maxBody {
		return newParseError(ErrKindTooLarge, "Content-Length exceeds max_body_size")
	}

	if v := p.req.Header.Get("Connection"); v != "" {
		if equalFold(v, "close") {
			p.req.KeepAlive = false
		} else if equalFold(v, "keep-alive") {
			p.req.KeepAlive = true
		}
	}
	if equalFold(p.req.Header.Get("Expect"), "100-continue") {
		p.req.Expect100 = true
	}

	switch {
	case p.req.Chunked:
		p.ph = phaseChunkSize
	case p.haveContentLength:
		p.ph = phaseBody
	default:
		if p.req.Method == MethodPost || p.req.Method == MethodPut {
			return newParseError(ErrKindLengthRequired, "missing Content-Length or Transfer-Encoding")
		}
		p.contentLength = 0
		p.ph = phaseDone
	}
	return nil
}

func (p *Parser) stepChunkSize(buf []byte) (pos int, size int64, perr *ParseError) {
	lf := bytes.IndexByte(buf[p.pos:], '\n')
	if lf == -1 {
		if len(buf)-p.pos > maxHeaderLine {
			return 0, 0, newParseError(ErrKindBadRequest, "chunk size line too long")
		}
		return -1, 0, nil
	}
	lf += p.pos
	if lf == p.pos || buf[lf-1] != '\r' {
		return 0, 0, newParseError(ErrKindBadRequest, "chunk size line not CRLF-terminated")
	}
	line := buf[p.pos : lf-1]
	if semi := bytes.IndexByte(line, ';'); semi != -1 {
		line = line[:semi] // chunk extensions are ignored, per spec
	}
	n, ok := parseHexInt(line)
	if !ok {
		return 0, 0, newParseError(ErrKindBadRequest, "non-hex chunk size")
	}
	return lf + 1, n, nil
}

func splitTarget(target string) (path, query string, err error) {
	if target == "" {
		return "", "", errBadTarget
	}
	if i := indexByte(target, '?'); i != -1 {
		return decodePercent(target[:i]), target[i+1:], nil
	}
	return decodePercent(target), "", nil
}

var errBadTarget = newParseError(ErrKindBadRequest, "empty target")

func indexByte(s string, c byte) int {
	return bytes.IndexByte([]byte(s), c)
}

// decodePercent decodes %XX escapes; malformed escapes are passed through
// verbatim rather than rejected, matching the teacher's permissive style in
// the hot path (routing will 404 on a path that doesn't resolve to a file
// anyway).
func decodePercent(s string) string {
	if indexByte(s, '%') == -1 {
		return s
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			out = append(out, hexVal(s[i+1])<<4|hexVal(s[i+2]))
			i += 2
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}

// isWellFormedHTTPVersion reports whether s has the shape "HTTP/<digit>.<digit>",
// regardless of which digits — used to distinguish a real-but-unsupported
// version (505) from a token that isn't a version at all (400).
func isWellFormedHTTPVersion(s string) bool {
	const prefix = "HTTP/"
	if len(s) != len(prefix)+3 || s[:len(prefix)] != prefix {
		return false
	}
	maj, dot, min := s[len(prefix)], s[len(prefix)+1], s[len(prefix)+2]
	return maj >= '0' && maj <= '9' && dot == '.' && min >= '0' && min <= '9'
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

func parseNonNegativeInt(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	var n int64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}

func parseHexInt(b []byte) (int64, bool) {
	if len(b) == 0 {
		return 0, false
	}
	var n int64
	for _, c := range b {
		var v int64
		switch {
		case c >= '0' && c <= '9':
			v = int64(c - '0')
		case c >= 'a' && c <= 'f':
			v = int64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v = int64(c-'A') + 10
		default:
			return 0, false
		}
		n = n*16 + v
	}
	return n, true
}

func equalFold(a, b string) bool {
	return bytes.EqualFold([]byte(a), []byte(b))
}
