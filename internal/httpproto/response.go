// Response framing, generalizing the teacher's zero-alloc BuildResp
// (server/protocol/builder.go) from a fixed status table into an ordered
// header list plus the chunked-encoding framing spec §4.7/§6 need for CGI
// output without a Content-Length.
package httpproto

import (
	"strconv"
)

// HeaderField is one ordered response header; order is preserved on the
// wire, matching the teacher's flat []Header approach rather than a map.
type HeaderField struct {
	Key, Val string
}

// ResponseHeaders is an ordered, append-only header list.
type ResponseHeaders struct {
	fields []HeaderField
}

func (h *ResponseHeaders) Set(key, val string) {
	h.fields = append(h.fields, HeaderField{key, val})
}

func (h *ResponseHeaders) SetInt(key string, n int64) {
	h.Set(key, strconv.FormatInt(n, 10))
}

func (h *ResponseHeaders) Fields() []HeaderField { return h.fields }

// WriteStatusLine appends "HTTP/1.1 <code> <reason>\r\n" to dst.
func WriteStatusLine(dst []byte, code int, reason string) []byte {
	dst = append(dst, "HTTP/1.1 "...)
	dst = strconv.AppendInt(dst, int64(code), 10)
	dst = append(dst, ' ')
	dst = append(dst, reason...)
	dst = append(dst, '\r', '\n')
	return dst
}

// WriteHeaders appends each header field followed by CRLF, and the final
// blank-line terminator, to dst.
func WriteHeaders(dst []byte, h *ResponseHeaders) []byte {
	for _, f := range h.fields {
		dst = append(dst, f.Key...)
		dst = append(dst, ':', ' ')
		dst = append(dst, f.Val...)
		dst = append(dst, '\r', '\n')
	}
	dst = append(dst, '\r', '\n')
	return dst
}

// BuildHead renders the status line and headers (no body) into a freshly
// allocated slice; the body, when inline, is appended by the caller.
func BuildHead(code int, reason string, h *ResponseHeaders) []byte {
	dst := make([]byte, 0, 256)
	dst = WriteStatusLine(dst, code, reason)
	dst = WriteHeaders(dst, h)
	return dst
}

// EncodeChunk wraps data as one chunked-transfer-encoding chunk.
func EncodeChunk(dst, data []byte) []byte {
	dst = strconv.AppendInt(dst, int64(len(data)), 16)
	dst = append(dst, '\r', '\n')
	dst = append(dst, data...)
	dst = append(dst, '\r', '\n')
	return dst
}

// FinalChunk returns the terminating zero-length chunk with no trailers.
func FinalChunk() []byte {
	return []byte("0\r\n\r\n")
}
