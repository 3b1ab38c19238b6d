// Package mimetypes renders the pure, input-to-output pieces the core
// pipeline delegates to: MIME lookup by extension, directory-listing HTML,
// and built-in error bodies. None of it touches a socket or a file
// descriptor's readiness state.
package mimetypes

import (
	"fmt"
	"html"
	"path/filepath"
	"sort"
	"strings"
)

var table = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript; charset=utf-8",
	".json": "application/json; charset=utf-8",
	".txt":  "text/plain; charset=utf-8",
	".csv":  "text/csv; charset=utf-8",
	".xml":  "application/xml; charset=utf-8",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	".pdf":  "application/pdf",
	".zip":  "application/zip",
	".gz":   "application/gzip",
	".mp4":  "video/mp4",
	".mp3":  "audio/mpeg",
	".wasm": "application/wasm",
	".woff": "font/woff",
	".woff2": "font/woff2",
}

const fallback = "application/octet-stream"

// ForPath returns the Content-Type for path by its extension, falling back
// to application/octet-stream for anything unrecognized.
func ForPath(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ct, ok := table[ext]; ok {
		return ct
	}
	return fallback
}

// Entry is one directory-listing row.
type Entry struct {
	Name  string
	IsDir bool
	Size  int64
}

// RenderListing builds a minimal directory-listing HTML page for urlPath,
// given its already-sorted-by-caller-or-not entries.
func RenderListing(urlPath string, entries []Entry) []byte {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})

	var b strings.Builder
	fmt.Fprintf(&b, "<!DOCTYPE html><html><head><title>Index of %s</title></head><body>", html.EscapeString(urlPath))
	fmt.Fprintf(&b, "<h1>Index of %s</h1><ul>", html.EscapeString(urlPath))
	if urlPath != "/" {
		b.WriteString(`<li><a href="../">../</a></li>`)
	}
	for _, e := range entries {
		name := e.Name
		if e.IsDir {
			name += "/"
		}
		fmt.Fprintf(&b, `<li><a href="%s">%s</a></li>`, html.EscapeString(name), html.EscapeString(name))
	}
	b.WriteString("</ul></body></html>")
	return []byte(b.String())
}

var reasons = map[int]string{
	100: "Continue",
	200: "OK",
	201: "Created",
	204: "No Content",
	301: "Moved Permanently",
	302: "Found",
	304: "Not Modified",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	411: "Length Required",
	413: "Payload Too Large",
	414: "URI Too Long",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
	505: "HTTP Version Not Supported",
}

// Reason returns the canonical reason phrase for code, or "Unknown".
func Reason(code int) string {
	if r, ok := reasons[code]; ok {
		return r
	}
	return "Unknown"
}

// DefaultErrorBody renders the compact built-in error page used when a
// server block's error_pages map has no entry for code or the mapped file can't be
// read.
func DefaultErrorBody(code int) []byte {
	reason := Reason(code)
	return []byte(fmt.Sprintf(
		"<!DOCTYPE html><html><head><title>%d %s</title></head>"+
			"<body><center><h1>%d %s</h1></center><hr><center>goserver</center></body></html>",
		code, reason, code, reason))
}
