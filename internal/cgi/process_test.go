package cgi

import (
	"testing"

	"github.com/kfcemployee/goserver/internal/httpproto"
)

func TestBuildEnvironSetsFixedVariables(t *testing.T) {
	req := &Request{
		Method:     "POST",
		Query:      "a=1",
		PathInfo:   "/extra",
		ScriptName: "/cgi-bin/echo.py",
		ServerName: "localhost",
		ServerPort: "8080",
		RemoteAddr: "127.0.0.1:5000",
		Header:     httpproto.Header{"HOST": {"localhost"}, "X-CUSTOM": {"v"}, "CONNECTION": {"keep-alive"}},
		Body:       []byte("A=1&B=2"),
	}
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")

	env := buildEnviron(req)
	want := map[string]string{
		"GATEWAY_INTERFACE": "CGI/1.1",
		"SERVER_PROTOCOL":   "HTTP/1.1",
		"REQUEST_METHOD":    "POST",
		"QUERY_STRING":      "a=1",
		"PATH_INFO":         "/extra",
		"SCRIPT_NAME":       "/cgi-bin/echo.py",
		"CONTENT_LENGTH":    "7",
		"CONTENT_TYPE":      "application/x-www-form-urlencoded",
		"HTTP_X_CUSTOM":     "v",
	}
	got := toMap(env)
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
	if _, ok := got["HTTP_CONNECTION"]; ok {
		t.Error("hop-by-hop Connection header must not be forwarded")
	}
	if _, ok := got["HTTP_CONTENT_TYPE"]; ok {
		t.Error("Content-Type must be promoted, not duplicated as HTTP_CONTENT_TYPE")
	}
}

func toMap(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}

func TestParseCGIHeadersDefaultsToStatus200(t *testing.T) {
	status, reason, header, ok := parseCGIHeaders([]byte("Content-Type: text/plain"))
	if !ok {
		t.Fatal("expected ok")
	}
	if status != 200 || reason != "OK" {
		t.Errorf("status=%d reason=%q, want 200/OK", status, reason)
	}
	if header.Get("Content-Type") != "text/plain" {
		t.Errorf("content-type = %q", header.Get("Content-Type"))
	}
}

func TestParseCGIHeadersStatusOverride(t *testing.T) {
	status, reason, _, ok := parseCGIHeaders([]byte("Status: 404 Not Found"))
	if !ok || status != 404 || reason != "Not Found" {
		t.Errorf("status=%d reason=%q ok=%v", status, reason, ok)
	}
}

func TestParseCGIHeadersLocationImpliesRedirect(t *testing.T) {
	status, _, header, ok := parseCGIHeaders([]byte("Location: /new-place"))
	if !ok || status != 302 {
		t.Errorf("status=%d ok=%v, want 302", status, ok)
	}
	if header.Get("Location") != "/new-place" {
		t.Errorf("location = %q", header.Get("Location"))
	}
}

func TestParseCGIHeadersMalformedLineRejected(t *testing.T) {
	_, _, _, ok := parseCGIHeaders([]byte("not-a-header-line"))
	if ok {
		t.Fatal("expected malformed header block to be rejected")
	}
}

func TestFindHeaderBreak(t *testing.T) {
	header := "Content-Type: text/plain"
	raw := []byte(header + "\r\n\r\nbody")
	idx, n := findHeaderBreak(raw)
	if idx != len(header) || n != 4 {
		t.Errorf("idx=%d n=%d, want idx=%d n=4", idx, n, len(header))
	}
}
