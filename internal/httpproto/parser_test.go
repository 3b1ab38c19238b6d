package httpproto

import (
	"testing"
)

func TestParserBasicCases(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantResult  Result
		wantErrKind ErrKind
		wantErr     bool
		check       func(t *testing.T, r *Request)
	}{
		{
			name:       "valid get request",
			raw:        "GET /index.html HTTP/1.1\r\nHost: localhost\r\nUser-Agent: test\r\n\r\n",
			wantResult: ResultComplete,
			check: func(t *testing.T, r *Request) {
				if r.Method != MethodGet {
					t.Errorf("method = %v, want GET", r.Method)
				}
				if r.Path != "/index.html" {
					t.Errorf("path = %q", r.Path)
				}
				if r.Header.Get("Host") != "localhost" {
					t.Errorf("host header = %q", r.Header.Get("Host"))
				}
			},
		},
		{
			name:       "valid post with body",
			raw:        "POST /api/v1 HTTP/1.1\r\nContent-Length: 11\r\n\r\nhello world",
			wantResult: ResultComplete,
			check: func(t *testing.T, r *Request) {
				if string(r.Body) != "hello world" {
					t.Errorf("body = %q", r.Body)
				}
			},
		},
		{
			name:       "incomplete request",
			raw:        "GET /partial HTTP/1.1\r\nHost: local",
			wantResult: ResultNeedMore,
		},
		{
			name:        "unknown method rejected at routing not parsing",
			raw:         "FROB /sky HTTP/1.1\r\n\r\n",
			wantResult:  ResultComplete,
		},
		{
			name:        "malformed header",
			raw:         "GET / HTTP/1.1\r\nNoColonHeader\r\n\r\n",
			wantErr:     true,
			wantErrKind: ErrKindBadRequest,
		},
		{
			name:       "body incomplete",
			raw:        "POST / HTTP/1.1\r\nContent-Length: 100\r\n\r\nsmall body",
			wantResult: ResultNeedMore,
		},
		{
			name:        "post without framing is 411",
			raw:         "POST /upload HTTP/1.1\r\nHost: x\r\n\r\n",
			wantErr:     true,
			wantErrKind: ErrKindLengthRequired,
		},
		{
			name:        "mismatched content-length",
			raw:         "POST / HTTP/1.1\r\nContent-Length: 5\r\nContent-Length: 6\r\n\r\nhello",
			wantErr:     true,
			wantErrKind: ErrKindBadRequest,
		},
		{
			name:        "unknown transfer-encoding",
			raw:         "POST / HTTP/1.1\r\nTransfer-Encoding: gzip\r\n\r\n",
			wantErr:     true,
			wantErrKind: ErrKindNotImplemented,
		},
		{
			name:       "chunked body",
			raw:        "POST /echo HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n",
			wantResult: ResultComplete,
			check: func(t *testing.T, r *Request) {
				if string(r.Body) != "Wikipedia" {
					t.Errorf("body = %q", r.Body)
				}
			},
		},
		{
			name:       "chunk with extensions",
			raw:        "POST /echo HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n4;ext=1\r\nWiki\r\n0\r\n\r\n",
			wantResult: ResultComplete,
			check: func(t *testing.T, r *Request) {
				if string(r.Body) != "Wiki" {
					t.Errorf("body = %q", r.Body)
				}
			},
		},
		{
			name:    "non-hex chunk size",
			raw:     "POST /echo HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\nZZ\r\nabc\r\n0\r\n\r\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(1 << 20)
			consumed, result, perr := p.Step([]byte(tt.raw))

			if tt.wantErr {
				if perr == nil {
					t.Fatalf("expected error, got none")
				}
				if tt.wantErrKind != 0 && perr.Kind != tt.wantErrKind {
					t.Errorf("kind = %v, want %v", perr.Kind, tt.wantErrKind)
				}
				return
			}
			if perr != nil {
				t.Fatalf("unexpected error: %v", perr)
			}
			if result != tt.wantResult {
				t.Fatalf("result = %v, want %v", result, tt.wantResult)
			}
			if result == ResultComplete {
				if consumed != len(tt.raw) {
					t.Errorf("consumed = %d, want %d", consumed, len(tt.raw))
				}
				if tt.check != nil {
					tt.check(t, p.Pending())
				}
			}
		})
	}
}

func TestParserPipelinedRequests(t *testing.T) {
	raw := []byte("GET /1 HTTP/1.1\r\n\r\nGET /2 HTTP/1.1\r\n\r\n")

	p := NewParser(1 << 20)
	consumed, result, perr := p.Step(raw)
	if perr != nil || result != ResultComplete {
		t.Fatalf("first request: result=%v err=%v", result, perr)
	}
	if p.Pending().Path != "/1" {
		t.Fatalf("first path = %q", p.Pending().Path)
	}

	p.Reset()
	consumed2, result, perr := p.Step(raw[consumed:])
	if perr != nil || result != ResultComplete {
		t.Fatalf("second request: result=%v err=%v", result, perr)
	}
	if p.Pending().Path != "/2" {
		t.Fatalf("second path = %q", p.Pending().Path)
	}
	if consumed+consumed2 != len(raw) {
		t.Fatalf("did not consume whole buffer: %d + %d != %d", consumed, consumed2, len(raw))
	}
}

func TestParserExpect100Continue(t *testing.T) {
	raw := "POST /upload HTTP/1.1\r\nContent-Length: 5\r\nExpect: 100-continue\r\n\r\nhello"

	p := NewParser(1 << 20)
	_, result, perr := p.Step([]byte(raw))
	if perr != nil {
		t.Fatalf("unexpected error: %v", perr)
	}
	if result != ResultExpectContinue {
		t.Fatalf("result = %v, want ResultExpectContinue", result)
	}

	consumed, result, perr := p.Step([]byte(raw))
	if perr != nil || result != ResultComplete {
		t.Fatalf("result=%v err=%v", result, perr)
	}
	if consumed != len(raw) {
		t.Errorf("consumed = %d, want %d", consumed, len(raw))
	}
	if string(p.Pending().Body) != "hello" {
		t.Errorf("body = %q", p.Pending().Body)
	}
}

func TestParserBodyExactlyAtLimit(t *testing.T) {
	body := make([]byte, 16)
	for i := range body {
		body[i] = 'a'
	}
	raw := "POST / HTTP/1.1\r\nContent-Length: 16\r\n\r\n" + string(body)

	p := NewParser(16)
	_, result, perr := p.Step([]byte(raw))
	if perr != nil || result != ResultComplete {
		t.Fatalf("result=%v err=%v", result, perr)
	}
}

func TestParserBodyOneByteOverLimit(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nContent-Length: 17\r\n\r\n" + string(make([]byte, 17))

	p := NewParser(16)
	_, _, perr := p.Step([]byte(raw))
	if perr == nil || perr.Kind != ErrKindTooLarge {
		t.Fatalf("expected ErrKindTooLarge, got %v", perr)
	}
}
