package respond

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/kfcemployee/goserver/internal/config"
	"github.com/kfcemployee/goserver/internal/httpproto"
)

var errNoBoundary = errors.New("multipart/form-data request missing boundary parameter")
var errMalformedMultipart = errors.New("malformed multipart body")

// Upload handles POST/PUT against a route with upload_enabled (spec §4.6):
// multipart/form-data is decoded and each part written under root; any other
// content type is written verbatim to a single file named by the request
// path's final segment.
func (p *Pipeline) Upload(route *config.Route, root, fsPath string, req *httpproto.Request) Result {
	if !route.UploadEnabled {
		return p.forbidden()
	}

	ct := req.Header.Get("Content-Type")
	mediaType, params, _ := mime.ParseMediaType(ct)

	var written []string
	var err error
	if mediaType == "multipart/form-data" {
		written, err = p.saveMultipart(root, req.Body, params["boundary"])
	} else {
		written, err = p.saveRaw(fsPath, req.Body)
	}
	if err != nil {
		if errors.Is(err, errNoBoundary) || errors.Is(err, errMalformedMultipart) {
			p.Log.Warn().Err(err).Str("root", root).Msg("upload rejected")
			return p.badRequest()
		}
		p.Log.Warn().Err(err).Str("root", root).Msg("upload failed")
		return p.internalError()
	}

	body := []byte("uploaded: " + strings.Join(written, ", ") + "\n")
	var h httpproto.ResponseHeaders
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.SetInt("Content-Length", int64(len(body)))
	return Result{Status: 201, Reason: "Created", Header: h, Body: body}
}

func (p *Pipeline) saveMultipart(root string, body []byte, boundary string) ([]string, error) {
	if boundary == "" {
		return nil, errNoBoundary
	}
	reader := multipart.NewReader(bytes.NewReader(body), boundary)

	var written []string
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return written, errMalformedMultipart
		}
		name := part.FileName()
		if name == "" {
			name = part.FormName()
		}
		if name == "" {
			continue
		}
		dst, err := destPath(root, name)
		if err != nil {
			return written, err
		}
		if err := writeAll(dst, part); err != nil {
			return written, err
		}
		written = append(written, filepath.Base(dst))
	}
	return written, nil
}

func (p *Pipeline) saveRaw(fsPath string, body []byte) ([]string, error) {
	f, err := os.Create(fsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.Write(body); err != nil {
		return nil, err
	}
	return []string{filepath.Base(fsPath)}, nil
}

func destPath(root, name string) (string, error) {
	resolved, err := Resolve(root, filepath.Base(name))
	if err != nil {
		return "", err
	}
	return resolved, nil
}

func writeAll(dst string, r io.Reader) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}
