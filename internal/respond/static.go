package respond

import (
	"io"
	"os"
	"path"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/kfcemployee/goserver/internal/config"
	"github.com/kfcemployee/goserver/internal/httpproto"
	"github.com/kfcemployee/goserver/internal/mimetypes"
)

// ErrTooLarge guards the bounded reads used for in-memory bodies (error
// pages, directory listings never hit this, but a misconfigured custom error
// page file could).
var ErrTooLarge = errors.New("file exceeds bound")

func readFileBounded(p string, max int64) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() > max {
		return nil, ErrTooLarge
	}
	return io.ReadAll(f)
}

// Static serves a GET/HEAD request against a resolved filesystem path:
// a regular file streams from disk, a directory tries the route's index
// files in order and falls back to a rendered listing (spec §4.6).
func (p *Pipeline) Static(route *config.Route, urlPath, fsPath string, head bool) Result {
	st, err := os.Stat(fsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return p.notFound()
		}
		return p.internalError()
	}

	if st.IsDir() {
		return p.serveDirectory(route, urlPath, fsPath, head)
	}
	return p.serveFile(fsPath, st.Size(), st.ModTime().UTC().Format(http1Date), head)
}

func (p *Pipeline) serveDirectory(route *config.Route, urlPath, fsPath string, head bool) Result {
	for _, idx := range route.Index {
		candidate := path.Join(fsPath, idx)
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return p.serveFile(candidate, st.Size(), st.ModTime().UTC().Format(http1Date), head)
		}
	}
	if !route.DirectoryListing {
		return p.forbidden()
	}

	entries, err := os.ReadDir(fsPath)
	if err != nil {
		return p.internalError()
	}
	listing := make([]mimetypes.Entry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		var size int64
		if err == nil {
			size = info.Size()
		}
		listing = append(listing, mimetypes.Entry{Name: e.Name(), IsDir: e.IsDir(), Size: size})
	}
	sort.Slice(listing, func(i, j int) bool { return listing[i].Name < listing[j].Name })

	body := mimetypes.RenderListing(urlPath, listing)
	var h httpproto.ResponseHeaders
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.SetInt("Content-Length", int64(len(body)))
	if head {
		body = nil
	}
	return Result{Status: 200, Reason: "OK", Header: h, Body: body}
}

func (p *Pipeline) serveFile(fsPath string, size int64, lastModified string, head bool) Result {
	var h httpproto.ResponseHeaders
	h.Set("Content-Type", mimetypes.ForPath(fsPath))
	h.SetInt("Content-Length", size)
	h.Set("Last-Modified", lastModified)
	h.Set("Cache-Control", "public, max-age=3600")

	return Result{
		Status: 200,
		Reason: "OK",
		Header: h,
		File:   &fileBody{path: fsPath, size: size, head: head},
	}
}

// Delete removes a resolved filesystem path for the DELETE method (spec
// §4.6): 204 on success, 404 if absent, 409 if it names a directory.
func (p *Pipeline) Delete(fsPath string) Result {
	st, err := os.Stat(fsPath)
	if os.IsNotExist(err) {
		return p.notFound()
	}
	if err != nil {
		return p.internalError()
	}
	if st.IsDir() {
		var h httpproto.ResponseHeaders
		h.Set("Content-Length", "0")
		return Result{Status: 409, Reason: "Conflict", Header: h}
	}
	if err := os.Remove(fsPath); err != nil {
		return p.internalError()
	}
	var h httpproto.ResponseHeaders
	return Result{Status: 204, Reason: "No Content", Header: h}
}

func (p *Pipeline) notFound() Result {
	var h httpproto.ResponseHeaders
	body := mimetypes.DefaultErrorBody(404)
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.SetInt("Content-Length", int64(len(body)))
	return Result{Status: 404, Reason: "Not Found", Header: h, Body: body}
}

func (p *Pipeline) badRequest() Result {
	var h httpproto.ResponseHeaders
	body := mimetypes.DefaultErrorBody(400)
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.SetInt("Content-Length", int64(len(body)))
	return Result{Status: 400, Reason: "Bad Request", Header: h, Body: body}
}

func (p *Pipeline) forbidden() Result {
	var h httpproto.ResponseHeaders
	body := mimetypes.DefaultErrorBody(403)
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.SetInt("Content-Length", int64(len(body)))
	return Result{Status: 403, Reason: "Forbidden", Header: h, Body: body}
}

func (p *Pipeline) internalError() Result {
	var h httpproto.ResponseHeaders
	body := mimetypes.DefaultErrorBody(500)
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.SetInt("Content-Length", int64(len(body)))
	return Result{Status: 500, Reason: "Internal Server Error", Header: h, Body: body}
}

// FilePath exposes the streamed file's path so the connection can open it
// (Pipeline builds headers eagerly via Stat but defers the open+read to the
// connection's own write path, so a slow client can't hold a file descriptor
// open indefinitely before the response is even scheduled).
func (f *fileBody) FilePath() string { return f.path }
func (f *fileBody) Size() int64      { return f.size }
func (f *fileBody) HeadOnly() bool   { return f.head }
