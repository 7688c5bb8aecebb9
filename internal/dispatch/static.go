package dispatch

import (
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fabian4/hostgate/internal/model"
	"github.com/fabian4/hostgate/internal/render"
	"github.com/fabian4/hostgate/internal/stream"
)

const indexFile = "index.html"

// ServeStatic serves r from the route's serving path. Every lookup goes through
// an os.Root so neither ".." nor symlinks can leave the tree.
func (d *Dispatcher) ServeStatic(w http.ResponseWriter, r *http.Request, route model.Route) Outcome {
	out := Outcome{Action: ActionStatic}
	fail := func(k Kind, err error) Outcome {
		e := &Error{Kind: k, Route: route.Source, Err: err}
		d.Fail(w, r, e)
		out.Err = e
		return out
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		return fail(MethodNotAllowed, fmt.Errorf("method %s", r.Method))
	}

	root, err := os.OpenRoot(route.ServingPath)
	if err != nil {
		d.logger.Error("static root unreadable", "host", route.Source, "serving_path", route.ServingPath, "error", err)
		return fail(StaticAssetUnreadable, err)
	}
	defer func() { _ = root.Close() }()

	name := relName(r.URL.Path)
	out.Target = filepath.Join(route.ServingPath, filepath.FromSlash(name))

	fi, err := root.Stat(name)
	if err != nil {
		return d.missing(fail, route, out.Target, err)
	}

	if fi.IsDir() {
		if !strings.HasSuffix(r.URL.Path, "/") {
			u := *r.URL
			u.Path += "/"
			http.Redirect(w, r, u.RequestURI(), http.StatusMovedPermanently)
			return out
		}
		idx := path.Join(name, indexFile)
		if ifi, err := root.Stat(idx); err == nil && !ifi.IsDir() {
			out.Target = filepath.Join(route.ServingPath, filepath.FromSlash(idx))
			return d.serveFile(w, r, root, idx, ifi, out, fail)
		}
		return d.listDirectory(w, r, root, name, out, fail)
	}
	return d.serveFile(w, r, root, name, fi, out, fail)
}

// relName maps a URL path to a name relative to the static root. Cleaning a
// rooted path removes every "..".
func relName(urlPath string) string {
	name := strings.TrimPrefix(path.Clean("/"+urlPath), "/")
	if name == "" {
		return "."
	}
	return name
}

func (d *Dispatcher) missing(fail func(Kind, error) Outcome, route model.Route, target string, err error) Outcome {
	if errors.Is(err, fs.ErrNotExist) {
		d.logger.Debug("static asset not found", "host", route.Source, "path", target)
		return fail(StaticAssetNotFound, err)
	}
	d.logger.Warn("static asset unreadable", "host", route.Source, "path", target, "error", err)
	return fail(StaticAssetUnreadable, err)
}

// ETag derives the validator of a file from its size and modification time.
func ETag(fi fs.FileInfo) string {
	return fmt.Sprintf(`"%x-%x"`, fi.Size(), fi.ModTime().UnixNano())
}

func etagMatch(header, etag string) bool {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "*" || strings.TrimPrefix(part, "W/") == etag {
			return true
		}
	}
	return false
}

func (d *Dispatcher) serveFile(w http.ResponseWriter, r *http.Request, root *os.Root, name string, fi fs.FileInfo, out Outcome, fail func(Kind, error) Outcome) Outcome {
	etag := ETag(fi)
	h := w.Header()
	h.Set("ETag", etag)
	h.Set("Last-Modified", fi.ModTime().UTC().Format(http.TimeFormat))

	if inm := r.Header.Get("If-None-Match"); inm != "" && etagMatch(inm, etag) {
		w.WriteHeader(http.StatusNotModified)
		return out
	}

	f, err := root.Open(name)
	if err != nil {
		h.Del("ETag")
		h.Del("Last-Modified")
		d.logger.Warn("static asset unreadable", "path", out.Target, "error", err)
		return fail(StaticAssetUnreadable, err)
	}
	s := stream.New(f, d.tracker, d.stream)
	defer func() { _ = s.Close() }()

	ctype := mime.TypeByExtension(path.Ext(name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	h.Set("Content-Type", ctype)
	h.Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return out
	}
	if _, err := s.Pipe(r.Context(), w); err != nil {
		d.logger.Debug("static stream aborted", "path", out.Target, "error", err)
		out.Err = err
	}
	return out
}

func (d *Dispatcher) listDirectory(w http.ResponseWriter, r *http.Request, root *os.Root, name string, out Outcome, fail func(Kind, error) Outcome) Outcome {
	dir, err := root.Open(name)
	if err != nil {
		d.logger.Warn("static directory unreadable", "path", out.Target, "error", err)
		return fail(StaticAssetUnreadable, err)
	}
	defer func() { _ = dir.Close() }()

	children, err := dir.ReadDir(-1)
	if err != nil {
		d.logger.Warn("static directory unreadable", "path", out.Target, "error", err)
		return fail(StaticAssetUnreadable, err)
	}
	entries := make([]render.Entry, 0, len(children))
	for _, c := range children {
		info, err := c.Info()
		if err != nil {
			// removed while listing
			continue
		}
		entries = append(entries, render.Entry{
			Name:    c.Name(),
			Dir:     c.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	body := d.renderer.DirectoryListing(out.Target, r.URL.Path, entries)
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
	return out
}
