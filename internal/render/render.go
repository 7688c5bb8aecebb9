// Package render produces the HTML bodies of error pages and directory listings.
package render

import (
	"bytes"
	"html/template"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"time"
)

// Entry is one immediate child of a listed directory.
type Entry struct {
	Name    string
	Dir     bool
	Size    int64
	ModTime time.Time
}

const errorPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Status}} {{.Text}}</title></head>
<body>
<h1>{{.Status}} {{.Text}}</h1>
<p>{{.Reason}}</p>
<p><code>{{.Path}}</code></p>
</body>
</html>
`

const listingPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Index of {{.URLPath}}</title></head>
<body>
<h1>Index of {{.URLPath}}</h1>
<table>
<tr><th>Name</th><th>Size</th><th>Modified</th></tr>
{{- range .Entries}}
<tr><td><a href="{{.Href}}">{{.Name}}{{if .Dir}}/{{end}}</a></td><td>{{if .Dir}}-{{else}}{{.Size}}{{end}}</td><td>{{.Modified}}</td></tr>
{{- end}}
</table>
</body>
</html>
`

// HTML renders pages from built-in templates.
type HTML struct {
	errTmpl  *template.Template
	listTmpl *template.Template
	logger   *slog.Logger
}

func New(logger *slog.Logger) *HTML {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTML{
		errTmpl:  template.Must(template.New("error").Parse(errorPage)),
		listTmpl: template.Must(template.New("listing").Parse(listingPage)),
		logger:   logger,
	}
}

// ErrorPage renders the body of a failed request. reason is shown to the client
// and must not carry internal error text.
func (h *HTML) ErrorPage(status int, reqPath, reason string) []byte {
	var buf bytes.Buffer
	err := h.errTmpl.Execute(&buf, struct {
		Status int
		Text   string
		Reason string
		Path   string
	}{status, http.StatusText(status), reason, reqPath})
	if err != nil {
		h.logger.Error("render error page", "status", status, "error", err)
		return []byte(http.StatusText(status) + "\n")
	}
	return buf.Bytes()
}

type listingRow struct {
	Name     string
	Href     string
	Dir      bool
	Size     int64
	Modified string
}

// DirectoryListing renders the children of dirPath as served under urlPath.
// Directories sort before files. dirPath is only used for logging.
func (h *HTML) DirectoryListing(dirPath, urlPath string, entries []Entry) []byte {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Dir != sorted[j].Dir {
			return sorted[i].Dir
		}
		return sorted[i].Name < sorted[j].Name
	})
	rows := make([]listingRow, len(sorted))
	for i, e := range sorted {
		href := path.Join(urlPath, e.Name)
		if e.Dir {
			href += "/"
		}
		rows[i] = listingRow{
			Name:     e.Name,
			Href:     href,
			Dir:      e.Dir,
			Size:     e.Size,
			Modified: e.ModTime.UTC().Format(time.RFC1123),
		}
	}
	var buf bytes.Buffer
	err := h.listTmpl.Execute(&buf, struct {
		URLPath string
		Entries []listingRow
	}{urlPath, rows})
	if err != nil {
		h.logger.Error("render directory listing", "dir", dirPath, "error", err)
		return nil
	}
	return buf.Bytes()
}
