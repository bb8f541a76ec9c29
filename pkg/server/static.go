package server

import (
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/aeolun/wirechat/pkg/protocol"
)

// staticFiles serves pages and assets from a directory
type staticFiles struct {
	fsys fs.FS
}

func newStaticFiles(dir string) *staticFiles {
	return &staticFiles{fsys: os.DirFS(dir)}
}

// serve returns the file at urlPath, or 404 when it is missing, is a
// directory, or escapes the static root
func (s *staticFiles) serve(urlPath string) *protocol.Response {
	name, ok := staticName(urlPath)
	if !ok {
		debugLog.Printf("Rejected static path %q", urlPath)
		return notFound()
	}

	info, err := fs.Stat(s.fsys, name)
	if err != nil || info.IsDir() {
		debugLog.Printf("Static file %q: not found", name)
		return notFound()
	}
	data, err := fs.ReadFile(s.fsys, name)
	if err != nil {
		debugLog.Printf("Static file %q: %v", name, err)
		return notFound()
	}

	resp := protocol.NewResponse(protocol.StatusOK)
	resp.SetHeader("Content-Type", contentType(name))
	resp.SetBody(data)
	return resp
}

// staticName turns a request path into a name inside the static root
func staticName(urlPath string) (string, bool) {
	decoded, err := url.PathUnescape(urlPath)
	if err != nil {
		return "", false
	}
	if !strings.HasPrefix(decoded, "/") {
		return "", false
	}
	for _, part := range strings.Split(decoded, "/") {
		if part == ".." {
			return "", false
		}
	}
	name := strings.TrimPrefix(path.Clean(decoded), "/")
	if name == "" {
		name = "index.html"
	}
	if !fs.ValidPath(name) {
		return "", false
	}
	return name, true
}

func contentType(name string) string {
	ct := mime.TypeByExtension(path.Ext(name))
	if ct == "" {
		return "application/octet-stream"
	}
	if strings.HasPrefix(ct, "text/") && !strings.Contains(ct, "charset") {
		ct += "; charset=utf-8"
	}
	return ct
}

func notFound() *protocol.Response {
	resp := protocol.NewResponse(protocol.StatusNotFound)
	resp.SetBodyString("<h1>404 Not Found</h1>")
	return resp
}
