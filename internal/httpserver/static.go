package httpserver

import (
	"errors"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const staticIndex = "index.html"

// StaticHandler serves the files of one directory tree. "/" maps to
// index.html; a missing file is a plain 404 and any other read failure a 500.
type StaticHandler struct {
	fsys fs.FS
	log  *slog.Logger
}

func NewStaticHandler(dir string, logger *slog.Logger) *StaticHandler {
	return NewStaticHandlerFS(os.DirFS(dir), logger)
}

func NewStaticHandlerFS(fsys fs.FS, logger *slog.Logger) *StaticHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StaticHandler{fsys: fsys, log: logger}
}

func (h *StaticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if name == "" {
		name = staticIndex
	}
	if !fs.ValidPath(name) {
		writeNotFound(w)
		return
	}

	data, err := fs.ReadFile(h.fsys, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeNotFound(w)
			return
		}
		h.log.Error("read static file failed", "path", name, "err", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType(name, data))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(data)
	}
}

func contentType(name string, data []byte) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return mimetype.Detect(data).String()
}

func writeNotFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte("404 Not Found"))
}
