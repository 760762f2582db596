// Package staticfiles serves a virtual host's document root for requests no
// rule claimed.
package staticfiles

import (
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Handler serves files below one document root. A nil Handler, or one with an
// empty root, answers 404 for everything.
type Handler struct {
	root         string
	contentTypes map[string]string
	files        http.Handler
	logger       logrus.FieldLogger
}

// New returns a handler for root. contentTypes maps lowercase extensions
// (".wasm") to the Content-Type to send instead of the sniffed one.
func New(root string, contentTypes map[string]string, logger logrus.FieldLogger) *Handler {
	h := &Handler{root: root, contentTypes: contentTypes, logger: logger}
	if root == "" {
		return h
	}
	if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
		logger.WithField("document_root", root).Warn("Document root is not a readable directory, requests will 404 until it exists")
	}
	h.files = http.FileServer(http.Dir(root))
	return h
}

// Root returns the served directory.
func (h *Handler) Root() string {
	if h == nil {
		return ""
	}
	return h.root
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.files == nil {
		http.NotFound(w, r)
		return
	}

	start := time.Now()
	if ct, ok := h.contentTypes[strings.ToLower(path.Ext(r.URL.Path))]; ok {
		w.Header().Set("Content-Type", ct)
	}
	h.files.ServeHTTP(w, r)
	h.logger.WithFields(logrus.Fields{
		"path":     r.URL.Path,
		"root":     h.root,
		"duration": time.Since(start),
	}).Debug("Served static request")
}
