package web

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Server serves the dashboard bundle. Requests that do not match a file
// on disk fall back to index.html so client-side routes resolve on
// reload.
type Server struct {
	Dir string
}

func (s *Server) Handler() http.Handler {
	fs := http.FileServer(http.Dir(s.Dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")

		if r.URL.Path != "/" {
			name := filepath.Join(s.Dir, filepath.Clean(strings.TrimPrefix(r.URL.Path, "/")))
			if _, err := os.Stat(name); os.IsNotExist(err) {
				http.ServeFile(w, r, filepath.Join(s.Dir, "index.html"))
				return
			}
		}
		fs.ServeHTTP(w, r)
	})
}
