package httpserver

import (
	"embed"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"
)

//go:embed assets/*
var embeddedAssets embed.FS

// newStaticHandler serves the embedded frontend, or the directory at root
// when one is configured. Lookups go through os.Root so resolved paths,
// symlinks included, cannot leave the directory.
func newStaticHandler(root string) (http.Handler, error) {
	var files fs.FS
	if root == "" {
		sub, err := fs.Sub(embeddedAssets, "assets")
		if err != nil {
			return nil, fmt.Errorf("embedded assets: %w", err)
		}
		files = sub
	} else {
		dir, err := os.OpenRoot(root)
		if err != nil {
			return nil, fmt.Errorf("open static root: %w", err)
		}
		files = dir.FS()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allowGet(w, r) {
			return
		}

		name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
		if name == "" {
			name = "index.html"
		}
		if !fs.ValidPath(name) {
			http.NotFound(w, r)
			return
		}

		f, err := files.Open(name)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}
		content, ok := f.(io.ReadSeeker)
		if !ok {
			http.Error(w, "static asset not seekable", http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, name, info.ModTime(), content)
	}), nil
}
