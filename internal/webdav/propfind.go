package webdav

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// PathItem describes one directory entry as exposed to clients, with
// sizes in plaintext bytes.
type PathItem struct {
	PathType string `json:"path_type"`
	Name     string `json:"name"`
	Mtime    int64  `json:"mtime"`
	Size     *int64 `json:"size"`
}

func (p PathItem) isDir() bool {
	return p.PathType == "Dir" || p.PathType == "SymlinkDir"
}

func (p PathItem) baseName() string {
	if p.Name == "" {
		return ""
	}
	return filepath.Base(p.Name)
}

// davXML renders the PROPFIND response fragment for one entry.
func (p PathItem) davXML(prefix string) string {
	mtime := time.UnixMilli(p.Mtime).UTC().Format("Mon, 02 Jan 2006 15:04:05 -0700")
	href := hrefPath(prefix + p.Name)
	if p.isDir() && !strings.HasSuffix(href, "/") {
		href += "/"
	}
	displayname := escapePCDATA(p.baseName())
	if p.isDir() {
		return fmt.Sprintf(`<D:response>
<D:href>%s</D:href>
<D:propstat>
<D:prop>
<D:displayname>%s</D:displayname>
<D:getlastmodified>%s</D:getlastmodified>
<D:resourcetype><D:collection/></D:resourcetype>
</D:prop>
<D:status>HTTP/1.1 200 OK</D:status>
</D:propstat>
</D:response>`, href, displayname, mtime)
	}
	var size int64
	if p.Size != nil {
		size = *p.Size
	}
	return fmt.Sprintf(`<D:response>
<D:href>%s</D:href>
<D:propstat>
<D:prop>
<D:displayname>%s</D:displayname>
<D:getcontentlength>%d</D:getcontentlength>
<D:getlastmodified>%s</D:getlastmodified>
<D:resourcetype></D:resourcetype>
</D:prop>
<D:status>HTTP/1.1 200 OK</D:status>
</D:propstat>
</D:response>`, href, displayname, size, mtime)
}

var pcdataEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapePCDATA(s string) string {
	return pcdataEscaper.Replace(s)
}

func (s *Server) handlePropfindDir(w http.ResponseWriter, r *http.Request, fsPath string) error {
	depth := 1
	if v := r.Header.Get("Depth"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			w.WriteHeader(http.StatusBadRequest)
			return nil
		}
		depth = parsed
	}

	self, err := s.toPathItem(fsPath)
	if err != nil {
		return err
	}
	items := []PathItem{self}
	if depth != 0 {
		children, err := s.listDir(fsPath)
		if err != nil {
			forbidden(w)
			return nil
		}
		items = append(items, children...)
	}

	var sb strings.Builder
	for _, item := range items {
		sb.WriteString(item.davXML("/"))
	}
	writeMultistatus(w, sb.String())
	return nil
}

func (s *Server) handlePropfindFile(w http.ResponseWriter, fsPath string) error {
	item, err := s.toPathItem(fsPath)
	if err != nil {
		return err
	}
	writeMultistatus(w, item.davXML("/"))
	return nil
}

func handleProppatch(w http.ResponseWriter, reqPath string) {
	writeMultistatus(w, fmt.Sprintf(`<D:response>
<D:href>%s</D:href>
<D:propstat>
<D:prop>
</D:prop>
<D:status>HTTP/1.1 403 Forbidden</D:status>
</D:propstat>
</D:response>`, reqPath))
}

func writeMultistatus(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8" ?>
<D:multistatus xmlns:D="DAV:">
%s
</D:multistatus>`, content)
}

// handleQueryDir walks the subtree and returns entries whose name
// contains the term, case-insensitively, as a JSON list.
func (s *Server) handleQueryDir(w http.ResponseWriter, fsPath, term string, headOnly bool) error {
	term = strings.ToLower(term)
	items := []PathItem{}
	err := filepath.WalkDir(fsPath, func(entryPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entryPath == fsPath {
			return nil
		}
		if !strings.Contains(strings.ToLower(d.Name()), term) {
			return nil
		}
		item, err := s.toPathItemRel(entryPath, fsPath)
		if err != nil {
			return nil
		}
		items = append(items, item)
		return nil
	})
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	if headOnly {
		return nil
	}
	return json.NewEncoder(w).Encode(items)
}

// listDir returns the direct children of a directory.
func (s *Server) listDir(fsPath string) ([]PathItem, error) {
	entries, err := os.ReadDir(fsPath)
	if err != nil {
		return nil, err
	}
	items := make([]PathItem, 0, len(entries))
	for _, entry := range entries {
		item, err := s.toPathItemRel(filepath.Join(fsPath, entry.Name()), s.dav.Directory)
		if err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// toPathItem builds the entry for a path relative to the dav root.
func (s *Server) toPathItem(fsPath string) (PathItem, error) {
	return s.toPathItemRel(fsPath, s.dav.Directory)
}

func (s *Server) toPathItemRel(fsPath, basePath string) (PathItem, error) {
	meta, err := os.Stat(fsPath)
	if err != nil {
		return PathItem{}, err
	}
	lmeta, err := os.Lstat(fsPath)
	if err != nil {
		return PathItem{}, err
	}
	isSymlink := lmeta.Mode()&os.ModeSymlink != 0
	isDir := meta.IsDir()

	var pathType string
	switch {
	case isSymlink && isDir:
		pathType = "SymlinkDir"
	case isDir:
		pathType = "Dir"
	case isSymlink:
		pathType = "SymlinkFile"
	default:
		pathType = "File"
	}

	rel, err := filepath.Rel(basePath, fsPath)
	if err != nil {
		return PathItem{}, err
	}
	if rel == "." {
		rel = ""
	}

	item := PathItem{
		PathType: pathType,
		Name:     filepath.ToSlash(rel),
		Mtime:    meta.ModTime().UnixMilli(),
	}
	if !isDir {
		size := s.plainSize(meta.Size())
		item.Size = &size
	}
	return item, nil
}
