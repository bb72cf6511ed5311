// Package webdav serves a sandboxed directory over the DAV verbs,
// streaming file contents through the encryption layer when the dav
// carries a key.
package webdav

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vestibule-io/vestibule/internal/config"
	"github.com/vestibule-io/vestibule/internal/encryption"
)

// Server handles requests for one dav. Requests reaching ServeHTTP
// have already passed the authorization gate.
type Server struct {
	dav      *config.Dav
	streamer *encryption.Streamer
}

// New builds a dav server, wiring the encryption streamer when the
// dav has a derived key.
func New(dav *config.Dav) (*Server, error) {
	s := &Server{dav: dav}
	if len(dav.Key) > 0 {
		streamer, err := encryption.NewStreamer(dav.Key)
		if err != nil {
			return nil, fmt.Errorf("dav %q: %w", dav.Host, err)
		}
		s.streamer = streamer
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := s.handle(w, r); err != nil {
		log.Error().Err(err).Str("dav", s.dav.Host).Str("method", r.Method).Str("uri", r.RequestURI).Msg("dav request failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) error {
	fsPath, ok := s.extractPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return nil
	}

	headOnly := r.Method == http.MethodHead

	var isMiss, isDir, isFile bool
	if meta, err := os.Stat(fsPath); err == nil {
		isDir = meta.IsDir()
		isFile = meta.Mode().IsRegular()
	} else {
		isMiss = true
	}

	if !s.dav.AllowSymlinks && !isMiss && !s.contained(fsPath) {
		http.NotFound(w, r)
		return nil
	}

	writable := s.dav.Writable

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		switch {
		case isDir:
			query := r.URL.RawQuery
			if query == "zip" {
				return s.handleZipDir(w, fsPath, headOnly)
			}
			if strings.HasPrefix(query, "q=") {
				term, _ := url.QueryUnescape(query[2:])
				return s.handleQueryDir(w, fsPath, term, headOnly)
			}
		case isFile:
			return s.handleSendFile(w, r, fsPath, headOnly)
		default:
			http.NotFound(w, r)
		}
	case http.MethodOptions:
		setWebdavHeaders(w)
	case http.MethodPut:
		if !writable {
			forbidden(w)
			return nil
		}
		return s.handleUpload(w, r, fsPath)
	case http.MethodDelete:
		if !writable {
			forbidden(w)
		} else if isMiss {
			http.NotFound(w, r)
		} else {
			return handleDelete(w, fsPath, isDir)
		}
	case "PROPFIND":
		switch {
		case isDir:
			return s.handlePropfindDir(w, r, fsPath)
		case isFile:
			return s.handlePropfindFile(w, fsPath)
		default:
			http.NotFound(w, r)
		}
	case "PROPPATCH":
		if isFile {
			handleProppatch(w, r.URL.Path)
		} else {
			http.NotFound(w, r)
		}
	case "MKCOL":
		if !writable || !isMiss {
			forbidden(w)
		} else if err := os.MkdirAll(fsPath, 0o755); err != nil {
			return err
		} else {
			w.WriteHeader(http.StatusCreated)
		}
	case "COPY":
		if !writable {
			forbidden(w)
		} else if isMiss {
			http.NotFound(w, r)
		} else {
			return s.handleCopy(w, r, fsPath, isDir)
		}
	case "MOVE":
		if !writable {
			forbidden(w)
		} else if isMiss {
			http.NotFound(w, r)
		} else {
			return s.handleMove(w, r, fsPath)
		}
	case "LOCK":
		if isFile {
			handleLock(w, r.URL.Path)
		} else {
			http.NotFound(w, r)
		}
	case "UNLOCK":
		if isMiss {
			http.NotFound(w, r)
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
	return nil
}

// extractPath maps the decoded request path into the dav root,
// rejecting anything that lexically escapes it.
func (s *Server) extractPath(reqPath string) (string, bool) {
	decoded, err := url.PathUnescape(reqPath)
	if err != nil {
		return "", false
	}
	root := filepath.Clean(s.dav.Directory)
	joined := filepath.Join(root, filepath.FromSlash(decoded))
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", false
	}
	return joined, true
}

// contained resolves symlinks and checks the real path still lives
// under the dav root.
func (s *Server) contained(fsPath string) bool {
	resolved, err := filepath.EvalSymlinks(fsPath)
	if err != nil {
		return false
	}
	root, err := filepath.EvalSymlinks(s.dav.Directory)
	if err != nil {
		return false
	}
	return resolved == root || strings.HasPrefix(resolved, root+string(filepath.Separator))
}

// plainSize maps an on-disk size to the size clients observe.
func (s *Server) plainSize(diskSize int64) int64 {
	if s.streamer == nil {
		return diskSize
	}
	return encryption.DecryptedSize(diskSize)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, fsPath string) error {
	if err := ensurePathParent(fsPath); err != nil {
		return err
	}
	file, err := os.Create(fsPath)
	if err != nil {
		forbidden(w)
		return nil
	}
	defer file.Close()

	if s.streamer != nil {
		_, err = s.streamer.EncryptFrom(file, r.Body)
	} else {
		_, err = io.Copy(file, r.Body)
	}
	if err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		return err
	}
	w.WriteHeader(http.StatusCreated)
	return nil
}

func handleDelete(w http.ResponseWriter, fsPath string, isDir bool) error {
	var err error
	if isDir {
		err = os.RemoveAll(fsPath)
	} else {
		err = os.Remove(fsPath)
	}
	if err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request, fsPath string, isDir bool) error {
	dest, ok := s.extractDest(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}
	if isDir {
		forbidden(w)
		return nil
	}
	if err := ensurePathParent(dest); err != nil {
		return err
	}
	src, err := os.Open(fsPath)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request, fsPath string) error {
	dest, ok := s.extractDest(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}
	if err := ensurePathParent(dest); err != nil {
		return err
	}
	if err := os.Rename(fsPath, dest); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// extractDest resolves the Destination header into the dav root.
func (s *Server) extractDest(r *http.Request) (string, bool) {
	dest := r.Header.Get("Destination")
	if dest == "" {
		return "", false
	}
	u, err := url.Parse(dest)
	if err != nil {
		return "", false
	}
	return s.extractPath(u.Path)
}

func handleLock(w http.ResponseWriter, reqPath string) {
	token := "opaquelocktoken:" + uuid.NewString()
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Header().Set("Lock-Token", "<"+token+">")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?>
<D:prop xmlns:D="DAV:"><D:lockdiscovery><D:activelock>
<D:locktoken><D:href>%s</D:href></D:locktoken>
<D:lockroot><D:href>%s</D:href></D:lockroot>
</D:activelock></D:lockdiscovery></D:prop>`, token, reqPath)
}

func setWebdavHeaders(w http.ResponseWriter) {
	w.Header().Set("Allow", "GET,HEAD,PUT,OPTIONS,DELETE,PROPFIND,COPY,MOVE")
	w.Header().Set("DAV", "1,2")
}

func forbidden(w http.ResponseWriter) {
	w.WriteHeader(http.StatusForbidden)
}

func ensurePathParent(fsPath string) error {
	parent := filepath.Dir(fsPath)
	if _, err := os.Lstat(parent); err == nil {
		return nil
	}
	return os.MkdirAll(parent, 0o755)
}

func (s *Server) handleSendFile(w http.ResponseWriter, r *http.Request, fsPath string, headOnly bool) error {
	file, err := os.Open(fsPath)
	if err != nil {
		return err
	}
	defer file.Close()
	meta, err := file.Stat()
	if err != nil {
		return err
	}

	mtime := meta.ModTime()
	etag := fmt.Sprintf(`"%d-%d"`, mtime.UnixMilli(), meta.Size())

	if cached(r, etag, mtime) {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}
	w.Header().Set("Last-Modified", mtime.UTC().Format(http.TimeFormat))
	w.Header().Set("ETag", etag)

	useRange := r.Header.Get("Range") != ""
	if useRange {
		if ifRange := r.Header.Get("If-Range"); ifRange != "" && ifRange != etag {
			useRange = false
		}
	}

	if contentType := mime.TypeByExtension(filepath.Ext(fsPath)); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", filepath.Base(fsPath)))
	w.Header().Set("Accept-Ranges", "bytes")

	plainSize := s.plainSize(meta.Size())

	// An unparseable Range header downgrades to the full body.
	if start, end, ok := parseRange(r.Header.Get("Range")); useRange && ok {
		if start < plainSize && (end < 0 || end >= start) {
			last := plainSize - 1
			if end >= 0 && end < last {
				last = end
			}
			partSize := last - start + 1
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, last, plainSize))
			w.Header().Set("Content-Length", strconv.FormatInt(partSize, 10))
			w.WriteHeader(http.StatusPartialContent)
			if headOnly {
				return nil
			}
			return s.sendRange(w, file, start, partSize)
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", plainSize))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return nil
	}

	w.Header().Set("Content-Length", strconv.FormatInt(plainSize, 10))
	if headOnly {
		return nil
	}
	if s.streamer != nil {
		_, err = s.streamer.DecryptTo(w, file)
	} else {
		_, err = io.Copy(w, file)
	}
	return err
}

func (s *Server) sendRange(w io.Writer, file *os.File, start, length int64) error {
	if s.streamer != nil {
		return s.streamer.DecryptRange(w, file, start, length)
	}
	if _, err := file.Seek(start, io.SeekStart); err != nil {
		return err
	}
	_, err := io.CopyN(w, file, length)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// cached evaluates If-None-Match, then If-Modified-Since.
func cached(r *http.Request, etag string, mtime time.Time) bool {
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		for _, candidate := range strings.Split(inm, ",") {
			if strings.TrimSpace(candidate) == etag {
				return true
			}
		}
		return false
	}
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		since, err := http.ParseTime(ims)
		if err != nil {
			return false
		}
		return !mtime.Truncate(time.Second).After(since)
	}
	return false
}

// parseRange parses "bytes=start-end"; end is -1 when open-ended.
func parseRange(header string) (start, end int64, ok bool) {
	units, spec, found := strings.Cut(header, "=")
	if !found || units != "bytes" {
		return 0, 0, false
	}
	first, rest, _ := strings.Cut(spec, "-")
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false
	}
	end = -1
	if rest != "" {
		end, err = strconv.ParseInt(rest, 10, 64)
		if err != nil || end < 0 {
			return 0, 0, false
		}
	}
	return start, end, true
}

// hrefPath percent-encodes a slash-separated path for use in hrefs.
func hrefPath(p string) string {
	u := url.URL{Path: path.Join("/", p)}
	return u.EscapedPath()
}
