package webdav

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// handleZipDir streams the subtree as a ZIP archive. Entries are
// produced on a separate goroutine feeding a pipe; the response reads
// the other end, so the archive is never buffered whole.
func (s *Server) handleZipDir(w http.ResponseWriter, fsPath string, headOnly bool) error {
	filename := filepath.Base(fsPath)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.zip"`, url.PathEscape(filename)))
	w.Header().Set("Content-Type", "application/zip")
	if headOnly {
		return nil
	}

	pr, pw := io.Pipe()
	go func() {
		err := s.zipDir(pw, fsPath)
		if err != nil {
			log.Error().Err(err).Str("path", fsPath).Msg("failed to zip directory")
		}
		pw.CloseWithError(err)
	}()

	_, err := io.Copy(w, pr)
	if err != nil {
		// Client went away; stop the producer.
		pr.CloseWithError(err)
	}
	return nil
}

func (s *Server) zipDir(w io.Writer, dir string) error {
	zw := zip.NewWriter(w)
	err := filepath.WalkDir(dir, func(entryPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		meta, err := os.Lstat(entryPath)
		if err != nil || !meta.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, entryPath)
		if err != nil {
			return nil
		}
		entry, err := zw.CreateHeader(&zip.FileHeader{
			Name:     filepath.ToSlash(rel),
			Method:   zip.Deflate,
			Modified: meta.ModTime(),
		})
		if err != nil {
			return err
		}
		file, err := os.Open(entryPath)
		if err != nil {
			return err
		}
		defer file.Close()
		if s.streamer != nil {
			_, err = s.streamer.DecryptTo(entry, file)
		} else {
			_, err = io.Copy(entry, file)
		}
		return err
	})
	if err != nil {
		return err
	}
	return zw.Close()
}
