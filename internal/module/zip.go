package module

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/infraweave-io/infraweave/internal/ierrors"
)

// zipDir archives every regular file under dir into an in-memory zip, using
// paths relative to dir as entry names. Grounded on the teacher's
// internal/workdir staging pattern, which also walks an afero.Fs scratch
// directory before handing it off (DESIGN.md).
// ZipDir is the exported entry point the Stack Composer (internal/stack)
// reuses for the same staging-directory archival step.
func ZipDir(fs afero.Fs, dir string) ([]byte, error) {
	return zipDir(fs, dir)
}

func zipDir(fs afero.Fs, dir string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	err := afero.Walk(fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, "..") {
			return ierrors.Newf(ierrors.KindZipError, "file %q escapes scratch directory", path)
		}

		w, err := zw.Create(rel)
		if err != nil {
			return err
		}
		f, err := fs.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		return nil, ierrors.Wrap(ierrors.KindZipError, err, "zipping scratch directory")
	}
	if err := zw.Close(); err != nil {
		return nil, ierrors.Wrap(ierrors.KindZipError, err, "closing zip writer")
	}
	return buf.Bytes(), nil
}

// UnzipToDir extracts body (as produced by ZipDir) under destDir, the
// inverse operation the GitOps package-registry flow needs to stage a
// downloaded OCI artifact before handing it to PublishModule.
func UnzipToDir(fs afero.Fs, body []byte, destDir string) error {
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return ierrors.Wrap(ierrors.KindZipError, err, "reading package zip")
	}
	for _, f := range zr.File {
		rel := filepath.ToSlash(f.Name)
		if strings.HasPrefix(rel, "..") {
			return ierrors.Newf(ierrors.KindZipError, "zip entry %q escapes destination directory", f.Name)
		}
		target := filepath.Join(destDir, filepath.FromSlash(rel))
		if f.FileInfo().IsDir() {
			if err := fs.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return ierrors.Wrap(ierrors.KindZipError, err, "opening package zip entry")
		}
		w, err := fs.Create(target)
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(w, rc)
		rc.Close()
		w.Close()
		if err != nil {
			return ierrors.Wrap(ierrors.KindZipError, err, "extracting package zip entry")
		}
	}
	return nil
}
