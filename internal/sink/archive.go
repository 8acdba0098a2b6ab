// SPDX-License-Identifier: MIT
package sink

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	applog "specrec/internal/log"
)

// ExportArchive zips every non-empty .txt file directly inside dir into out
// and returns the number of entries written. out itself is never included;
// empty files are skipped with a warning.
func ExportArchive(dir, out string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	outAbs, _ := filepath.Abs(out)

	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if abs, _ := filepath.Abs(path); abs == outAbs {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return 0, err
		}
		if info.Size() == 0 {
			applog.Warnf("Archive: Skipping empty file %s", path)
			continue
		}
		files = append(files, path)
	}

	f, err := os.Create(out)
	if err != nil {
		return 0, fmt.Errorf("failed to create archive: %w", err)
	}
	zw := zip.NewWriter(f)

	written := 0
	for _, path := range files {
		if err = addFile(zw, path); err != nil {
			break
		}
		written++
	}
	err = errors.Join(err, zw.Close(), f.Close())
	if err != nil {
		_ = os.Remove(out)
		return 0, fmt.Errorf("failed to write archive %s: %w", out, err)
	}
	applog.Infof("Archive: Wrote %d files to %s", written, out)
	return written, nil
}

func addFile(zw *zip.Writer, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Method = zip.Deflate
	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	return err
}

// ClearArtifacts deletes the channel files found in dir and returns how many
// were removed. Other files are left alone.
func ClearArtifacts(dir string) (int, error) {
	removed := 0
	var errs []error
	for _, k := range Channels {
		err := os.Remove(filepath.Join(dir, k.Filename()))
		switch {
		case err == nil:
			removed++
		case errors.Is(err, os.ErrNotExist):
		default:
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}
