package engine

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// archiveRun packs the run directory into <parent>/<run_id>.tar.gz once the
// run reaches a terminal state. Entries are rooted at the run directory's
// base name so extraction recreates a single folder. Paths matching any
// configured exclude glob are left out; a matching directory prunes its
// whole subtree.
func (e *Engine) archiveRun() (string, error) {
	root := strings.TrimSpace(e.LogsRoot)
	if root == "" {
		return "", nil
	}
	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("archive run: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("archive run: %s is not a directory", root)
	}

	excludes := e.Options.ArchiveExcludeGlobs
	include := func(rel string, d fs.DirEntry) bool {
		for _, pattern := range excludes {
			ok, err := doublestar.Match(pattern, rel)
			if err != nil {
				e.warnf("archive exclude glob %q: %v", pattern, err)
				continue
			}
			if ok {
				return false
			}
		}
		return true
	}

	dest := filepath.Join(filepath.Dir(root), filepath.Base(root)+".tar.gz")
	if err := writeTarGz(dest, root, include); err != nil {
		return "", err
	}
	return dest, nil
}

// writeTarGz tars srcRoot into destPath (gzip-compressed), consulting
// include with slash-separated paths relative to srcRoot. The file is
// written to a temp sibling and renamed so a crash mid-write never leaves
// a truncated archive under the final name.
func writeTarGz(destPath, srcRoot string, include func(rel string, d fs.DirEntry) bool) error {
	tmp, err := os.CreateTemp(filepath.Dir(destPath), "."+filepath.Base(destPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("write tar: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	gz := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gz)
	base := filepath.Base(srcRoot)

	walkErr := filepath.WalkDir(srcRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcRoot, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if include != nil && !include(rel, d) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		link := ""
		if fi.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		}
		// Skip sockets, devices, and other specials outright.
		if !fi.Mode().IsRegular() && !fi.IsDir() && fi.Mode()&fs.ModeSymlink == 0 {
			return nil
		}
		hdr, err := tar.FileInfoHeader(fi, link)
		if err != nil {
			return err
		}
		hdr.Name = path.Join(base, rel)
		if fi.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		_ = f.Close()
		return err
	})

	if err := tw.Close(); err != nil && walkErr == nil {
		walkErr = err
	}
	if err := gz.Close(); err != nil && walkErr == nil {
		walkErr = err
	}
	if err := tmp.Close(); err != nil && walkErr == nil {
		walkErr = err
	}
	if walkErr != nil {
		return fmt.Errorf("write tar %s: %w", destPath, walkErr)
	}
	if err := os.Rename(tmpName, destPath); err != nil {
		return fmt.Errorf("write tar: %w", err)
	}
	tmpName = ""
	return nil
}
