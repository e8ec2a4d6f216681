package download

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	maxEntrySize    = 2 << 30 // 2 GiB
	maxTotalExtract = 8 << 30 // 8 GiB
	maxFileCount    = 50000
)

type archiveFormat int

const (
	formatNone archiveFormat = iota
	formatZip
	formatTarGz
)

func detectArchiveFormat(path string) archiveFormat {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return formatZip
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return formatTarGz
	}

	f, err := os.Open(path)
	if err != nil {
		return formatNone
	}
	defer func() { _ = f.Close() }()
	header := make([]byte, 2)
	n, _ := io.ReadFull(f, header)
	if n == 2 && header[0] == 0x50 && header[1] == 0x4B {
		return formatZip
	}
	if n == 2 && header[0] == 0x1F && header[1] == 0x8B {
		return formatTarGz
	}
	return formatNone
}

// within reports whether target stays inside dir once cleaned.
func within(dir, target string) bool {
	return strings.HasPrefix(filepath.Clean(target), filepath.Clean(dir)+string(os.PathSeparator))
}

// extractZip unpacks archivePath into destDir. Symlinks are kept when they
// resolve inside destDir; app bundles rely on them.
func extractZip(ctx context.Context, archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer func() { _ = r.Close() }()

	if len(r.File) > maxFileCount {
		return fmt.Errorf("archive contains too many files (max %d)", maxFileCount)
	}
	var total int64
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("extraction cancelled: %w", err)
		}
		target := filepath.Join(destDir, f.Name)
		if !within(destDir, target) {
			return fmt.Errorf("invalid path in archive: %s", f.Name)
		}

		mode := f.FileInfo().Mode()
		switch {
		case mode&os.ModeSymlink != 0:
			if err := extractZipLink(f, destDir, target); err != nil {
				return err
			}
		case f.FileInfo().IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", f.Name, err)
			}
		default:
			rc, err := f.Open()
			if err != nil {
				return err
			}
			n, err := writeEntry(target, rc, mode.Perm()|0o600)
			_ = rc.Close()
			if err != nil {
				return fmt.Errorf("extract %s: %w", f.Name, err)
			}
			total += n
			if total > maxTotalExtract {
				return fmt.Errorf("archive exceeds total extraction limit (%d bytes)", int64(maxTotalExtract))
			}
		}
	}
	return nil
}

func extractZipLink(f *zip.File, destDir, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	raw, err := io.ReadAll(io.LimitReader(rc, 4096))
	_ = rc.Close()
	if err != nil {
		return err
	}
	link := string(raw)
	if filepath.IsAbs(link) || !within(destDir, filepath.Join(filepath.Dir(target), link)) {
		return fmt.Errorf("symlink escapes archive: %s -> %s", f.Name, link)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.Symlink(link, target)
}

// extractTarGz unpacks a gzip-compressed tarball. Link entries are rejected.
func extractTarGz(ctx context.Context, archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	count := 0
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("extraction cancelled: %w", err)
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		count++
		if count > maxFileCount {
			return fmt.Errorf("archive contains too many files (max %d)", maxFileCount)
		}
		if header.Typeflag == tar.TypeSymlink || header.Typeflag == tar.TypeLink {
			return fmt.Errorf("archive contains link entry (not allowed): %s", header.Name)
		}
		target := filepath.Join(destDir, header.Name)
		if !within(destDir, target) {
			return fmt.Errorf("invalid path in archive: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", header.Name, err)
			}
		case tar.TypeReg:
			n, err := writeEntry(target, tr, fs.FileMode(header.Mode)&0o777|0o600)
			if err != nil {
				return fmt.Errorf("extract %s: %w", header.Name, err)
			}
			total += n
			if total > maxTotalExtract {
				return fmt.Errorf("archive exceeds total extraction limit (%d bytes)", int64(maxTotalExtract))
			}
		}
	}
}

func writeEntry(target string, r io.Reader, mode fs.FileMode) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return 0, err
	}
	n, copyErr := io.Copy(out, io.LimitReader(r, maxEntrySize+1))
	closeErr := out.Close()
	if copyErr != nil {
		return n, copyErr
	}
	if closeErr != nil {
		return n, closeErr
	}
	if n > maxEntrySize {
		return n, fmt.Errorf("entry exceeds maximum size (%d bytes)", int64(maxEntrySize))
	}
	return n, nil
}

// copyDir copies a tree, recreating symlinks rather than following them.
func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return copyFile(path, target, info.Mode().Perm())
		}
		return nil
	})
}

// copyFile writes src to dst through a temporary sibling so dst is never
// observed half written.
func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, mode); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
