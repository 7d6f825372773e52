package parser

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// MaxExpandedBytes caps the total uncompressed size of one archive.
const MaxExpandedBytes int64 = 20 << 30

// ExpandedMember is one file extracted from an archive.
type ExpandedMember struct {
	Name string // Path inside the archive, slash separated
	Path string // Extracted location on disk
}

// ExpandArchive extracts every regular file of the zip at path into destDir.
// Members that would escape destDir are rejected, as are archives whose
// uncompressed size exceeds MaxExpandedBytes. Directory entries and macOS
// resource forks are ignored.
func ExpandArchive(path, destDir string) ([]ExpandedMember, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContainer, err)
	}
	defer zr.Close()

	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, fmt.Errorf("create extraction dir: %w", err)
	}

	var total int64
	members := make([]ExpandedMember, 0, len(zr.File))
	for i, zf := range zr.File {
		if zf.FileInfo().IsDir() || strings.HasPrefix(zf.Name, "__MACOSX/") {
			continue
		}

		target, err := safeJoin(destDir, zf.Name)
		if err != nil {
			return nil, err
		}
		// Flatten into numbered names so members with the same base name never collide
		target = filepath.Join(destDir, fmt.Sprintf("%04d_%s", i, filepath.Base(target)))

		total += int64(zf.UncompressedSize64)
		if total > MaxExpandedBytes {
			return nil, fmt.Errorf("%w: archive expands beyond %d bytes", ErrInvalidContainer, MaxExpandedBytes)
		}

		if err := extractMember(zf, target); err != nil {
			return nil, err
		}
		members = append(members, ExpandedMember{Name: zf.Name, Path: target})
	}

	if len(members) == 0 {
		return nil, fmt.Errorf("%w: archive has no files", ErrInvalidContainer)
	}
	return members, nil
}

func safeJoin(dir, name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: illegal member path %q", ErrInvalidContainer, name)
	}
	target := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: member %q escapes archive root", ErrInvalidContainer, name)
	}
	return target, nil
}

func extractMember(zf *zip.File, target string) error {
	rc, err := zf.Open()
	if err != nil {
		return fmt.Errorf("%w: open member %s: %v", ErrInvalidContainer, zf.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}

	// Never trust the header size; bound the copy independently
	limit := int64(zf.UncompressedSize64) + 1
	n, err := io.Copy(out, io.LimitReader(rc, limit))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%w: extract %s: %v", ErrInvalidContainer, zf.Name, err)
	}
	if n == limit {
		return fmt.Errorf("%w: member %s larger than declared", ErrInvalidContainer, zf.Name)
	}
	return nil
}
