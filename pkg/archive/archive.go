// Package archive unpacks module packages delivered as gzip-tar or zip
// byte streams. Every archive member is checked for path traversal before
// anything is written to disk.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Format identifies a supported container format.
type Format string

const (
	FormatTarGz   Format = "tar.gz"
	FormatZip     Format = "zip"
	FormatUnknown Format = "unknown"
)

// ErrUnsupportedFormat is returned when the payload matches no known
// container magic bytes.
var ErrUnsupportedFormat = fmt.Errorf("unsupported package format (expected gzip-tar or zip)")

// TraversalError is returned when an archive member would escape the
// extraction root.
type TraversalError struct {
	Name string
}

func (e *TraversalError) Error() string {
	return fmt.Sprintf("archive entry %q escapes extraction root", e.Name)
}

// Detect identifies the container format from its magic bytes.
func Detect(data []byte) Format {
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		return FormatTarGz
	}
	if len(data) >= 4 && data[0] == 'P' && data[1] == 'K' && data[2] == 0x03 && data[3] == 0x04 {
		return FormatZip
	}
	return FormatUnknown
}

// Extract unpacks a package into destDir, auto-detecting the container
// format. destDir must already exist.
func Extract(data []byte, destDir string) error {
	switch Detect(data) {
	case FormatTarGz:
		return extractTarGz(data, destDir)
	case FormatZip:
		return extractZip(data, destDir)
	default:
		return ErrUnsupportedFormat
	}
}

// safeJoin resolves an archive member name under root, rejecting names
// containing ".." or absolute paths.
func safeJoin(root, name string) (string, error) {
	if strings.Contains(name, "..") || strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return "", &TraversalError{Name: name}
	}
	dest := filepath.Join(root, filepath.FromSlash(name))
	if !strings.HasPrefix(dest, filepath.Clean(root)+string(os.PathSeparator)) && dest != filepath.Clean(root) {
		return "", &TraversalError{Name: name}
	}
	return dest, nil
}

func extractTarGz(data []byte, destDir string) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}

		dest, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := writeFile(dest, tr); err != nil {
				return fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
			}
		default:
			// Symlinks and devices are never extracted from module packages.
		}
	}
}

func extractZip(data []byte, destDir string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("failed to open zip archive: %w", err)
	}

	for _, f := range zr.File {
		dest, err := safeJoin(destDir, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", f.Name, err)
			}
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("failed to open zip entry %s: %w", f.Name, err)
		}
		err = writeFile(dest, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
	}

	return nil
}

func writeFile(dest string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, r); err != nil {
		return err
	}
	return nil
}
