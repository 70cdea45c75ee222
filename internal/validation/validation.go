// Package validation checks user-supplied paths and input files before the
// CLI hands them to the storage engine.
package validation

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/FocuswithJustin/JuniperKV/core/storage/pager"
	"github.com/FocuswithJustin/JuniperKV/core/storage/wal"
)

const (
	// MaxFilenameLength is the maximum allowed filename length.
	MaxFilenameLength = 255
	// MaxPathLength is the maximum allowed path length.
	MaxPathLength = 4096
)

// Common validation errors.
var (
	ErrPathTraversal    = errors.New("path traversal detected")
	ErrInvalidFilename  = errors.New("invalid filename")
	ErrPathTooLong      = errors.New("path too long")
	ErrFilenameTooLong  = errors.New("filename too long")
	ErrInvalidCharacter = errors.New("invalid character in path")
	ErrEmptyPath        = errors.New("path cannot be empty")
	ErrFileType         = errors.New("unexpected file type")
)

// SanitizePath cleans userPath and ensures it stays inside baseDir.
// It returns the cleaned path relative to baseDir.
func SanitizePath(baseDir, userPath string) (string, error) {
	if err := ValidatePath(userPath); err != nil {
		return "", err
	}

	cleanPath := filepath.Clean(userPath)
	if filepath.IsAbs(cleanPath) {
		return "", fmt.Errorf("%w: absolute path not allowed", ErrPathTraversal)
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}

	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base directory: %w", err)
	}
	absPath, err := filepath.Abs(filepath.Join(baseDir, cleanPath))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	relPath, err := filepath.Rel(absBase, absPath)
	if err != nil || relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return cleanPath, nil
}

// ValidatePath rejects empty, overlong, and control-character paths.
func ValidatePath(path string) error {
	if path == "" {
		return ErrEmptyPath
	}
	if len(path) > MaxPathLength {
		return ErrPathTooLong
	}
	for _, r := range path {
		if r == 0 {
			return fmt.Errorf("%w: null byte not allowed", ErrInvalidCharacter)
		}
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: control character not allowed", ErrInvalidCharacter)
		}
	}
	return ValidateFilename(filepath.Base(path))
}

// ValidateFilename checks the last element of a path.
func ValidateFilename(filename string) error {
	if filename == "" || filename == "." || filename == ".." || filename == string(filepath.Separator) {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}
	if len(filename) > MaxFilenameLength {
		return ErrFilenameTooLong
	}
	// Names starting with a hyphen are confused with flags.
	if strings.HasPrefix(filename, "-") {
		return fmt.Errorf("%w: filename cannot start with hyphen", ErrInvalidFilename)
	}
	return nil
}

// FileType is the kind of file detected from its leading bytes.
type FileType string

const (
	FileTypeDatabase FileType = "juniperkv"
	FileTypeWAL      FileType = "juniperkv-wal"
	FileTypeXZ       FileType = "xz"
	FileTypeSQLite   FileType = "sqlite"
	FileTypeEmpty    FileType = "empty"
	FileTypeUnknown  FileType = "unknown"
)

var magicBytes = []struct {
	fileType FileType
	magic    []byte
	offset   int
}{
	{FileTypeDatabase, []byte(pager.Magic), pager.HeaderSize},
	{FileTypeWAL, []byte(wal.Magic), 0},
	{FileTypeXZ, []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}, 0},
	{FileTypeSQLite, []byte("SQLite format 3\x00"), 0},
}

// DetectFileType reads the first bytes of r and names the file kind.
func DetectFileType(r io.Reader) (FileType, error) {
	buf := make([]byte, 64)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return FileTypeUnknown, fmt.Errorf("failed to read file header: %w", err)
	}
	buf = buf[:n]
	if n == 0 {
		return FileTypeEmpty, nil
	}
	for _, sig := range magicBytes {
		end := sig.offset + len(sig.magic)
		if end <= len(buf) && bytes.Equal(buf[sig.offset:end], sig.magic) {
			return sig.fileType, nil
		}
	}
	return FileTypeUnknown, nil
}

// RequireFileType validates path and checks that the file it names is one
// of the accepted kinds.
func RequireFileType(path string, accept ...FileType) (FileType, error) {
	if err := ValidatePath(path); err != nil {
		return FileTypeUnknown, err
	}
	f, err := os.Open(path)
	if err != nil {
		return FileTypeUnknown, err
	}
	defer f.Close()

	ft, err := DetectFileType(f)
	if err != nil {
		return ft, err
	}
	for _, a := range accept {
		if ft == a {
			return ft, nil
		}
	}
	return ft, fmt.Errorf("%w: %s is %s", ErrFileType, path, ft)
}
