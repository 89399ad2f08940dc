package models

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMimeType is used when the extension does not map to a known type.
const DefaultMimeType = "application/octet-stream"

// FileRef points at one local file queued for sending.
type FileRef struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

// StatFile builds a FileRef from a path on disk.
func StatFile(path string) (FileRef, error) {
	if strings.TrimSpace(path) == "" {
		return FileRef{}, errors.New("source path is required")
	}

	info, err := os.Stat(path)
	if err != nil {
		return FileRef{}, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return FileRef{}, errors.New("source path must be a file")
	}

	name := filepath.Base(path)
	return FileRef{
		Path:     path,
		Name:     name,
		Size:     info.Size(),
		MimeType: MimeTypeFor(name),
	}, nil
}

// MimeTypeFor guesses a mime type from the file extension.
func MimeTypeFor(name string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return t
	}
	return DefaultMimeType
}
