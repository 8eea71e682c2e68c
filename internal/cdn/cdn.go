// Package cdn uploads large media to a content delivery network.
package cdn

import (
	"context"
	"errors"
	"path"
	"strings"

	"hearth/internal/models"
)

var (
	// ErrUnsupportedFormat is returned for payloads the provider refuses to store.
	ErrUnsupportedFormat = errors.New("cdn: unsupported format")
	// ErrUnavailable is returned while the circuit breaker is open.
	ErrUnavailable = errors.New("cdn: provider unavailable")
)

// UploadInput is one payload to store.
type UploadInput struct {
	PublicID    string
	Filename    string
	ContentType string
	Kind        models.MediaKind
	Data        []byte
}

// Result describes the stored payload.
type Result struct {
	URL          string
	PublicID     string
	Format       string
	Bytes        int64
	Width        int
	Height       int
	Duration     float64
	ThumbnailURL string
}

// Uploader stores payloads on a CDN.
type Uploader interface {
	Name() string
	Upload(ctx context.Context, in UploadInput) (*Result, error)
}

// formatOf returns the lowercase extension of filename without the dot.
func formatOf(filename string) string {
	return strings.TrimPrefix(strings.ToLower(path.Ext(filename)), ".")
}
