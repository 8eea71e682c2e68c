package cdn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"hearth/internal/models"
	"hearth/internal/observability"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
)

// Cloudinary uploads with resource_type auto so one call serves every kind.
type Cloudinary struct {
	cld    *cloudinary.Cloudinary
	folder string
}

// NewCloudinary builds an uploader from a cloudinary:// URL.
func NewCloudinary(cloudinaryURL, folder string) (*Cloudinary, error) {
	cld, err := cloudinary.NewFromURL(cloudinaryURL)
	if err != nil {
		return nil, fmt.Errorf("cloudinary configuration: %w", err)
	}
	return &Cloudinary{cld: cld, folder: folder}, nil
}

func (c *Cloudinary) Name() string { return "cloudinary" }

func (c *Cloudinary) Upload(ctx context.Context, in UploadInput) (*Result, error) {
	ctx, span := observability.StartCDNSpan(ctx, c.Name(), string(in.Kind), int64(len(in.Data)))
	resp, err := c.cld.Upload.Upload(ctx, bytes.NewReader(in.Data), uploader.UploadParams{
		Folder:       c.folder,
		PublicID:     in.PublicID,
		ResourceType: "auto",
	})
	if err == nil && resp.Error.Message != "" {
		err = errors.New(resp.Error.Message)
		if strings.Contains(strings.ToLower(resp.Error.Message), "invalid") {
			err = fmt.Errorf("%w: %s", ErrUnsupportedFormat, resp.Error.Message)
		}
	}
	observability.EndSpan(span, err)
	if err != nil {
		return nil, err
	}

	out := &Result{
		URL:      resp.SecureURL,
		PublicID: resp.PublicID,
		Format:   resp.Format,
		Bytes:    int64(resp.Bytes),
		Width:    resp.Width,
		Height:   resp.Height,
	}
	if in.Kind == models.MediaVideo {
		out.ThumbnailURL = VideoThumbnailURL(resp.SecureURL)
	}
	return out, nil
}

// VideoThumbnailURL derives the first-frame JPEG of a delivered video URL.
func VideoThumbnailURL(videoURL string) string {
	const marker = "/video/upload/"
	i := strings.Index(videoURL, marker)
	if i < 0 {
		return ""
	}
	thumb := videoURL[:i+len(marker)] + "so_0/" + videoURL[i+len(marker):]
	if dot := strings.LastIndex(thumb, "."); dot > strings.LastIndex(thumb, "/") {
		thumb = thumb[:dot]
	}
	return thumb + ".jpg"
}
