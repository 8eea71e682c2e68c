package cdn

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"net/url"
	"strings"

	"hearth/internal/models"
	"hearth/internal/observability"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
)

const thumbnailWidth = 320

type objectUploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3 stores objects in one bucket and serves them from a public base URL.
type S3 struct {
	uploader objectUploader
	bucket   string
	baseURL  string
	folder   string
}

// NewS3 loads the default AWS credential chain for region.
func NewS3(ctx context.Context, region, bucket, publicBaseURL, folder string) (*S3, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if publicBaseURL == "" {
		publicBaseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", bucket, region)
	}
	return &S3{
		uploader: manager.NewUploader(s3.NewFromConfig(cfg)),
		bucket:   bucket,
		baseURL:  strings.TrimRight(publicBaseURL, "/"),
		folder:   strings.Trim(folder, "/"),
	}, nil
}

func (s *S3) Name() string { return "s3" }

func (s *S3) key(in UploadInput) string {
	name := in.PublicID
	if ext := formatOf(in.Filename); ext != "" {
		name += "." + ext
	}
	parts := []string{string(in.Kind), name}
	if s.folder != "" {
		parts = append([]string{s.folder}, parts...)
	}
	return strings.Join(parts, "/")
}

func (s *S3) put(ctx context.Context, key, contentType string, data []byte) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	return err
}

func (s *S3) publicURL(key string) string {
	segs := strings.Split(key, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return s.baseURL + "/" + strings.Join(segs, "/")
}

func (s *S3) Upload(ctx context.Context, in UploadInput) (*Result, error) {
	ctx, span := observability.StartCDNSpan(ctx, s.Name(), string(in.Kind), int64(len(in.Data)))
	key := s.key(in)
	err := s.put(ctx, key, in.ContentType, in.Data)
	observability.EndSpan(span, err)
	if err != nil {
		return nil, err
	}

	out := &Result{
		URL:      s.publicURL(key),
		PublicID: key,
		Format:   formatOf(in.Filename),
		Bytes:    int64(len(in.Data)),
	}
	if in.Kind == models.MediaImage {
		if img, _, err := image.Decode(bytes.NewReader(in.Data)); err == nil {
			b := img.Bounds()
			out.Width, out.Height = b.Dx(), b.Dy()
			if thumb, err := generateThumbnail(img); err == nil {
				thumbKey := key + "_thumb.jpg"
				if err := s.put(ctx, thumbKey, "image/jpeg", thumb); err == nil {
					out.ThumbnailURL = s.publicURL(thumbKey)
				} else {
					observability.LogSecondary(ctx, "cdn_thumbnail", err, map[string]interface{}{"key": thumbKey})
				}
			}
		}
	}
	return out, nil
}

func generateThumbnail(img image.Image) ([]byte, error) {
	thumb := imaging.Resize(img, thumbnailWidth, 0, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
