package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"path"
	"slices"
	"strings"
	"time"

	"hearth/internal/cache"
	"hearth/internal/cdn"
	"hearth/internal/models"
	"hearth/internal/observability"
	"hearth/internal/realtime"
	"hearth/internal/repository"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	_ "golang.org/x/image/webp"
)

// DefaultInlineMax is the largest payload stored inline.
const DefaultInlineMax = 500 * 1024

// RouteInput is everything the tier decision depends on.
type RouteInput struct {
	Kind            models.MediaKind
	Size            int64
	HasConversation bool
	FormatAllowed   bool
	InlineMax       int64
}

// Route picks the storage tier for an upload.
func Route(in RouteInput) (models.MediaTier, error) {
	limit := in.InlineMax
	if limit <= 0 {
		limit = DefaultInlineMax
	}
	fits := in.Size <= limit

	switch in.Kind {
	case models.MediaImage:
		if !fits {
			return models.TierCDNImage, nil
		}
		if in.HasConversation {
			return models.TierInlineRealtime, nil
		}
		return models.TierInlineDocument, nil
	case models.MediaVideo:
		return models.TierCDNVideo, nil
	case models.MediaAudio:
		// The CDN rejects some audio containers, so chat voice notes stay inline.
		if in.HasConversation && fits {
			return models.TierInlineRealtime, nil
		}
		if in.FormatAllowed {
			return models.TierCDNAudio, nil
		}
		if fits {
			return models.TierInlineRealtime, nil
		}
		return "", models.NewValidationError(fmt.Sprintf(
			"Audio format is not supported and the file exceeds the inline limit of %s",
			humanize.Bytes(uint64(limit))))
	default:
		return models.TierCDNGeneric, nil
	}
}

// KindOf classifies a MIME type.
func KindOf(mimeType string) models.MediaKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return models.MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		return models.MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return models.MediaAudio
	default:
		return models.MediaGeneric
	}
}

// UploadRequest is one file handed to MediaService.Upload.
type UploadRequest struct {
	UploaderID       string
	Filename         string
	Size             int64
	ModTime          time.Time
	ContentType      string
	Body             io.Reader
	ConversationWith string
	Duration         float64
}

// Fingerprint identifies a local file by uploader, name, size and mtime.
// It is not a content hash and distinct files can collide.
func (r UploadRequest) Fingerprint() string {
	return fmt.Sprintf("%s|%s|%d|%d", r.UploaderID, r.Filename, r.Size, r.ModTime.UnixMilli())
}

// MediaConfig tunes MediaService.
type MediaConfig struct {
	InlineMax      int64
	MaxUploadBytes int64
	AudioFormats   []string
	Now            func() time.Time
}

// MediaService routes uploads across inline storage and the CDN.
type MediaService struct {
	repo     repository.MediaRepository
	tree     realtime.Tree
	uploader cdn.Uploader
	local    *cache.LocalCache
	cfg      MediaConfig
	now      func() time.Time
}

// NewMediaService returns a MediaService. A nil uploader means no CDN is configured.
func NewMediaService(repo repository.MediaRepository, tree realtime.Tree, uploader cdn.Uploader, local *cache.LocalCache, cfg MediaConfig) *MediaService {
	if cfg.InlineMax <= 0 {
		cfg.InlineMax = DefaultInlineMax
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 50 << 20
	}
	return &MediaService{
		repo:     repo,
		tree:     tree,
		uploader: uploader,
		local:    local,
		cfg:      cfg,
		now:      orNow(cfg.Now),
	}
}

func (s *MediaService) tooLarge(size int64) error {
	return models.NewValidationError(fmt.Sprintf("File is too large (%s). The maximum upload size is %s",
		humanize.Bytes(uint64(size)), humanize.Bytes(uint64(s.cfg.MaxUploadBytes))))
}

func (s *MediaService) formatAllowed(filename, mimeType string) bool {
	format := strings.TrimPrefix(strings.ToLower(path.Ext(filename)), ".")
	if format == "" {
		if m := mimetype.Lookup(mimeType); m != nil {
			format = strings.TrimPrefix(m.Extension(), ".")
		}
	}
	return format != "" && slices.Contains(s.cfg.AudioFormats, format)
}

func baseMime(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

// Upload stores the file on the tier Route picks and caches the result under
// the request fingerprint. A cached result skips every network call.
func (s *MediaService) Upload(ctx context.Context, req UploadRequest) (*models.UploadResult, error) {
	if req.Size > s.cfg.MaxUploadBytes {
		return nil, s.tooLarge(req.Size)
	}

	// Inline realtime results live under the conversation, so they are cached
	// per conversation; every other tier is shared by the fingerprint alone.
	fingerprint := req.Fingerprint()
	sharedKey := cache.UploadKey(fingerprint)
	lookup := []string{sharedKey}
	scopedKey := ""
	if req.ConversationWith != "" {
		scopedKey = cache.ConversationUploadKey(fingerprint, ConversationKey(req.UploaderID, req.ConversationWith))
		lookup = []string{scopedKey, sharedKey}
	}
	if s.local != nil {
		for _, key := range lookup {
			var cached models.UploadResult
			ok, err := s.local.Get(ctx, key, &cached)
			if err != nil {
				observability.LogSecondary(ctx, "upload_cache_read", err, map[string]interface{}{"key": key})
			}
			if ok {
				cached.Cached = true
				observability.MediaUploads.WithLabelValues(string(cached.Tier), "true").Inc()
				return &cached, nil
			}
		}
	}

	data, err := io.ReadAll(io.LimitReader(req.Body, s.cfg.MaxUploadBytes+1))
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	size := int64(len(data))
	if size > s.cfg.MaxUploadBytes {
		return nil, s.tooLarge(size)
	}
	if size == 0 {
		return nil, models.NewValidationError("File is empty")
	}

	mimeType := baseMime(req.ContentType)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = baseMime(mimetype.Detect(data).String())
	}
	kind := KindOf(mimeType)

	tier, err := Route(RouteInput{
		Kind:            kind,
		Size:            size,
		HasConversation: req.ConversationWith != "",
		FormatAllowed:   kind == models.MediaAudio && s.formatAllowed(req.Filename, mimeType),
		InlineMax:       s.cfg.InlineMax,
	})
	if err != nil {
		return nil, err
	}

	result := &models.UploadResult{
		Tier:     tier,
		Kind:     kind,
		MimeType: mimeType,
		Filename: req.Filename,
		Size:     size,
		Duration: req.Duration,
	}
	if kind == models.MediaImage {
		if cfg, format, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			result.Width, result.Height = cfg.Width, cfg.Height
			result.Format = format
		}
	}

	switch tier {
	case models.TierInlineDocument:
		err = s.storeInlineDocument(ctx, req, data, result)
	case models.TierInlineRealtime:
		err = s.storeInlineRealtime(ctx, req, data, result)
	default:
		err = s.storeCDN(ctx, req, data, result)
	}
	if err != nil {
		return nil, err
	}
	observability.MediaUploads.WithLabelValues(string(tier), "false").Inc()

	if s.local != nil {
		ttl := cache.UploadMediaTTL
		if kind == models.MediaImage {
			ttl = cache.UploadImageTTL
		}
		key := sharedKey
		if tier == models.TierInlineRealtime {
			key = scopedKey
		}
		if err := s.local.Set(ctx, key, result, ttl); err != nil {
			observability.LogSecondary(ctx, "upload_cache_write", err, map[string]interface{}{"key": key})
		}
	}
	return result, nil
}

func (s *MediaService) inlineRecord(req UploadRequest, data []byte, mimeType string) models.InlineMedia {
	return models.InlineMedia{
		Data:       base64.StdEncoding.EncodeToString(data),
		MimeType:   mimeType,
		Filename:   req.Filename,
		Size:       int64(len(data)),
		UploaderID: req.UploaderID,
		CreatedAt:  nowMillis(s.now),
	}
}

func (s *MediaService) storeInlineDocument(ctx context.Context, req UploadRequest, data []byte, result *models.UploadResult) error {
	sum := sha256.Sum256([]byte(req.Fingerprint()))
	record := s.inlineRecord(req, data, result.MimeType)
	record.ID = hex.EncodeToString(sum[:16])
	if err := s.repo.SaveInline(ctx, &record); err != nil {
		return err
	}
	result.PublicID = record.ID
	result.URL = "/api/media/inline/" + record.ID
	return nil
}

func mediaPath(key string) string { return "media/" + key }

func (s *MediaService) storeInlineRealtime(ctx context.Context, req UploadRequest, data []byte, result *models.UploadResult) error {
	key := ConversationKey(req.UploaderID, req.ConversationWith)
	if req.ConversationWith == "" {
		key = req.UploaderID
	}
	id, err := s.tree.Push(ctx, mediaPath(key), s.inlineRecord(req, data, result.MimeType))
	if err != nil {
		return translateTree(err)
	}
	result.PublicID = id
	result.URL = "/api/media/chat/" + key + "/" + id
	return nil
}

func (s *MediaService) storeCDN(ctx context.Context, req UploadRequest, data []byte, result *models.UploadResult) error {
	if s.uploader == nil {
		return models.NewNotConfiguredError("CDN")
	}
	out, err := s.uploader.Upload(ctx, cdn.UploadInput{
		PublicID:    uuid.NewString(),
		Filename:    req.Filename,
		ContentType: result.MimeType,
		Kind:        result.Kind,
		Data:        data,
	})
	switch {
	case errors.Is(err, cdn.ErrUnsupportedFormat):
		return models.NewValidationError("The CDN does not accept this file format")
	case errors.Is(err, cdn.ErrUnavailable):
		return models.NewUnavailableError("CDN", err)
	case err != nil:
		return models.NewInternalError(err)
	}

	result.URL = out.URL
	result.PublicID = out.PublicID
	result.ThumbnailURL = out.ThumbnailURL
	if out.Format != "" {
		result.Format = out.Format
	}
	if out.Width > 0 {
		result.Width, result.Height = out.Width, out.Height
	}
	if out.Duration > 0 {
		result.Duration = out.Duration
	}

	if result.Tier == models.TierCDNVideo {
		mirror := &models.MediaMirror{
			ID:           out.PublicID,
			URL:          out.URL,
			ThumbnailURL: out.ThumbnailURL,
			Kind:         result.Kind,
			UploaderID:   req.UploaderID,
			CreatedAt:    nowMillis(s.now),
		}
		if err := s.repo.SaveMirror(ctx, mirror); err != nil {
			observability.LogSecondary(ctx, "media_mirror", err, map[string]interface{}{"public_id": out.PublicID})
		}
	}
	return nil
}

// InlinePayload is a decoded inline upload ready to serve.
type InlinePayload struct {
	Data     []byte
	MimeType string
	Filename string
}

func decodeInline(m models.InlineMedia) (*InlinePayload, error) {
	data, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		return nil, models.NewInternalError(fmt.Errorf("decode inline media: %w", err))
	}
	return &InlinePayload{Data: data, MimeType: m.MimeType, Filename: m.Filename}, nil
}

func (s *MediaService) GetInline(ctx context.Context, id string) (*InlinePayload, error) {
	m, err := s.repo.GetInline(ctx, id)
	if err != nil {
		return nil, err
	}
	return decodeInline(*m)
}

// GetChatInline serves media pushed into a conversation. Only its participants can read it.
func (s *MediaService) GetChatInline(ctx context.Context, userID, key, id string) (*InlinePayload, error) {
	if key != userID {
		if err := participant(key, userID); err != nil {
			return nil, err
		}
	}
	snap, err := s.tree.Get(ctx, mediaPath(key)+"/"+id)
	if err != nil {
		return nil, translateTree(err)
	}
	if !snap.Exists() {
		return nil, models.NewNotFoundError("Media", id)
	}
	var m models.InlineMedia
	if err := snap.DecodeTo(&m); err != nil {
		return nil, models.NewInternalError(err)
	}
	return decodeInline(m)
}
