package models

// MediaKind is the coarse class of an uploaded payload.
type MediaKind string

const (
	MediaImage   MediaKind = "image"
	MediaVideo   MediaKind = "video"
	MediaAudio   MediaKind = "audio"
	MediaGeneric MediaKind = "file"
)

// MediaTier is where an upload ended up.
type MediaTier string

const (
	TierInlineDocument MediaTier = "inline_document"
	TierInlineRealtime MediaTier = "inline_realtime"
	TierCDNImage       MediaTier = "cdn_image"
	TierCDNVideo       MediaTier = "cdn_video"
	TierCDNAudio       MediaTier = "cdn_audio"
	TierCDNGeneric     MediaTier = "cdn_generic"
)

// Inline reports whether the tier stores the payload inside a record.
func (t MediaTier) Inline() bool {
	return t == TierInlineDocument || t == TierInlineRealtime
}

// UploadResult describes a stored payload. Cached is set when the result
// came from the local upload cache without touching the network.
type UploadResult struct {
	URL          string    `json:"url"`
	PublicID     string    `json:"publicId,omitempty"`
	Tier         MediaTier `json:"tier"`
	Kind         MediaKind `json:"kind"`
	MimeType     string    `json:"mimeType"`
	Format       string    `json:"format,omitempty"`
	Filename     string    `json:"filename"`
	Size         int64     `json:"size"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	Duration     float64   `json:"duration,omitempty"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty"`
	Cached       bool      `json:"cached"`
}

// InlineMedia is a base64 payload stored in the media collection or under media/{key}.
type InlineMedia struct {
	ID         string `json:"id"`
	Data       string `json:"data"`
	MimeType   string `json:"mimeType"`
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	UploaderID string `json:"uploaderId"`
	CreatedAt  int64  `json:"createdAt"`
}

// MediaMirror is the discoverability copy of a CDN video URL.
type MediaMirror struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty"`
	Kind         MediaKind `json:"kind"`
	UploaderID   string    `json:"uploaderId"`
	CreatedAt    int64     `json:"createdAt"`
}
