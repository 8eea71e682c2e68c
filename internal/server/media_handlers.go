package server

import (
	"strconv"
	"time"

	"hearth/internal/middleware"
	"hearth/internal/models"
	"hearth/internal/service"

	"github.com/gofiber/fiber/v2"
)

// UploadMedia handles POST /api/media (multipart). Form fields:
//   - file: the upload
//   - lastModified: file mtime in unix ms, part of the dedup fingerprint
//   - conversationWith: the chat peer when uploading into a conversation
//   - duration: seconds, for audio and video
func (s *Server) UploadMedia(c *fiber.Ctx) error {
	if s.Media == nil {
		return notConfigured(c, "Media uploads")
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return respondError(c, models.NewValidationError("A file field is required"))
	}
	f, err := fh.Open()
	if err != nil {
		return respondError(c, models.NewInternalError(err))
	}
	defer func() { _ = f.Close() }()

	modTime := time.Time{}
	if raw := c.FormValue("lastModified"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return respondError(c, models.NewValidationError("lastModified must be unix milliseconds"))
		}
		modTime = time.UnixMilli(ms)
	}
	var duration float64
	if raw := c.FormValue("duration"); raw != "" {
		if duration, err = strconv.ParseFloat(raw, 64); err != nil {
			return respondError(c, models.NewValidationError("duration must be a number"))
		}
	}

	res, err := s.Media.Upload(c.UserContext(), service.UploadRequest{
		UploaderID:       middleware.UserID(c),
		Filename:         fh.Filename,
		Size:             fh.Size,
		ModTime:          modTime,
		ContentType:      fh.Header.Get(fiber.HeaderContentType),
		Body:             f,
		ConversationWith: c.FormValue("conversationWith"),
		Duration:         duration,
	})
	if err != nil {
		return respondError(c, err)
	}
	status := fiber.StatusCreated
	if res.Cached {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(res)
}

func sendInline(c *fiber.Ctx, p *service.InlinePayload) error {
	c.Set(fiber.HeaderContentType, p.MimeType)
	c.Set(fiber.HeaderCacheControl, "private, max-age=86400, immutable")
	if p.Filename != "" {
		c.Set(fiber.HeaderContentDisposition, "inline; filename="+strconv.Quote(p.Filename))
	}
	return c.Send(p.Data)
}

// GetInlineMedia handles GET /api/media/inline/:id
func (s *Server) GetInlineMedia(c *fiber.Ctx) error {
	if s.Media == nil {
		return notConfigured(c, "Media uploads")
	}
	p, err := s.Media.GetInline(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return sendInline(c, p)
}

// GetChatMedia handles GET /api/media/chat/:key/:id
func (s *Server) GetChatMedia(c *fiber.Ctx) error {
	if s.Media == nil {
		return notConfigured(c, "Media uploads")
	}
	p, err := s.Media.GetChatInline(c.UserContext(), middleware.UserID(c), c.Params("key"), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return sendInline(c, p)
}
