package attachment

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/bid-forge/internal/apperr"
	"github.com/yourusername/bid-forge/internal/auth"
)

// multipartOverhead はファイル本体以外のフォームデータ分の余裕です。
const multipartOverhead = 1 << 20

// Handler は添付ファイルの HTTP ハンドラーです。
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/jobs/:id/attachments", h.Upload)
	rg.GET("/jobs/:id/attachments", h.List)
	rg.GET("/attachments/:id", h.Download)
	rg.DELETE("/attachments/:id", h.Delete)
}

// Upload は POST /api/jobs/:id/attachments のハンドラーです。
func (h *Handler) Upload(c *gin.Context) {
	userID, ok := auth.CurrentUserID(c)
	if !ok {
		apperr.Respond(c, apperr.New(http.StatusUnauthorized, apperr.CodeUnauthorized, "ログインが必要です", nil))
		return
	}

	if limit := h.svc.opts.MaxFileSize; limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)
	}
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apperr.Respond(c, errTooLarge(h.svc.opts.MaxFileSize))
			return
		}
		apperr.Respond(c, apperr.Invalid("multipart/form-data でファイルを送信してください。"))
		return
	}
	defer form.RemoveAll()

	file, err := extractSingleFile(form)
	if err != nil {
		apperr.Respond(c, apperr.Invalid(err.Error()))
		return
	}

	a, err := h.svc.Upload(c.Request.Context(), userID, c.Param("id"), file)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *Handler) List(c *gin.Context) {
	attachments, err := h.svc.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attachments": attachments})
}

// Download は GET /api/attachments/:id のハンドラーです。
func (h *Handler) Download(c *gin.Context) {
	a, file, err := h.svc.Open(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	defer file.Close()

	c.Header("Content-Disposition", contentDisposition(a.OriginalName))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("X-Attachment-Id", a.ID)
	c.DataFromReader(http.StatusOK, a.Size, a.ContentType, file, nil)
}

func (h *Handler) Delete(c *gin.Context) {
	userID, ok := auth.CurrentUserID(c)
	if !ok {
		apperr.Respond(c, apperr.New(http.StatusUnauthorized, apperr.CodeUnauthorized, "ログインが必要です", nil))
		return
	}
	if err := h.svc.Delete(c.Request.Context(), userID, c.Param("id")); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func extractSingleFile(form *multipart.Form) (*multipart.FileHeader, error) {
	if form == nil {
		return nil, errors.New("ファイルを選択してください。")
	}
	for _, field := range []string{"file", "file[]", "files", "files[]"} {
		if files := form.File[field]; len(files) > 0 {
			return files[0], nil
		}
	}
	return nil, errors.New("ファイルを選択してください。")
}

// contentDisposition は ASCII の filename と RFC 5987 形式の filename* を併記します。
func contentDisposition(name string) string {
	fallback := strings.Map(func(r rune) rune {
		if r > 0x7e || r < 0x20 || r == '"' || r == '\\' {
			return '_'
		}
		return r
	}, name)
	return fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", fallback, url.PathEscape(name))
}
