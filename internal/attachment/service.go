package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"go.uber.org/zap"

	"github.com/yourusername/bid-forge/internal/apperr"
	"github.com/yourusername/bid-forge/internal/storage"
)

const (
	CodeAttachmentNotFound = "ATTACHMENT_NOT_FOUND"
	CodeUnsupportedPDF     = "UNSUPPORTED_PDF"

	mimePDF = "application/pdf"
)

// allowedTypes はアップロードを受け付ける MIME タイプです。
var allowedTypes = []string{mimePDF, "image/png", "image/jpeg", "image/webp"}

// JobAuthorizer は案件のオーナー確認を行います。
type JobAuthorizer interface {
	RequireJobOwner(ctx context.Context, actorID, jobID string) error
}

// Options はアップロードの制限値です。
type Options struct {
	MaxFileSize int64
	MaxPages    int
}

// Service は添付ファイルの検証・保存・削除を行います。
type Service struct {
	store   *Store
	files   storage.Storage
	jobs    JobAuthorizer
	opts    Options
	logger  *zap.SugaredLogger
	now     func() time.Time
	countFn func(io.ReadSeeker) (int, error)
}

func NewService(store *Store, files storage.Storage, jobs JobAuthorizer, opts Options, logger *zap.SugaredLogger) *Service {
	return &Service{
		store:   store,
		files:   files,
		jobs:    jobs,
		opts:    opts,
		logger:  logger.Named("attachment"),
		now:     time.Now,
		countFn: countPages,
	}
}

func countPages(rs io.ReadSeeker) (int, error) {
	return pdfapi.PageCount(rs, nil)
}

func errNotFoundAPI() *apperr.Error {
	return apperr.NotFound(CodeAttachmentNotFound, "指定された添付ファイルは存在しません。")
}

func errTooLarge(maxSize int64) *apperr.Error {
	limit := fmt.Sprintf("%dKB", maxSize>>10)
	if maxSize >= 1<<20 {
		limit = fmt.Sprintf("%dMB", maxSize>>20)
	}
	return apperr.New(http.StatusRequestEntityTooLarge, apperr.CodeLimitExceeded,
		"ファイルサイズは "+limit+" 以下にしてください。", nil)
}

// Upload は案件のオーナーがファイルを添付します。
// MIME タイプは内容から判定し、PDF の場合はページ数も検証します。
func (s *Service) Upload(ctx context.Context, actorID, jobID string, fh *multipart.FileHeader) (*Attachment, error) {
	if fh == nil {
		return nil, apperr.Invalid("ファイルを選択してください。")
	}
	if err := s.jobs.RequireJobOwner(ctx, actorID, jobID); err != nil {
		return nil, err
	}
	if s.opts.MaxFileSize > 0 && fh.Size > s.opts.MaxFileSize {
		return nil, errTooLarge(s.opts.MaxFileSize)
	}

	src, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	mt, err := mimetype.DetectReader(src)
	if err != nil {
		return nil, fmt.Errorf("detect content type: %w", err)
	}
	if !isAllowed(mt) {
		return nil, apperr.New(http.StatusUnsupportedMediaType, apperr.CodeUnsupportedMedia,
			"PDF・PNG・JPEG・WebP のファイルを選択してください。", nil)
	}

	pages := 0
	if mt.Is(mimePDF) {
		if _, err := src.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("rewind upload: %w", err)
		}
		pages, err = s.countFn(src)
		if err != nil {
			return nil, apperr.New(http.StatusBadRequest, CodeUnsupportedPDF,
				"PDFを読み込めませんでした。破損していないか確認してください。", err)
		}
		if s.opts.MaxPages > 0 && pages > s.opts.MaxPages {
			return nil, apperr.New(http.StatusRequestEntityTooLarge, apperr.CodeLimitExceeded,
				fmt.Sprintf("ページ数は %d ページ以下にしてください。", s.opts.MaxPages), nil)
		}
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind upload: %w", err)
	}

	a := &Attachment{
		ID:           uuid.NewString(),
		JobID:        jobID,
		OriginalName: sanitizeFilename(fh.Filename, mt.Extension()),
		ContentType:  baseType(mt.String()),
		Pages:        pages,
		CreatedAt:    s.now().UTC(),
	}
	a.StorageKey = fmt.Sprintf("jobs/%s/%s%s", jobID, a.ID, mt.Extension())

	var r io.Reader = src
	if s.opts.MaxFileSize > 0 {
		r = io.LimitReader(src, s.opts.MaxFileSize+1)
	}
	size, err := s.files.Save(ctx, a.StorageKey, r)
	if err != nil {
		return nil, fmt.Errorf("save upload: %w", err)
	}
	if s.opts.MaxFileSize > 0 && size > s.opts.MaxFileSize {
		s.removeFile(a.StorageKey)
		return nil, errTooLarge(s.opts.MaxFileSize)
	}
	a.Size = size

	if err := s.store.Create(ctx, a); err != nil {
		s.removeFile(a.StorageKey)
		return nil, err
	}
	s.logger.Infow("attachment uploaded",
		"attachment", a.ID,
		"job", jobID,
		"type", a.ContentType,
		"size", a.Size,
		"pages", a.Pages,
	)
	return a, nil
}

func (s *Service) List(ctx context.Context, jobID string) ([]Attachment, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return []Attachment{}, nil
	}
	return s.store.ListByJob(ctx, jobID)
}

func (s *Service) Get(ctx context.Context, id string) (*Attachment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errNotFoundAPI()
	}
	a, err := s.store.Get(ctx, id)
	if errors.Is(err, errNotFound) {
		return nil, errNotFoundAPI()
	}
	return a, err
}

// Open は添付ファイルのメタデータと読み取り用のファイルを返します。呼び出し側で Close してください。
func (s *Service) Open(ctx context.Context, id string) (*Attachment, *os.File, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	f, err := s.files.Open(ctx, a.StorageKey)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Warnw("attachment file missing", "attachment", a.ID, "key", a.StorageKey)
			return nil, nil, errNotFoundAPI()
		}
		return nil, nil, fmt.Errorf("open attachment: %w", err)
	}
	return a, f, nil
}

// Delete は案件のオーナーが添付ファイルを削除します。
func (s *Service) Delete(ctx context.Context, actorID, id string) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.jobs.RequireJobOwner(ctx, actorID, a.JobID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, errNotFound) {
			return errNotFoundAPI()
		}
		return err
	}
	s.removeFile(a.StorageKey)
	s.logger.Infow("attachment deleted", "attachment", id, "job", a.JobID)
	return nil
}

// removeFile は保存済みファイルを削除します。失敗してもログのみ残します。
func (s *Service) removeFile(key string) {
	if err := s.files.Delete(context.Background(), key); err != nil {
		s.logger.Warnw("failed to remove attachment file", "key", key, "error", err)
	}
}

func isAllowed(mt *mimetype.MIME) bool {
	for _, t := range allowedTypes {
		if mt.Is(t) {
			return true
		}
	}
	return false
}

func baseType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		return strings.TrimSpace(contentType[:i])
	}
	return contentType
}

// sanitizeFilename はパス要素と制御文字を除き、拡張子がなければ補います。
func sanitizeFilename(name, ext string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" {
		name = "file"
	}
	if filepath.Ext(name) == "" {
		name += ext
	}
	return name
}
