package attachment

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/yourusername/bid-forge/internal/apperr"
	"github.com/yourusername/bid-forge/internal/logger"
	"github.com/yourusername/bid-forge/internal/storage"
)

const (
	testJobID        = "5f0f3a1c-2f6b-4d0e-9a43-0c3c7a5b0001"
	testAttachmentID = "9e8d7c6b-5a49-4382-a1b0-c9d8e7f60001"
	testOwner        = "7d1f1a52-0d56-4a4c-9f55-2a3f3b8a1a01"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

type stubAuthorizer struct {
	err   error
	calls int
}

func (a *stubAuthorizer) RequireJobOwner(ctx context.Context, actorID, jobID string) error {
	a.calls++
	return a.err
}

type fixture struct {
	svc   *Service
	mock  sqlmock.Sqlmock
	root  string
	auth  *stubAuthorizer
	files *storage.Local
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })

	root := t.TempDir()
	files, err := storage.NewLocal(root)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	authz := &stubAuthorizer{}
	svc := NewService(NewStore(sqlx.NewDb(mockDB, "postgres")), files, authz, opts, logger.Test(t))
	return &fixture{svc: svc, mock: mock, root: root, auth: authz, files: files}
}

func fileHeader(t *testing.T, name string, content []byte) *multipart.FileHeader {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("failed to write form file: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	form, err := multipart.NewReader(&buf, w.Boundary()).ReadForm(1 << 20)
	if err != nil {
		t.Fatalf("failed to read form: %v", err)
	}
	t.Cleanup(func() { _ = form.RemoveAll() })
	return form.File["file"][0]
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if got := apperr.CodeOf(err); got != code {
		t.Fatalf("expected code %s, got %q (%v)", code, got, err)
	}
}

func TestUploadStoresImage(t *testing.T) {
	f := newFixture(t, Options{MaxFileSize: 1 << 20, MaxPages: 10})
	f.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO attachments")).WillReturnResult(sqlmock.NewResult(0, 1))

	content := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{0}, 64)...)
	a, err := f.svc.Upload(context.Background(), testOwner, testJobID, fileHeader(t, "../../site photo", content))
	if err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}
	if a.ContentType != "image/png" || a.Size != int64(len(content)) || a.Pages != 0 {
		t.Fatalf("unexpected attachment: %+v", a)
	}
	if a.OriginalName != "site photo.png" {
		t.Fatalf("unexpected original name: %q", a.OriginalName)
	}
	if !strings.HasPrefix(a.StorageKey, "jobs/"+testJobID+"/") || !strings.HasSuffix(a.StorageKey, ".png") {
		t.Fatalf("unexpected storage key: %s", a.StorageKey)
	}
	stored, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(a.StorageKey)))
	if err != nil {
		t.Fatalf("stored file missing: %v", err)
	}
	if !bytes.Equal(stored, content) {
		t.Fatal("stored content differs from upload")
	}
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUploadRejections(t *testing.T) {
	t.Run("unsupported type", func(t *testing.T) {
		f := newFixture(t, Options{MaxFileSize: 1 << 20})
		_, err := f.svc.Upload(context.Background(), testOwner, testJobID, fileHeader(t, "notes.txt", []byte("plain text notes")))
		assertCode(t, err, apperr.CodeUnsupportedMedia)
	})

	t.Run("too large", func(t *testing.T) {
		f := newFixture(t, Options{MaxFileSize: 16})
		_, err := f.svc.Upload(context.Background(), testOwner, testJobID, fileHeader(t, "big.png", bytes.Repeat(pngHeader, 4)))
		assertCode(t, err, apperr.CodeLimitExceeded)
	})

	t.Run("broken pdf", func(t *testing.T) {
		f := newFixture(t, Options{MaxFileSize: 1 << 20, MaxPages: 10})
		_, err := f.svc.Upload(context.Background(), testOwner, testJobID, fileHeader(t, "plan.pdf", []byte("%PDF-1.7\nnot really a pdf\n")))
		assertCode(t, err, CodeUnsupportedPDF)
	})

	t.Run("too many pages", func(t *testing.T) {
		f := newFixture(t, Options{MaxFileSize: 1 << 20, MaxPages: 10})
		f.svc.countFn = func(io.ReadSeeker) (int, error) { return 11, nil }
		_, err := f.svc.Upload(context.Background(), testOwner, testJobID, fileHeader(t, "plan.pdf", []byte("%PDF-1.7\n")))
		assertCode(t, err, apperr.CodeLimitExceeded)
	})

	t.Run("not job owner", func(t *testing.T) {
		f := newFixture(t, Options{MaxFileSize: 1 << 20})
		f.auth.err = apperr.Forbidden("forbidden")
		_, err := f.svc.Upload(context.Background(), testOwner, testJobID, fileHeader(t, "a.png", pngHeader))
		assertCode(t, err, apperr.CodeForbidden)
	})
}

func TestUploadRemovesFileWhenInsertFails(t *testing.T) {
	f := newFixture(t, Options{MaxFileSize: 1 << 20})
	f.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO attachments")).WillReturnError(io.ErrUnexpectedEOF)

	if _, err := f.svc.Upload(context.Background(), testOwner, testJobID, fileHeader(t, "a.png", pngHeader)); err == nil {
		t.Fatal("expected insert error")
	}
	entries, err := os.ReadDir(filepath.Join(f.root, "jobs", testJobID))
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("failed to read job dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no stored files, found %d", len(entries))
	}
}

func TestDownloadHeaders(t *testing.T) {
	f := newFixture(t, Options{MaxFileSize: 1 << 20})
	key := "jobs/" + testJobID + "/" + testAttachmentID + ".png"
	if _, err := f.files.Save(context.Background(), key, bytes.NewReader(pngHeader)); err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}
	f.mock.ExpectQuery(regexp.QuoteMeta("FROM attachments WHERE id = $1")).
		WithArgs(testAttachmentID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "job_id", "storage_key", "original_name", "content_type", "size", "pages", "created_at",
		}).AddRow(testAttachmentID, testJobID, key, "現場写真.png", "image/png", int64(len(pngHeader)), 0, time.Now()))

	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(f.svc).RegisterRoutes(router.Group("/api"))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/attachments/"+testAttachmentID, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "image/png" {
		t.Fatalf("unexpected content type: %s", got)
	}
	if got := rec.Header().Get("Content-Disposition"); !strings.Contains(got, "filename*=UTF-8''%E7%8F%BE%E5%A0%B4%E5%86%99%E7%9C%9F.png") {
		t.Fatalf("unexpected content disposition: %s", got)
	}
	if rec.Header().Get("Cache-Control") != "no-store" || rec.Header().Get("X-Attachment-Id") != testAttachmentID {
		t.Fatalf("missing download headers: %v", rec.Header())
	}
	if !bytes.Equal(rec.Body.Bytes(), pngHeader) {
		t.Fatal("unexpected body")
	}
}

func TestDownloadUnknownID(t *testing.T) {
	f := newFixture(t, Options{})
	_, _, err := f.svc.Open(context.Background(), "../../etc/passwd")
	assertCode(t, err, CodeAttachmentNotFound)
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"report.pdf":        "report.pdf",
		`C:\Users\me\a.pdf`: "a.pdf",
		"../../secret":      "secret.pdf",
		"bad\x00name\n.pdf": "badname.pdf",
		"":                  "file.pdf",
	}
	for in, want := range tests {
		if got := sanitizeFilename(in, ".pdf"); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
