// Package attachment は案件に添付する書類・写真のアップロードと配信を提供します。
package attachment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Attachment は案件に添付されたファイルのメタデータです。
type Attachment struct {
	ID           string    `db:"id" json:"id"`
	JobID        string    `db:"job_id" json:"jobId"`
	StorageKey   string    `db:"storage_key" json:"-"`
	OriginalName string    `db:"original_name" json:"name"`
	ContentType  string    `db:"content_type" json:"contentType"`
	Size         int64     `db:"size" json:"size"`
	Pages        int       `db:"pages" json:"pages,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

var errNotFound = errors.New("attachment not found")

const attachmentColumns = `id, job_id, storage_key, original_name, content_type, size, pages, created_at`

// Store は添付ファイルのメタデータを PostgreSQL に保存します。
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, a *Attachment) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO attachments (id, job_id, storage_key, original_name, content_type, size, pages, created_at)
		VALUES (:id, :job_id, :storage_key, :original_name, :content_type, :size, :pages, :created_at)
	`, a)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*Attachment, error) {
	var a Attachment
	err := s.db.GetContext(ctx, &a, `SELECT `+attachmentColumns+` FROM attachments WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return &a, nil
}

func (s *Store) ListByJob(ctx context.Context, jobID string) ([]Attachment, error) {
	attachments := []Attachment{}
	err := s.db.SelectContext(ctx, &attachments, `
		SELECT `+attachmentColumns+`
		FROM attachments
		WHERE job_id = $1
		ORDER BY created_at
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	return attachments, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return errNotFound
	}
	return nil
}
