package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"docchat/internal/models"
)

// SQLStore keeps the uploaded-file list in the uploaded_files table; row id
// order is upload order.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) List(ctx context.Context) ([]models.UploadedFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_uri, file_name, mime_type, uploaded_by, uploaded_at, size FROM uploaded_files ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list uploaded files: %w", err)
	}
	defer rows.Close()

	files := make([]models.UploadedFile, 0)
	for rows.Next() {
		var f models.UploadedFile
		if err := rows.Scan(&f.FileURI, &f.FileName, &f.MimeType, &f.UploadedBy, &f.UploadedAt, &f.Size); err != nil {
			return nil, fmt.Errorf("scan uploaded file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *SQLStore) Append(ctx context.Context, f models.UploadedFile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uploaded_files (file_uri, file_name, mime_type, uploaded_by, uploaded_at, size) VALUES (?, ?, ?, ?, ?, ?)`,
		f.FileURI, f.FileName, f.MimeType, f.UploadedBy, f.UploadedAt.UTC(), f.Size,
	)
	if err != nil {
		return fmt.Errorf("insert uploaded file: %w", err)
	}
	return nil
}

func (s *SQLStore) RemoveAt(ctx context.Context, index int) (removed models.UploadedFile, err error) {
	if index < 0 {
		return models.UploadedFile{}, ErrIndexOutOfRange
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.UploadedFile{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id, file_uri, file_name, mime_type, uploaded_by, uploaded_at, size FROM uploaded_files ORDER BY id ASC LIMIT 1 OFFSET ?`,
		index,
	).Scan(&id, &removed.FileURI, &removed.FileName, &removed.MimeType, &removed.UploadedBy, &removed.UploadedAt, &removed.Size)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrIndexOutOfRange
			return models.UploadedFile{}, err
		}
		return models.UploadedFile{}, fmt.Errorf("lookup uploaded file: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM uploaded_files WHERE id = ?`, id); err != nil {
		return models.UploadedFile{}, fmt.Errorf("delete uploaded file: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return models.UploadedFile{}, fmt.Errorf("commit delete uploaded file: %w", err)
	}
	return removed, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
