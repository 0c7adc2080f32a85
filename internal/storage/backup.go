package storage

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// BackupTo checkpoints the WAL and writes a gzipped tarball of the
// database file to path. The tarball is staged beside the target and
// renamed into place so a failed backup never leaves a partial file.
func (s *SQLiteStore) BackupTo(ctx context.Context, path string) error {
	if path == "" {
		return fmt.Errorf("backup path required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Fold WAL pages into the main file so a single-file copy is complete.
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}

	dbPath := filepath.Join(s.dir, dbFileName)
	src, err := os.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat database: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".backup-*.tar.gz")
	if err != nil {
		return fmt.Errorf("stage backup: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	gz := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gz)
	hdr := &tar.Header{
		Name:    dbFileName,
		Mode:    0640,
		Size:    info.Size(),
		ModTime: time.Now().UTC(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := io.Copy(tw, src); err != nil {
		return fmt.Errorf("copy database: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("finalize tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("finalize gzip: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("flush backup: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("publish backup: %w", err)
	}
	s.logger.Info("database backup written",
		zap.String("path", path),
		zap.Int64("bytes", info.Size()))
	return nil
}
