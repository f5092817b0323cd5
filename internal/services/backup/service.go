// Package backup archives the world save directory and prunes old archives.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/palwarden/internal/models"
	"github.com/rs/zerolog"
)

// ArchivePrefix starts every archive name written by the engine. The sweep
// only ever touches files carrying it.
const ArchivePrefix = "palworld-save-"

const (
	timestampLayout = "20060102-150405"
	maxNameAttempts = 100
)

// Request describes one backup run.
type Request struct {
	Source      string
	Destination string // defaults to <Source>/_backups
	Format      string // zip or tar.gz, defaults to zip
	Retention   time.Duration
}

// Service defines the backup operations.
type Service interface {
	Run(ctx context.Context, req Request) (*models.BackupArtifact, error)
	Sweep(dst string, retention time.Duration, now time.Time) ([]string, error)
}

// Impl implements the Service interface.
type Impl struct {
	logger zerolog.Logger
	now    func() time.Time
	remove func(path string) error
}

// New creates a new backup engine.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		logger: logger,
		now:    time.Now,
		remove: os.Remove,
	}
}

// NewWithHooks creates a backup engine with a custom clock and remover (for testing).
func NewWithHooks(logger zerolog.Logger, now func() time.Time, remove func(string) error) *Impl {
	if now == nil {
		now = time.Now
	}
	if remove == nil {
		remove = os.Remove
	}
	return &Impl{
		logger: logger,
		now:    now,
		remove: remove,
	}
}

// NormalizeFormat maps user input onto a supported archive format.
func NormalizeFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case models.FormatTarGz, "tgz", "gzip":
		return models.FormatTarGz
	default:
		return models.FormatZip
	}
}

func formatExtension(format string) string {
	return "." + NormalizeFormat(format)
}

// Run archives req.Source into a new timestamped file under req.Destination
// and then sweeps stale archives.
func (s *Impl) Run(ctx context.Context, req Request) (*models.BackupArtifact, error) {
	const op = "backup"
	start := s.now()

	if strings.TrimSpace(req.Source) == "" {
		return nil, models.NewError(models.IoError, op, "source directory is not set", nil)
	}
	src := filepath.Clean(req.Source)

	info, err := os.Stat(src)
	if err != nil {
		return nil, models.NewError(models.IoError, op, fmt.Sprintf("source %s is not accessible", src), err)
	}
	if !info.IsDir() {
		return nil, models.NewError(models.IoError, op, fmt.Sprintf("source %s is not a directory", src), nil)
	}

	dst := req.Destination
	if strings.TrimSpace(dst) == "" {
		dst = filepath.Join(src, "_backups")
	}
	dst = filepath.Clean(dst)

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return nil, models.NewError(models.IoError, op, fmt.Sprintf("cannot create destination %s", dst), err)
	}

	format := NormalizeFormat(req.Format)
	s.logger.Info().
		Str("source", src).
		Str("destination", dst).
		Str("format", format).
		Msg("starting backup")

	file, archivePath, err := createArchiveFile(dst, start, format)
	if err != nil {
		return nil, models.NewError(models.IoError, op, "cannot create archive file", err)
	}

	// The nested destination is matched by file identity, not by path.
	dstInfo, err := os.Stat(dst)
	if err != nil {
		_ = file.Close()
		_ = os.Remove(archivePath)
		return nil, models.NewError(models.IoError, op, fmt.Sprintf("cannot read destination %s", dst), err)
	}

	count, err := s.writeArchive(ctx, file, src, dstInfo, format)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if rmErr := os.Remove(archivePath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.logger.Warn().Err(rmErr).Str("archive", archivePath).Msg("failed to remove partial archive")
		}
		return nil, models.NewError(models.ArchiveError, op, fmt.Sprintf("writing %s failed", filepath.Base(archivePath)), err)
	}

	var size int64
	if st, statErr := os.Stat(archivePath); statErr == nil {
		size = st.Size()
	}

	artifact := &models.BackupArtifact{
		SourcePath:  src,
		Destination: dst,
		ArchivePath: archivePath,
		Format:      format,
		CreatedAt:   start,
		SizeBytes:   size,
		FileCount:   count,
	}

	if req.Retention > 0 {
		removed, sweepErr := s.Sweep(dst, req.Retention, s.now())
		artifact.Removed = removed
		if sweepErr != nil {
			s.logger.Warn().Err(sweepErr).Msg("retention sweep incomplete")
		}
	}

	artifact.Duration = s.now().Sub(start)

	s.logger.Info().
		Str("archive", archivePath).
		Str("size", humanize.Bytes(uint64(size))).
		Int("files", count).
		Int("removed", len(artifact.Removed)).
		Dur("duration", artifact.Duration).
		Msg("backup completed")

	return artifact, nil
}

// Sweep deletes archives in dst whose modification time is older than
// retention. A failed deletion is logged and the sweep moves on; the returned
// error joins every failure.
func (s *Impl) Sweep(dst string, retention time.Duration, now time.Time) ([]string, error) {
	if retention <= 0 {
		return nil, nil
	}

	entries, err := os.ReadDir(dst)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, models.NewError(models.IoError, "sweep", fmt.Sprintf("cannot read %s", dst), err)
	}

	var removed []string
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !isArchiveName(entry.Name()) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		age := now.Sub(info.ModTime())
		if age <= retention {
			continue
		}

		path := filepath.Join(dst, entry.Name())
		if err := s.remove(path); err != nil {
			s.logger.Warn().Err(err).Str("archive", path).Msg("failed to delete stale archive")
			errs = append(errs, fmt.Errorf("removing %s: %w", entry.Name(), err))
			continue
		}

		s.logger.Debug().
			Str("archive", path).
			Str("age", humanize.RelTime(info.ModTime(), now, "old", "")).
			Msg("deleted stale archive")
		removed = append(removed, path)
	}

	if len(errs) > 0 {
		return removed, models.NewError(models.IoError, "sweep", fmt.Sprintf("%d archive(s) not removed", len(errs)), errors.Join(errs...))
	}
	return removed, nil
}

func isArchiveName(name string) bool {
	if !strings.HasPrefix(name, ArchivePrefix) {
		return false
	}
	return strings.HasSuffix(name, formatExtension(models.FormatZip)) ||
		strings.HasSuffix(name, formatExtension(models.FormatTarGz))
}

// createArchiveFile opens a new archive exclusively, adding a numeric suffix
// when a run in the same second already took the name.
func createArchiveFile(dst string, at time.Time, format string) (*os.File, string, error) {
	base := ArchivePrefix + at.Format(timestampLayout)
	ext := formatExtension(format)

	for i := 0; i < maxNameAttempts; i++ {
		name := base + ext
		if i > 0 {
			name = fmt.Sprintf("%s-%d%s", base, i, ext)
		}
		path := filepath.Join(dst, name)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("no free archive name for %s", base)
}

func (s *Impl) writeArchive(ctx context.Context, f *os.File, src string, dst fs.FileInfo, format string) (int, error) {
	w := newArchiveWriter(f, format)
	count := 0

	walkErr := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == src {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() && os.SameFile(info, dst) {
			return filepath.SkipDir
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		switch {
		case d.IsDir():
			return w.addDir(name, info)
		case info.Mode().IsRegular():
			if err := addFile(w, path, name, info); err != nil {
				return err
			}
			count++
			return nil
		default:
			s.logger.Debug().Str("path", path).Msg("skipping non-regular file")
			return nil
		}
	})

	closeErr := w.Close()
	if walkErr != nil {
		return count, walkErr
	}
	return count, closeErr
}

func addFile(w archiveWriter, path, name string, info fs.FileInfo) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	return w.addFile(name, info, in)
}
