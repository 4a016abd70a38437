package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/telewarp/bbsbot/internal/domain"
)

// ArchiverConfig controls the session-log sweep.
type ArchiverConfig struct {
	// LogDir is the root holding <bot>/<session>.jsonl files.
	LogDir string
	// Prefix is the object key prefix for uploaded logs.
	Prefix string
	// MinAge is the quiet period after which a log counts as closed.
	MinAge time.Duration
	// Retention keeps local copies around after archiving; older verified
	// files are pruned.
	Retention time.Duration
}

// LogArchiver uploads closed session logs, verifies they landed, and
// prunes local copies past retention. Deletion never happens before the
// object is confirmed present in the bucket.
type LogArchiver struct {
	cfg    ArchiverConfig
	writer domain.BlobWriter
	reader domain.BlobReader
	logger *slog.Logger

	now func() time.Time
}

// NewLogArchiver creates the archiver with defaults filled in.
func NewLogArchiver(cfg ArchiverConfig, writer domain.BlobWriter, reader domain.BlobReader, logger *slog.Logger) *LogArchiver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "archive/logs"
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 72 * time.Hour
	}
	return &LogArchiver{
		cfg:    cfg,
		writer: writer,
		reader: reader,
		logger: logger.With(slog.String("component", "log_archiver")),
		now:    time.Now,
	}
}

// ArchiveClosedLogs sweeps the log directory once. A failed file is
// logged and skipped so one bad upload cannot stall the whole sweep; the
// joined errors come back alongside the counts.
func (a *LogArchiver) ArchiveClosedLogs(ctx context.Context) (uploaded, pruned int, err error) {
	now := a.now()
	var errs []error

	walkErr := filepath.WalkDir(a.cfg.LogDir, func(p string, d fs.DirEntry, werr error) error {
		if werr != nil {
			if os.IsNotExist(werr) && p == a.cfg.LogDir {
				return filepath.SkipAll
			}
			return werr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".jsonl") {
			return nil
		}

		info, ierr := d.Info()
		if ierr != nil {
			errs = append(errs, fmt.Errorf("s3blob: stat %s: %w", p, ierr))
			return nil
		}
		age := now.Sub(info.ModTime())
		if age < a.cfg.MinAge {
			return nil // possibly still being written
		}

		rel, rerr := filepath.Rel(a.cfg.LogDir, p)
		if rerr != nil {
			errs = append(errs, fmt.Errorf("s3blob: rel %s: %w", p, rerr))
			return nil
		}
		key := path.Join(a.cfg.Prefix, filepath.ToSlash(rel))

		archived, aerr := a.ensureArchived(ctx, p, key)
		if aerr != nil {
			errs = append(errs, aerr)
			a.logger.Warn("archive failed", slog.String("file", p), slog.String("error", aerr.Error()))
			return nil
		}
		if archived {
			uploaded++
			a.logger.Info("session log archived", slog.String("key", key), slog.Int64("bytes", info.Size()))
		}

		if age >= a.cfg.Retention {
			if rmErr := os.Remove(p); rmErr != nil {
				errs = append(errs, fmt.Errorf("s3blob: prune %s: %w", p, rmErr))
				return nil
			}
			pruned++
		}
		return nil
	})
	if walkErr != nil {
		errs = append(errs, fmt.Errorf("s3blob: sweep %s: %w", a.cfg.LogDir, walkErr))
	}

	return uploaded, pruned, errors.Join(errs...)
}

// ensureArchived uploads the file unless the bucket already holds it,
// then confirms the object is visible. It reports whether a new upload
// happened.
func (a *LogArchiver) ensureArchived(ctx context.Context, p, key string) (bool, error) {
	exists, err := a.reader.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("s3blob: check %s: %w", key, err)
	}
	if exists {
		return false, nil
	}

	f, err := os.Open(p)
	if err != nil {
		return false, fmt.Errorf("s3blob: open %s: %w", p, err)
	}
	defer f.Close()

	if err := a.writer.Put(ctx, key, f, "application/x-ndjson"); err != nil {
		return false, err
	}

	exists, err = a.reader.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("s3blob: verify %s: %w", key, err)
	}
	if !exists {
		return false, fmt.Errorf("s3blob: verify %s: uploaded object not visible", key)
	}
	return true, nil
}

// Compile-time interface check.
var _ domain.LogArchiver = (*LogArchiver)(nil)
