package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// multipartThreshold is the file size above which uploads are split.
const multipartThreshold = 16 << 20

// Archiver copies the recorder's CSV logs and the given extra files to
// object storage, uploading only files modified since their last upload.
type Archiver struct {
	writer   domain.BlobWriter
	dir      string
	extra    []string
	prefix   string
	uploaded map[string]time.Time
	logger   *slog.Logger
}

// NewArchiver creates an Archiver for the CSV files under dir plus extra.
// Object keys are prefix joined with the path relative to dir, or the base
// name for extra files.
func NewArchiver(writer domain.BlobWriter, dir string, extra []string, prefix string, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:   writer,
		dir:      dir,
		extra:    extra,
		prefix:   strings.Trim(prefix, "/"),
		uploaded: make(map[string]time.Time),
		logger:   logger.With(slog.String("component", "archiver")),
	}
}

// Run performs one archive pass and returns the number of files uploaded.
func (a *Archiver) Run(ctx context.Context) (int, error) {
	type candidate struct{ local, key string }
	var files []candidate

	err := filepath.WalkDir(a.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".csv") {
			return nil
		}
		rel, err := filepath.Rel(a.dir, p)
		if err != nil {
			return err
		}
		files = append(files, candidate{local: p, key: a.key("trades", filepath.ToSlash(rel))})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("archiver: walk %s: %w", a.dir, err)
	}
	for _, p := range a.extra {
		files = append(files, candidate{local: p, key: a.key(filepath.Base(p))})
	}

	uploaded := 0
	for _, f := range files {
		ok, err := a.upload(ctx, f.local, f.key)
		if err != nil {
			return uploaded, err
		}
		if ok {
			uploaded++
		}
	}
	if uploaded > 0 {
		a.logger.InfoContext(ctx, "archiver: run complete", slog.Int("uploaded", uploaded))
	}
	return uploaded, nil
}

// RunLoop archives every interval until ctx is cancelled, with a final pass
// on the way out.
func (a *Archiver) RunLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if _, err := a.Run(context.WithoutCancel(ctx)); err != nil {
				a.logger.Error("archiver: final run failed", slog.String("error", err.Error()))
			}
			return nil
		case <-ticker.C:
			if _, err := a.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archiver: run failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (a *Archiver) upload(ctx context.Context, local, key string) (bool, error) {
	info, err := os.Stat(local)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("archiver: stat %s: %w", local, err)
	}
	if last, ok := a.uploaded[local]; ok && !info.ModTime().After(last) {
		return false, nil
	}

	fh, err := os.Open(local)
	if err != nil {
		return false, fmt.Errorf("archiver: open %s: %w", local, err)
	}
	defer fh.Close()

	if info.Size() > multipartThreshold {
		err = a.writer.PutMultipart(ctx, key, fh, multipartThreshold/2)
	} else {
		err = a.writer.Put(ctx, key, fh, contentType(local))
	}
	if err != nil {
		return false, fmt.Errorf("archiver: upload %s: %w", key, err)
	}
	a.uploaded[local] = info.ModTime()
	return true, nil
}

func (a *Archiver) key(parts ...string) string {
	if a.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{a.prefix}, parts...)...)
}

func contentType(p string) string {
	switch filepath.Ext(p) {
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
