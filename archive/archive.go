// Package archive copies finished result artifacts to external stores.
// Mirrors are best effort: the local artifacts stay authoritative and a
// failed copy never fails the job that produced them.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/hazyhaar/edfpipe/config"
)

// Mirror stores one object under key.
type Mirror interface {
	Name() string
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Archiver fans artifacts out to every configured mirror.
type Archiver struct {
	mirrors []Mirror
	logger  *slog.Logger
}

// New returns an Archiver over mirrors. A nil logger uses slog.Default.
func New(logger *slog.Logger, mirrors ...Mirror) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{mirrors: mirrors, logger: logger}
}

// Enabled reports whether at least one mirror is configured.
func (a *Archiver) Enabled() bool { return a != nil && len(a.mirrors) > 0 }

// Names lists the configured mirrors.
func (a *Archiver) Names() []string {
	if a == nil {
		return nil
	}
	out := make([]string, len(a.mirrors))
	for i, m := range a.mirrors {
		out[i] = m.Name()
	}
	return out
}

// Mirror copies every file in paths to every mirror under <jobID>/<base>.
// It keeps going after a failure and returns all failures joined.
func (a *Archiver) Mirror(ctx context.Context, jobID string, paths []string) error {
	if !a.Enabled() {
		return nil
	}
	var errs []error
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("archive: read %s: %w", filepath.Base(p), err))
			continue
		}
		key := ObjectKey(jobID, p)
		ct := contentType(p)
		for _, m := range a.mirrors {
			if err := m.Put(ctx, key, data, ct); err != nil {
				errs = append(errs, fmt.Errorf("archive: %s: %s: %w", m.Name(), key, err))
				continue
			}
			a.logger.Debug("archive: stored", "mirror", m.Name(), "key", key, "bytes", len(data))
		}
	}
	return errors.Join(errs...)
}

// ObjectKey is the remote key of a local artifact.
func ObjectKey(jobID, localPath string) string {
	return path.Join(jobID, filepath.Base(localPath))
}

func contentType(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".pdf":
		return "application/pdf"
	case ".csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}

func joinKey(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}

// FromConfig builds an Archiver from the configured targets.
func FromConfig(ctx context.Context, targets []config.ArchiveTarget, logger *slog.Logger) (*Archiver, error) {
	var mirrors []Mirror
	for i, t := range targets {
		var (
			m   Mirror
			err error
		)
		switch t.Kind {
		case "s3":
			m, err = NewS3Mirror(ctx, t)
		case "azure":
			m, err = NewAzureMirror(t)
		case "sftp":
			m, err = NewSFTPMirror(t)
		default:
			err = fmt.Errorf("unknown kind %q", t.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("archive target %d (%s): %w", i, targetName(t), err)
		}
		mirrors = append(mirrors, m)
	}
	return New(logger, mirrors...), nil
}

func targetName(t config.ArchiveTarget) string {
	if t.Name != "" {
		return t.Name
	}
	return t.Kind
}
