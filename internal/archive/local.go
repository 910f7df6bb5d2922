package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore implements Store on the local filesystem.
//
// Keys are resolved below basePath; resolvePath rejects anything that
// would escape it.
type LocalStore struct {
	basePath string
	logger   *slog.Logger
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates a LocalStore, creating the base directory if needed.
func NewLocalStore(cfg LocalConfig, logger *slog.Logger) (*LocalStore, error) {
	absPath, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve archive path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	logger.Info("initialized local archive", "base_path", absPath)

	return &LocalStore{
		basePath: absPath,
		logger:   logger,
	}, nil
}

func (s *LocalStore) Put(ctx context.Context, key string, data io.Reader, opts PutOptions) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	filePath, err := s.resolvePath(key)
	if err != nil {
		return &ArchiveError{Op: "Put", Key: key, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return &ArchiveError{Op: "Put", Key: key, Err: fmt.Errorf("failed to create directory: %w", err)}
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !opts.Overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	file, err := os.OpenFile(filePath, flags, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return &ArchiveError{Op: "Put", Key: key, Err: ErrKeyExists}
		}
		return &ArchiveError{Op: "Put", Key: key, Err: fmt.Errorf("failed to create file: %w", err)}
	}
	defer file.Close()

	src := data
	if opts.MaxSize > 0 {
		src = io.LimitReader(data, opts.MaxSize+1)
	}
	written, err := io.Copy(file, src)
	if err != nil {
		os.Remove(filePath)
		return &ArchiveError{Op: "Put", Key: key, Err: fmt.Errorf("failed to write file: %w", err)}
	}
	if opts.MaxSize > 0 && written > opts.MaxSize {
		os.Remove(filePath)
		return &ArchiveError{Op: "Put", Key: key, Err: ErrTooLarge}
	}

	s.logger.Debug("archived payload", "key", key, "size", written)
	return nil
}

func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	filePath, err := s.resolvePath(key)
	if err != nil {
		return false, &ArchiveError{Op: "Exists", Key: key, Err: err}
	}

	if _, err := os.Stat(filePath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &ArchiveError{Op: "Exists", Key: key, Err: fmt.Errorf("failed to stat file: %w", err)}
	}
	return true, nil
}

// resolvePath converts a key to an absolute path inside basePath.
func (s *LocalStore) resolvePath(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}

	cleanKey := filepath.Clean(key)
	if strings.Contains(cleanKey, "..") || filepath.IsAbs(cleanKey) {
		return "", ErrInvalidKey
	}

	absPath := filepath.Join(s.basePath, cleanKey)
	if !strings.HasPrefix(absPath, s.basePath+string(filepath.Separator)) {
		return "", ErrInvalidKey
	}
	return absPath, nil
}
