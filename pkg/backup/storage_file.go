package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var ErrInvalidName = errors.New("invalid archive name")

// FileStorage implements Storage interface using local filesystem
type FileStorage struct {
	basePath string
}

// NewFileStorage creates a new file storage
func NewFileStorage(basePath string) (*FileStorage, error) {
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &FileStorage{
		basePath: basePath,
	}, nil
}

func (fs *FileStorage) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	return filepath.Join(fs.basePath, name), nil
}

// Save writes through a temp file so a crash never leaves a torn archive.
func (fs *FileStorage) Save(ctx context.Context, name string, data io.Reader) error {
	filePath, err := fs.path(name)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(fs.basePath, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write archive data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write archive data: %w", err)
	}
	return os.Rename(tmp.Name(), filePath)
}

// Load loads data from a file
func (fs *FileStorage) Load(ctx context.Context, name string) (io.ReadCloser, error) {
	filePath, err := fs.path(name)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive file: %w", err)
	}

	return file, nil
}

// List lists all files with the given prefix
func (fs *FileStorage) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			files = append(files, entry.Name())
		}
	}

	return files, nil
}

func (fs *FileStorage) Delete(ctx context.Context, name string) error {
	filePath, err := fs.path(name)
	if err != nil {
		return err
	}
	return os.Remove(filePath)
}
