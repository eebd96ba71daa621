// Package filesystem stores things as plain files: one directory per namespace
// segment (repository, then storage) and one file per thing. File modification
// time carries the logical ModifiedOn of the thing.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/iudanet/storagerelay/internal/models"
	"github.com/iudanet/storagerelay/internal/server/storage"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600
)

// Storage represents file system storage implementation
type Storage struct {
	root  string
	locks storage.KeyLocker
}

// New creates storage rooted at dir, creating the directory if needed
func New(ctx context.Context, dir string) (*Storage, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data dir: %w", err)
	}

	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	return &Storage{root: root}, nil
}

// Close does nothing: files are not kept open between operations
func (s *Storage) Close() error {
	return nil
}

// Root returns absolute root directory
func (s *Storage) Root() string {
	return s.root
}

func (s *Storage) dir(namespace string) string {
	return filepath.Join(s.root, filepath.FromSlash(namespace))
}

func (s *Storage) path(namespace, id string) string {
	return filepath.Join(s.dir(namespace), id)
}

// Store записывает файл и выставляет mtime = modifiedOn
func (s *Storage) Store(ctx context.Context, namespace, id string, data []byte, modifiedOn time.Time) error {
	if err := storage.ValidateKey(namespace, id); err != nil {
		return err
	}

	path := s.path(namespace, id)
	unlock := s.locks.Lock(path)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("failed to create namespace dir: %w", err)
	}

	if err := os.WriteFile(path, data, filePerm); err != nil {
		return fmt.Errorf("failed to write thing: %w", err)
	}

	if err := os.Chtimes(path, modifiedOn, modifiedOn); err != nil {
		return fmt.Errorf("failed to set modification time: %w", err)
	}

	return nil
}

// Exists reports whether thing file is present
func (s *Storage) Exists(ctx context.Context, namespace, id string) (bool, error) {
	if err := storage.ValidateKey(namespace, id); err != nil {
		return false, err
	}

	path := s.path(namespace, id)
	unlock := s.locks.Lock(path)
	defer unlock()

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat thing: %w", err)
	}
	return info.Mode().IsRegular(), nil
}

// GetModifiedOn returns file modification time
func (s *Storage) GetModifiedOn(ctx context.Context, namespace, id string) (time.Time, error) {
	if err := storage.ValidateKey(namespace, id); err != nil {
		return time.Time{}, err
	}

	path := s.path(namespace, id)
	unlock := s.locks.Lock(path)
	defer unlock()

	info, err := statThing(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// GetCopy reads file content and modification time
func (s *Storage) GetCopy(ctx context.Context, namespace, id string) (*models.Thing, error) {
	if err := storage.ValidateKey(namespace, id); err != nil {
		return nil, err
	}

	path := s.path(namespace, id)
	unlock := s.locks.Lock(path)
	defer unlock()

	info, err := statThing(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read thing: %w", err)
	}

	return &models.Thing{
		Namespace:  namespace,
		ID:         id,
		Data:       data,
		ModifiedOn: info.ModTime(),
	}, nil
}

func statThing(path string) (fs.FileInfo, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.ErrThingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat thing: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, storage.ErrThingNotFound
	}
	return info, nil
}

// Discard removes thing file
func (s *Storage) Discard(ctx context.Context, namespace, id string) error {
	if err := storage.ValidateKey(namespace, id); err != nil {
		return err
	}

	path := s.path(namespace, id)
	unlock := s.locks.Lock(path)
	defer unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove thing: %w", err)
	}
	return nil
}

// FindIDs lists files in namespace directory
func (s *Storage) FindIDs(ctx context.Context, namespace, pattern string) ([]string, error) {
	if err := storage.ValidateNamespace(namespace); err != nil {
		return nil, err
	}

	re, err := storage.CompilePattern(pattern)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.dir(namespace))
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read namespace dir: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			ids = append(ids, e.Name())
		}
	}
	return storage.FilterIDs(ids, re), nil
}

// DiscardAll removes namespace directory recursively
func (s *Storage) DiscardAll(ctx context.Context, prefix string) error {
	if err := storage.ValidateNamespace(prefix); err != nil {
		return err
	}

	if err := os.RemoveAll(s.dir(prefix)); err != nil {
		return fmt.Errorf("failed to remove namespace: %w", err)
	}
	return nil
}

// FindAllIDs walks namespace directory tree
func (s *Storage) FindAllIDs(ctx context.Context, prefix, pattern string) ([]models.FoundID, error) {
	if prefix != "" {
		if err := storage.ValidateNamespace(prefix); err != nil {
			return nil, err
		}
	}

	re, err := storage.CompilePattern(pattern)
	if err != nil {
		return nil, err
	}

	base := s.root
	if prefix != "" {
		base = s.dir(prefix)
	}

	keys := make([]storage.Key, 0)
	err = filepath.WalkDir(base, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) && path == base {
				return filepath.SkipDir
			}
			return walkErr
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel != "." {
				keys = append(keys, storage.Key{Namespace: rel})
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		ns, id := splitRel(rel)
		keys = append(keys, storage.Key{Namespace: ns, ID: id})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk namespace: %w", err)
	}

	return storage.BuildFoundIDs(prefix, re, keys), nil
}

func splitRel(rel string) (namespace, id string) {
	i := strings.LastIndex(rel, "/")
	if i < 0 {
		return "", rel
	}
	return rel[:i], rel[i+1:]
}
