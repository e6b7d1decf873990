package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	fileMode = 0o400
	dirMode  = 0o700
)

var (
	// ErrPathMustBeAbsolute is returned if the given root path was not absolute.
	ErrPathMustBeAbsolute = errors.New("path must be absolute")

	// ErrPathMustExist is returned if the given root path did not exist.
	ErrPathMustExist = errors.New("path must exist")

	// ErrPathMustBeADirectory is returned if the given root path is not a directory.
	ErrPathMustBeADirectory = errors.New("path must be a directory")
)

// LocalStore mirrors blobs under a local directory tree. Used as the
// default when no remote blobstore is configured, or as the mirror
// source when copying into an S3Store.
type LocalStore struct {
	root string
}

// NewLocalStore validates root and returns a LocalStore rooted there.
func NewLocalStore(root string) (*LocalStore, error) {
	if !filepath.IsAbs(root) {
		return nil, ErrPathMustBeAbsolute
	}

	info, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrPathMustExist
	} else if err != nil {
		return nil, fmt.Errorf("error statting %q: %w", root, err)
	}

	if !info.IsDir() {
		return nil, ErrPathMustBeADirectory
	}

	if err := os.MkdirAll(filepath.Join(root, ".tmp"), dirMode); err != nil {
		return nil, fmt.Errorf("error creating the temporary directory: %w", err)
	}

	return &LocalStore{root: root}, nil
}

func (s *LocalStore) tmpPath() string { return filepath.Join(s.root, ".tmp") }

func (s *LocalStore) resolve(key string) (string, error) {
	rel := strings.TrimPrefix(key, "/")
	full := filepath.Join(s.root, rel)

	if !strings.HasPrefix(full, s.root) {
		return "", ErrNotFound
	}

	return full, nil
}

// Has returns true if the store has an object at key.
func (s *LocalStore) Has(ctx context.Context, key string) bool {
	_, span := tracer.Start(ctx, "blobstore.Has", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	full, err := s.resolve(key)
	if err != nil {
		return false
	}

	_, err = os.Stat(full)

	return err == nil
}

// Get returns the object's size and a reader for it.
func (s *LocalStore) Get(ctx context.Context, key string) (int64, io.ReadCloser, error) {
	_, span := tracer.Start(ctx, "blobstore.Get", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	full, err := s.resolve(key)
	if err != nil {
		return 0, nil, err
	}

	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil, ErrNotFound
		}

		return 0, nil, fmt.Errorf("error statting %q: %w", full, err)
	}

	f, err := os.Open(full)
	if err != nil {
		return 0, nil, fmt.Errorf("error opening %q: %w", full, err)
	}

	return info.Size(), f, nil
}

// Put uploads body to key via a temp file plus rename, so a concurrent
// Get never observes a partially written object.
func (s *LocalStore) Put(ctx context.Context, key string, body io.Reader, _ int64) (int64, error) {
	_, span := tracer.Start(ctx, "blobstore.Put", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	full, err := s.resolve(key)
	if err != nil {
		return 0, err
	}

	if _, err := os.Stat(full); err == nil {
		return 0, ErrAlreadyExists
	}

	if err := os.MkdirAll(filepath.Dir(full), dirMode); err != nil {
		return 0, fmt.Errorf("error creating directories for %q: %w", full, err)
	}

	tmp, err := os.CreateTemp(s.tmpPath(), filepath.Base(key)+"-*")
	if err != nil {
		return 0, fmt.Errorf("error creating temp file: %w", err)
	}

	written, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return 0, fmt.Errorf("error writing %q: %w", key, err)
	}

	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("error closing temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), full); err != nil {
		return 0, fmt.Errorf("error renaming into place %q: %w", full, err)
	}

	return written, os.Chmod(full, fileMode)
}

// Delete removes the object at key.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	_, span := tracer.Start(ctx, "blobstore.Delete", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	full, err := s.resolve(key)
	if err != nil {
		return err
	}

	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}

		return fmt.Errorf("error deleting %q: %w", full, err)
	}

	return nil
}

// Walk calls fn for every object key under prefix.
func (s *LocalStore) Walk(ctx context.Context, prefix string, fn func(key string) error) error {
	_, span := tracer.Start(ctx, "blobstore.Walk", trace.WithAttributes(attribute.String("prefix", prefix)))
	defer span.End()

	root, err := s.resolve(prefix)
	if err != nil {
		return err
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || strings.HasPrefix(path, s.tmpPath()) {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}

		return fn(filepath.ToSlash(rel))
	})
}
