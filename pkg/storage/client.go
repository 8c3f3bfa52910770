package storage

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// StorageObject is a single object listed from the store.
type StorageObject struct {
	Key        string
	ModifiedAt time.Time
}

// ObjectClient is the interface to the backing object store. Only the
// filesystem implementation ships here; the interface keeps the store and the
// index shipper independent of it.
type ObjectClient interface {
	PutObject(ctx context.Context, key string, data []byte) error
	GetObject(ctx context.Context, key string) ([]byte, error)
	ObjectExists(ctx context.Context, key string) (bool, error)
	DeleteObject(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]StorageObject, error)
	Stop()
}

// FSConfig configures the filesystem object client.
type FSConfig struct {
	Directory string `yaml:"directory"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *FSConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Directory, "store.filesystem.directory", "", "Directory to store chunks in.")
}

// FSObjectClient holds config for filesystem as object store.
type FSObjectClient struct {
	cfg FSConfig
}

// NewFSObjectClient makes a chunk client, creating the base directory if
// needed.
func NewFSObjectClient(cfg FSConfig) (*FSObjectClient, error) {
	if err := ensureDirectory(cfg.Directory); err != nil {
		return nil, err
	}
	return &FSObjectClient{cfg: cfg}, nil
}

// PutObject puts the specified bytes into the configured directory. The write
// goes to a temporary file first so readers never observe a partial object.
func (f *FSObjectClient) PutObject(_ context.Context, key string, data []byte) error {
	fullPath := filepath.Join(f.cfg.Directory, filepath.FromSlash(key))
	if err := ensureDirectory(filepath.Dir(fullPath)); err != nil {
		return err
	}

	tmp := fullPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing object %s", key)
	}
	return errors.Wrapf(os.Rename(tmp, fullPath), "renaming object %s", key)
}

// GetObject returns the bytes stored under key.
func (f *FSObjectClient) GetObject(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(f.cfg.Directory, filepath.FromSlash(key)))
	if os.IsNotExist(err) {
		return nil, ErrChunkNotFound
	}
	return data, err
}

// ObjectExists reports whether an object is already stored under key.
func (f *FSObjectClient) ObjectExists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(filepath.Join(f.cfg.Directory, filepath.FromSlash(key)))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// DeleteObject removes the object stored under key.
func (f *FSObjectClient) DeleteObject(_ context.Context, key string) error {
	err := os.Remove(filepath.Join(f.cfg.Directory, filepath.FromSlash(key)))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// List returns all objects under prefix, with slash-separated keys relative
// to the base directory.
func (f *FSObjectClient) List(_ context.Context, prefix string) ([]StorageObject, error) {
	var objects []StorageObject
	err := filepath.Walk(f.cfg.Directory, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(f.cfg.Directory, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		objects = append(objects, StorageObject{Key: key, ModifiedAt: info.ModTime()})
		return nil
	})
	return objects, err
}

// Stop implements ObjectClient.
func (f *FSObjectClient) Stop() {}

func ensureDirectory(dir string) error {
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		return os.MkdirAll(dir, 0o755)
	case err != nil:
		return err
	case !info.IsDir():
		return errors.Errorf("not a directory: %s", dir)
	}
	return nil
}
