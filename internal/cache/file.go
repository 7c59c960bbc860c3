package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FileCache stores one payload per file, <dir>/<key>.json, so recorded payloads
// can be committed as fixtures and replayed offline.
// Age is judged from the file's mtime against maxAge (0 = files never expire);
// the ttl passed to Set is ignored.
type FileCache struct {
	dir    string
	maxAge time.Duration
	now    func() time.Time
}

// NewFileCache creates dir if needed.
func NewFileCache(dir string, maxAge time.Duration) (*FileCache, error) {
	if dir == "" {
		return nil, errors.New("payload cache dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create payload cache dir: %w", err)
	}
	return &FileCache{dir: dir, maxAge: maxAge, now: time.Now}, nil
}

func (c *FileCache) path(key string) string {
	return filepath.Join(c.dir, key+".json")
}

func (c *FileCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	p := c.path(key)
	if c.maxAge > 0 {
		info, err := os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		if c.now().Sub(info.ModTime()) > c.maxAge {
			return nil, false, nil
		}
	}
	raw, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// Set writes through a temp file and rename so readers never see a partial payload.
func (c *FileCache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.dir, key+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), c.path(key))
}
