package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dmitrijs2005/ankisync/internal/common"
	"github.com/dmitrijs2005/ankisync/internal/filex"
)

// BlobStore holds media file contents keyed by file name. Get fails with
// common.ErrorNotFound for unknown names; Delete of an unknown name is not
// an error.
type BlobStore interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
}

// MediaDirName is the folder next to the collection where FSStore keeps files.
const MediaDirName = "collection.media"

// FSStore keeps media files in a directory on local disk.
type FSStore struct {
	dir string
}

func NewFSStore(dir string) *FSStore {
	return &FSStore{dir: dir}
}

func (s *FSStore) path(name string) (string, error) {
	p, err := filex.SafeJoin(s.dir, name)
	if err != nil {
		return "", fmt.Errorf("%w: %w", common.ErrorValidation, err)
	}
	return p, nil
}

func (s *FSStore) Put(_ context.Context, name string, data []byte) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if _, err := filex.EnsureDir(s.dir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("media put %s: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("media put %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("media put %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("media put %s: %w", name, err)
	}
	return nil
}

func (s *FSStore) Get(_ context.Context, name string) ([]byte, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("media get %s: %w", name, err)
	}
	return data, nil
}

func (s *FSStore) Delete(_ context.Context, name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("media delete %s: %w", name, err)
	}
	return nil
}

// DefaultFSStore returns the filesystem store for the collection in dir.
func DefaultFSStore(dir string) *FSStore {
	return NewFSStore(filepath.Join(dir, MediaDirName))
}
