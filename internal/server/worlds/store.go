// Package worlds persists opaque per-account world state.
//
// Data is keyed by the account's world path, which is fixed when the
// account is created. Identity migration therefore never moves world data.
package worlds

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/dmitrijs2005/nucleus/internal/common"
	"github.com/dmitrijs2005/nucleus/internal/filex"
)

const fileName = "world.dat"

type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
}

// PathFor returns the world key for an account id.
func PathFor(accountID string) string {
	return path.Join(accountID, fileName)
}

// FileStore keeps each world as a file under a root directory.
type FileStore struct {
	root string
}

func NewFileStore(dir string) (*FileStore, error) {
	root, err := filex.EnsureDir(dir)
	if err != nil {
		return nil, err
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(key string) (string, error) {
	p, err := filex.SafeJoin(s.root, key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", common.ErrorValidation, err)
	}
	return p, nil
}

func (s *FileStore) Load(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, common.ErrorNotFound
	}
	return data, err
}

func (s *FileStore) Save(_ context.Context, key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	return filex.WriteFileAtomic(p, data)
}

func (s *FileStore) Exists(_ context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}
