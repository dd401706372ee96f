package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/shpitdev/developer-enricher/pkg/pipeline/core"
)

const backendJSONFile = "jsonfile"

// JSONFile stores the record collection as one JSON array on disk.
type JSONFile[T any] struct {
	path string
}

var _ core.RecordStore[struct{}] = (*JSONFile[struct{}])(nil)

func NewJSONFile[T any](path string) *JSONFile[T] {
	return &JSONFile[T]{path: path}
}

func (s *JSONFile[T]) Load(ctx context.Context) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, &core.StorageError{Op: "load", Backend: backendJSONFile, Err: err}
	}
	records, err := DecodeRecords[T](b)
	if err != nil {
		return nil, &core.StorageError{Op: "load", Backend: backendJSONFile, Err: fmt.Errorf("%s: %w", s.path, err)}
	}
	return records, nil
}

// Save writes the collection to a temporary file next to the target and renames it into
// place. Readers see either the previous file or the new one.
func (s *JSONFile[T]) Save(ctx context.Context, records []T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := EncodeRecords(records)
	if err != nil {
		return &core.StorageError{Op: "save", Backend: backendJSONFile, Err: err}
	}
	if err := writeFileAtomic(s.path, b); err != nil {
		return &core.StorageError{Op: "save", Backend: backendJSONFile, Err: err}
	}
	return nil
}

func writeFileAtomic(path string, b []byte) (err error) {
	mode := fs.FileMode(0o644)
	if fi, statErr := os.Stat(path); statErr == nil {
		mode = fi.Mode().Perm()
	} else if !errors.Is(statErr, fs.ErrNotExist) {
		return statErr
	}

	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), mode); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
