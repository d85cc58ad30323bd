// Package store implements the content blob store scripts are uploaded to
// and loaded from, keyed by a sanitized script id.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pithecene-io/corral/types"
)

// Store is a filesystem-backed blob store rooted at Root. Ids are sanitized
// before touching the filesystem; no operation has side effects outside
// Root.
type Store struct {
	Root string
}

// New builds a Store rooted at root. The directory is created if absent.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, types.NewError(types.ErrInvalidId, "new", root, err)
	}
	return &Store{Root: root}, nil
}

// Save writes b under id, overwriting any existing blob (last-writer-wins).
// The write is atomic: content lands in a temp file first, then renamed.
func (s *Store) Save(id string, b []byte) error {
	path, err := s.resolve(id)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return types.NewError(types.ErrCommandFailed, "save", id, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return types.NewError(types.ErrCommandFailed, "save", id, err)
	}
	return nil
}

// Get returns the bytes stored under id, or types.ErrNotFound if absent.
func (s *Store) Get(id string) ([]byte, error) {
	path, err := s.resolve(id)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.NewError(types.ErrNotFound, "get", id, err)
		}
		return nil, types.NewError(types.ErrCommandFailed, "get", id, err)
	}
	return b, nil
}

// Exists reports whether id has a stored blob.
func (s *Store) Exists(id string) bool {
	path, err := s.resolve(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Delete removes the blob stored under id. Idempotent: deleting a missing id
// is not an error.
func (s *Store) Delete(id string) error {
	path, err := s.resolve(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return types.NewError(types.ErrCommandFailed, "delete", id, err)
	}
	return nil
}

// List returns all stored ids in lexical order.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, types.NewError(types.ErrCommandFailed, "list", s.Root, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// resolve sanitizes id and joins it to Root. Rejects path separators, `..`
// components, and leading dots, per the InvalidId boundary case.
func (s *Store) resolve(id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	return filepath.Join(s.Root, id), nil
}

func validateID(id string) error {
	if id == "" {
		return types.NewError(types.ErrInvalidId, "validate", id, fmt.Errorf("empty id"))
	}
	if strings.ContainsAny(id, "/\\") {
		return types.NewError(types.ErrInvalidId, "validate", id, fmt.Errorf("id contains path separator"))
	}
	if strings.Contains(id, "..") {
		return types.NewError(types.ErrInvalidId, "validate", id, fmt.Errorf("id contains .."))
	}
	if strings.HasPrefix(id, ".") {
		return types.NewError(types.ErrInvalidId, "validate", id, fmt.Errorf("id has leading dot"))
	}
	return nil
}
