package repo

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"

	"taracol/pkg/cidutil"
)

// FileBlockstore stores each block as a read-only file named by its CID,
// fanned out by the last two characters.
type FileBlockstore struct {
	root string
}

func NewFileBlockstore(root string) (*FileBlockstore, error) {
	if root == "" {
		return nil, errors.New("blockstore: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileBlockstore{root: root}, nil
}

func (f *FileBlockstore) Put(data []byte) (cid.Cid, error) {
	id, err := cidutil.Sum(data)
	if err != nil {
		return cid.Undef, err
	}

	path := f.pathFor(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return cid.Undef, err
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if err != nil {
		if os.IsExist(err) {
			existing, rerr := f.Get(id)
			if rerr != nil || string(existing) != string(data) {
				return cid.Undef, ErrImmutable
			}
			return id, nil
		}
		return cid.Undef, err
	}

	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return cid.Undef, err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return cid.Undef, err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(path)
		return cid.Undef, err
	}
	return id, nil
}

func (f *FileBlockstore) Get(id cid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, ErrInvalidCID
	}
	b, err := os.ReadFile(f.pathFor(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlockNotFound
		}
		return nil, err
	}
	if !cidutil.Matches(id, b) {
		return nil, ErrCIDMismatch
	}
	return b, nil
}

func (f *FileBlockstore) Has(id cid.Cid) bool {
	if !id.Defined() {
		return false
	}
	_, err := os.Stat(f.pathFor(id))
	return err == nil
}

func (f *FileBlockstore) pathFor(id cid.Cid) string {
	s := id.String()
	if len(s) < 2 {
		return filepath.Join(f.root, s)
	}
	return filepath.Join(f.root, s[len(s)-2:], s)
}
