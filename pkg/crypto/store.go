package crypto

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"taracol/pkg/types"
)

// FileStore persists key histories on the local filesystem, one directory
// per account with a single keyring.json (mode 0600).
type FileStore struct {
	Directory string
}

type storedKey struct {
	Ref       types.KeyRef `json:"ref"`
	Algorithm Algorithm    `json:"algorithm"`
	Public    PublicKey    `json:"public"`
	Private   string       `json:"private"`
	CreatedAt time.Time    `json:"created_at"`
	Revoked   bool         `json:"revoked"`
	RevokedAt time.Time    `json:"revoked_at,omitempty"`
}

type storedHistory struct {
	DID  types.DID   `json:"did"`
	Keys []storedKey `json:"keys"`
}

// NewFileStore creates the store directory if needed.
func NewFileStore(directory string) (*FileStore, error) {
	if directory == "" {
		return nil, errors.New("key store directory is required")
	}
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key store: %w", err)
	}
	return &FileStore{Directory: directory}, nil
}

func dirName(did types.DID) string {
	return strings.ReplaceAll(string(did), ":", "_")
}

func (fs *FileStore) path(did types.DID) string {
	return filepath.Join(fs.Directory, dirName(did), "keyring.json")
}

// Save atomically replaces the stored history of did.
func (fs *FileStore) Save(did types.DID, keys []*KeyPair) error {
	doc := storedHistory{DID: did, Keys: make([]storedKey, len(keys))}
	for i, kp := range keys {
		doc.Keys[i] = storedKey{
			Ref:       kp.Ref,
			Algorithm: kp.private.Alg,
			Public:    kp.Public,
			Private:   hex.EncodeToString(kp.private.raw),
			CreatedAt: kp.CreatedAt,
			Revoked:   kp.Revoked,
			RevokedAt: kp.RevokedAt,
		}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	path := fs.path(did)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads the stored history of did.
func (fs *FileStore) Load(did types.DID) ([]*KeyPair, error) {
	data, err := os.ReadFile(fs.path(did))
	if err != nil {
		return nil, err
	}
	var doc storedHistory
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse key history: %w", err)
	}
	if doc.DID != did {
		return nil, fmt.Errorf("key history belongs to %s, not %s", doc.DID, did)
	}
	keys := make([]*KeyPair, 0, len(doc.Keys))
	for _, sk := range doc.Keys {
		raw, err := hex.DecodeString(sk.Private)
		if err != nil {
			return nil, fmt.Errorf("invalid private key for %s: %w", sk.Ref, err)
		}
		keys = append(keys, &KeyPair{
			Ref:       sk.Ref,
			Public:    sk.Public,
			CreatedAt: sk.CreatedAt,
			Revoked:   sk.Revoked,
			RevokedAt: sk.RevokedAt,
			private:   PrivateKey{Alg: sk.Algorithm, raw: raw},
		})
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("empty key history for %s", did)
	}
	return keys, nil
}

// List returns the accounts with a stored history.
func (fs *FileStore) List() ([]types.DID, error) {
	entries, err := os.ReadDir(fs.Directory)
	if err != nil {
		return nil, err
	}
	var dids []types.DID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(fs.Directory, e.Name(), "keyring.json")); err != nil {
			continue
		}
		dids = append(dids, types.DID(strings.ReplaceAll(e.Name(), "_", ":")))
	}
	return dids, nil
}
