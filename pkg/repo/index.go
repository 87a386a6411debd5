package repo

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ipfs/go-cid"

	"taracol/pkg/types"
)

// commitLog persists the ordered commit hashes of every account as one
// append-only file per account. Line n holds revision n.
type commitLog struct {
	dir string
}

func newCommitLog(dir string) (*commitLog, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create commit log directory: %w", err)
	}
	return &commitLog{dir: dir}, nil
}

func (l *commitLog) path(did types.DID) string {
	return filepath.Join(l.dir, strings.ReplaceAll(string(did), ":", "_")+".log")
}

func (l *commitLog) append(did types.DID, id cid.Cid) error {
	if l == nil {
		return nil
	}
	f, err := os.OpenFile(l.path(did), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(id.String() + "\n"); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// load returns the commit hashes of every persisted account.
func (l *commitLog) load() (map[types.DID][]cid.Cid, error) {
	out := make(map[types.DID][]cid.Cid)
	if l == nil {
		return out, nil
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		did := types.DID(strings.ReplaceAll(strings.TrimSuffix(e.Name(), ".log"), "_", ":"))
		ids, err := l.read(filepath.Join(l.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read commit log of %s: %w", did, err)
		}
		out[did] = ids
	}
	return out, nil
}

func (l *commitLog) read(path string) ([]cid.Cid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ids []cid.Cid
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, err := cid.Decode(line)
		if err != nil {
			// A torn final write is dropped; the block may exist but the
			// revision was never acknowledged.
			break
		}
		ids = append(ids, id)
	}
	return ids, scanner.Err()
}
