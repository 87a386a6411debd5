package repo

import (
	"bytes"
	"errors"
	"sync"

	"github.com/ipfs/go-cid"

	"taracol/pkg/cidutil"
)

var (
	ErrBlockNotFound = errors.New("blockstore: not found")
	ErrInvalidCID    = errors.New("blockstore: invalid cid")
	ErrCIDMismatch   = errors.New("blockstore: cid mismatch")
	ErrImmutable     = errors.New("blockstore: immutable object mismatch")
)

// Blockstore is a content-addressed block store.
//
// Put is idempotent and blocks are immutable. Get returns ErrBlockNotFound
// for absent CIDs and never returns bytes that do not hash to the CID.
type Blockstore interface {
	Put(data []byte) (cid.Cid, error)
	Get(id cid.Cid) ([]byte, error)
	Has(id cid.Cid) bool
}

// MemoryBlockstore keeps blocks in a map.
type MemoryBlockstore struct {
	mu     sync.RWMutex
	blocks map[cid.Cid][]byte
}

func NewMemoryBlockstore() *MemoryBlockstore {
	return &MemoryBlockstore{blocks: make(map[cid.Cid][]byte)}
}

func (m *MemoryBlockstore) Put(data []byte) (cid.Cid, error) {
	id, err := cidutil.Sum(data)
	if err != nil {
		return cid.Undef, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.blocks[id]; ok {
		if !bytes.Equal(existing, data) {
			return cid.Undef, ErrImmutable
		}
		return id, nil
	}
	m.blocks[id] = append([]byte(nil), data...)
	return id, nil
}

func (m *MemoryBlockstore) Get(id cid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, ErrInvalidCID
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[id]
	if !ok {
		return nil, ErrBlockNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *MemoryBlockstore) Has(id cid.Cid) bool {
	if !id.Defined() {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocks[id]
	return ok
}

// Len returns the number of stored blocks.
func (m *MemoryBlockstore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blocks)
}

// overlay buffers writes over a base store until flush. Blocks of a
// commit that fails validation are dropped with the overlay.
type overlay struct {
	base    Blockstore
	pending *MemoryBlockstore
}

func newOverlay(base Blockstore) *overlay {
	return &overlay{base: base, pending: NewMemoryBlockstore()}
}

func (o *overlay) Put(data []byte) (cid.Cid, error) {
	return o.pending.Put(data)
}

func (o *overlay) Get(id cid.Cid) ([]byte, error) {
	if b, err := o.pending.Get(id); err == nil {
		return b, nil
	}
	return o.base.Get(id)
}

func (o *overlay) Has(id cid.Cid) bool {
	return o.pending.Has(id) || o.base.Has(id)
}

func (o *overlay) flush() error {
	o.pending.mu.RLock()
	defer o.pending.mu.RUnlock()
	for _, b := range o.pending.blocks {
		if _, err := o.base.Put(b); err != nil {
			return err
		}
	}
	return nil
}
