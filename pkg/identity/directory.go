package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"taracol/pkg/taraerr"
	"taracol/pkg/types"
)

// Source is an authoritative store of identity documents.
type Source interface {
	Fetch(ctx context.Context, did types.DID) (*Document, error)
	Register(ctx context.Context, genesis *State) error
	Submit(ctx context.Context, proof *MigrationProof) error
}

// Directory is a Source held in memory and optionally mirrored to a JSON
// snapshot. It verifies every submission against its own head, so it never
// stores a forked or stale chain.
type Directory struct {
	mu      sync.RWMutex
	entries map[types.DID]*directoryEntry
	engine  *ProofEngine
	path    string
	logger  *zap.Logger
}

type directoryEntry struct {
	doc  Document
	head *State
}

func NewDirectory(logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		entries: make(map[types.DID]*directoryEntry),
		engine:  NewProofEngine(logger),
		logger:  logger,
	}
}

// Register publishes a genesis state. Re-registering the same genesis is a no-op.
func (d *Directory) Register(_ context.Context, genesis *State) error {
	if err := VerifyGenesis(genesis); err != nil {
		return taraerr.Wrap(taraerr.CodeInvalidArgument, "directory.Register", err, "invalid genesis")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.entries[genesis.DID]; ok {
		if existing.doc.Genesis.Hash().Equals(genesis.Hash()) {
			return nil
		}
		return taraerr.New(taraerr.CodeInvalidArgument, "directory.Register", "%s already registered", genesis.DID)
	}
	d.entries[genesis.DID] = &directoryEntry{
		doc:  Document{Genesis: genesis.Clone()},
		head: genesis.Clone(),
	}
	if err := d.persist(); err != nil {
		delete(d.entries, genesis.DID)
		return taraerr.Wrap(taraerr.CodeInternal, "directory.Register", err, "failed to persist")
	}
	d.logger.Info("Registered identity",
		zap.String("did", string(genesis.DID)),
		zap.String("endpoint", genesis.Endpoint))
	return nil
}

// Fetch returns a copy of the stored document.
func (d *Directory) Fetch(ctx context.Context, did types.DID) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, taraerr.Wrap(taraerr.CodeTransportDisconnected, "directory.Fetch", err, "fetch aborted")
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[did]
	if !ok {
		return nil, taraerr.New(taraerr.CodeNotFound, "directory.Fetch", "unknown identity %s", did)
	}
	return &Document{
		Genesis: e.doc.Genesis.Clone(),
		Proofs:  append([]MigrationProof(nil), e.doc.Proofs...),
	}, nil
}

// Submit appends proof if it extends the current head. Resubmitting the
// latest accepted proof is a no-op.
func (d *Directory) Submit(_ context.Context, proof *MigrationProof) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[proof.Identifier]
	if !ok {
		return taraerr.New(taraerr.CodeNotFound, "directory.Submit", "unknown identity %s", proof.Identifier)
	}
	if e.head.LastProof.Defined() && e.head.LastProof.Equals(proof.Hash()) {
		return nil
	}
	next, err := d.engine.Verify(e.head, proof)
	if err != nil {
		return err
	}
	prevHead, prevLen := e.head, len(e.doc.Proofs)
	e.doc.Proofs = append(e.doc.Proofs, *proof)
	e.head = next
	if err := d.persist(); err != nil {
		e.doc.Proofs, e.head = e.doc.Proofs[:prevLen], prevHead
		return taraerr.Wrap(taraerr.CodeInternal, "directory.Submit", err, "failed to persist")
	}
	d.logger.Info("Accepted migration proof",
		zap.String("did", string(proof.Identifier)),
		zap.Uint64("sequence", next.Sequence),
		zap.String("endpoint", next.Endpoint))
	return nil
}

// Head returns the directory's verified state of did.
func (d *Directory) Head(did types.DID) (*State, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[did]
	if !ok {
		return nil, false
	}
	return e.head.Clone(), true
}

// Identities lists every registered DID.
func (d *Directory) Identities() []types.DID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.DID, 0, len(d.entries))
	for did := range d.entries {
		out = append(out, did)
	}
	return out
}

// OpenDirectory loads the snapshot at path, replaying and verifying every
// stored chain, and keeps the snapshot current on each change. A missing
// file starts an empty directory.
func OpenDirectory(path string, logger *zap.Logger) (*Directory, error) {
	d := NewDirectory(logger)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read identity directory: %w", err)
	default:
		var docs []Document
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, fmt.Errorf("failed to parse identity directory: %w", err)
		}
		ctx := context.Background()
		for i := range docs {
			if err := d.Register(ctx, docs[i].Genesis); err != nil {
				return nil, fmt.Errorf("failed to load identity %d: %w", i, err)
			}
			for j := range docs[i].Proofs {
				if err := d.Submit(ctx, &docs[i].Proofs[j]); err != nil {
					return nil, fmt.Errorf("failed to replay %s: %w", docs[i].Genesis.DID, err)
				}
			}
		}
	}
	d.path = path
	d.logger.Info("Opened identity directory",
		zap.String("path", path),
		zap.Int("identities", len(d.entries)))
	return d, nil
}

// persist writes the snapshot. Callers hold d.mu.
func (d *Directory) persist() error {
	if d.path == "" {
		return nil
	}
	dids := make([]types.DID, 0, len(d.entries))
	for did := range d.entries {
		dids = append(dids, did)
	}
	sort.Slice(dids, func(i, j int) bool { return dids[i] < dids[j] })
	docs := make([]Document, len(dids))
	for i, did := range dids {
		docs[i] = d.entries[did].doc
	}

	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0o700); err != nil {
		return err
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, d.path)
}
