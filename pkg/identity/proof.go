package identity

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"go.uber.org/zap"

	"taracol/pkg/cidutil"
	"taracol/pkg/codec"
	"taracol/pkg/crypto"
	"taracol/pkg/taraerr"
	"taracol/pkg/types"
)

const proofTag = "taracol/migration/v1"

// MigrationProof rebinds an identity to a new endpoint and key. A key
// rotation is a proof that keeps the current endpoint. RepoHead and
// RepoRevision hand the repository over to the new key: the outgoing key
// signed every commit up to that head and the new key signs the rest.
type MigrationProof struct {
	Identifier           types.DID        `json:"identifier"`
	NewEndpoint          string           `json:"newEndpoint"`
	NewPublicKey         crypto.PublicKey `json:"newPublicKey"`
	PredecessorStateHash cid.Cid          `json:"predecessorStateHash"`
	RepoHead             cid.Cid          `json:"repoHead"`
	RepoRevision         types.Revision   `json:"repoRevision"`
	Signature            crypto.Signature `json:"signature"`
}

// SigningBytes is the canonical payload covered by the signature.
func (p *MigrationProof) SigningBytes() []byte {
	return codec.NewEncoder(proofTag).
		String(string(p.Identifier)).
		String(p.NewEndpoint).
		String(string(p.NewPublicKey.Alg)).
		Bytes(p.NewPublicKey.Raw).
		CID(p.PredecessorStateHash).
		CID(p.RepoHead).
		Uint64(uint64(p.RepoRevision)).
		Finish()
}

// Hash addresses the signed proof.
func (p *MigrationProof) Hash() cid.Cid {
	b := codec.NewEncoder(proofTag + "/signed").
		Bytes(p.SigningBytes()).
		Bytes(p.Signature).
		Finish()
	return cidutil.MustSum(b)
}

// ProofEngine builds and verifies migration proofs. It never mutates the
// states it is given.
type ProofEngine struct {
	logger *zap.Logger
}

func NewProofEngine(logger *zap.Logger) *ProofEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProofEngine{logger: logger}
}

// Build signs a proof moving current to newEndpoint and newKey with the
// active key referenced by ref. anchor is the repository head at the
// handover.
func (e *ProofEngine) Build(current *State, newEndpoint string, newKey crypto.PublicKey, anchor RepoAnchor, signer crypto.Signer, ref types.KeyRef) (*MigrationProof, error) {
	if newEndpoint == "" {
		newEndpoint = current.Endpoint
	}
	if newKey.IsZero() {
		newKey = current.ActiveKey()
	}
	p := &MigrationProof{
		Identifier:           current.DID,
		NewEndpoint:          newEndpoint,
		NewPublicKey:         newKey,
		PredecessorStateHash: current.Hash(),
		RepoHead:             anchor.Head,
		RepoRevision:         anchor.Revision,
	}
	sig, err := signer.Sign(ref, p.SigningBytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign migration proof: %w", err)
	}
	p.Signature = sig
	return p, nil
}

// Verify checks proof against current and returns the successor state.
func (e *ProofEngine) Verify(current *State, proof *MigrationProof) (*State, error) {
	const op = "identity.VerifyProof"
	if proof == nil || current == nil {
		return nil, taraerr.New(taraerr.CodeInvalidArgument, op, "missing proof or state")
	}
	if proof.Identifier != current.DID {
		return nil, taraerr.New(taraerr.CodeInvalidArgument, op, "proof for %s applied to %s", proof.Identifier, current.DID)
	}
	if proof.NewEndpoint == "" || proof.NewPublicKey.IsZero() {
		return nil, taraerr.New(taraerr.CodeInvalidArgument, op, "proof for %s is incomplete", proof.Identifier)
	}

	if !cidutil.Matches(proof.PredecessorStateHash, current.Encode()) {
		e.logger.Debug("Stale migration proof",
			zap.String("did", string(current.DID)),
			zap.Uint64("sequence", current.Sequence),
			zap.String("predecessor", proof.PredecessorStateHash.String()))
		return nil, taraerr.New(taraerr.CodeStaleMigrationProof, op,
			"proof for %s does not extend state at sequence %d", current.DID, current.Sequence)
	}

	payload := proof.SigningBytes()
	if !crypto.Verify(current.ActiveKey(), payload, proof.Signature) {
		for _, k := range current.Keys {
			if k.Revoked && crypto.Verify(k.Public, payload, proof.Signature) {
				return nil, taraerr.New(taraerr.CodeRevokedSigner, op, "proof for %s signed by a revoked key", current.DID)
			}
		}
		return nil, taraerr.New(taraerr.CodeSignatureInvalid, op, "proof for %s not signed by the active key", current.DID)
	}

	rotating := !proof.NewPublicKey.Equal(current.ActiveKey())
	if rotating && current.HasKey(proof.NewPublicKey) {
		return nil, taraerr.New(taraerr.CodeInvalidArgument, op, "proof for %s reuses a retired key", current.DID)
	}
	if rotating {
		if err := checkHandover(current.Keys[len(current.Keys)-1], proof); err != nil {
			return nil, taraerr.Wrap(taraerr.CodeInvalidArgument, op, err, "proof for %s", current.DID)
		}
	}

	next := current.Clone()
	next.Endpoint = proof.NewEndpoint
	if rotating {
		next.Keys[len(next.Keys)-1].Revoked = true
		next.Keys = append(next.Keys, KeyEntry{
			Public:        proof.NewPublicKey,
			Since:         proof.RepoHead,
			SinceRevision: proof.RepoRevision,
		})
	}
	next.Sequence = current.Sequence + 1
	next.LastProof = proof.Hash()
	return next, nil
}

// checkHandover rejects a handover head that precedes the outgoing key's
// own takeover, or contradicts it.
func checkHandover(active KeyEntry, proof *MigrationProof) error {
	switch {
	case proof.RepoRevision == 0 && proof.RepoHead.Defined():
		return fmt.Errorf("handover names a head at revision 0")
	case proof.RepoRevision > 0 && !proof.RepoHead.Defined():
		return fmt.Errorf("handover at revision %d names no head", proof.RepoRevision)
	case proof.RepoRevision < active.SinceRevision:
		return fmt.Errorf("handover at revision %d precedes the active key's start at %d",
			proof.RepoRevision, active.SinceRevision)
	case proof.RepoRevision == active.SinceRevision && !proof.RepoHead.Equals(active.Since):
		return fmt.Errorf("handover head at revision %d differs from the active key's start", proof.RepoRevision)
	}
	return nil
}

// Document is everything a source knows about an identity.
type Document struct {
	Genesis *State           `json:"genesis"`
	Proofs  []MigrationProof `json:"proofs"`
}

// Replay verifies the whole chain of doc. On a broken link it returns the
// last good state together with a BrokenProofChain error.
func (e *ProofEngine) Replay(doc *Document) (*State, error) {
	if doc == nil {
		return nil, taraerr.New(taraerr.CodeInvalidArgument, "identity.Replay", "missing document")
	}
	if err := VerifyGenesis(doc.Genesis); err != nil {
		return nil, taraerr.Wrap(taraerr.CodeBrokenProofChain, "identity.Replay", err, "invalid genesis")
	}
	return e.ReplayFrom(doc.Genesis.Clone(), doc.Proofs)
}

// ReplayFrom applies proofs[state.Sequence:] to a verified state.
func (e *ProofEngine) ReplayFrom(state *State, proofs []MigrationProof) (*State, error) {
	const op = "identity.Replay"
	if uint64(len(proofs)) < state.Sequence {
		// The source lags behind proofs observed elsewhere.
		return state, nil
	}
	if state.Sequence > 0 && !proofs[state.Sequence-1].Hash().Equals(state.LastProof) {
		return state, taraerr.New(taraerr.CodeBrokenProofChain, op,
			"proof %d of %s diverges from the verified chain", state.Sequence, state.DID)
	}
	for i := state.Sequence; i < uint64(len(proofs)); i++ {
		next, err := e.Verify(state, &proofs[i])
		if err != nil {
			e.logger.Error("Broken proof chain",
				zap.String("did", string(state.DID)),
				zap.Uint64("sequence", i+1),
				zap.Error(err))
			return state, taraerr.Wrap(taraerr.CodeBrokenProofChain, op, err, "proof %d of %s rejected", i+1, state.DID)
		}
		state = next
	}
	return state, nil
}
