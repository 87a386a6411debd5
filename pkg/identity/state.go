// Package identity implements account identity records, migration proofs,
// and the caching resolver that replays proof chains.
package identity

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"

	"taracol/pkg/cidutil"
	"taracol/pkg/codec"
	"taracol/pkg/crypto"
	"taracol/pkg/types"
)

const stateTag = "taracol/identity-state/v1"

// KeyEntry is one key bound to an identity. Revoked keys stay listed so
// historical signatures remain checkable.
//
// Since and SinceRevision are the repository head the key took over at.
// The key signs the commits after SinceRevision up to the next key's
// SinceRevision. The genesis key starts at the empty repository.
type KeyEntry struct {
	Public        crypto.PublicKey `json:"public"`
	Revoked       bool             `json:"revoked"`
	Since         cid.Cid          `json:"since"`
	SinceRevision types.Revision   `json:"since_revision"`
}

// RepoAnchor names a repository head. A rotation proof carries the head
// the outgoing key signed last.
type RepoAnchor struct {
	Head     cid.Cid        `json:"head"`
	Revision types.Revision `json:"revision"`
}

// State is the verified identity record of one account.
type State struct {
	DID       types.DID  `json:"did"`
	Endpoint  string     `json:"endpoint"`
	Sequence  uint64     `json:"sequence"`
	Keys      []KeyEntry `json:"keys"`
	LastProof cid.Cid    `json:"last_proof"`
}

// Genesis builds the first state of a new account. The DID is derived from
// the hash of the genesis content, so it is self-certifying.
func Genesis(endpoint string, key crypto.PublicKey) (*State, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("genesis endpoint is required")
	}
	if key.IsZero() {
		return nil, fmt.Errorf("genesis key is required")
	}
	s := &State{
		Endpoint: endpoint,
		Keys:     []KeyEntry{{Public: key}},
	}
	did, err := deriveDID(s)
	if err != nil {
		return nil, err
	}
	s.DID = did
	return s, nil
}

func deriveDID(s *State) (types.DID, error) {
	blank := s.Clone()
	blank.DID = ""
	id, err := cidutil.SumWith(cidutil.SHA2_256, blank.Encode())
	if err != nil {
		return "", fmt.Errorf("failed to hash genesis state: %w", err)
	}
	decoded, err := multihash.Decode(id.Hash())
	if err != nil {
		return "", err
	}
	enc, err := multibase.Encode(multibase.Base32, decoded.Digest)
	if err != nil {
		return "", err
	}
	// Drop the multibase prefix character.
	return types.DIDFromSuffix(enc[1:]), nil
}

// VerifyGenesis checks that s is a well-formed genesis state for its DID.
func VerifyGenesis(s *State) error {
	if s == nil {
		return fmt.Errorf("missing genesis state")
	}
	if s.Sequence != 0 || s.LastProof.Defined() || len(s.Keys) != 1 || s.Keys[0].Revoked ||
		s.Keys[0].Since.Defined() || s.Keys[0].SinceRevision != 0 {
		return fmt.Errorf("state of %s is not a genesis state", s.DID)
	}
	did, err := deriveDID(s)
	if err != nil {
		return err
	}
	if did != s.DID {
		return fmt.Errorf("genesis state does not derive %s", s.DID)
	}
	return nil
}

// KeyIndex returns the position of pub in the key history.
func (s *State) KeyIndex(pub crypto.PublicKey) (int, bool) {
	for i, k := range s.Keys {
		if k.Public.Equal(pub) {
			return i, true
		}
	}
	return 0, false
}

// ActiveKey is the newest key in the history.
func (s *State) ActiveKey() crypto.PublicKey {
	if len(s.Keys) == 0 {
		return crypto.PublicKey{}
	}
	return s.Keys[len(s.Keys)-1].Public
}

// PublicKeys returns every key ever bound, oldest first.
func (s *State) PublicKeys() []crypto.PublicKey {
	out := make([]crypto.PublicKey, len(s.Keys))
	for i, k := range s.Keys {
		out[i] = k.Public
	}
	return out
}

// IsRevoked reports whether pub is bound and revoked.
func (s *State) IsRevoked(pub crypto.PublicKey) bool {
	for _, k := range s.Keys {
		if k.Public.Equal(pub) {
			return k.Revoked
		}
	}
	return false
}

// HasKey reports whether pub was ever bound to the identity.
func (s *State) HasKey(pub crypto.PublicKey) bool {
	for _, k := range s.Keys {
		if k.Public.Equal(pub) {
			return true
		}
	}
	return false
}

// Encode returns the canonical encoding hashed by Hash.
func (s *State) Encode() []byte {
	e := codec.NewEncoder(stateTag).
		String(string(s.DID)).
		String(s.Endpoint).
		Uint64(s.Sequence).
		Uint64(uint64(len(s.Keys)))
	for _, k := range s.Keys {
		e.String(string(k.Public.Alg)).Bytes(k.Public.Raw).Bool(k.Revoked).
			CID(k.Since).Uint64(uint64(k.SinceRevision))
	}
	return e.CID(s.LastProof).Finish()
}

// Hash is the content address of the state.
func (s *State) Hash() cid.Cid {
	return cidutil.MustSum(s.Encode())
}

func (s *State) Clone() *State {
	c := *s
	c.Keys = append([]KeyEntry(nil), s.Keys...)
	return &c
}
