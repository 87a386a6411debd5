package repo

import (
	"fmt"

	"github.com/ipfs/go-cid"

	"taracol/pkg/cidutil"
	"taracol/pkg/codec"
	"taracol/pkg/crypto"
	"taracol/pkg/identity"
	"taracol/pkg/types"
)

const (
	commitTag       = "taracol/commit/v1"
	signedCommitTag = "taracol/commit-signed/v1"
)

// Commit is one signed, hash-linked revision of an account repository.
// KeyIndex is the position of the signing key in the account's identity
// key history.
type Commit struct {
	Account   types.DID        `json:"accountId"`
	Revision  types.Revision   `json:"revision"`
	KeyIndex  uint64           `json:"keyIndex"`
	Prior     cid.Cid          `json:"priorCommitHash"`
	Root      cid.Cid          `json:"merkleRootHash"`
	Added     []cid.Cid        `json:"addedRecordHashes"`
	Removed   []cid.Cid        `json:"removedRecordHashes"`
	Signature crypto.Signature `json:"signature"`
}

func (c *Commit) SigningBytes() []byte {
	return codec.NewEncoder(commitTag).
		String(string(c.Account)).
		Uint64(uint64(c.Revision)).
		Uint64(c.KeyIndex).
		CID(c.Prior).
		CID(c.Root).
		CIDs(c.Added).
		CIDs(c.Removed).
		Finish()
}

// Encode is the stored block; its CID is the commit hash.
func (c *Commit) Encode() []byte {
	return codec.NewEncoder(signedCommitTag).
		Bytes(c.SigningBytes()).
		Bytes(c.Signature).
		Finish()
}

func (c *Commit) Hash() cid.Cid {
	return cidutil.MustSum(c.Encode())
}

func DecodeCommit(b []byte) (*Commit, error) {
	d := codec.NewDecoder(b, signedCommitTag)
	body := d.Bytes()
	sig := d.Bytes()
	if err := d.Done(); err != nil {
		return nil, fmt.Errorf("failed to decode commit: %w", err)
	}

	cd := codec.NewDecoder(body, commitTag)
	c := &Commit{Signature: sig}
	c.Account = types.DID(cd.String())
	c.Revision = types.Revision(cd.Uint64())
	c.KeyIndex = cd.Uint64()
	c.Prior = cd.CID()
	c.Root = cd.CID()
	c.Added = cd.CIDs()
	c.Removed = cd.CIDs()
	if err := cd.Done(); err != nil {
		return nil, fmt.Errorf("failed to decode commit body: %w", err)
	}
	return c, nil
}

// checkEpoch verifies that c is signed by the key its KeyIndex names and
// that the key was live at c's revision: after the head it took over at and
// no later than the head it handed over.
func checkEpoch(keys []identity.KeyEntry, c *Commit) error {
	if c.KeyIndex >= uint64(len(keys)) {
		return fmt.Errorf("key %d is not bound to %s", c.KeyIndex, c.Account)
	}
	k := keys[c.KeyIndex]
	if c.Revision <= k.SinceRevision {
		return fmt.Errorf("key %d only signs after revision %d", c.KeyIndex, k.SinceRevision)
	}
	if c.Revision == k.SinceRevision+1 && !c.Prior.Equals(k.Since) {
		return fmt.Errorf("revision %d does not extend the head key %d took over at", c.Revision, c.KeyIndex)
	}
	if c.KeyIndex+1 < uint64(len(keys)) {
		next := keys[c.KeyIndex+1]
		if c.Revision > next.SinceRevision {
			return fmt.Errorf("key %d was rotated out at revision %d", c.KeyIndex, next.SinceRevision)
		}
		if c.Revision == next.SinceRevision && !c.Hash().Equals(next.Since) {
			return fmt.Errorf("revision %d is not the head key %d handed over", c.Revision, c.KeyIndex)
		}
	}
	if !crypto.Verify(k.Public, c.SigningBytes(), c.Signature) {
		return fmt.Errorf("signature does not verify against key %d", c.KeyIndex)
	}
	return nil
}

// Bundle carries a commit with the record blocks it adds, which is what a
// mirror needs to apply it.
type Bundle struct {
	Commit *Commit  `json:"commit"`
	Blocks [][]byte `json:"blocks"`
}
