package repo

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/zeebo/blake3"

	"taracol/pkg/cidutil"
	"taracol/pkg/codec"
)

// The record set of an account is a binary Merkle trie keyed by the
// blake3 hash of each record CID. A leaf sits at the shallowest depth where
// its label is unique, so the shape depends only on the member set.

const (
	labelLen = 32
	maxDepth = labelLen * 8

	emptyNodeTag    = "taracol/trie-empty/v1"
	leafNodeTag     = "taracol/trie-leaf/v1"
	interiorNodeTag = "taracol/trie-interior/v1"
)

type nodeKind byte

const (
	emptyNode nodeKind = iota
	interiorNode
	leafNode
)

type node struct {
	kind     nodeKind
	label    []byte
	value    cid.Cid
	children [2]cid.Cid
}

func (n *node) encode() []byte {
	switch n.kind {
	case leafNode:
		return codec.NewEncoder(leafNodeTag).Bytes(n.label).CID(n.value).Finish()
	case interiorNode:
		return codec.NewEncoder(interiorNodeTag).CID(n.children[0]).CID(n.children[1]).Finish()
	default:
		return codec.NewEncoder(emptyNodeTag).Finish()
	}
}

func decodeNode(b []byte) (*node, error) {
	if d := codec.NewDecoder(b, leafNodeTag); d.Err() == nil {
		n := &node{kind: leafNode, label: d.Bytes(), value: d.CID()}
		if err := d.Done(); err != nil {
			return nil, err
		}
		if len(n.label) != labelLen {
			return nil, errors.New("trie: malformed leaf label")
		}
		return n, nil
	}
	if d := codec.NewDecoder(b, interiorNodeTag); d.Err() == nil {
		n := &node{kind: interiorNode}
		n.children[0] = d.CID()
		n.children[1] = d.CID()
		if err := d.Done(); err != nil {
			return nil, err
		}
		return n, nil
	}
	if d := codec.NewDecoder(b, emptyNodeTag); d.Err() == nil {
		return &node{kind: emptyNode}, d.Done()
	}
	return nil, errors.New("trie: unknown node type")
}

func labelOf(value cid.Cid) []byte {
	sum := blake3.Sum256(value.Bytes())
	return sum[:]
}

func getBit(label []byte, n int) byte {
	if label[n/8]&(1<<(n%8)) != 0 {
		return 1
	}
	return 0
}

// EmptyRoot is the root of a trie with no members.
func EmptyRoot() cid.Cid {
	return cidutil.MustSum((&node{kind: emptyNode}).encode())
}

// Tree is an immutable view of a trie rooted at a block. Insert and Delete
// return a new Tree sharing every untouched subtree with the old one.
type Tree struct {
	blocks Blockstore
	root   cid.Cid
}

// NewTree returns an empty trie backed by blocks.
func NewTree(blocks Blockstore) (*Tree, error) {
	root, err := blocks.Put((&node{kind: emptyNode}).encode())
	if err != nil {
		return nil, fmt.Errorf("failed to store empty trie: %w", err)
	}
	return &Tree{blocks: blocks, root: root}, nil
}

// LoadTree opens the trie rooted at root.
func LoadTree(blocks Blockstore, root cid.Cid) (*Tree, error) {
	if !blocks.Has(root) {
		return nil, fmt.Errorf("trie root %s: %w", root, ErrBlockNotFound)
	}
	return &Tree{blocks: blocks, root: root}, nil
}

func (t *Tree) Root() cid.Cid { return t.root }

func (t *Tree) load(id cid.Cid) (*node, error) {
	if !id.Defined() {
		return &node{kind: emptyNode}, nil
	}
	b, err := t.blocks.Get(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load trie node %s: %w", id, err)
	}
	return decodeNode(b)
}

func (t *Tree) store(n *node) (cid.Cid, error) {
	if n.kind == emptyNode {
		return cid.Undef, nil
	}
	return t.blocks.Put(n.encode())
}

// rootRef maps the stored empty root to the undefined child reference used
// inside the trie.
func (t *Tree) rootRef() (cid.Cid, error) {
	n, err := t.load(t.root)
	if err != nil {
		return cid.Undef, err
	}
	if n.kind == emptyNode {
		return cid.Undef, nil
	}
	return t.root, nil
}

func (t *Tree) withRoot(ref cid.Cid) (*Tree, error) {
	if !ref.Defined() {
		return NewTree(t.blocks)
	}
	return &Tree{blocks: t.blocks, root: ref}, nil
}

// Insert adds value to the set.
func (t *Tree) Insert(value cid.Cid) (*Tree, error) {
	if !value.Defined() {
		return nil, ErrInvalidCID
	}
	ref, err := t.rootRef()
	if err != nil {
		return nil, err
	}
	next, err := t.insert(ref, 0, labelOf(value), value)
	if err != nil {
		return nil, err
	}
	return t.withRoot(next)
}

func (t *Tree) insert(ref cid.Cid, depth int, label []byte, value cid.Cid) (cid.Cid, error) {
	if depth >= maxDepth {
		return cid.Undef, errors.New("trie: label collision")
	}
	n, err := t.load(ref)
	if err != nil {
		return cid.Undef, err
	}

	switch n.kind {
	case emptyNode:
		return t.store(&node{kind: leafNode, label: label, value: value})
	case leafNode:
		if string(n.label) == string(label) {
			return ref, nil
		}
		split := &node{kind: interiorNode}
		split.children[getBit(n.label, depth)] = ref
		b := getBit(label, depth)
		child, err := t.insert(split.children[b], depth+1, label, value)
		if err != nil {
			return cid.Undef, err
		}
		split.children[b] = child
		return t.store(split)
	default:
		b := getBit(label, depth)
		child, err := t.insert(n.children[b], depth+1, label, value)
		if err != nil {
			return cid.Undef, err
		}
		if child.Equals(n.children[b]) {
			return ref, nil
		}
		n.children[b] = child
		return t.store(n)
	}
}

// Delete removes value from the set. Removing an absent value is a no-op.
func (t *Tree) Delete(value cid.Cid) (*Tree, error) {
	ref, err := t.rootRef()
	if err != nil {
		return nil, err
	}
	next, _, err := t.delete(ref, 0, labelOf(value))
	if err != nil {
		return nil, err
	}
	return t.withRoot(next)
}

func (t *Tree) delete(ref cid.Cid, depth int, label []byte) (cid.Cid, bool, error) {
	n, err := t.load(ref)
	if err != nil {
		return cid.Undef, false, err
	}

	switch n.kind {
	case emptyNode:
		return ref, false, nil
	case leafNode:
		if string(n.label) != string(label) {
			return ref, false, nil
		}
		return cid.Undef, true, nil
	default:
		b := getBit(label, depth)
		child, removed, err := t.delete(n.children[b], depth+1, label)
		if err != nil || !removed {
			return ref, false, err
		}
		n.children[b] = child

		// An interior whose subtree holds a single leaf collapses into it.
		other := n.children[1-b]
		if !child.Defined() && !other.Defined() {
			return cid.Undef, true, nil
		}
		if !child.Defined() {
			on, err := t.load(other)
			if err != nil {
				return cid.Undef, false, err
			}
			if on.kind == leafNode {
				return other, true, nil
			}
		}
		if !other.Defined() {
			cn, err := t.load(child)
			if err != nil {
				return cid.Undef, false, err
			}
			if cn.kind == leafNode {
				return child, true, nil
			}
		}
		id, err := t.store(n)
		return id, true, err
	}
}

// Has reports whether value is a member.
func (t *Tree) Has(value cid.Cid) (bool, error) {
	label := labelOf(value)
	ref, err := t.rootRef()
	if err != nil {
		return false, err
	}
	for depth := 0; ; depth++ {
		n, err := t.load(ref)
		if err != nil {
			return false, err
		}
		switch n.kind {
		case emptyNode:
			return false, nil
		case leafNode:
			return string(n.label) == string(label), nil
		default:
			ref = n.children[getBit(label, depth)]
		}
	}
}

// Walk calls fn for every member in label order.
func (t *Tree) Walk(fn func(cid.Cid) error) error {
	ref, err := t.rootRef()
	if err != nil {
		return err
	}
	return t.walk(ref, fn)
}

func (t *Tree) walk(ref cid.Cid, fn func(cid.Cid) error) error {
	if !ref.Defined() {
		return nil
	}
	n, err := t.load(ref)
	if err != nil {
		return err
	}
	switch n.kind {
	case leafNode:
		return fn(n.value)
	case interiorNode:
		if err := t.walk(n.children[0], fn); err != nil {
			return err
		}
		return t.walk(n.children[1], fn)
	}
	return nil
}

// Proof authenticates membership or non-membership of a value against a
// trie root. Siblings are ordered from the root down.
type Proof struct {
	Siblings []cid.Cid `json:"siblings"`
	// Member is set for membership proofs.
	Member bool `json:"member"`
	// Terminal is the leaf found on the path of an absent value, if any.
	TerminalLabel []byte  `json:"terminalLabel,omitempty"`
	TerminalValue cid.Cid `json:"terminalValue,omitempty"`
}

// Prove builds a proof for value against the current root.
func (t *Tree) Prove(value cid.Cid) (*Proof, error) {
	label := labelOf(value)
	ref, err := t.rootRef()
	if err != nil {
		return nil, err
	}
	p := &Proof{}
	for depth := 0; ; depth++ {
		n, err := t.load(ref)
		if err != nil {
			return nil, err
		}
		switch n.kind {
		case emptyNode:
			return p, nil
		case leafNode:
			if string(n.label) == string(label) {
				p.Member = true
				return p, nil
			}
			p.TerminalLabel = n.label
			p.TerminalValue = n.value
			return p, nil
		default:
			b := getBit(label, depth)
			p.Siblings = append(p.Siblings, n.children[1-b])
			ref = n.children[b]
		}
	}
}

// VerifyProof checks proof for value against root. It reports whether the
// proof is valid and, if so, whether value is a member.
func VerifyProof(root cid.Cid, value cid.Cid, proof *Proof) (valid bool, member bool) {
	if proof == nil || !root.Defined() || !value.Defined() || len(proof.Siblings) > maxDepth {
		return false, false
	}
	decoded, err := multihash.Decode(root.Hash())
	if err != nil {
		return false, false
	}
	h := cidutil.Hasher(decoded.Code)
	sum := func(n *node) (cid.Cid, bool) {
		id, err := cidutil.SumWith(h, n.encode())
		return id, err == nil
	}

	label := labelOf(value)
	depth := len(proof.Siblings)
	var ref cid.Cid
	switch {
	case proof.Member:
		id, ok := sum(&node{kind: leafNode, label: label, value: value})
		if !ok {
			return false, false
		}
		ref = id
	case proof.TerminalValue.Defined():
		if len(proof.TerminalLabel) != labelLen || string(proof.TerminalLabel) == string(label) {
			return false, false
		}
		if string(labelOf(proof.TerminalValue)) != string(proof.TerminalLabel) {
			return false, false
		}
		// The terminal leaf must lie on the path of value.
		for i := 0; i < depth; i++ {
			if getBit(proof.TerminalLabel, i) != getBit(label, i) {
				return false, false
			}
		}
		id, ok := sum(&node{kind: leafNode, label: proof.TerminalLabel, value: proof.TerminalValue})
		if !ok {
			return false, false
		}
		ref = id
	default:
		ref = cid.Undef
	}

	for i := depth - 1; i >= 0; i-- {
		n := &node{kind: interiorNode}
		b := getBit(label, i)
		n.children[b] = ref
		n.children[1-b] = proof.Siblings[i]
		id, ok := sum(n)
		if !ok {
			return false, false
		}
		ref = id
	}

	if !ref.Defined() {
		id, ok := sum(&node{kind: emptyNode})
		if !ok {
			return false, false
		}
		ref = id
	}
	if !ref.Equals(root) {
		return false, false
	}
	return true, proof.Member
}
