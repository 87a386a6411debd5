package repo

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taracol/pkg/cidutil"
)

func testValues(n int) []cid.Cid {
	out := make([]cid.Cid, n)
	for i := range out {
		out[i] = cidutil.MustSum([]byte(fmt.Sprintf("record-%d", i)))
	}
	return out
}

func buildTree(t *testing.T, bs Blockstore, values []cid.Cid) *Tree {
	t.Helper()
	tree, err := NewTree(bs)
	require.NoError(t, err)
	for _, v := range values {
		tree, err = tree.Insert(v)
		require.NoError(t, err)
	}
	return tree
}

func TestTreeRootIndependentOfInsertionOrder(t *testing.T) {
	bs := NewMemoryBlockstore()
	values := testValues(64)

	want := buildTree(t, bs, values).Root()

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5; i++ {
		shuffled := append([]cid.Cid(nil), values...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.True(t, want.Equals(buildTree(t, bs, shuffled).Root()), "shuffle %d", i)
	}
}

func TestTreeDeleteRestoresPriorRoot(t *testing.T) {
	bs := NewMemoryBlockstore()
	values := testValues(33)

	empty, err := NewTree(bs)
	require.NoError(t, err)
	assert.True(t, empty.Root().Equals(EmptyRoot()))

	small := buildTree(t, bs, values[:20])
	full := buildTree(t, bs, values)

	tree := full
	for _, v := range values[20:] {
		tree, err = tree.Delete(v)
		require.NoError(t, err)
	}
	assert.True(t, small.Root().Equals(tree.Root()))

	for _, v := range values[:20] {
		tree, err = tree.Delete(v)
		require.NoError(t, err)
	}
	assert.True(t, EmptyRoot().Equals(tree.Root()))
}

func TestTreeIsCopyOnWrite(t *testing.T) {
	bs := NewMemoryBlockstore()
	values := testValues(10)
	before := buildTree(t, bs, values[:9])
	blocks := bs.Len()

	after, err := before.Insert(values[9])
	require.NoError(t, err)
	assert.False(t, before.Root().Equals(after.Root()))

	// Only the path to the new leaf is rewritten.
	p, err := after.Prove(values[9])
	require.NoError(t, err)
	assert.Equal(t, len(p.Siblings)+1, bs.Len()-blocks)

	has, err := before.Has(values[9])
	require.NoError(t, err)
	assert.False(t, has)
	has, err = after.Has(values[9])
	require.NoError(t, err)
	assert.True(t, has)
}

func TestTreeInsertIdempotentAndDeleteAbsent(t *testing.T) {
	bs := NewMemoryBlockstore()
	values := testValues(5)
	tree := buildTree(t, bs, values)

	again, err := tree.Insert(values[2])
	require.NoError(t, err)
	assert.True(t, tree.Root().Equals(again.Root()))

	absent := cidutil.MustSum([]byte("absent"))
	same, err := tree.Delete(absent)
	require.NoError(t, err)
	assert.True(t, tree.Root().Equals(same.Root()))
}

func TestTreeWalk(t *testing.T) {
	bs := NewMemoryBlockstore()
	values := testValues(17)
	tree := buildTree(t, bs, values)

	seen := make(map[cid.Cid]bool)
	require.NoError(t, tree.Walk(func(id cid.Cid) error {
		seen[id] = true
		return nil
	}))
	assert.Len(t, seen, len(values))
	for _, v := range values {
		assert.True(t, seen[v])
	}
}

func TestTreeProofs(t *testing.T) {
	bs := NewMemoryBlockstore()
	values := testValues(40)
	tree := buildTree(t, bs, values[:30])
	root := tree.Root()

	for _, v := range values[:30] {
		p, err := tree.Prove(v)
		require.NoError(t, err)
		valid, member := VerifyProof(root, v, p)
		assert.True(t, valid)
		assert.True(t, member)
	}
	for _, v := range values[30:] {
		p, err := tree.Prove(v)
		require.NoError(t, err)
		valid, member := VerifyProof(root, v, p)
		assert.True(t, valid)
		assert.False(t, member)
	}

	t.Run("membership claim for absent value", func(t *testing.T) {
		p, err := tree.Prove(values[35])
		require.NoError(t, err)
		p.Member = true
		valid, _ := VerifyProof(root, values[35], p)
		assert.False(t, valid)
	})

	t.Run("tampered sibling", func(t *testing.T) {
		p, err := tree.Prove(values[3])
		require.NoError(t, err)
		require.NotEmpty(t, p.Siblings)
		p.Siblings[0] = cidutil.MustSum([]byte("forged"))
		valid, _ := VerifyProof(root, values[3], p)
		assert.False(t, valid)
	})

	t.Run("wrong root", func(t *testing.T) {
		p, err := tree.Prove(values[3])
		require.NoError(t, err)
		valid, _ := VerifyProof(EmptyRoot(), values[3], p)
		assert.False(t, valid)
	})

	t.Run("empty tree", func(t *testing.T) {
		empty, err := NewTree(bs)
		require.NoError(t, err)
		p, err := empty.Prove(values[0])
		require.NoError(t, err)
		valid, member := VerifyProof(empty.Root(), values[0], p)
		assert.True(t, valid)
		assert.False(t, member)
	})
}
