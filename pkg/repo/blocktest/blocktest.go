// Package blocktest holds a conformance suite every repo.Blockstore must pass.
package blocktest

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ipfs/go-cid"

	"taracol/pkg/cidutil"
	"taracol/pkg/repo"
)

// NewBlockstore constructs a fresh, empty store isolated from other tests.
type NewBlockstore func(t *testing.T) repo.Blockstore

func RunConformance(t *testing.T, newStore NewBlockstore) {
	t.Helper()

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		bs := newStore(t)
		want := []byte("hello, taracol blocks")

		id, err := bs.Put(want)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		wantID, err := cidutil.Sum(want)
		if err != nil {
			t.Fatalf("Sum failed: %v", err)
		}
		if !id.Equals(wantID) {
			t.Fatalf("Put CID mismatch: got %s want %s", id, wantID)
		}

		got, err := bs.Get(id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("Get bytes mismatch")
		}
		if !cidutil.Matches(id, got) {
			t.Fatalf("Get returned bytes not matching requested CID")
		}
	})

	t.Run("PutIdempotent", func(t *testing.T) {
		bs := newStore(t)
		b := []byte("same bytes")

		id1, err := bs.Put(b)
		if err != nil {
			t.Fatalf("Put(1) failed: %v", err)
		}
		id2, err := bs.Put(b)
		if err != nil {
			t.Fatalf("Put(2) failed: %v", err)
		}
		if !id1.Equals(id2) {
			t.Fatalf("Put not idempotent: %s vs %s", id1, id2)
		}
	})

	t.Run("HasAndNotFound", func(t *testing.T) {
		bs := newStore(t)
		b := []byte("missing")
		id, err := cidutil.Sum(b)
		if err != nil {
			t.Fatalf("Sum failed: %v", err)
		}

		if bs.Has(id) {
			t.Fatalf("Has returned true for missing CID")
		}
		if _, err := bs.Get(id); !errors.Is(err, repo.ErrBlockNotFound) {
			t.Fatalf("Get missing: got err=%v want ErrBlockNotFound", err)
		}

		if _, err := bs.Put(b); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if !bs.Has(id) {
			t.Fatalf("Has returned false after Put")
		}
	})

	t.Run("RejectUndefCID", func(t *testing.T) {
		bs := newStore(t)
		var undef cid.Cid
		if bs.Has(undef) {
			t.Fatalf("Has should be false for undefined CID")
		}
		if _, err := bs.Get(undef); err == nil {
			t.Fatalf("Get should fail for undefined CID")
		}
	})

	t.Run("ReturnedBytesAreCopies", func(t *testing.T) {
		bs := newStore(t)
		id, err := bs.Put([]byte("immutable"))
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := bs.Get(id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		got[0] = 'X'
		again, err := bs.Get(id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(again) != "immutable" {
			t.Fatalf("stored block was mutated through a returned slice")
		}
	})
}
