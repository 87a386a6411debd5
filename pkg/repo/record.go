package repo

import (
	"fmt"
	"time"

	"github.com/ipfs/go-cid"

	"taracol/pkg/codec"
	"taracol/pkg/crypto"
	"taracol/pkg/types"
)

const (
	recordTag       = "taracol/record/v1"
	signedRecordTag = "taracol/record-signed/v1"
)

// Record is a unit of user content. A deletion is a tombstone record that
// supersedes the record it removes.
type Record struct {
	Account    types.DID `json:"account"`
	Collection string    `json:"collection"`
	Key        string    `json:"key"`
	Payload    []byte    `json:"payload,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	Tombstone  bool      `json:"tombstone,omitempty"`
	Supersedes cid.Cid   `json:"supersedes,omitempty"`
}

// SigningBytes is the payload the author signs.
func (r *Record) SigningBytes() []byte {
	return codec.NewEncoder(recordTag).
		String(string(r.Account)).
		String(r.Collection).
		String(r.Key).
		Bytes(r.Payload).
		Int64(r.CreatedAt.UnixNano()).
		Bool(r.Tombstone).
		CID(r.Supersedes).
		Finish()
}

// SignedRecord is the block stored for a record; its CID is the record's
// address.
type SignedRecord struct {
	Record
	Signature crypto.Signature `json:"signature"`
}

func (s *SignedRecord) Encode() []byte {
	return codec.NewEncoder(signedRecordTag).
		Bytes(s.SigningBytes()).
		Bytes(s.Signature).
		Finish()
}

func DecodeRecord(b []byte) (*SignedRecord, error) {
	d := codec.NewDecoder(b, signedRecordTag)
	body := d.Bytes()
	sig := d.Bytes()
	if err := d.Done(); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}

	rd := codec.NewDecoder(body, recordTag)
	s := &SignedRecord{Signature: sig}
	s.Account = types.DID(rd.String())
	s.Collection = rd.String()
	s.Key = rd.String()
	s.Payload = rd.Bytes()
	s.CreatedAt = time.Unix(0, rd.Int64()).UTC()
	s.Tombstone = rd.Bool()
	s.Supersedes = rd.CID()
	if err := rd.Done(); err != nil {
		return nil, fmt.Errorf("failed to decode record body: %w", err)
	}
	if len(s.Payload) == 0 {
		s.Payload = nil
	}
	return s, nil
}

// NewTombstone returns the record that deletes prior.
func NewTombstone(prior *Record, prevID cid.Cid, at time.Time) Record {
	return Record{
		Account:    prior.Account,
		Collection: prior.Collection,
		Key:        prior.Key,
		CreatedAt:  at,
		Tombstone:  true,
		Supersedes: prevID,
	}
}
