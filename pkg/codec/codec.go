// Package codec implements the canonical binary encoding used for every
// signed or hashed payload. Integers are 8-byte little endian, byte strings
// are length prefixed. Readers never panic on short input.
package codec

import (
	"errors"

	"github.com/ipfs/go-cid"
	"github.com/tchajed/marshal"
)

var ErrShortBuffer = errors.New("codec: short buffer")

// Encoder accumulates a canonical encoding.
type Encoder struct {
	b []byte
}

// NewEncoder starts an encoding with a domain-separation tag.
func NewEncoder(tag string) *Encoder {
	e := &Encoder{b: make([]byte, 0, 256)}
	e.String(tag)
	return e
}

func (e *Encoder) Uint64(v uint64) *Encoder {
	e.b = marshal.WriteInt(e.b, v)
	return e
}

func (e *Encoder) Int64(v int64) *Encoder {
	return e.Uint64(uint64(v))
}

// Bool writes one byte, 0 or 1.
func (e *Encoder) Bool(v bool) *Encoder {
	var b byte
	if v {
		b = 1
	}
	e.b = marshal.WriteBytes(e.b, []byte{b})
	return e
}

func (e *Encoder) Bytes(v []byte) *Encoder {
	e.b = marshal.WriteInt(e.b, uint64(len(v)))
	e.b = marshal.WriteBytes(e.b, v)
	return e
}

func (e *Encoder) String(v string) *Encoder {
	return e.Bytes([]byte(v))
}

// CID writes the binary form of id; an undefined CID encodes as empty bytes.
func (e *Encoder) CID(id cid.Cid) *Encoder {
	if !id.Defined() {
		return e.Bytes(nil)
	}
	return e.Bytes(id.Bytes())
}

func (e *Encoder) CIDs(ids []cid.Cid) *Encoder {
	e.Uint64(uint64(len(ids)))
	for _, id := range ids {
		e.CID(id)
	}
	return e
}

func (e *Encoder) Finish() []byte { return e.b }

// Decoder reads a canonical encoding. The first error sticks.
type Decoder struct {
	b   []byte
	err error
}

// NewDecoder reads and checks the domain-separation tag.
func NewDecoder(b []byte, tag string) *Decoder {
	d := &Decoder{b: b}
	if got := d.String(); d.err == nil && got != tag {
		d.err = errors.New("codec: unexpected tag " + got)
	}
	return d
}

func (d *Decoder) Uint64() uint64 {
	if d.err != nil {
		return 0
	}
	if len(d.b) < 8 {
		d.err = ErrShortBuffer
		return 0
	}
	var v uint64
	v, d.b = marshal.ReadInt(d.b)
	return v
}

func (d *Decoder) Int64() int64 { return int64(d.Uint64()) }

func (d *Decoder) Bool() bool {
	if d.err != nil {
		return false
	}
	if len(d.b) < 1 {
		d.err = ErrShortBuffer
		return false
	}
	var v []byte
	v, d.b = marshal.ReadBytes(d.b, 1)
	switch v[0] {
	case 0:
		return false
	case 1:
		return true
	}
	d.err = errors.New("codec: invalid bool")
	return false
}

func (d *Decoder) Bytes() []byte {
	n := d.Uint64()
	if d.err != nil {
		return nil
	}
	if uint64(len(d.b)) < n {
		d.err = ErrShortBuffer
		return nil
	}
	var v []byte
	v, d.b = marshal.ReadBytes(d.b, n)
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

func (d *Decoder) String() string { return string(d.Bytes()) }

func (d *Decoder) CID() cid.Cid {
	raw := d.Bytes()
	if d.err != nil || len(raw) == 0 {
		return cid.Undef
	}
	id, err := cid.Cast(raw)
	if err != nil {
		d.err = err
		return cid.Undef
	}
	return id
}

func (d *Decoder) CIDs() []cid.Cid {
	n := d.Uint64()
	if d.err != nil {
		return nil
	}
	if n > uint64(len(d.b)) {
		d.err = ErrShortBuffer
		return nil
	}
	ids := make([]cid.Cid, 0, n)
	for i := uint64(0); i < n && d.err == nil; i++ {
		ids = append(ids, d.CID())
	}
	return ids
}

// Remaining returns the unread suffix.
func (d *Decoder) Remaining() []byte { return d.b }

// Err returns the first decoding error.
func (d *Decoder) Err() error { return d.err }

// Done returns an error if decoding failed or bytes remain.
func (d *Decoder) Done() error {
	if d.err != nil {
		return d.err
	}
	if len(d.b) != 0 {
		return errors.New("codec: trailing bytes")
	}
	return nil
}
