package types

import (
	"fmt"
	"strings"
)

// DIDPrefix is the method prefix of every account identifier.
const DIDPrefix = "did:tara:"

// didSuffixLen is the length of the base32 suffix derived from the genesis hash.
const didSuffixLen = 24

type DID string
type Cursor uint64
type Revision uint64
type KeyRef string
type PeerID string

func (d DID) String() string { return string(d) }

// ParseDID validates the textual form of an account identifier.
func ParseDID(s string) (DID, error) {
	if !strings.HasPrefix(s, DIDPrefix) {
		return "", fmt.Errorf("invalid did %q: missing %s prefix", s, DIDPrefix)
	}
	suffix := s[len(DIDPrefix):]
	if len(suffix) != didSuffixLen {
		return "", fmt.Errorf("invalid did %q: expected %d character suffix", s, didSuffixLen)
	}
	for _, c := range suffix {
		if (c >= 'a' && c <= 'z') || (c >= '2' && c <= '7') {
			continue
		}
		return "", fmt.Errorf("invalid did %q: bad character %q", s, c)
	}
	return DID(s), nil
}

// DIDFromSuffix builds a DID from an already-encoded base32 suffix,
// truncating it to the canonical length.
func DIDFromSuffix(suffix string) DID {
	suffix = strings.ToLower(suffix)
	if len(suffix) > didSuffixLen {
		suffix = suffix[:didSuffixLen]
	}
	return DID(DIDPrefix + suffix)
}

// Role is the part a node plays in the federation.
type Role string

const (
	RolePDS   Role = "pds"
	RoleRelay Role = "relay"
)

// PeerState is the lifecycle state of a federation session.
type PeerState int

const (
	PeerIdle PeerState = iota
	PeerBackfilling
	PeerStreaming
	PeerError
)

func (s PeerState) String() string {
	switch s {
	case PeerIdle:
		return "idle"
	case PeerBackfilling:
		return "backfilling"
	case PeerStreaming:
		return "streaming"
	case PeerError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON status documents.
func (s PeerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *PeerState) UnmarshalText(b []byte) error {
	for _, st := range []PeerState{PeerIdle, PeerBackfilling, PeerStreaming, PeerError} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown peer state %q", b)
}

// RepoList is a node's repository heads together with the firehose cursor
// read just before them. Every commit at or below a listed head was
// published at or before Cursor.
type RepoList struct {
	Cursor Cursor           `json:"cursor"`
	Heads  map[DID]Revision `json:"heads"`
}
