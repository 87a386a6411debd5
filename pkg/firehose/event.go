// Package firehose is the ordered event log a node publishes to its
// federation subscribers.
package firehose

import (
	"encoding/json"
	"fmt"
	"time"

	"taracol/pkg/identity"
	"taracol/pkg/repo"
	"taracol/pkg/types"
)

type Kind string

const (
	KindCommit    Kind = "commit"
	KindMigration Kind = "migration"
	KindKeepalive Kind = "keepalive"
)

// Event is one entry of the firehose. Keepalives are never stored; their
// Seq is the last cursor delivered on that subscription.
type Event struct {
	Seq    types.Cursor             `json:"seq"`
	Kind   Kind                     `json:"kind"`
	DID    types.DID                `json:"did,omitempty"`
	Commit *repo.Bundle             `json:"commit,omitempty"`
	Proof  *identity.MigrationProof `json:"proof,omitempty"`
	Time   time.Time                `json:"time"`
}

func CommitEvent(b *repo.Bundle) Event {
	return Event{Kind: KindCommit, DID: b.Commit.Account, Commit: b}
}

func MigrationEvent(p *identity.MigrationProof) Event {
	return Event{Kind: KindMigration, DID: p.Identifier, Proof: p}
}

// Encode is the wire form carried inside transport frames.
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func Decode(b []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	switch e.Kind {
	case KindCommit:
		if e.Commit == nil || e.Commit.Commit == nil {
			return nil, fmt.Errorf("commit event %d has no commit", e.Seq)
		}
	case KindMigration:
		if e.Proof == nil {
			return nil, fmt.Errorf("migration event %d has no proof", e.Seq)
		}
	case KindKeepalive:
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return &e, nil
}
