// Package scada defines the application contract the reliable channel
// drives, plus a compact in-memory field unit state machine used by the
// channel tests and the benchmark deployment. The full substation
// semantics live outside this repository.
package scada

import (
	"github.com/gridprime/gridprime/consensus/types"
)

// ResultKind classifies what the application did with a delivered event.
type ResultKind uint8

const (
	// KindReply produced a client-visible reply.
	KindReply ResultKind = iota + 1
	// KindNoOp consumed the ordinal without output.
	KindNoOp
	// KindStateTransfer was internal state movement.
	KindStateTransfer
	// KindDuplicate was an already applied client update.
	KindDuplicate
)

// Application is the replicated state machine behind the channel.
// Implementations are deterministic: identical event sequences yield
// identical snapshots and replies on every replica.
type Application interface {
	// Apply advances the state machine by one ordered event and returns
	// the reply payload when one is due.
	Apply(ord types.Ordinal, update []byte) ([]byte, ResultKind)
	// Snapshot serializes the full state for checkpointing.
	Snapshot() ([]byte, error)
	// Restore replaces the state from a checkpoint snapshot.
	Restore(snapshot []byte) error
}
