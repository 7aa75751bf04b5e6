package itrc

import (
	"github.com/niclabs/tcrsa"

	"github.com/gridprime/gridprime/consensus/types"
	"github.com/gridprime/gridprime/crypto/threshold"
)

// tcEntry aggregates threshold shares for one key. An entry is terminal
// once combined or marked skip.
type tcEntry struct {
	payload []byte
	digest  [32]byte
	shares  map[types.ReplicaID]*tcrsa.SigShare
	skip    bool
	done    bool
	final   []byte
}

// TcQueue aggregates threshold signature shares keyed by K. The same
// contract backs the post-ordering reply queue (keyed by ordinal) and
// the pre-ordering injection queue (keyed by client and sequence).
type TcQueue[K comparable] struct {
	key     *threshold.KeyGroup
	entries map[K]*tcEntry
	// limit bounds retained entries; zero keeps a minimum window of one.
	limit int
}

// NewTcQueue builds a queue over a key group.
func NewTcQueue[K comparable](key *threshold.KeyGroup, limit int) *TcQueue[K] {
	if limit <= 0 {
		limit = 1
	}
	return &TcQueue[K]{key: key, entries: make(map[K]*tcEntry), limit: limit}
}

func (q *TcQueue[K]) entry(k K) *tcEntry {
	e, ok := q.entries[k]
	if !ok {
		e = &tcEntry{shares: make(map[types.ReplicaID]*tcrsa.SigShare)}
		q.entries[k] = e
	}
	return e
}

// InsertShare stores one verified share and returns the combined final
// signature the moment the threshold of matching shares is reached.
// Returns nil while pending, on terminal entries, and on replays.
func (q *TcQueue[K]) InsertShare(k K, from types.ReplicaID, doc []byte, payload []byte, share *tcrsa.SigShare) []byte {
	e := q.entry(k)
	if e.done || e.skip {
		return nil
	}
	if _, dup := e.shares[from]; dup {
		return nil
	}
	if err := q.key.VerifyShare(doc, share); err != nil {
		return nil
	}
	if e.payload == nil {
		e.payload = payload
	}
	e.shares[from] = share
	if uint16(len(e.shares)) < q.key.Meta.K {
		return nil
	}
	combine := make([]*tcrsa.SigShare, 0, q.key.Meta.K)
	for _, s := range e.shares {
		combine = append(combine, s)
		if uint16(len(combine)) == q.key.Meta.K {
			break
		}
	}
	sig, err := q.key.Combine(doc, combine)
	if err != nil {
		log.WithError(err).Error("Could not combine threshold shares")
		return nil
	}
	e.done = true
	e.final = sig
	return sig
}

// Payload returns the payload recorded for a key.
func (q *TcQueue[K]) Payload(k K) []byte {
	if e, ok := q.entries[k]; ok {
		return e.payload
	}
	return nil
}

// Final returns the combined signature, or nil.
func (q *TcQueue[K]) Final(k K) []byte {
	if e, ok := q.entries[k]; ok && e.done {
		return e.final
	}
	return nil
}

// MarkSkip makes an entry terminal without a signature: no-ops, state
// transfers and duplicates consume their slot silently.
func (q *TcQueue[K]) MarkSkip(k K) {
	e := q.entry(k)
	e.skip = true
}

// Terminal reports whether the entry finished, either way.
func (q *TcQueue[K]) Terminal(k K) (done, skip bool) {
	e, ok := q.entries[k]
	if !ok {
		return false, false
	}
	return e.done, e.skip
}

// Prune drops entries the keep predicate rejects, bounding the queue to
// the retransmission window.
func (q *TcQueue[K]) Prune(keep func(K) bool) {
	if len(q.entries) <= q.limit {
		return
	}
	for k := range q.entries {
		if !keep(k) {
			delete(q.entries, k)
		}
	}
}

// Len returns the live entry count.
func (q *TcQueue[K]) Len() int { return len(q.entries) }

// OrdinalDoc is the byte document signed for a post-ordering reply.
func OrdinalDoc(ord types.Ordinal, payloadDigest [32]byte) []byte {
	out := make([]byte, 0, 44)
	out = append(out, byte(ord.OrdNum>>24), byte(ord.OrdNum>>16), byte(ord.OrdNum>>8), byte(ord.OrdNum))
	out = append(out, byte(ord.EventIdx>>24), byte(ord.EventIdx>>16), byte(ord.EventIdx>>8), byte(ord.EventIdx))
	out = append(out, byte(ord.EventTot>>24), byte(ord.EventTot>>16), byte(ord.EventTot>>8), byte(ord.EventTot))
	out = append(out, payloadDigest[:]...)
	return out
}

// SubmissionDoc is the byte document signed for a pre-ordering client
// submission.
func SubmissionDoc(client types.ClientID, seq types.PoSeq, payloadDigest [32]byte) []byte {
	out := make([]byte, 0, 44)
	out = append(out, byte(client>>24), byte(client>>16), byte(client>>8), byte(client))
	out = append(out, byte(seq.Incarnation>>24), byte(seq.Incarnation>>16), byte(seq.Incarnation>>8), byte(seq.Incarnation))
	out = append(out, byte(seq.SeqNum>>24), byte(seq.SeqNum>>16), byte(seq.SeqNum>>8), byte(seq.SeqNum))
	out = append(out, payloadDigest[:]...)
	return out
}
