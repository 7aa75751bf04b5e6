package wire

import (
	lru "github.com/hashicorp/golang-lru"
)

// ReplayFilter drops byte-identical replays of recently seen envelopes.
// Replays are harmless to the protocol, but suppressing them up front
// keeps the handlers quiet.
type ReplayFilter struct {
	seen *lru.Cache
}

// NewReplayFilter bounds the filter to size digests.
func NewReplayFilter(size int) (*ReplayFilter, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &ReplayFilter{seen: c}, nil
}

// Seen records the envelope and reports whether an identical one was
// already observed.
func (f *ReplayFilter) Seen(env *Envelope) bool {
	d := env.BodyDigest()
	if _, ok := f.seen.Get(d); ok {
		return true
	}
	f.seen.Add(d, struct{}{})
	return false
}
