package scada

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/gridprime/gridprime/consensus/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Default field unit dimensioning.
const (
	numPoints   = 8
	numBreakers = 14
)

// command is the line format of a field unit update payload.
type command struct {
	Client types.ClientID `json:"client"`
	Seq    types.PoSeq    `json:"seq"`
	Op     string         `json:"op"`
	Target uint32         `json:"target"`
	Value  int32          `json:"value"`
}

// fieldUnitState is the serializable snapshot.
type fieldUnitState struct {
	Points       []int32                `json:"points"`
	Breakers     []bool                 `json:"breakers"`
	LatestUpdate map[uint32]types.PoSeq `json:"latest_update"`
	AppliedOrd   types.Ordinal          `json:"applied_ord"`
}

// FieldUnit is a deterministic switch/breaker state machine with
// one-per-client duplicate suppression.
type FieldUnit struct {
	state fieldUnitState
}

// NewFieldUnit returns a zeroed unit.
func NewFieldUnit() *FieldUnit {
	return &FieldUnit{state: fieldUnitState{
		Points:       make([]int32, numPoints),
		Breakers:     make([]bool, numBreakers),
		LatestUpdate: make(map[uint32]types.PoSeq),
	}}
}

// Apply implements Application.
func (f *FieldUnit) Apply(ord types.Ordinal, update []byte) ([]byte, ResultKind) {
	f.state.AppliedOrd = ord
	if len(update) == 0 {
		return nil, KindNoOp
	}
	cmd := &command{}
	if err := json.Unmarshal(update, cmd); err != nil {
		return nil, KindNoOp
	}
	if cmd.Seq.Compare(f.state.LatestUpdate[uint32(cmd.Client)]) <= 0 {
		return nil, KindDuplicate
	}
	f.state.LatestUpdate[uint32(cmd.Client)] = cmd.Seq
	switch cmd.Op {
	case "read":
		// Reads mutate nothing; the reply carries the full point image.
	case "set_point":
		if int(cmd.Target) < len(f.state.Points) {
			f.state.Points[cmd.Target] = cmd.Value
		}
	case "trip_breaker":
		if int(cmd.Target) < len(f.state.Breakers) {
			f.state.Breakers[cmd.Target] = true
		}
	case "close_breaker":
		if int(cmd.Target) < len(f.state.Breakers) {
			f.state.Breakers[cmd.Target] = false
		}
	default:
		return nil, KindNoOp
	}
	reply, err := json.Marshal(struct {
		Client   types.ClientID `json:"client"`
		Seq      types.PoSeq    `json:"seq"`
		Ord      types.Ordinal  `json:"ord"`
		Points   []int32        `json:"points"`
		Breakers []bool         `json:"breakers"`
	}{cmd.Client, cmd.Seq, ord, f.state.Points, f.state.Breakers})
	if err != nil {
		return nil, KindNoOp
	}
	return reply, KindReply
}

// Snapshot implements Application.
func (f *FieldUnit) Snapshot() ([]byte, error) {
	raw, err := json.Marshal(&f.state)
	return raw, errors.Wrap(err, "could not snapshot field unit")
}

// Restore implements Application.
func (f *FieldUnit) Restore(snapshot []byte) error {
	st := fieldUnitState{}
	if err := json.Unmarshal(snapshot, &st); err != nil {
		return errors.Wrap(err, "could not restore field unit")
	}
	if st.LatestUpdate == nil {
		st.LatestUpdate = make(map[uint32]types.PoSeq)
	}
	f.state = st
	return nil
}

// LatestUpdates exposes the per-client frontier for checkpoint headers.
func (f *FieldUnit) LatestUpdates() map[uint32]types.PoSeq {
	out := make(map[uint32]types.PoSeq, len(f.state.LatestUpdate))
	for k, v := range f.state.LatestUpdate {
		out[k] = v
	}
	return out
}

// NewCommand encodes a field unit command payload.
func NewCommand(client types.ClientID, seq types.PoSeq, op string, target uint32, value int32) []byte {
	raw, err := json.Marshal(&command{Client: client, Seq: seq, Op: op, Target: target, Value: value})
	if err != nil {
		return nil
	}
	return raw
}
