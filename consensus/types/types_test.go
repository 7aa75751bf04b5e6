package types_test

import (
	"testing"

	"github.com/gridprime/gridprime/consensus/types"
	"github.com/gridprime/gridprime/testing/assert"
)

func TestPoSeqCompare(t *testing.T) {
	tests := []struct {
		a, b types.PoSeq
		want int
	}{
		{types.PoSeq{}, types.PoSeq{}, 0},
		{types.PoSeq{Incarnation: 1, SeqNum: 1}, types.PoSeq{Incarnation: 1, SeqNum: 2}, -1},
		{types.PoSeq{Incarnation: 2, SeqNum: 1}, types.PoSeq{Incarnation: 1, SeqNum: 99}, 1},
		{types.PoSeq{Incarnation: 1, SeqNum: 5}, types.PoSeq{Incarnation: 1, SeqNum: 5}, 0},
		{types.PoSeq{}, types.PoSeq{Incarnation: 100, SeqNum: 1}, -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.a.Compare(tt.b))
	}
}

func TestMaxPoSeq(t *testing.T) {
	a := types.PoSeq{Incarnation: 1, SeqNum: 7}
	b := types.PoSeq{Incarnation: 2, SeqNum: 1}
	assert.Equal(t, b, types.MaxPoSeq(a, b))
	assert.Equal(t, b, types.MaxPoSeq(b, a))
}

func TestOrdinalConsecutive(t *testing.T) {
	tests := []struct {
		name string
		a, b types.Ordinal
		want bool
	}{
		{
			name: "next event in slot",
			a:    types.Ordinal{OrdNum: 5, EventIdx: 1, EventTot: 3},
			b:    types.Ordinal{OrdNum: 5, EventIdx: 2, EventTot: 3},
			want: true,
		},
		{
			name: "first event of next slot",
			a:    types.Ordinal{OrdNum: 5, EventIdx: 3, EventTot: 3},
			b:    types.Ordinal{OrdNum: 6, EventIdx: 1, EventTot: 1},
			want: true,
		},
		{
			name: "slot not finished",
			a:    types.Ordinal{OrdNum: 5, EventIdx: 2, EventTot: 3},
			b:    types.Ordinal{OrdNum: 6, EventIdx: 1, EventTot: 1},
			want: false,
		},
		{
			name: "gap in slots",
			a:    types.Ordinal{OrdNum: 5, EventIdx: 3, EventTot: 3},
			b:    types.Ordinal{OrdNum: 7, EventIdx: 1, EventTot: 1},
			want: false,
		},
		{
			name: "synthetic no-op ordinal",
			a:    types.Ordinal{OrdNum: 8, EventIdx: 1, EventTot: 1},
			b:    types.Ordinal{OrdNum: 9, EventIdx: 1, EventTot: 1},
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, types.Consecutive(tt.a, tt.b))
		})
	}
}

func TestLeaderOfView(t *testing.T) {
	assert.Equal(t, types.ReplicaID(1), types.LeaderOfView(1, 4))
	assert.Equal(t, types.ReplicaID(2), types.LeaderOfView(2, 4))
	assert.Equal(t, types.ReplicaID(4), types.LeaderOfView(4, 4))
	assert.Equal(t, types.ReplicaID(1), types.LeaderOfView(5, 4))
	assert.Equal(t, types.ReplicaID(1), types.LeaderOfView(1, 1))
	assert.Equal(t, types.ReplicaID(1), types.LeaderOfView(17, 1))
}

func TestPoSeqVectorCovers(t *testing.T) {
	v := types.NewPoSeqVector(3)
	w := types.NewPoSeqVector(3)
	assert.True(t, v.Covers(w))
	w.Set(2, types.PoSeq{Incarnation: 1, SeqNum: 1})
	assert.False(t, v.Covers(w))
	v.Set(2, types.PoSeq{Incarnation: 1, SeqNum: 2})
	assert.True(t, v.Covers(w))
	assert.False(t, v.Equal(w))
}

func TestVectorCloneIsDeep(t *testing.T) {
	v := types.NewPoSeqVector(2)
	v.Set(1, types.PoSeq{Incarnation: 3, SeqNum: 4})
	c := v.Clone()
	c.Set(1, types.PoSeq{})
	assert.Equal(t, types.PoSeq{Incarnation: 3, SeqNum: 4}, v.Get(1))
}
