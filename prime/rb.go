package prime

import (
	"github.com/gridprime/gridprime/consensus/types"
	"github.com/gridprime/gridprime/wire"
)

// rbBroadcast reliably broadcasts an inner envelope using the three
// phase echo/ready protocol. Used only by the replay view change.
func (r *Replica) rbBroadcast(inner *wire.Envelope) {
	r.rb.seq++
	msg := &wire.RBMsg{
		Tag:     wire.RBTag{Sender: r.id, Seq: r.rb.seq, View: r.preinstalledView},
		Payload: inner.Encode(),
	}
	r.broadcast(wire.TypeRBInit, msg)
}

func (r *Replica) rbDecode(env *wire.Envelope) *wire.RBMsg {
	body := &wire.RBMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return nil
	}
	if body.Tag.View != r.preinstalledView {
		return nil
	}
	return body
}

// processRBInit accepts the payload from its original sender and echoes.
func (r *Replica) processRBInit(env *wire.Envelope) {
	body := r.rbDecode(env)
	if body == nil || body.Tag.Sender != env.MachineID {
		return
	}
	slot := r.getRbSlot(body.Tag)
	if slot.phase >= rbSentEcho {
		return
	}
	slot.payload = body.Payload
	slot.phase = rbSentEcho
	r.broadcast(wire.TypeRBEcho, body)
}

// processRBEcho counts echoes; the quorum advances to ready.
func (r *Replica) processRBEcho(env *wire.Envelope) {
	body := r.rbDecode(env)
	if body == nil {
		return
	}
	slot := r.getRbSlot(body.Tag)
	if _, dup := slot.echoes[env.MachineID]; dup {
		return
	}
	d := wire.Digest(body.Payload)
	slot.echoes[env.MachineID] = d
	if slot.payload == nil {
		slot.payload = body.Payload
	}
	if slot.phase >= rbSentReady {
		return
	}
	if r.rbCountMatching(slot.echoes, wire.Digest(slot.payload)) >= r.cfg.QuorumSize() {
		slot.phase = rbSentReady
		r.broadcast(wire.TypeRBReady, &wire.RBMsg{Tag: body.Tag, Payload: slot.payload})
	}
}

// processRBReady counts readies; f+1 amplifies, 2f+k+1 delivers.
func (r *Replica) processRBReady(env *wire.Envelope) {
	body := r.rbDecode(env)
	if body == nil {
		return
	}
	slot := r.getRbSlot(body.Tag)
	if _, dup := slot.readies[env.MachineID]; dup {
		return
	}
	slot.readies[env.MachineID] = wire.Digest(body.Payload)
	if slot.payload == nil {
		slot.payload = body.Payload
	}
	d := wire.Digest(slot.payload)
	matching := r.rbCountMatching(slot.readies, d)
	if slot.phase < rbSentReady && matching >= r.cfg.ThresholdShares() {
		slot.phase = rbSentReady
		r.broadcast(wire.TypeRBReady, &wire.RBMsg{Tag: body.Tag, Payload: slot.payload})
		// Re-read the count including our own ready.
		matching = r.rbCountMatching(slot.readies, d)
	}
	if slot.phase < rbDelivered && matching >= r.cfg.QuorumSize() {
		slot.phase = rbDelivered
		r.rbDeliver(slot)
	}
}

func (r *Replica) rbCountMatching(m map[types.ReplicaID][32]byte, d [32]byte) uint32 {
	n := uint32(0)
	for _, v := range m {
		if v == d {
			n++
		}
	}
	return n
}

// rbDeliver authenticates and dispatches the inner envelope. Only view
// change payloads ride the reliable broadcast.
func (r *Replica) rbDeliver(slot *rbSlot) {
	inner, err := wire.Decode(slot.payload)
	if err != nil {
		return
	}
	if inner.Type != wire.TypeReport && inner.Type != wire.TypePCSet {
		return
	}
	if err := r.signer.Verify(inner); err != nil {
		return
	}
	r.Process(inner)
}

// rbReset clears every slot; called at the start of each new view.
func (r *Replica) rbReset() {
	r.rb = newRbState()
}
