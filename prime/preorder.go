package prime

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/gridprime/gridprime/consensus/types"
	"github.com/gridprime/gridprime/wire"
)

// processUpdate ingests a signed client update. Admission is bounded by
// the pre-order flow control window; duplicates and stale sequences are
// dropped without penalty.
func (r *Replica) processUpdate(env *wire.Envelope) {
	if r.pr.status != StatusNormal {
		return
	}
	body := &wire.UpdateMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if err := r.signer.VerifyClient(body.Client, env); err != nil {
		log.WithField("client", body.Client).Debug("Dropping update with bad client signature")
		return
	}
	if body.Seq.Compare(r.po.perClientMax[body.Client]) <= 0 {
		return
	}
	r.po.perClientMax[body.Client] = body.Seq
	r.po.pending = append(r.po.pending, env)
	r.sendPoRequest()
}

// sendPoRequest batches pending updates into the next PO-Request, within
// the flow control window.
func (r *Replica) sendPoRequest() {
	if len(r.po.pending) == 0 || r.pr.status != StatusNormal {
		return
	}
	if r.po.seq.Incarnation == r.po.executed.Incarnation &&
		r.po.seq.SeqNum-r.po.executed.SeqNum >= r.cfg.MaxPoInFlight {
		// Window full: detach intake until execution advances.
		r.po.intakeDetached = true
		return
	}
	events := make([][]byte, len(r.po.pending))
	for i, e := range r.po.pending {
		events[i] = e.Encode()
	}
	r.po.pending = nil
	next := r.po.seq.Next()
	if next.Incarnation != r.inc {
		next = types.PoSeq{Incarnation: r.inc, SeqNum: 1}
	}
	r.po.seq = next
	r.broadcast(wire.TypePoRequest, &wire.PoRequestMsg{Seq: next, Events: events})
}

// processPoRequest stores the request and acknowledges it. A conflicting
// request for an occupied slot is evidence of a faulty origin and is
// ignored.
func (r *Replica) processPoRequest(env *wire.Envelope) {
	if r.pr.status != StatusNormal {
		return
	}
	origin := env.MachineID
	body := &wire.PoRequestMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.Seq.Compare(r.po.cumAru.Get(origin)) <= 0 {
		return
	}
	slot := r.getPoSlot(origin, body.Seq)
	digest := env.BodyDigest()
	if slot.req != nil {
		if slot.digest != digest {
			log.WithFields(logrus.Fields{"origin": origin, "seq": body.Seq}).Warn("Conflicting PO-Request from origin")
		}
		return
	}
	slot.req = env
	slot.body = body
	slot.digest = digest
	if body.Seq.Compare(r.po.maxAcked.Get(origin)) > 0 {
		r.po.maxAcked.Set(origin, body.Seq)
	}
	r.sendPoAck(origin, body.Seq, digest)
	r.drainPendingOrdSlots()
}

// sendPoAck broadcasts an acknowledgement part carrying the current
// preinstalled incarnation snapshot.
func (r *Replica) sendPoAck(origin types.ReplicaID, seq types.PoSeq, digest [32]byte) {
	ack := &wire.PoAckMsg{
		Parts:        []wire.PoAckPart{{Originator: origin, Seq: seq, Digest: digest}},
		Preinstalled: r.pr.preinstalled.Clone(),
	}
	r.po.lastAck = r.broadcast(wire.TypePoAck, ack)
}

// processPoAck records acknowledgement parts; 2f+k+1 matching acks with
// an identical preinstalled snapshot form an implicit PO certificate.
func (r *Replica) processPoAck(env *wire.Envelope) {
	if r.pr.status != StatusNormal {
		return
	}
	body := &wire.PoAckMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	for _, part := range body.Parts {
		slot := r.getPoSlot(part.Originator, part.Seq)
		if _, dup := slot.acks[env.MachineID]; dup {
			continue
		}
		slot.acks[env.MachineID] = poAckRecord{
			digest:       part.Digest,
			preinstalled: body.Preinstalled.Clone(),
			raw:          env.Encode(),
		}
		r.checkPoCert(part.Originator, slot)
	}
}

// checkPoCert freezes the certificate once the quorum of matching acks
// exists, then advances the cumulative ARU for the originator.
func (r *Replica) checkPoCert(origin types.ReplicaID, slot *poSlot) {
	if slot.cert || slot.req == nil {
		return
	}
	counts := make(map[[32]byte]uint32)
	for _, rec := range slot.acks {
		if rec.digest != slot.digest {
			continue
		}
		counts[incVectorKey(rec.preinstalled)]++
	}
	for _, c := range counts {
		if c >= r.cfg.QuorumSize() {
			slot.cert = true
			r.advanceCumAru(origin)
			return
		}
	}
}

func incVectorKey(v types.IncarnationVector) [32]byte {
	raw, err := wire.Marshal(v)
	if err != nil {
		return [32]byte{}
	}
	return wire.Digest(raw)
}

// advanceCumAru walks certified slots contiguously forward.
func (r *Replica) advanceCumAru(origin types.ReplicaID) {
	cur := r.po.cumAru.Get(origin)
	for {
		advanced := false
		for _, cand := range r.certifiedSuccessors(origin, cur) {
			cur = cand
			advanced = true
			break
		}
		if !advanced {
			break
		}
	}
	if cur.Compare(r.po.cumAru.Get(origin)) > 0 {
		r.po.cumAru.Set(origin, cur)
		r.po.proofUpdated = true
	}
}

// certifiedSuccessors lists certified slots that directly extend cur,
// including the first slot of a fresh incarnation.
func (r *Replica) certifiedSuccessors(origin types.ReplicaID, cur types.PoSeq) []types.PoSeq {
	var out []types.PoSeq
	next := cur.Next()
	if s := r.poSlotIfExists(origin, next); s != nil && s.cert {
		out = append(out, next)
		return out
	}
	// A fresh incarnation restarts the stream at seq 1.
	inc := r.pr.preinstalled.Get(uint32(origin))
	if inc > cur.Incarnation {
		cand := types.PoSeq{Incarnation: inc, SeqNum: 1}
		if s := r.poSlotIfExists(origin, cand); s != nil && s.cert {
			out = append(out, cand)
		}
	}
	return out
}

// periodicPoAru broadcasts the cumulative acknowledgement vector. Each
// signed PO-ARU is one proof matrix row.
func (r *Replica) periodicPoAru() {
	if r.pr.status != StatusNormal {
		return
	}
	r.broadcast(wire.TypePoAru, &wire.PoAruMsg{CumAru: r.po.cumAru.Clone()})
}

// processPoAru keeps the freshest signed PO-ARU from each replica.
func (r *Replica) processPoAru(env *wire.Envelope) {
	body := &wire.PoAruMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if uint32(len(body.CumAru)) != r.n {
		return
	}
	r.adoptPoAruRow(env, body)
}

func (r *Replica) adoptPoAruRow(env *wire.Envelope, body *wire.PoAruMsg) {
	idx := int(env.MachineID) - 1
	if idx < 0 || idx >= len(r.po.lastPoAru) {
		return
	}
	old := r.po.lastPoAruBody[idx]
	if old != nil && !body.CumAru.Covers(old.CumAru) {
		return
	}
	if old != nil && body.CumAru.Equal(old.CumAru) {
		return
	}
	r.po.lastPoAru[idx] = env
	r.po.lastPoAruBody[idx] = body
	r.po.proofUpdated = true
}

// periodicProofMatrix ships the locally assembled matrix to the leader,
// starting the turnaround stopwatch used by leader suspicion.
func (r *Replica) periodicProofMatrix() {
	if r.pr.status != StatusNormal || r.iAmLeader() {
		return
	}
	rows := make([][]byte, r.n)
	any := false
	for i, env := range r.po.lastPoAru {
		if env != nil {
			rows[i] = env.Encode()
			any = true
		}
	}
	if !any {
		return
	}
	r.sendTo(r.leader(), wire.TypeProofMatrix, &wire.ProofMatrixMsg{Rows: rows})
	r.tatStopwatchStart()
}

// processProofMatrix merges matrix rows into the leader's own freshest
// set. Rows are independently signed PO-ARUs and verified before use.
func (r *Replica) processProofMatrix(env *wire.Envelope) {
	if r.pr.status != StatusNormal {
		return
	}
	body := &wire.ProofMatrixMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	for _, raw := range body.Rows {
		if len(raw) == 0 {
			continue
		}
		rowEnv, err := wire.Decode(raw)
		if err != nil || rowEnv.Type != wire.TypePoAru {
			continue
		}
		if err := r.signer.Verify(rowEnv); err != nil {
			continue
		}
		rowBody := &wire.PoAruMsg{}
		if err := wire.Unmarshal(rowEnv.Body, rowBody); err != nil {
			continue
		}
		if uint32(len(rowBody.CumAru)) != r.n {
			continue
		}
		r.adoptPoAruRow(rowEnv, rowBody)
	}
}

// periodicPoRetrans rebroadcasts this replica's uncertified PO-Requests
// and its latest acknowledgement batch.
func (r *Replica) periodicPoRetrans() {
	if r.pr.status != StatusNormal {
		return
	}
	for seq := r.po.executed.Next(); seq.Compare(r.po.seq) <= 0; seq = seq.Next() {
		slot := r.poSlotIfExists(r.id, seq)
		if slot == nil {
			break
		}
		if !slot.cert {
			r.resend(slot.req)
		}
	}
	r.resend(r.po.lastAck)
}

// proofAru is the (f+1)-th largest acknowledgement of origin j across
// the matrix rows: the highest PoSeq at least f+1 replicas vouch for.
func (r *Replica) proofAru(j types.ReplicaID, rows []*wire.PoAruMsg) types.PoSeq {
	vals := make([]types.PoSeq, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		vals = append(vals, row.CumAru.Get(j))
	}
	need := int(r.cfg.ThresholdShares())
	if len(vals) < need {
		return types.PoSeq{}
	}
	sort.Slice(vals, func(a, b int) bool { return vals[a].Compare(vals[b]) > 0 })
	return vals[need-1]
}

// advancePoExecuted moves the local flow-control window after this
// replica's own requests execute, re-attaching intake when room opens.
func (r *Replica) advancePoExecuted(seq types.PoSeq) {
	if seq.Compare(r.po.executed) <= 0 {
		return
	}
	r.po.executed = seq
	if r.po.intakeDetached {
		r.po.intakeDetached = false
		r.sendPoRequest()
	}
}
