package prime

import (
	"github.com/sirupsen/logrus"

	"github.com/gridprime/gridprime/consensus/types"
	"github.com/gridprime/gridprime/wire"
)

// ordRowsPerPart bounds how many matrix rows ride in one Pre-Prepare
// fragment.
const ordRowsPerPart = 8

// periodicPrePrepare lets the leader propose the next ordering slot
// whenever its proof matrix changed since the last proposal.
func (r *Replica) periodicPrePrepare() {
	if r.pr.status != StatusNormal || !r.iAmLeader() || !r.po.proofUpdated {
		return
	}
	if r.ord.seq > 0 {
		prev := r.ordSlotIfExists(r.ord.seq)
		if prev == nil || !prev.collected {
			return
		}
	}
	rows := make([][]byte, r.n)
	bodies := make([]*wire.PoAruMsg, r.n)
	for i, env := range r.po.lastPoAru {
		if env != nil {
			rows[i] = env.Encode()
			bodies[i] = r.po.lastPoAruBody[i]
		}
	}
	lastExecuted := r.lastAssignedEligible()
	matrixDigest := matrixDigestOf(rows)
	if matrixDigest == r.ord.lastProposalDigest {
		return
	}
	r.ord.lastProposalDigest = matrixDigest
	r.po.proofUpdated = false
	seq := r.ord.seq + 1
	r.ord.seq = seq

	partTot := (len(rows) + ordRowsPerPart - 1) / ordRowsPerPart
	if partTot < 1 {
		partTot = 1
	}
	if uint32(partTot) > r.cfg.MaxParts {
		partTot = int(r.cfg.MaxParts)
	}
	perPart := (len(rows) + partTot - 1) / partTot
	for p := 0; p < partTot; p++ {
		lo := p * perPart
		hi := lo + perPart
		if hi > len(rows) {
			hi = len(rows)
		}
		frag := make([][]byte, len(rows))
		copy(frag[lo:hi], rows[lo:hi])
		r.broadcast(wire.TypePrePrepare, &wire.PrePrepareMsg{
			Seq:            seq,
			View:           r.view,
			PartIdx:        uint32(p + 1),
			PartTot:        uint32(partTot),
			LastExecuted:   lastExecuted,
			ProposalDigest: r.pr.proposalDigest,
			Rows:           frag,
		})
	}
}

// lastAssignedEligible is the made-eligible vector of the leader's last
// assigned slot, or all-zero at the start of a view.
func (r *Replica) lastAssignedEligible() types.PoSeqVector {
	if r.ord.seq == 0 {
		return types.NewPoSeqVector(r.n)
	}
	prev := r.ordSlotIfExists(r.ord.seq)
	if prev == nil || prev.madeEligible == nil {
		return types.NewPoSeqVector(r.n)
	}
	return prev.madeEligible.Clone()
}

func matrixDigestOf(rows [][]byte) [32]byte {
	raw, err := wire.Marshal(rows)
	if err != nil {
		return [32]byte{}
	}
	return wire.Digest(raw)
}

// processPrePrepare collects proposal fragments. Once every part is
// present the slot is assembled, validated and answered with a Prepare.
func (r *Replica) processPrePrepare(env *wire.Envelope) {
	if r.pr.status != StatusNormal {
		return
	}
	body := &wire.PrePrepareMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.View != r.view || env.MachineID != types.LeaderOfView(body.View, r.n) {
		return
	}
	if body.Seq <= r.ord.stableCatchup {
		return
	}
	if body.PartTot == 0 || body.PartTot > r.cfg.MaxParts || body.PartIdx == 0 || body.PartIdx > body.PartTot {
		return
	}
	if body.ProposalDigest != r.pr.proposalDigest {
		return
	}
	slot := r.getOrdSlot(body.Seq)
	if slot.collected {
		// A second, different proposal for an assembled slot is proof of
		// a faulty leader.
		if r.partsDiffer(slot, body) {
			log.WithFields(logrus.Fields{"seq": body.Seq, "view": body.View}).Warn("Conflicting Pre-Prepare from leader")
			r.suspectLeader()
		}
		return
	}
	if slot.parts == nil {
		slot.view = body.View
		slot.typ = slotCommit
		slot.partTot = body.PartTot
		slot.parts = make([]*wire.Envelope, body.PartTot)
		slot.partBodies = make([]*wire.PrePrepareMsg, body.PartTot)
	}
	if slot.partTot != body.PartTot {
		return
	}
	idx := body.PartIdx - 1
	if slot.parts[idx] != nil {
		if slot.partBodies[idx] != nil && partDigest(slot.partBodies[idx]) != partDigest(body) {
			log.WithFields(logrus.Fields{"seq": body.Seq, "view": body.View}).Warn("Conflicting Pre-Prepare fragment from leader")
			r.suspectLeader()
		}
		return
	}
	slot.parts[idx] = env
	slot.partBodies[idx] = body
	for _, p := range slot.parts {
		if p == nil {
			return
		}
	}
	r.assembleSlot(slot)
}

func partDigest(b *wire.PrePrepareMsg) [32]byte {
	raw, err := wire.Marshal(b)
	if err != nil {
		return [32]byte{}
	}
	return wire.Digest(raw)
}

func (r *Replica) partsDiffer(slot *ordSlot, body *wire.PrePrepareMsg) bool {
	idx := body.PartIdx - 1
	if int(idx) >= len(slot.partBodies) || slot.partBodies[idx] == nil {
		return false
	}
	return partDigest(slot.partBodies[idx]) != partDigest(body)
}

// assembleSlot merges fragments into the slot's matrix, computes the
// made-eligible vector, and emits the Prepare when the slot is next in
// line.
func (r *Replica) assembleSlot(slot *ordSlot) {
	rows := make([]*wire.PoAruMsg, r.n)
	envs := make([][]byte, r.n)
	for _, part := range slot.partBodies {
		for i, raw := range part.Rows {
			if len(raw) == 0 || i >= int(r.n) {
				continue
			}
			rowEnv, err := wire.Decode(raw)
			if err != nil || rowEnv.Type != wire.TypePoAru {
				continue
			}
			if err := r.signer.Verify(rowEnv); err != nil {
				continue
			}
			if rowEnv.MachineID != types.ReplicaID(i+1) {
				continue
			}
			rowBody := &wire.PoAruMsg{}
			if err := wire.Unmarshal(rowEnv.Body, rowBody); err != nil {
				continue
			}
			if uint32(len(rowBody.CumAru)) != r.n {
				continue
			}
			rows[i] = rowBody
			envs[i] = raw
		}
	}
	slot.collected = true
	slot.matrixRows = rows
	slot.matrixEnvs = envs
	slot.lastExecuted = slot.partBodies[0].LastExecuted.Clone()
	slot.ppDigest = r.slotDigest(slot)
	r.tatStopwatchStop()
	r.tryPrepareContiguous()
	// Prepares that raced ahead of assembly are validated now.
	r.checkPrepareCert(slot)
	r.checkCommitCert(slot)
}

// slotDigest binds (seq, view, last_executed, matrix rows).
func (r *Replica) slotDigest(slot *ordSlot) [32]byte {
	raw, err := wire.Marshal(struct {
		Seq          uint32            `json:"seq"`
		View         types.View        `json:"view"`
		LastExecuted types.PoSeqVector `json:"last_executed"`
		Rows         [][]byte          `json:"rows"`
	}{slot.seq, slot.view, slot.lastExecuted, slot.matrixEnvs})
	if err != nil {
		return [32]byte{}
	}
	return wire.Digest(raw)
}

// tryPrepareContiguous sends Prepares in slot order: a Prepare for seq
// goes out only when every lower slot already got one.
func (r *Replica) tryPrepareContiguous() {
	for {
		seq := r.ord.ppAru + 1
		slot := r.ordSlotIfExists(seq)
		if slot == nil || !slot.collected || slot.sentPrepare {
			return
		}
		if !r.validateAssembledSlot(slot) {
			return
		}
		slot.madeEligible = r.computeEligible(slot)
		slot.preinstalled = r.pr.preinstalled.Clone()
		slot.sentPrepare = true
		r.ord.ppAru = seq
		if seq > r.ord.highPrepared {
			r.ord.highPrepared = seq
		}
		if !r.iAmLeader() {
			r.broadcast(wire.TypePrepare, &wire.PrepareMsg{
				Seq:          seq,
				View:         slot.view,
				Digest:       slot.ppDigest,
				Preinstalled: slot.preinstalled.Clone(),
			})
		}
		// Endorsements that raced ahead of our own may already complete
		// the certificate.
		r.checkPrepareCert(slot)
	}
}

// validateAssembledSlot applies the two acceptance rules: every matrix
// row must come from an installed incarnation, and the proposal's
// last-executed must extend the previous slot without regression.
func (r *Replica) validateAssembledSlot(slot *ordSlot) bool {
	for i, row := range slot.matrixRows {
		if row == nil {
			continue
		}
		rowEnv, err := wire.Decode(slot.matrixEnvs[i])
		if err != nil {
			return false
		}
		if rowEnv.Incarnation > r.pr.installed[i] {
			// Defer until the incarnation certificate installs.
			return false
		}
	}
	var prevEligible types.PoSeqVector
	if slot.seq == 1 {
		prevEligible = types.NewPoSeqVector(r.n)
	} else if prev := r.ordSlotIfExists(slot.seq - 1); prev != nil && prev.madeEligible != nil {
		prevEligible = prev.madeEligible
	} else if slot.seq-1 <= r.ord.aru {
		// The predecessor was executed and reclaimed (or adopted via a
		// jump); its eligible vector is no longer checkable.
		return true
	} else {
		return false
	}
	if !slot.lastExecuted.Equal(prevEligible) {
		log.WithField("seq", slot.seq).Warn("Pre-Prepare claims backwards progress, refusing")
		return false
	}
	return true
}

// computeEligible derives made_eligible[j] = max(last_executed[j],
// proof_aru(j, matrix)).
func (r *Replica) computeEligible(slot *ordSlot) types.PoSeqVector {
	out := slot.lastExecuted.Clone()
	for j := uint32(1); j <= r.n; j++ {
		pa := r.proofAru(types.ReplicaID(j), slot.matrixRows)
		out.Set(types.ReplicaID(j), types.MaxPoSeq(out.Get(types.ReplicaID(j)), pa))
	}
	return out
}

// processPrepare stores an endorsement. Mismatching preinstalled
// snapshots are dropped silently; the sender retransmits after its own
// preinstall updates.
func (r *Replica) processPrepare(env *wire.Envelope) {
	if r.pr.status != StatusNormal {
		return
	}
	body := &wire.PrepareMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.View != r.view || body.Seq <= r.ord.stableCatchup {
		return
	}
	if env.MachineID == types.LeaderOfView(body.View, r.n) {
		return
	}
	slot := r.getOrdSlot(body.Seq)
	if _, dup := slot.prepares[env.MachineID]; dup {
		return
	}
	slot.prepares[env.MachineID] = env
	r.checkPrepareCert(slot)
}

// prepareBody re-decodes a stored prepare envelope.
func prepareBody(env *wire.Envelope) *wire.PrepareMsg {
	b := &wire.PrepareMsg{}
	if err := wire.Unmarshal(env.Body, b); err != nil {
		return nil
	}
	return b
}

func commitBody(env *wire.Envelope) *wire.CommitMsg {
	b := &wire.CommitMsg{}
	if err := wire.Unmarshal(env.Body, b); err != nil {
		return nil
	}
	return b
}

// checkPrepareCert forms the prepare certificate: the assembled
// Pre-Prepare plus 2f+k matching Prepares, then commits.
func (r *Replica) checkPrepareCert(slot *ordSlot) {
	if !slot.collected || slot.prepareCertReady || !slot.sentPrepare {
		return
	}
	matching := uint32(0)
	for _, env := range slot.prepares {
		b := prepareBody(env)
		if b == nil || b.Digest != slot.ppDigest {
			continue
		}
		if !b.Preinstalled.Equal(slot.preinstalled) {
			continue
		}
		matching++
	}
	if matching < r.cfg.PrepareQuorum() {
		return
	}
	slot.prepareCertReady = true
	if slot.seq > r.ord.highPrepared {
		r.ord.highPrepared = slot.seq
	}
	if !slot.sentCommit {
		slot.sentCommit = true
		r.broadcast(wire.TypeCommit, &wire.CommitMsg{
			Seq:          slot.seq,
			View:         slot.view,
			Digest:       slot.ppDigest,
			Preinstalled: slot.preinstalled.Clone(),
		})
	}
}

// processCommit stores a commit; 2f+k+1 matching commits order the slot.
func (r *Replica) processCommit(env *wire.Envelope) {
	if r.pr.status != StatusNormal {
		return
	}
	body := &wire.CommitMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.View != r.view || body.Seq <= r.ord.stableCatchup {
		return
	}
	slot := r.getOrdSlot(body.Seq)
	if _, dup := slot.commits[env.MachineID]; dup {
		return
	}
	slot.commits[env.MachineID] = env
	if body.Seq > r.ord.highCommitted {
		r.ord.highCommitted = body.Seq
	}
	r.checkCommitCert(slot)
}

// checkCommitCert marks the slot ordered once the commit quorum matches
// byte-for-byte, then drives execution.
func (r *Replica) checkCommitCert(slot *ordSlot) {
	if slot.ordered || !slot.collected {
		return
	}
	matching := uint32(0)
	for _, env := range slot.commits {
		b := commitBody(env)
		if b == nil || b.Digest != slot.ppDigest {
			continue
		}
		if slot.preinstalled != nil && !b.Preinstalled.Equal(slot.preinstalled) {
			continue
		}
		matching++
	}
	if matching < r.cfg.QuorumSize() {
		return
	}
	slot.ordered = true
	orderedOrdinalsTotal.Inc()
	r.executeContiguous()
	if !slot.executed {
		r.ord.pendingPO[slot.seq] = struct{}{}
		r.scheduleCatchup()
	}
}

// executeContiguous walks ordered slots forward from the ARU, executing
// each whose referenced PO-Requests are all present.
func (r *Replica) executeContiguous() {
	for {
		seq := r.ord.aru + 1
		slot := r.ordSlotIfExists(seq)
		if slot == nil || !slot.ordered || slot.executed {
			return
		}
		if !r.executeSlot(slot) {
			return
		}
		delete(r.ord.pendingPO, seq)
		r.ord.aru = seq
		executedOrdinalsTotal.Inc()
		executionAru.Set(float64(seq))
		r.maybeGarbageCollect()
	}
}

// slotEvents resolves the (origin, seq) pairs a slot makes eligible, in
// canonical order. Returns nil and false when a PO-Request is missing.
func (r *Replica) slotEvents(slot *ordSlot) ([]*wire.Envelope, bool) {
	var events []*wire.Envelope
	for j := uint32(1); j <= r.n; j++ {
		origin := types.ReplicaID(j)
		cur := slot.lastExecuted.Get(origin)
		target := slot.madeEligible.Get(origin)
		for cur.Compare(target) < 0 {
			next := cur.Next()
			ps := r.poSlotIfExists(origin, next)
			if ps == nil && target.Incarnation > cur.Incarnation {
				next = types.PoSeq{Incarnation: target.Incarnation, SeqNum: 1}
				ps = r.poSlotIfExists(origin, next)
			}
			if ps == nil || ps.req == nil {
				return nil, false
			}
			for _, raw := range ps.body.Events {
				ev, err := wire.Decode(raw)
				if err != nil {
					continue
				}
				events = append(events, ev)
			}
			cur = next
		}
	}
	return events, true
}

// executeSlot delivers a slot's events downstream. Empty ordinals
// deliver a synthetic no-op to preserve contiguous numbering.
func (r *Replica) executeSlot(slot *ordSlot) bool {
	if slot.madeEligible == nil {
		slot.madeEligible = slot.lastExecuted.Clone()
	}
	events, ok := r.slotEvents(slot)
	if !ok {
		return false
	}
	if len(events) == 0 {
		noop := &wire.Envelope{Type: wire.TypeClientNoOp, MachineID: r.id}
		if r.deliver != nil {
			r.deliver(types.Ordinal{OrdNum: slot.seq, EventIdx: 1, EventTot: 1}, noop)
		}
	} else {
		tot := uint32(len(events))
		for i, ev := range events {
			if r.deliver != nil {
				r.deliver(types.Ordinal{OrdNum: slot.seq, EventIdx: uint32(i + 1), EventTot: tot}, ev)
			}
			executedEventsTotal.Inc()
		}
	}
	slot.executed = true
	r.ord.lastEligible = slot.madeEligible.Clone()
	r.advancePoExecuted(slot.madeEligible.Get(r.id))
	return true
}

// drainPendingOrdSlots retries execution after a missing PO-Request
// arrives.
func (r *Replica) drainPendingOrdSlots() {
	r.executeContiguous()
}

// maybeGarbageCollect trims executed slots in fixed width chunks once
// the ARU ran far enough ahead of the stable catchup line.
func (r *Replica) maybeGarbageCollect() {
	width := r.cfg.GcWidth()
	for r.ord.aru >= r.ord.stableCatchup+2*width {
		upto := r.ord.stableCatchup + width
		var boundary types.PoSeqVector
		for seq := r.ord.stableCatchup + 1; seq <= upto; seq++ {
			if slot := r.ordSlotIfExists(seq); slot != nil && slot.madeEligible != nil {
				boundary = slot.madeEligible
			}
			delete(r.ord.slots, seq)
			delete(r.ord.pendingPO, seq)
		}
		if boundary != nil {
			r.gcPoSlots(boundary)
		}
		r.ord.stableCatchup = upto
	}
}

// gcPoSlots erases PO slots wholly below the executed boundary vector.
func (r *Replica) gcPoSlots(boundary types.PoSeqVector) {
	for k := range r.po.slots {
		if k.Seq.Compare(boundary.Get(k.Server)) <= 0 {
			delete(r.po.slots, k)
		}
	}
}

// buildOrdCert freezes the commit certificate of an ordered slot for
// catchup responses.
func (r *Replica) buildOrdCert(slot *ordSlot) *wire.OrdCertMsg {
	if slot.ordCert != nil {
		return slot.ordCert
	}
	if !slot.ordered || !slot.collected {
		return nil
	}
	cert := &wire.OrdCertMsg{Seq: slot.seq, View: slot.view}
	for _, p := range slot.parts {
		if p != nil {
			cert.PrePrepare = append(cert.PrePrepare, p.Encode())
		}
	}
	count := uint32(0)
	for _, env := range slot.commits {
		b := commitBody(env)
		if b == nil || b.Digest != slot.ppDigest {
			continue
		}
		cert.Commits = append(cert.Commits, env.Encode())
		count++
		if count == r.cfg.QuorumSize() {
			break
		}
	}
	if count < r.cfg.QuorumSize() {
		return nil
	}
	slot.ordCert = cert
	return cert
}
