package prime

import (
	"github.com/niclabs/tcrsa"
	"github.com/sirupsen/logrus"

	"github.com/gridprime/gridprime/consensus/types"
	"github.com/gridprime/gridprime/wire"
)

// preinstallView moves the replica into the replay protocol for a new
// view. Ordering continues for the old view's committed work; new
// proposals wait for installation.
func (r *Replica) preinstallView(v types.View) {
	if v <= r.preinstalledView {
		return
	}
	log.WithFields(logrus.Fields{"old": r.preinstalledView, "new": v}).Info("Preinstalling view")
	r.preinstalledView = v
	r.vc = newVcState()
	r.vc.inProgress = true
	r.rbReset()
	r.startReplay()
}

// startReplay reliably broadcasts this replica's Report and every
// prepare certificate it holds for committed-but-unexecuted ordinals.
func (r *Replica) startReplay() {
	var sets []*wire.PCSetMsg
	for seq := r.ord.aru + 1; seq <= r.ord.highPrepared; seq++ {
		slot := r.ordSlotIfExists(seq)
		if slot == nil || !slot.prepareCertReady || slot.executed {
			continue
		}
		pc := r.buildPcSet(slot)
		if pc != nil {
			sets = append(sets, pc)
		}
	}
	report, err := r.sign(wire.TypeReport, &wire.ReportMsg{
		View:      r.preinstalledView,
		ExecAru:   r.ord.aru,
		PcSetSize: uint32(len(sets)),
	})
	if err != nil {
		log.WithError(err).Error("Could not build view change report")
		return
	}
	r.rbBroadcast(report)
	for _, pc := range sets {
		env, err := r.sign(wire.TypePCSet, pc)
		if err != nil {
			continue
		}
		r.rbBroadcast(env)
	}
}

// buildPcSet freezes one prepare certificate for transfer.
func (r *Replica) buildPcSet(slot *ordSlot) *wire.PCSetMsg {
	pc := &wire.PCSetMsg{View: r.preinstalledView, Seq: slot.seq}
	for _, p := range slot.parts {
		if p == nil {
			return nil
		}
		pc.PrePrepare = append(pc.PrePrepare, p.Encode())
	}
	count := uint32(0)
	for _, env := range slot.prepares {
		b := prepareBody(env)
		if b == nil || b.Digest != slot.ppDigest {
			continue
		}
		pc.Prepares = append(pc.Prepares, env.Encode())
		count++
		if count == r.cfg.PrepareQuorum() {
			break
		}
	}
	if count < r.cfg.PrepareQuorum() {
		return nil
	}
	return pc
}

// processReport stores a reliably delivered report. A report advertising
// a higher execution ARU doubles as a catchup signal.
func (r *Replica) processReport(env *wire.Envelope) {
	body := &wire.ReportMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.ExecAru > r.ord.aru {
		r.scheduleCatchup()
	}
	if body.View != r.preinstalledView || !r.vc.inProgress {
		return
	}
	if _, dup := r.vc.reports[env.MachineID]; dup {
		return
	}
	r.vc.reports[env.MachineID] = body
	r.checkCompleteState(env.MachineID)
}

// processPCSet validates and stores a transferred prepare certificate.
func (r *Replica) processPCSet(env *wire.Envelope) {
	body := &wire.PCSetMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.View != r.preinstalledView || !r.vc.inProgress {
		return
	}
	if !r.validPcSet(body) {
		return
	}
	for _, existing := range r.vc.pcSets[env.MachineID] {
		if existing.Seq == body.Seq {
			return
		}
	}
	r.vc.pcSets[env.MachineID] = append(r.vc.pcSets[env.MachineID], body)
	r.checkCompleteState(env.MachineID)
}

// validPcSet checks the embedded certificate: authenticated fragments
// plus 2f+k matching prepares.
func (r *Replica) validPcSet(pc *wire.PCSetMsg) bool {
	if len(pc.PrePrepare) == 0 {
		return false
	}
	var ppView types.View
	for _, raw := range pc.PrePrepare {
		pEnv, err := wire.Decode(raw)
		if err != nil || pEnv.Type != wire.TypePrePrepare {
			return false
		}
		if err := r.signer.Verify(pEnv); err != nil {
			return false
		}
		pBody := &wire.PrePrepareMsg{}
		if err := wire.Unmarshal(pEnv.Body, pBody); err != nil || pBody.Seq != pc.Seq {
			return false
		}
		ppView = pBody.View
	}
	matching := uint32(0)
	var digest *[32]byte
	for _, raw := range pc.Prepares {
		pEnv, err := wire.Decode(raw)
		if err != nil || pEnv.Type != wire.TypePrepare {
			continue
		}
		if err := r.signer.Verify(pEnv); err != nil {
			continue
		}
		b := prepareBody(pEnv)
		if b == nil || b.Seq != pc.Seq || b.View != ppView {
			continue
		}
		if digest == nil {
			d := b.Digest
			digest = &d
		}
		if b.Digest == *digest {
			matching++
		}
	}
	return matching >= r.cfg.PrepareQuorum()
}

// checkCompleteState evaluates whether a peer's view change state is
// fully held: its report, all referenced certificates, and local
// execution caught up to its ARU.
func (r *Replica) checkCompleteState(id types.ReplicaID) {
	if r.vc.complete[id] {
		return
	}
	report, ok := r.vc.reports[id]
	if !ok {
		return
	}
	if uint32(len(r.vc.pcSets[id])) < report.PcSetSize {
		return
	}
	if r.ord.aru < report.ExecAru {
		r.scheduleCatchup()
		return
	}
	r.vc.complete[id] = true
	r.maybeSendVCList()
	r.tryAnswerLists()
	r.tryReplayPrepare()
}

// maybeSendVCList broadcasts the list once 2f+k+1 complete states are
// held.
func (r *Replica) maybeSendVCList() {
	if r.vc.sentList || uint32(len(r.vc.complete)) < r.cfg.QuorumSize() {
		return
	}
	list := uint32(0)
	for id := range r.vc.complete {
		list |= 1 << (uint32(id) - 1)
	}
	r.vc.sentList = true
	r.vc.myList = list
	r.broadcast(wire.TypeVCList, &wire.VCListMsg{View: r.preinstalledView, List: list})
}

func listMembers(list uint32, n uint32) []types.ReplicaID {
	var out []types.ReplicaID
	for i := uint32(0); i < n; i++ {
		if list&(1<<i) != 0 {
			out = append(out, types.ReplicaID(i+1))
		}
	}
	return out
}

// vcDoc is the byte document the threshold shares sign.
func vcDoc(view types.View, list, startSeq uint32) []byte {
	raw, _ := wire.Marshal(struct {
		View     types.View `json:"view"`
		List     uint32     `json:"list"`
		StartSeq uint32     `json:"start_seq"`
	}{view, list, startSeq})
	return raw
}

// processVCList answers a list the replica holds complete state for with
// its threshold partial signature.
func (r *Replica) processVCList(env *wire.Envelope) {
	body := &wire.VCListMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.View != r.preinstalledView || !r.vc.inProgress {
		return
	}
	r.vc.seenLists[body.List] = struct{}{}
	r.answerList(body.List)
}

func (r *Replica) tryAnswerLists() {
	if r.vc.sentList {
		r.answerList(r.vc.myList)
	}
	for list := range r.vc.seenLists {
		r.answerList(list)
	}
}

func (r *Replica) answerList(list uint32) {
	if r.vcKey == nil {
		return
	}
	members := listMembers(list, r.n)
	if uint32(len(members)) < r.cfg.QuorumSize() {
		return
	}
	startSeq := uint32(0)
	for _, m := range members {
		if !r.vc.complete[m] {
			return
		}
		if aru := r.vc.reports[m].ExecAru; aru >= startSeq {
			startSeq = aru
		}
	}
	startSeq++
	key := listKey{List: list, StartSeq: startSeq}
	if r.vc.sentPartial[key] {
		return
	}
	share, err := r.vcKey.SignShare(vcDoc(r.preinstalledView, list, startSeq))
	if err != nil {
		log.WithError(err).Error("Could not sign view change share")
		return
	}
	r.vc.sentPartial[key] = true
	r.broadcast(wire.TypeVCPartialSig, &wire.VCPartialSigMsg{
		View:     r.preinstalledView,
		List:     list,
		StartSeq: startSeq,
		Share:    share,
	})
}

// processVCPartialSig aggregates shares; the quorum combines into the
// threshold-signed proof for the new leader.
func (r *Replica) processVCPartialSig(env *wire.Envelope) {
	if r.vcKey == nil {
		return
	}
	body := &wire.VCPartialSigMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil || body.Share == nil {
		return
	}
	if body.View != r.preinstalledView || !r.vc.inProgress {
		return
	}
	doc := vcDoc(body.View, body.List, body.StartSeq)
	if err := r.vcKey.VerifyShare(doc, body.Share); err != nil {
		return
	}
	key := listKey{List: body.List, StartSeq: body.StartSeq}
	shares, ok := r.vc.partials[key]
	if !ok {
		shares = make(map[types.ReplicaID]*tcrsa.SigShare)
		r.vc.partials[key] = shares
	}
	if _, dup := shares[env.MachineID]; dup {
		return
	}
	shares[env.MachineID] = body.Share
	if uint32(len(shares)) < r.cfg.QuorumSize() {
		return
	}
	combine := make([]*tcrsa.SigShare, 0, r.cfg.ThresholdShares())
	for _, s := range shares {
		combine = append(combine, s)
		if uint32(len(combine)) == r.cfg.ThresholdShares() {
			break
		}
	}
	sig, err := r.vcKey.Combine(doc, combine)
	if err != nil {
		log.WithError(err).Error("Could not combine view change shares")
		return
	}
	leader := types.LeaderOfView(r.preinstalledView, r.n)
	r.sendTo(leader, wire.TypeVCProof, &wire.VCProofMsg{
		View:         body.View,
		List:         body.List,
		StartSeq:     body.StartSeq,
		ThresholdSig: sig,
	})
}

// processVCProof lets the new leader broadcast the replay order.
func (r *Replica) processVCProof(env *wire.Envelope) {
	if r.vcKey == nil {
		return
	}
	body := &wire.VCProofMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.View != r.preinstalledView || !r.vc.inProgress {
		return
	}
	if types.LeaderOfView(r.preinstalledView, r.n) != r.id {
		return
	}
	if err := r.vcKey.VerifyFinal(vcDoc(body.View, body.List, body.StartSeq), body.ThresholdSig); err != nil {
		return
	}
	r.broadcast(wire.TypeReplay, &wire.ReplayMsg{
		View:         body.View,
		List:         body.List,
		StartSeq:     body.StartSeq,
		ThresholdSig: body.ThresholdSig,
	})
}

// processReplay adopts the new leader's installation order.
func (r *Replica) processReplay(env *wire.Envelope) {
	if r.vcKey == nil {
		return
	}
	body := &wire.ReplayMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.View != r.preinstalledView || !r.vc.inProgress {
		return
	}
	if env.MachineID != types.LeaderOfView(body.View, r.n) {
		return
	}
	if err := r.vcKey.VerifyFinal(vcDoc(body.View, body.List, body.StartSeq), body.ThresholdSig); err != nil {
		return
	}
	if r.vc.replay == nil {
		r.vc.replay = body
		r.vc.replayDigest = env.BodyDigest()
	}
	r.tryReplayPrepare()
}

// tryReplayPrepare answers the replay once the replica holds complete
// state for every list member.
func (r *Replica) tryReplayPrepare() {
	if r.vc.replay == nil || r.vc.sentReplayPrepare {
		return
	}
	for _, m := range listMembers(r.vc.replay.List, r.n) {
		if !r.vc.complete[m] {
			return
		}
	}
	r.vc.sentReplayPrepare = true
	r.broadcast(wire.TypeReplayPrepare, &wire.ReplayPrepareMsg{
		View:   r.preinstalledView,
		Digest: r.vc.replayDigest,
	})
}

func (r *Replica) processReplayPrepare(env *wire.Envelope) {
	body := &wire.ReplayPrepareMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.View != r.preinstalledView || !r.vc.inProgress || r.vc.replay == nil {
		return
	}
	if body.Digest != r.vc.replayDigest {
		return
	}
	if _, dup := r.vc.replayPrepares[env.MachineID]; dup {
		return
	}
	r.vc.replayPrepares[env.MachineID] = env
	if uint32(len(r.vc.replayPrepares)) >= r.cfg.PrepareQuorum() && !r.vc.sentReplayCommit {
		r.vc.sentReplayCommit = true
		r.broadcast(wire.TypeReplayCommit, &wire.ReplayCommitMsg{
			View:   r.preinstalledView,
			Digest: r.vc.replayDigest,
		})
	}
}

func (r *Replica) processReplayCommit(env *wire.Envelope) {
	body := &wire.ReplayCommitMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.View != r.preinstalledView || !r.vc.inProgress || r.vc.replay == nil {
		return
	}
	if body.Digest != r.vc.replayDigest {
		return
	}
	if _, dup := r.vc.replayCommits[env.MachineID]; dup {
		return
	}
	r.vc.replayCommits[env.MachineID] = env
	if uint32(len(r.vc.replayCommits)) >= r.cfg.QuorumSize() {
		r.installReplay()
	}
}

// installReplay fills the gap between the execution ARU and the new
// starting sequence from the union of transferred certificates, padding
// holes with no-op slots, then installs the view.
func (r *Replica) installReplay() {
	replay := r.vc.replay
	startSeq := replay.StartSeq
	members := listMembers(replay.List, r.n)

	// Best certificate per sequence across the list.
	best := make(map[uint32]*wire.PCSetMsg)
	for _, m := range members {
		for _, pc := range r.vc.pcSets[m] {
			cur, ok := best[pc.Seq]
			if !ok || pcSetView(pc) > pcSetView(cur) {
				best[pc.Seq] = pc
			}
		}
	}
	for seq := r.ord.aru + 1; seq < startSeq; seq++ {
		slot := r.getOrdSlot(seq)
		if slot.executed {
			continue
		}
		if pc, ok := best[seq]; ok {
			r.installPcSetSlot(slot, pc)
		} else {
			slot.typ = slotNoOp
		}
	}
	// Chain eligible vectors forward through the no-op slots, then pull
	// assumed progress backward where a later certificate demands it.
	prevEligible := r.ord.lastEligible
	if prevEligible == nil {
		prevEligible = types.NewPoSeqVector(r.n)
	}
	for seq := r.ord.aru + 1; seq < startSeq; seq++ {
		slot := r.ordSlotIfExists(seq)
		if slot == nil || slot.executed {
			continue
		}
		if slot.typ == slotNoOp {
			slot.lastExecuted = prevEligible.Clone()
			slot.madeEligible = prevEligible.Clone()
			slot.collected = true
			slot.ordered = true
			slot.sentPrepare = true
			slot.sentCommit = true
		}
		prevEligible = slot.madeEligible
	}
	for seq := startSeq - 1; seq > r.ord.aru+1; seq-- {
		slot := r.ordSlotIfExists(seq)
		prev := r.ordSlotIfExists(seq - 1)
		if slot == nil || prev == nil || prev.typ != slotNoOp {
			continue
		}
		if slot.lastExecuted != nil && !prev.madeEligible.Covers(slot.lastExecuted) {
			prev.madeEligible = slot.lastExecuted.Clone()
			prev.typ = slotNoOpPlus
		}
	}

	log.WithFields(logrus.Fields{"view": r.preinstalledView, "start_seq": startSeq}).Info("Installing view")
	r.view = r.preinstalledView
	r.vc.inProgress = false
	viewChangesTotal.Inc()
	currentView.Set(float64(r.view))
	r.resetSuspectForView()
	r.rbReset()
	if r.ord.seq < startSeq-1 {
		r.ord.seq = startSeq - 1
	}
	r.ord.ppAru = startSeq - 1
	if r.ord.highPrepared < startSeq-1 {
		r.ord.highPrepared = startSeq - 1
	}
	r.ord.lastProposalDigest = [32]byte{}
	r.po.proofUpdated = true
	r.executeContiguous()
}

func pcSetView(pc *wire.PCSetMsg) types.View {
	if len(pc.PrePrepare) == 0 {
		return 0
	}
	pEnv, err := wire.Decode(pc.PrePrepare[0])
	if err != nil {
		return 0
	}
	b := &wire.PrePrepareMsg{}
	if err := wire.Unmarshal(pEnv.Body, b); err != nil {
		return 0
	}
	return b.View
}

// installPcSetSlot adopts a transferred certificate as an ordered slot.
func (r *Replica) installPcSetSlot(slot *ordSlot, pc *wire.PCSetMsg) {
	slot.typ = slotPCSet
	slot.partTot = uint32(len(pc.PrePrepare))
	slot.parts = make([]*wire.Envelope, slot.partTot)
	slot.partBodies = make([]*wire.PrePrepareMsg, slot.partTot)
	for i, raw := range pc.PrePrepare {
		pEnv, err := wire.Decode(raw)
		if err != nil {
			return
		}
		b := &wire.PrePrepareMsg{}
		if err := wire.Unmarshal(pEnv.Body, b); err != nil {
			return
		}
		slot.parts[i] = pEnv
		slot.partBodies[i] = b
		slot.view = b.View
	}
	rows := make([]*wire.PoAruMsg, r.n)
	envs := make([][]byte, r.n)
	for _, part := range slot.partBodies {
		for i, raw := range part.Rows {
			if len(raw) == 0 || i >= int(r.n) {
				continue
			}
			rowEnv, err := wire.Decode(raw)
			if err != nil {
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
	slot.madeEligible = r.computeEligible(slot)
	slot.preinstalled = r.pr.preinstalled.Clone()
	slot.prepareCertReady = true
	slot.ordered = true
	slot.sentPrepare = true
	slot.sentCommit = true
}

// resetSuspectForView clears the per-view turnaround state while keeping
// the learned network bounds.
func (r *Replica) resetSuspectForView() {
	r.sus.maxTat = 0
	r.sus.tatRunning = false
	for i := range r.sus.reportedTats {
		r.sus.reportedTats[i] = 0
	}
	for i := range r.sus.tatUBs {
		r.sus.tatUBs[i] = 0
	}
	r.sus.suspected = false
	r.sus.newLeaderVotes = make(map[types.View]map[types.ReplicaID]*wire.Envelope)
}
