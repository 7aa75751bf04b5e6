package prime

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gridprime/gridprime/consensus/types"
	"github.com/gridprime/gridprime/wire"
)

// scheduleCatchup requests missing state soon; coalesced so a burst of
// triggers produces one request.
func (r *Replica) scheduleCatchup() {
	if r.catch.probeTimer != 0 {
		return
	}
	r.catch.probeTimer = r.after(0, func() {
		r.catch.probeTimer = 0
		r.sendCatchupRequest(wire.FlagCatchup)
	})
}

// periodicCatchup probes the group at the catchup period so a quietly
// stalled replica still discovers progress, and advertises the local
// frontier so quietly stalled peers discover ours.
func (r *Replica) periodicCatchup() {
	if r.pr.status != StatusNormal {
		return
	}
	if slot := r.ordSlotIfExists(r.ord.aru); slot != nil {
		if cert := r.buildOrdCert(slot); cert != nil {
			r.broadcast(wire.TypeOrdCert, cert)
		}
	}
	if r.ord.highCommitted > r.ord.aru || len(r.ord.pendingPO) > 0 {
		r.sendCatchupRequest(wire.FlagCatchup)
		return
	}
	r.sendCatchupRequest(wire.FlagPeriodic)
}

func (r *Replica) sendCatchupRequest(flag uint32) {
	if r.pr.status != StatusNormal {
		return
	}
	r.catch.nonce = uuid.New().String()
	r.broadcast(wire.TypeCatchupRequest, &wire.CatchupRequestMsg{
		Flag:           flag,
		Aru:            r.ord.aru,
		PoAru:          r.po.cumAru.Clone(),
		ProposalDigest: r.pr.proposalDigest,
		Nonce:          r.catch.nonce,
	})
	catchupRequestsTotal.Inc()
}

// processCatchupRequest answers one peer, rate limited to one response
// per requester per catchup period. No additional help state is held
// past the next period.
func (r *Replica) processCatchupRequest(env *wire.Envelope) {
	from := env.MachineID
	if from == r.id || r.pr.status != StatusNormal {
		return
	}
	body := &wire.CatchupRequestMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	// Recovery requests bypass the limiter: they are explicit, rare, and
	// starving one stalls the recovering replica entirely.
	if body.Flag != wire.FlagRecovery {
		limiterKey := fmt.Sprintf("%d", from)
		if _, limited := r.catch.rate.Get(limiterKey); limited {
			return
		}
		r.catch.rate.SetDefault(limiterKey, struct{}{})
	}

	if body.ProposalDigest != r.pr.proposalDigest && body.Flag != wire.FlagRecovery {
		// Different global incarnation: answer with proof, nothing else.
		r.sendTo(from, wire.TypeJump, &wire.JumpMsg{
			Aru:            0,
			ProposalDigest: r.pr.proposalDigest,
			Nonce:          body.Nonce,
		})
		return
	}
	if body.Flag == wire.FlagRecovery {
		r.respondRecovery(from, body)
		return
	}
	if body.Aru >= r.ord.aru {
		r.respondPoCerts(from, body)
		return
	}
	if body.Flag == wire.FlagJump || r.ord.aru-body.Aru > r.cfg.CatchupHistory {
		var cert *wire.OrdCertMsg
		if slot := r.ordSlotIfExists(r.ord.aru); slot != nil {
			cert = r.buildOrdCert(slot)
		}
		r.sendTo(from, wire.TypeJump, &wire.JumpMsg{
			Aru:            r.ord.aru,
			ProposalDigest: r.pr.proposalDigest,
			OrdCert:        cert,
			Nonce:          body.Nonce,
		})
		return
	}
	for seq := body.Aru + 1; seq <= r.ord.aru; seq++ {
		slot := r.ordSlotIfExists(seq)
		if slot == nil {
			continue
		}
		if cert := r.buildOrdCert(slot); cert != nil {
			r.sendTo(from, wire.TypeOrdCert, cert)
		}
	}
	r.respondPoCerts(from, body)
}

// respondPoCerts ships PO certificates the requester's row vector does
// not yet cover.
func (r *Replica) respondPoCerts(from types.ReplicaID, req *wire.CatchupRequestMsg) {
	if uint32(len(req.PoAru)) != r.n {
		return
	}
	for k, slot := range r.po.slots {
		if !slot.cert || slot.req == nil {
			continue
		}
		if k.Seq.Compare(req.PoAru.Get(k.Server)) <= 0 {
			continue
		}
		if k.Seq.Compare(r.po.cumAru.Get(k.Server)) > 0 {
			continue
		}
		cert := &wire.PoCertMsg{
			Originator: k.Server,
			Seq:        k.Seq,
			Request:    slot.req.Encode(),
		}
		count := uint32(0)
		for _, rec := range slot.acks {
			if rec.digest != slot.digest {
				continue
			}
			cert.Acks = append(cert.Acks, rec.raw)
			count++
			if count == r.cfg.QuorumSize() {
				break
			}
		}
		if count < r.cfg.QuorumSize() {
			continue
		}
		r.sendTo(from, wire.TypePoCert, cert)
	}
}

// adoptOrdCert validates a commit certificate and installs it as an
// ordered slot.
func (r *Replica) adoptOrdCert(cert *wire.OrdCertMsg) (*ordSlot, bool) {
	if len(cert.PrePrepare) == 0 {
		return nil, false
	}
	slot := &ordSlot{
		seq:      cert.Seq,
		prepares: make(map[types.ReplicaID]*wire.Envelope),
		commits:  make(map[types.ReplicaID]*wire.Envelope),
		typ:      slotCommit,
	}
	slot.partTot = uint32(len(cert.PrePrepare))
	slot.parts = make([]*wire.Envelope, slot.partTot)
	slot.partBodies = make([]*wire.PrePrepareMsg, slot.partTot)
	for i, raw := range cert.PrePrepare {
		pEnv, err := wire.Decode(raw)
		if err != nil || pEnv.Type != wire.TypePrePrepare {
			return nil, false
		}
		if err := r.signer.Verify(pEnv); err != nil {
			return nil, false
		}
		b := &wire.PrePrepareMsg{}
		if err := wire.Unmarshal(pEnv.Body, b); err != nil || b.Seq != cert.Seq {
			return nil, false
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

	matching := uint32(0)
	for _, raw := range cert.Commits {
		cEnv, err := wire.Decode(raw)
		if err != nil || cEnv.Type != wire.TypeCommit {
			continue
		}
		if err := r.signer.Verify(cEnv); err != nil {
			continue
		}
		b := commitBody(cEnv)
		if b == nil || b.Seq != cert.Seq || b.Digest != slot.ppDigest {
			continue
		}
		if _, dup := slot.commits[cEnv.MachineID]; dup {
			continue
		}
		slot.commits[cEnv.MachineID] = cEnv
		matching++
	}
	if matching < r.cfg.QuorumSize() {
		return nil, false
	}
	slot.prepareCertReady = true
	slot.sentPrepare = true
	slot.sentCommit = true
	slot.ordered = true
	slot.ordCert = cert
	// The certificate's signed rows and commits carry their senders'
	// incarnations; a replica adopting the certificate adopts those too.
	for _, raw := range slot.matrixEnvs {
		if len(raw) == 0 {
			continue
		}
		if rowEnv, err := wire.Decode(raw); err == nil {
			r.raiseIncarnation(rowEnv.MachineID, rowEnv.Incarnation)
		}
	}
	for id, env := range slot.commits {
		r.raiseIncarnation(id, env.Incarnation)
	}
	return slot, true
}

func (r *Replica) raiseIncarnation(id types.ReplicaID, inc uint32) {
	idx := int(id) - 1
	if idx < 0 || idx >= len(r.pr.installed) {
		return
	}
	if inc > r.pr.installed[idx] {
		r.pr.installed[idx] = inc
	}
	if inc > r.pr.preinstalled[idx] {
		r.pr.preinstalled[idx] = inc
	}
}

// processOrdCert installs a peer's certificate for a missing ordinal.
func (r *Replica) processOrdCert(env *wire.Envelope) {
	if r.pr.status != StatusNormal {
		return
	}
	cert := &wire.OrdCertMsg{}
	if err := wire.Unmarshal(env.Body, cert); err != nil {
		return
	}
	if cert.Seq <= r.ord.aru {
		return
	}
	if existing := r.ordSlotIfExists(cert.Seq); existing != nil && existing.ordered {
		return
	}
	slot, ok := r.adoptOrdCert(cert)
	if !ok {
		return
	}
	r.ord.slots[cert.Seq] = slot
	if cert.Seq > r.ord.highCommitted {
		r.ord.highCommitted = cert.Seq
	}
	orderedOrdinalsTotal.Inc()
	r.executeContiguous()
	if r.ord.aru < cert.Seq {
		r.scheduleCatchup()
	}
}

// processPoCert installs a pre-order certificate: the request plus a
// quorum of acknowledgements.
func (r *Replica) processPoCert(env *wire.Envelope) {
	if r.pr.status != StatusNormal {
		return
	}
	cert := &wire.PoCertMsg{}
	if err := wire.Unmarshal(env.Body, cert); err != nil {
		return
	}
	reqEnv, err := wire.Decode(cert.Request)
	if err != nil || reqEnv.Type != wire.TypePoRequest {
		return
	}
	if err := r.signer.Verify(reqEnv); err != nil {
		return
	}
	if reqEnv.MachineID != cert.Originator {
		return
	}
	reqBody := &wire.PoRequestMsg{}
	if err := wire.Unmarshal(reqEnv.Body, reqBody); err != nil || reqBody.Seq != cert.Seq {
		return
	}
	d := reqEnv.BodyDigest()
	ackers := make(map[types.ReplicaID]struct{})
	for _, raw := range cert.Acks {
		aEnv, err := wire.Decode(raw)
		if err != nil || aEnv.Type != wire.TypePoAck {
			continue
		}
		if err := r.signer.Verify(aEnv); err != nil {
			continue
		}
		aBody := &wire.PoAckMsg{}
		if err := wire.Unmarshal(aEnv.Body, aBody); err != nil {
			continue
		}
		for _, part := range aBody.Parts {
			if part.Originator == cert.Originator && part.Seq == cert.Seq && part.Digest == d {
				ackers[aEnv.MachineID] = struct{}{}
			}
		}
	}
	if uint32(len(ackers)) < r.cfg.QuorumSize() {
		return
	}
	slot := r.getPoSlot(cert.Originator, cert.Seq)
	if slot.req == nil {
		slot.req = reqEnv
		slot.body = reqBody
		slot.digest = d
	}
	if !slot.cert {
		slot.cert = true
		r.advanceCumAru(cert.Originator)
	}
	r.drainPendingOrdSlots()
}

// processJump handles a remote jump target. During recovery it feeds the
// pending state collection; otherwise a digest mismatch counts toward
// the abort threshold and a far-ahead certificate is adopted directly.
func (r *Replica) processJump(env *wire.Envelope) {
	body := &wire.JumpMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if r.pr.status == StatusRecovery {
		if body.Nonce != r.pr.recoveryNonce {
			return
		}
		if _, dup := r.pr.jumpResponses[env.MachineID]; dup {
			return
		}
		r.pr.jumpResponses[env.MachineID] = body
		r.checkRecoveryComplete()
		return
	}
	if r.pr.status != StatusNormal {
		return
	}
	if body.ProposalDigest != r.pr.proposalDigest {
		r.catch.mismatches[env.MachineID] = struct{}{}
		if uint32(len(r.catch.mismatches)) >= r.cfg.AbortQuorum() {
			log.Warn("Global incarnation mismatch quorum reached, resetting")
			r.localReset()
			r.Start()
		}
		return
	}
	delete(r.catch.mismatches, env.MachineID)
	if body.OrdCert == nil || body.Aru <= r.ord.aru {
		return
	}
	if !r.catch.forceJump && body.Aru-r.ord.aru <= r.cfg.CatchupHistory {
		r.scheduleCatchup()
		return
	}
	r.jumpTo(body.OrdCert)
}

// jumpTo adopts a remote ordinal certificate: the slot becomes the new
// execution frontier without delivering the skipped events. The
// application layer recovers the gap through the update transfer.
func (r *Replica) jumpTo(cert *wire.OrdCertMsg) {
	if cert.Seq <= r.ord.aru {
		return
	}
	slot, ok := r.adoptOrdCert(cert)
	if !ok {
		return
	}
	log.WithFields(logrus.Fields{"from": r.ord.aru, "to": cert.Seq}).Info("Jumping ahead on ordinal certificate")
	slot.executed = true
	r.ord.slots[cert.Seq] = slot
	r.ord.aru = cert.Seq
	r.ord.lastEligible = slot.madeEligible.Clone()
	if r.ord.ppAru < cert.Seq {
		r.ord.ppAru = cert.Seq
	}
	if r.ord.highPrepared < cert.Seq {
		r.ord.highPrepared = cert.Seq
	}
	if r.ord.highCommitted < cert.Seq {
		r.ord.highCommitted = cert.Seq
	}
	if r.ord.seq < cert.Seq {
		r.ord.seq = cert.Seq
	}
	r.ord.stableCatchup = cert.Seq
	for seq := range r.ord.slots {
		if seq < cert.Seq {
			delete(r.ord.slots, seq)
			delete(r.ord.pendingPO, seq)
		}
	}
	r.gcPoSlots(slot.madeEligible)
	r.advancePoExecuted(slot.madeEligible.Get(r.id))
	if slot.view > r.view {
		// A jump can interrupt an in-flight view change.
		r.view = slot.view
		if r.preinstalledView < slot.view {
			r.preinstalledView = slot.view
		}
		r.vc.inProgress = false
		r.resetSuspectForView()
		r.rbReset()
		currentView.Set(float64(r.view))
	}
	r.catch.forceJump = false
	jumpsTotal.Inc()
	executionAru.Set(float64(r.ord.aru))
	r.executeContiguous()
}
