package prime

import (
	"crypto/rand"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gridprime/gridprime/consensus/types"
	"github.com/gridprime/gridprime/wire"
)

// Start boots the replica into Startup: it announces a fresh incarnation
// and takes part in forming a fresh system.
func (r *Replica) Start() {
	r.inc = uint32(r.now().Unix())
	r.po.seq = types.PoSeq{Incarnation: r.inc}
	r.po.executed = types.PoSeq{Incarnation: r.inc}
	r.pr.status = StatusStartup
	r.announceIncarnation()
	// A startup replica is itself a reset voter; peers' announcements
	// bring in the rest of the quorum.
	r.voteReset()
}

// StartRecovery boots the replica into Recovery: it rejoins a running
// system under a fresh incarnation.
func (r *Replica) StartRecovery() {
	r.inc = uint32(r.now().Unix())
	r.po.seq = types.PoSeq{Incarnation: r.inc}
	r.po.executed = types.PoSeq{Incarnation: r.inc}
	r.pr.status = StatusRecovery
	log.WithFields(logrus.Fields{"replica": r.id, "incarnation": r.inc}).Info("Starting recovery")
	r.announceIncarnation()
}

// announceIncarnation broadcasts NewIncarnation and keeps retransmitting
// with a bumped timestamp until the certificate forms.
func (r *Replica) announceIncarnation() {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		log.WithError(err).Error("Could not draw session key material")
		return
	}
	body := &wire.NewIncarnationMsg{
		Incarnation: r.inc,
		Timestamp:   r.now().Unix(),
		Nonce:       uuid.New().String(),
		Key:         key,
	}
	r.pr.myNewIncarnation = r.broadcast(wire.TypeNewIncarnation, body)
	r.pr.retransTimer = r.after(r.cfg.RecoveryUpdateTimestamp, r.retransmitIncarnation)
}

func (r *Replica) retransmitIncarnation() {
	if r.pr.incCert != nil || r.pr.status == StatusNormal {
		return
	}
	body := &wire.NewIncarnationMsg{}
	if r.pr.myNewIncarnation != nil {
		if err := wire.Unmarshal(r.pr.myNewIncarnation.Body, body); err != nil {
			return
		}
	}
	body.Timestamp = r.now().Unix()
	r.pr.myNewIncarnation = r.broadcast(wire.TypeNewIncarnation, body)
	r.pr.retransTimer = r.after(r.cfg.RecoveryUpdateTimestamp, r.retransmitIncarnation)
}

// processNewIncarnation handles a peer's fresh incarnation announcement.
// Startup replicas vote for a system reset; normal replicas acknowledge
// a legitimate recovery.
func (r *Replica) processNewIncarnation(env *wire.Envelope) {
	body := &wire.NewIncarnationMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	from := env.MachineID
	if from == r.id {
		return
	}
	r.pr.newIncMsgs[from] = env
	switch r.pr.status {
	case StatusStartup, StatusReset:
		r.voteReset()
	case StatusNormal:
		now := r.now().Unix()
		skew := int64(r.cfg.RecoveryUpdateTimestamp.Seconds()) + 60
		if body.Timestamp < now-skew || body.Timestamp > now+skew {
			return
		}
		idx := int(from) - 1
		if idx < 0 || idx >= len(r.pr.lastRecovery) {
			return
		}
		if r.pr.lastRecovery[idx] != 0 && now-r.pr.lastRecovery[idx] < int64(r.cfg.RecoveryPeriod.Seconds()) {
			return
		}
		if body.Incarnation <= r.pr.preinstalled[idx] {
			return
		}
		r.sendTo(from, wire.TypeIncarnationAck, &wire.IncarnationAckMsg{
			Recovering:  from,
			Incarnation: body.Incarnation,
			Digest:      env.BodyDigest(),
		})
	}
}

// processIncarnationAck collects acknowledgements of this replica's own
// recovery; the quorum assembles the incarnation certificate.
func (r *Replica) processIncarnationAck(env *wire.Envelope) {
	if r.pr.status != StatusRecovery || r.pr.myNewIncarnation == nil {
		return
	}
	body := &wire.IncarnationAckMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.Recovering != r.id || body.Incarnation != r.inc {
		return
	}
	if body.Digest != r.pr.myNewIncarnation.BodyDigest() {
		return
	}
	if _, dup := r.pr.incAcks[env.MachineID]; dup {
		return
	}
	r.pr.incAcks[env.MachineID] = env
	if uint32(len(r.pr.incAcks)) < r.cfg.QuorumSize() || r.pr.incCert != nil {
		return
	}
	cert := &wire.IncarnationCertMsg{NewIncarnation: r.pr.myNewIncarnation.Encode()}
	for _, a := range r.pr.incAcks {
		cert.Acks = append(cert.Acks, a.Encode())
	}
	r.pr.incCert = cert
	r.broadcast(wire.TypeIncarnationCert, cert)
	r.requestRecoveryState()
}

// requestRecoveryState asks the group for a jump target plus every
// unexecuted message it must re-learn.
func (r *Replica) requestRecoveryState() {
	r.pr.recoveryNonce = uuid.New().String()
	r.pr.jumpResponses = make(map[types.ReplicaID]*wire.JumpMsg)
	r.pr.pendingStates = make(map[types.ReplicaID]*wire.PendingStateMsg)
	r.pr.pendingShares = make(map[types.ReplicaID][]*wire.PendingShareMsg)
	r.broadcast(wire.TypeCatchupRequest, &wire.CatchupRequestMsg{
		Flag:           wire.FlagRecovery,
		Aru:            r.ord.aru,
		PoAru:          r.po.cumAru.Clone(),
		ProposalDigest: r.pr.proposalDigest,
		Nonce:          r.pr.recoveryNonce,
	})
	catchupRequestsTotal.Inc()
	r.after(r.cfg.RecoveryUpdateTimestamp, r.retryRecoveryState)
}

// retryRecoveryState re-asks under the same nonce while the transfer is
// incomplete.
func (r *Replica) retryRecoveryState() {
	if r.pr.status != StatusRecovery || r.pr.recoveryNonce == "" {
		return
	}
	r.broadcast(wire.TypeCatchupRequest, &wire.CatchupRequestMsg{
		Flag:           wire.FlagRecovery,
		Aru:            r.ord.aru,
		PoAru:          r.po.cumAru.Clone(),
		ProposalDigest: r.pr.proposalDigest,
		Nonce:          r.pr.recoveryNonce,
	})
	r.after(r.cfg.RecoveryUpdateTimestamp, r.retryRecoveryState)
}

// processIncarnationCert installs a recovering replica's fresh
// incarnation: pending state beyond its certified stream is dropped and
// outstanding endorsements are refreshed under the new snapshot.
func (r *Replica) processIncarnationCert(env *wire.Envelope) {
	body := &wire.IncarnationCertMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	incEnv, err := wire.Decode(body.NewIncarnation)
	if err != nil || incEnv.Type != wire.TypeNewIncarnation {
		return
	}
	if err := r.signer.Verify(incEnv); err != nil {
		return
	}
	incBody := &wire.NewIncarnationMsg{}
	if err := wire.Unmarshal(incEnv.Body, incBody); err != nil {
		return
	}
	recovering := incEnv.MachineID
	d := incEnv.BodyDigest()
	ackers := make(map[types.ReplicaID]struct{})
	for _, raw := range body.Acks {
		aEnv, err := wire.Decode(raw)
		if err != nil || aEnv.Type != wire.TypeIncarnationAck {
			continue
		}
		if err := r.signer.Verify(aEnv); err != nil {
			continue
		}
		aBody := &wire.IncarnationAckMsg{}
		if err := wire.Unmarshal(aEnv.Body, aBody); err != nil {
			continue
		}
		if aBody.Recovering != recovering || aBody.Incarnation != incBody.Incarnation || aBody.Digest != d {
			continue
		}
		ackers[aEnv.MachineID] = struct{}{}
	}
	if uint32(len(ackers)) < r.cfg.QuorumSize() {
		return
	}
	idx := int(recovering) - 1
	if idx < 0 || idx >= len(r.pr.preinstalled) {
		return
	}
	if incBody.Incarnation <= r.pr.preinstalled[idx] {
		return
	}
	r.pr.preinstalled[idx] = incBody.Incarnation
	r.pr.installed[idx] = incBody.Incarnation
	r.pr.lastRecovery[idx] = r.now().Unix()
	r.dropPendingFor(recovering)
	r.refreshEndorsements()
	log.WithFields(logrus.Fields{"replica": recovering, "incarnation": incBody.Incarnation}).Info("Installed incarnation certificate")
}

// dropPendingFor clears a recovering replica's uncertified pre-order
// slots and its endorsements on open ordering slots.
func (r *Replica) dropPendingFor(id types.ReplicaID) {
	aru := r.po.cumAru.Get(id)
	for k, s := range r.po.slots {
		if k.Server != id {
			continue
		}
		if k.Seq.Compare(aru) > 0 && !s.cert {
			delete(r.po.slots, k)
		}
	}
	for _, slot := range r.ord.slots {
		if slot.ordered {
			continue
		}
		delete(slot.prepares, id)
		delete(slot.commits, id)
	}
}

// refreshEndorsements re-broadcasts this replica's outstanding Prepares
// and Commits under the updated preinstalled snapshot.
func (r *Replica) refreshEndorsements() {
	if r.pr.status != StatusNormal {
		return
	}
	snapshot := r.pr.preinstalled.Clone()
	for _, slot := range r.ord.slots {
		if slot.ordered || !slot.collected {
			continue
		}
		if slot.preinstalled != nil && slot.preinstalled.Equal(snapshot) {
			continue
		}
		slot.preinstalled = snapshot.Clone()
		// Stale endorsements from the old snapshot cannot match anymore.
		for id, env := range slot.prepares {
			if b := prepareBody(env); b == nil || !b.Preinstalled.Equal(snapshot) {
				delete(slot.prepares, id)
			}
		}
		for id, env := range slot.commits {
			if b := commitBody(env); b == nil || !b.Preinstalled.Equal(snapshot) {
				delete(slot.commits, id)
			}
		}
		if slot.sentPrepare && !r.iAmLeader() {
			r.broadcast(wire.TypePrepare, &wire.PrepareMsg{
				Seq:          slot.seq,
				View:         slot.view,
				Digest:       slot.ppDigest,
				Preinstalled: snapshot.Clone(),
			})
		}
		if slot.sentCommit {
			r.broadcast(wire.TypeCommit, &wire.CommitMsg{
				Seq:          slot.seq,
				View:         slot.view,
				Digest:       slot.ppDigest,
				Preinstalled: snapshot.Clone(),
			})
		}
	}
}

// processPendingState records a responder's share manifest for this
// replica's recovery transfer.
func (r *Replica) processPendingState(env *wire.Envelope) {
	if r.pr.status != StatusRecovery {
		return
	}
	body := &wire.PendingStateMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.Nonce != r.pr.recoveryNonce {
		return
	}
	if _, dup := r.pr.pendingStates[env.MachineID]; dup {
		return
	}
	r.pr.pendingStates[env.MachineID] = body
	r.checkRecoveryComplete()
}

// processPendingShare buffers one transferred message.
func (r *Replica) processPendingShare(env *wire.Envelope) {
	if r.pr.status != StatusRecovery {
		return
	}
	body := &wire.PendingShareMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.Nonce != r.pr.recoveryNonce {
		return
	}
	for _, existing := range r.pr.pendingShares[env.MachineID] {
		if existing.Index == body.Index {
			return
		}
	}
	r.pr.pendingShares[env.MachineID] = append(r.pr.pendingShares[env.MachineID], body)
	r.checkRecoveryComplete()
}

// checkRecoveryComplete finishes the recovery once 2f+k+1 responders
// agree on the global proposal digest, each with a complete share set.
// The replica jumps to the highest certified ordinal of that majority
// and replays the shares.
func (r *Replica) checkRecoveryComplete() {
	counts := make(map[[32]byte][]types.ReplicaID)
	for id, jump := range r.pr.jumpResponses {
		counts[jump.ProposalDigest] = append(counts[jump.ProposalDigest], id)
	}
	var majority []types.ReplicaID
	var digest [32]byte
	for d, ids := range counts {
		if uint32(len(ids)) >= r.cfg.QuorumSize() {
			majority = ids
			digest = d
			break
		}
	}
	if majority == nil {
		return
	}
	var bestCert *wire.OrdCertMsg
	bestAru := uint32(0)
	for _, id := range majority {
		ps, ok := r.pr.pendingStates[id]
		if !ok || uint32(len(r.pr.pendingShares[id])) < ps.TotalShares {
			return
		}
		jump := r.pr.jumpResponses[id]
		if jump.Aru >= bestAru {
			bestAru = jump.Aru
			if jump.OrdCert != nil {
				bestCert = jump.OrdCert
			}
		}
	}
	r.pr.proposalDigest = digest
	r.pr.status = StatusNormal
	r.po.seq = types.PoSeq{Incarnation: r.inc}
	r.po.executed = types.PoSeq{Incarnation: r.inc}
	if bestCert != nil {
		r.jumpTo(bestCert)
	}
	shares := r.pr.pendingShares
	r.pr.pendingShares = make(map[types.ReplicaID][]*wire.PendingShareMsg)
	for _, list := range shares {
		for _, share := range list {
			inner, err := wire.Decode(share.Payload)
			if err != nil {
				continue
			}
			if err := r.signer.Verify(inner); err != nil {
				continue
			}
			if inner.Type != wire.TypePoRequest && inner.Type != wire.TypePrePrepare {
				continue
			}
			r.Process(inner)
		}
	}
	log.WithFields(logrus.Fields{"replica": r.id, "aru": r.ord.aru}).Info("Recovery complete, transitioning to normal")
}

// respondRecovery serves a recovering replica: the jump target, the
// share manifest, and every unexecuted PO-Request and Pre-Prepare.
func (r *Replica) respondRecovery(from types.ReplicaID, req *wire.CatchupRequestMsg) {
	var cert *wire.OrdCertMsg
	if slot := r.ordSlotIfExists(r.ord.aru); slot != nil {
		cert = r.buildOrdCert(slot)
	}
	r.sendTo(from, wire.TypeJump, &wire.JumpMsg{
		Aru:            r.ord.aru,
		ProposalDigest: r.pr.proposalDigest,
		OrdCert:        cert,
		Nonce:          req.Nonce,
	})
	var payloads [][]byte
	kinds := []uint32{}
	for k, s := range r.po.slots {
		if s.req == nil || s.cert && k.Seq.Compare(r.po.cumAru.Get(k.Server)) <= 0 {
			continue
		}
		payloads = append(payloads, s.req.Encode())
		kinds = append(kinds, wire.PendingKindPoRequest)
	}
	for seq, slot := range r.ord.slots {
		if slot.executed || seq <= r.ord.aru {
			continue
		}
		for _, p := range slot.parts {
			if p != nil {
				payloads = append(payloads, p.Encode())
				kinds = append(kinds, wire.PendingKindPrePrepare)
			}
		}
	}
	r.sendTo(from, wire.TypePendingState, &wire.PendingStateMsg{
		Seq:         r.ord.aru,
		TotalShares: uint32(len(payloads)),
		Nonce:       req.Nonce,
	})
	for i, raw := range payloads {
		r.sendTo(from, wire.TypePendingShare, &wire.PendingShareMsg{
			Index:   uint32(i),
			Kind:    kinds[i],
			Nonce:   req.Nonce,
			Payload: raw,
		})
	}
}
