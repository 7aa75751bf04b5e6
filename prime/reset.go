package prime

import (
	"crypto/rand"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gridprime/gridprime/consensus/types"
	"github.com/gridprime/gridprime/wire"
)

// voteReset lets a Startup replica vote for forming a fresh system.
func (r *Replica) voteReset() {
	if r.pr.sentResetVote {
		return
	}
	r.pr.sentResetVote = true
	r.broadcast(wire.TypeResetVote, &wire.ResetVoteMsg{
		Incarnation: r.inc,
		Nonce:       uuid.New().String(),
	})
}

// processResetVote tallies fresh-system votes. A quorum moves a Startup
// replica into Reset; a normal replica seeing f+k+1 Startup peers must
// abandon its state, the resilience assumption no longer holds.
func (r *Replica) processResetVote(env *wire.Envelope) {
	body := &wire.ResetVoteMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	r.pr.resetVotes[env.MachineID] = env
	if r.pr.status == StatusNormal {
		if uint32(len(r.pr.resetVotes)) >= r.cfg.AbortQuorum() {
			log.Warn("Too many peers in startup, abandoning running state")
			r.localReset()
			r.Start()
		}
		return
	}
	if r.pr.status != StatusStartup && r.pr.status != StatusReset {
		return
	}
	if r.pr.status == StatusStartup {
		r.voteReset()
	}
	if uint32(len(r.pr.resetVotes)) < r.cfg.QuorumSize() || r.pr.sentResetShare {
		return
	}
	r.pr.status = StatusReset
	r.pr.sentResetShare = true
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return
	}
	r.broadcast(wire.TypeResetShare, &wire.ResetShareMsg{
		View:        r.pr.resetView,
		Incarnation: r.inc,
		Nonce:       uuid.New().String(),
		Key:         key,
	})
}

// processResetShare collects member shares. The reset leader proposes
// after the minimum wait; everyone else arms the same delay to gate
// proposal acceptance.
func (r *Replica) processResetShare(env *wire.Envelope) {
	if r.pr.status != StatusStartup && r.pr.status != StatusReset {
		return
	}
	body := &wire.ResetShareMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.View != r.pr.resetView {
		return
	}
	if _, dup := r.pr.resetShares[env.MachineID]; dup {
		return
	}
	r.pr.resetShares[env.MachineID] = env
	if !r.pr.resetProposeArmed {
		r.pr.resetProposeArmed = true
		r.after(r.cfg.SystemResetMinWait, r.resetMinWaitExpired)
		// Rotate the reset leader if no proposal lands in twice the wait.
		r.after(2*r.cfg.SystemResetMinWait, r.maybeRotateResetLeader)
	}
}

func (r *Replica) resetMinWaitExpired() {
	r.pr.resetMinWaitOk = true
	if r.resetLeader() == r.id {
		r.sendResetProposal()
	} else if r.pr.resetProposal != nil {
		r.acceptResetProposal(r.pr.resetProposal)
	}
}

// resetLeader is the leader of the current reset view.
func (r *Replica) resetLeader() types.ReplicaID {
	return types.LeaderOfView(r.pr.resetView, r.n)
}

// sendResetProposal emits one share per known member.
func (r *Replica) sendResetProposal() {
	if r.pr.status != StatusReset || uint32(len(r.pr.resetShares)) < r.cfg.QuorumSize() {
		return
	}
	shares := make([][]byte, 0, len(r.pr.resetShares))
	for _, s := range r.pr.resetShares {
		shares = append(shares, s.Encode())
	}
	r.broadcast(wire.TypeResetProposal, &wire.ResetProposalMsg{
		View:   r.pr.resetView,
		Shares: shares,
	})
}

// processResetProposal accepts the leader's proposal once the minimum
// wait elapsed, provided it covers our share and every share we know.
func (r *Replica) processResetProposal(env *wire.Envelope) {
	if r.pr.status != StatusReset && r.pr.status != StatusStartup {
		return
	}
	body := &wire.ResetProposalMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.View != r.pr.resetView || env.MachineID != r.resetLeader() {
		return
	}
	if r.pr.resetProposal != nil {
		return
	}
	covered := make(map[types.ReplicaID]struct{})
	for _, raw := range body.Shares {
		sEnv, err := wire.Decode(raw)
		if err != nil || sEnv.Type != wire.TypeResetShare {
			return
		}
		if err := r.signer.Verify(sEnv); err != nil {
			return
		}
		covered[sEnv.MachineID] = struct{}{}
	}
	if uint32(len(covered)) < r.cfg.QuorumSize() {
		return
	}
	if _, ok := covered[r.id]; !ok && r.pr.sentResetShare {
		return
	}
	for known := range r.pr.resetShares {
		if _, ok := covered[known]; !ok {
			return
		}
	}
	r.pr.resetProposal = env
	if r.pr.resetMinWaitOk {
		r.acceptResetProposal(env)
	}
}

func (r *Replica) acceptResetProposal(env *wire.Envelope) {
	if r.pr.sentResetPrepare {
		return
	}
	r.pr.sentResetPrepare = true
	r.broadcast(wire.TypeResetPrepare, &wire.ResetPrepareMsg{
		View:   r.pr.resetView,
		Digest: env.BodyDigest(),
	})
}

func (r *Replica) processResetPrepare(env *wire.Envelope) {
	if r.pr.resetProposal == nil {
		return
	}
	body := &wire.ResetPrepareMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.View != r.pr.resetView || body.Digest != r.pr.resetProposal.BodyDigest() {
		return
	}
	if _, dup := r.pr.resetPrepares[env.MachineID]; dup {
		return
	}
	r.pr.resetPrepares[env.MachineID] = env
	if uint32(len(r.pr.resetPrepares)) >= r.cfg.PrepareQuorum() && !r.pr.sentResetCommit {
		r.pr.sentResetCommit = true
		r.broadcast(wire.TypeResetCommit, &wire.ResetCommitMsg{
			View:   r.pr.resetView,
			Digest: r.pr.resetProposal.BodyDigest(),
		})
	}
}

func (r *Replica) processResetCommit(env *wire.Envelope) {
	if r.pr.resetProposal == nil {
		return
	}
	body := &wire.ResetCommitMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.View != r.pr.resetView || body.Digest != r.pr.resetProposal.BodyDigest() {
		return
	}
	if _, dup := r.pr.resetCommits[env.MachineID]; dup {
		return
	}
	r.pr.resetCommits[env.MachineID] = env
	if uint32(len(r.pr.resetCommits)) < r.cfg.QuorumSize() || r.pr.resetCert != nil {
		return
	}
	cert := &wire.ResetCertMsg{
		View:     r.pr.resetView,
		Proposal: r.pr.resetProposal.Encode(),
	}
	for _, c := range r.pr.resetCommits {
		cert.Commits = append(cert.Commits, c.Encode())
	}
	r.broadcast(wire.TypeResetCert, cert)
}

// processResetCert adopts the committed proposal as the global
// incarnation proof and begins normal operation from a clean slate.
func (r *Replica) processResetCert(env *wire.Envelope) {
	body := &wire.ResetCertMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	propEnv, err := wire.Decode(body.Proposal)
	if err != nil || propEnv.Type != wire.TypeResetProposal {
		return
	}
	if err := r.signer.Verify(propEnv); err != nil {
		return
	}
	propBody := &wire.ResetProposalMsg{}
	if err := wire.Unmarshal(propEnv.Body, propBody); err != nil {
		return
	}
	d := propEnv.BodyDigest()
	committers := make(map[types.ReplicaID]struct{})
	for _, raw := range body.Commits {
		cEnv, err := wire.Decode(raw)
		if err != nil || cEnv.Type != wire.TypeResetCommit {
			continue
		}
		if err := r.signer.Verify(cEnv); err != nil {
			continue
		}
		cBody := &wire.ResetCommitMsg{}
		if err := wire.Unmarshal(cEnv.Body, cBody); err != nil || cBody.Digest != d {
			continue
		}
		committers[cEnv.MachineID] = struct{}{}
	}
	if uint32(len(committers)) < r.cfg.QuorumSize() {
		return
	}
	if r.pr.status == StatusNormal && r.pr.proposalDigest == d {
		return
	}
	r.adoptResetCert(d, propBody)
}

// adoptResetCert installs the fresh global state: ARU zero, view one,
// the proposal's incarnations preinstalled.
func (r *Replica) adoptResetCert(digest [32]byte, proposal *wire.ResetProposalMsg) {
	r.pr.proposalDigest = digest
	for _, raw := range proposal.Shares {
		sEnv, err := wire.Decode(raw)
		if err != nil {
			continue
		}
		sBody := &wire.ResetShareMsg{}
		if err := wire.Unmarshal(sEnv.Body, sBody); err != nil {
			continue
		}
		idx := int(sEnv.MachineID) - 1
		if idx < 0 || idx >= len(r.pr.preinstalled) {
			continue
		}
		r.pr.preinstalled[idx] = sBody.Incarnation
		r.pr.installed[idx] = sBody.Incarnation
	}
	// The reset round is over; stale votes and shares must not leak into
	// the running system's abort accounting.
	r.pr.resetVotes = make(map[types.ReplicaID]*wire.Envelope)
	r.pr.resetShares = make(map[types.ReplicaID]*wire.Envelope)
	r.pr.resetPrepares = make(map[types.ReplicaID]*wire.Envelope)
	r.pr.resetCommits = make(map[types.ReplicaID]*wire.Envelope)
	r.pr.resetVCs = make(map[types.ReplicaID]*wire.Envelope)
	r.pr.sentResetVote = false
	r.pr.sentResetShare = false
	r.pr.sentResetPrepare = false
	r.pr.sentResetCommit = false

	r.pr.status = StatusNormal
	r.view = 1
	r.preinstalledView = 1
	r.ord = newOrdState()
	po := newPoState(r.n)
	po.seq = types.PoSeq{Incarnation: r.inc}
	po.executed = types.PoSeq{Incarnation: r.inc}
	r.po = po
	currentView.Set(1)
	executionAru.Set(0)
	log.WithFields(logrus.Fields{"replica": r.id, "view": 1}).Info("Adopted reset certificate, system is fresh")
}

// maybeRotateResetLeader votes out a reset leader that produced no
// proposal within twice the minimum wait.
func (r *Replica) maybeRotateResetLeader() {
	if r.pr.status != StatusReset || r.pr.resetProposal != nil || r.pr.resetCert != nil {
		return
	}
	next := r.pr.resetView + 1
	r.broadcast(wire.TypeResetNewLeader, &wire.ResetNewLeaderMsg{NewView: next})
}

func (r *Replica) processResetNewLeader(env *wire.Envelope) {
	body := &wire.ResetNewLeaderMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.NewView <= r.pr.resetView {
		return
	}
	votes, ok := r.pr.resetNLVotes[body.NewView]
	if !ok {
		votes = make(map[types.ReplicaID]*wire.Envelope)
		r.pr.resetNLVotes[body.NewView] = votes
	}
	if _, dup := votes[env.MachineID]; dup {
		return
	}
	votes[env.MachineID] = env
	if uint32(len(votes)) < r.cfg.QuorumSize() {
		return
	}
	raw := make([][]byte, 0, len(votes))
	for _, v := range votes {
		raw = append(raw, v.Encode())
	}
	r.broadcast(wire.TypeResetNewLeaderProof, &wire.ResetNewLeaderProofMsg{NewView: body.NewView, Votes: raw})
}

func (r *Replica) processResetNewLeaderProof(env *wire.Envelope) {
	body := &wire.ResetNewLeaderProofMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.NewView <= r.pr.resetView {
		return
	}
	voters := make(map[types.ReplicaID]struct{})
	for _, raw := range body.Votes {
		vEnv, err := wire.Decode(raw)
		if err != nil || vEnv.Type != wire.TypeResetNewLeader {
			continue
		}
		if err := r.signer.Verify(vEnv); err != nil {
			continue
		}
		vBody := &wire.ResetNewLeaderMsg{}
		if err := wire.Unmarshal(vEnv.Body, vBody); err != nil || vBody.NewView != body.NewView {
			continue
		}
		voters[vEnv.MachineID] = struct{}{}
	}
	if uint32(len(voters)) < r.cfg.QuorumSize() {
		return
	}
	r.enterResetView(body.NewView)
}

// enterResetView rotates the reset leader, carrying over any prepared
// proposal into the new reset view.
func (r *Replica) enterResetView(v types.View) {
	if v <= r.pr.resetView {
		return
	}
	r.pr.resetView = v
	vc := &wire.ResetViewChangeMsg{View: v}
	if r.pr.resetProposal != nil && uint32(len(r.pr.resetPrepares)) >= r.cfg.PrepareQuorum() {
		vc.Proposal = r.pr.resetProposal.Encode()
		for _, p := range r.pr.resetPrepares {
			vc.Prepares = append(vc.Prepares, p.Encode())
		}
	}
	r.pr.resetProposal = nil
	r.pr.resetPrepares = make(map[types.ReplicaID]*wire.Envelope)
	r.pr.resetCommits = make(map[types.ReplicaID]*wire.Envelope)
	r.pr.resetVCs = make(map[types.ReplicaID]*wire.Envelope)
	r.pr.sentResetPrepare = false
	r.pr.sentResetCommit = false
	r.pr.resetMinWaitOk = false
	r.pr.resetProposeArmed = false
	r.broadcast(wire.TypeResetViewChange, vc)
}

func (r *Replica) processResetViewChange(env *wire.Envelope) {
	body := &wire.ResetViewChangeMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.View != r.pr.resetView {
		return
	}
	if _, dup := r.pr.resetVCs[env.MachineID]; dup {
		return
	}
	r.pr.resetVCs[env.MachineID] = env
	if r.resetLeader() != r.id || uint32(len(r.pr.resetVCs)) < r.cfg.QuorumSize() {
		return
	}
	raw := make([][]byte, 0, len(r.pr.resetVCs))
	for _, v := range r.pr.resetVCs {
		raw = append(raw, v.Encode())
	}
	r.broadcast(wire.TypeResetNewView, &wire.ResetNewViewMsg{View: r.pr.resetView, ViewChanges: raw})
}

// processResetNewView installs the rotated reset view: a prepared
// proposal carried over by any member is re-proposed, otherwise the new
// leader proposes fresh from its shares.
func (r *Replica) processResetNewView(env *wire.Envelope) {
	body := &wire.ResetNewViewMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.View != r.pr.resetView || env.MachineID != r.resetLeader() {
		return
	}
	var carried *wire.Envelope
	for _, raw := range body.ViewChanges {
		vEnv, err := wire.Decode(raw)
		if err != nil || vEnv.Type != wire.TypeResetViewChange {
			continue
		}
		if err := r.signer.Verify(vEnv); err != nil {
			continue
		}
		vBody := &wire.ResetViewChangeMsg{}
		if err := wire.Unmarshal(vEnv.Body, vBody); err != nil {
			continue
		}
		if len(vBody.Proposal) == 0 {
			continue
		}
		pEnv, err := wire.Decode(vBody.Proposal)
		if err != nil {
			continue
		}
		carried = pEnv
	}
	if carried != nil {
		r.pr.resetProposal = carried
		r.pr.resetMinWaitOk = true
		r.acceptResetProposal(carried)
		return
	}
	if r.resetLeader() == r.id {
		r.after(r.cfg.SystemResetMinWait, func() {
			r.pr.resetMinWaitOk = true
			r.sendResetProposal()
		})
	} else {
		r.after(r.cfg.SystemResetMinWait, func() { r.pr.resetMinWaitOk = true })
	}
}
