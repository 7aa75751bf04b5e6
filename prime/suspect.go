package prime

import (
	"sort"

	"github.com/gridprime/gridprime/consensus/types"
	"github.com/gridprime/gridprime/wire"
)

// tatStopwatchStart begins measuring leader turnaround: the time from
// shipping a changed proof matrix until a fresh Pre-Prepare lands.
func (r *Replica) tatStopwatchStart() {
	if r.sus.tatRunning {
		return
	}
	r.sus.tatRunning = true
	r.sus.tatStart = r.now()
}

// tatStopwatchStop closes one turnaround sample.
func (r *Replica) tatStopwatchStop() {
	if !r.sus.tatRunning {
		return
	}
	r.sus.tatRunning = false
	sample := r.now().Sub(r.sus.tatStart).Seconds()
	if sample > r.sus.maxTat {
		r.sus.maxTat = sample
	}
}

// periodicSuspectPing probes every peer's round trip time.
func (r *Replica) periodicSuspectPing() {
	if r.pr.status != StatusNormal {
		return
	}
	r.sus.pingSeq++
	r.sus.pingSent[r.sus.pingSeq] = r.now()
	for id := uint32(1); id <= r.n; id++ {
		if types.ReplicaID(id) == r.id {
			continue
		}
		r.sendTo(types.ReplicaID(id), wire.TypeRttPing, &wire.RttPingMsg{SeqNum: r.sus.pingSeq, View: r.view})
	}
	// Bound the outstanding ping table.
	for s := range r.sus.pingSent {
		if s+16 < r.sus.pingSeq {
			delete(r.sus.pingSent, s)
		}
	}
}

func (r *Replica) processRttPing(env *wire.Envelope) {
	body := &wire.RttPingMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	r.sendTo(env.MachineID, wire.TypeRttPong, &wire.RttPongMsg{SeqNum: body.SeqNum, View: body.View})
}

func (r *Replica) processRttPong(env *wire.Envelope) {
	body := &wire.RttPongMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	sent, ok := r.sus.pingSent[body.SeqNum]
	if !ok {
		return
	}
	rtt := r.now().Sub(sent).Seconds()
	r.sendTo(env.MachineID, wire.TypeRttMeasure, &wire.RttMeasureMsg{View: r.view, Dest: env.MachineID, Rtt: rtt})
	r.noteAlpha(env.MachineID, rtt)
}

// processRttMeasure learns the round trip a peer observed toward us;
// both directions feed the same alpha bound.
func (r *Replica) processRttMeasure(env *wire.Envelope) {
	body := &wire.RttMeasureMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.View != r.view {
		return
	}
	r.noteAlpha(env.MachineID, body.Rtt)
}

// noteAlpha keeps the freshest lowest observed round trip per peer,
// floored by the configured minimum.
func (r *Replica) noteAlpha(peer types.ReplicaID, rtt float64) {
	minRtt := r.cfg.MinRtt.Seconds()
	if rtt < minRtt {
		rtt = minRtt
	}
	idx := int(peer) - 1
	if idx < 0 || idx >= len(r.sus.alpha) {
		return
	}
	if r.sus.alpha[idx] == 0 || rtt < r.sus.alpha[idx] {
		r.sus.alpha[idx] = rtt
	}
}

// periodicTatExchange broadcasts this replica's turnaround measurement
// and its alpha summary, then evaluates the suspicion rule.
func (r *Replica) periodicTatExchange() {
	if r.pr.status != StatusNormal {
		return
	}
	r.broadcast(wire.TypeTatMeasure, &wire.TatMeasureMsg{View: r.view, MaxTat: r.sus.maxTat})
	r.broadcast(wire.TypeTatUB, &wire.TatUBMsg{View: r.view, Alpha: r.myTatUB()})
	r.evaluateSuspicion()
}

// myTatUB summarizes the alpha vector: the (f+k+1)-th largest bound, the
// round trip a correct leader cannot exceed toward enough replicas.
func (r *Replica) myTatUB() float64 {
	vals := make([]float64, 0, len(r.sus.alpha))
	for _, a := range r.sus.alpha {
		if a > 0 {
			vals = append(vals, a)
		}
	}
	need := int(r.cfg.AbortQuorum())
	if len(vals) < need {
		return r.cfg.MinRtt.Seconds()
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(vals)))
	return vals[need-1]
}

func (r *Replica) processTatMeasure(env *wire.Envelope) {
	body := &wire.TatMeasureMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.View != r.view {
		return
	}
	idx := int(env.MachineID) - 1
	if idx < 0 || idx >= len(r.sus.reportedTats) {
		return
	}
	if body.MaxTat > r.sus.reportedTats[idx] {
		r.sus.reportedTats[idx] = body.MaxTat
	}
}

func (r *Replica) processTatUB(env *wire.Envelope) {
	body := &wire.TatUBMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.View != r.view {
		return
	}
	idx := int(env.MachineID) - 1
	if idx < 0 || idx >= len(r.sus.tatUBs) {
		return
	}
	r.sus.tatUBs[idx] = body.Alpha
}

// nthLargest returns the n-th largest positive entry, or 0 when fewer
// exist.
func nthLargest(vals []float64, n int) float64 {
	pos := make([]float64, 0, len(vals))
	for _, v := range vals {
		if v > 0 {
			pos = append(pos, v)
		}
	}
	if len(pos) < n || n == 0 {
		return 0
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(pos)))
	return pos[n-1]
}

// evaluateSuspicion applies the rule
// tat_leader > tat_acceptable*K_LAT + PRE_PREPARE_PERIOD.
func (r *Replica) evaluateSuspicion() {
	if r.iAmLeader() || r.sus.suspected {
		return
	}
	need := int(r.cfg.AbortQuorum())
	tatLeader := nthLargest(r.sus.reportedTats, need)
	tatAcceptable := nthLargest(r.sus.tatUBs, need)
	if tatAcceptable < r.cfg.MinRtt.Seconds() {
		tatAcceptable = r.cfg.MinRtt.Seconds()
	}
	if tatLeader == 0 {
		return
	}
	if tatLeader > tatAcceptable*r.cfg.KLat+r.cfg.PrePreparePeriod.Seconds() {
		r.suspectLeader()
	}
}

// suspectLeader votes to replace the leader of the installed view.
func (r *Replica) suspectLeader() {
	if r.sus.suspected && r.sus.sentNewLeader >= r.view+1 {
		return
	}
	r.sus.suspected = true
	r.sus.sentNewLeader = r.view + 1
	leaderSuspicionsTotal.Inc()
	log.WithField("view", r.view).Warn("Suspecting leader, voting for next view")
	r.broadcast(wire.TypeNewLeader, &wire.NewLeaderMsg{NewView: r.view + 1})
}

// processNewLeader tallies votes; the quorum forms a NewLeaderProof.
func (r *Replica) processNewLeader(env *wire.Envelope) {
	body := &wire.NewLeaderMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.NewView <= r.preinstalledView {
		return
	}
	votes, ok := r.sus.newLeaderVotes[body.NewView]
	if !ok {
		votes = make(map[types.ReplicaID]*wire.Envelope)
		r.sus.newLeaderVotes[body.NewView] = votes
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
	r.broadcast(wire.TypeNewLeaderProof, &wire.NewLeaderProofMsg{NewView: body.NewView, Votes: raw})
}

// processNewLeaderProof verifies the vote quorum and preinstalls the new
// view, kicking off the replay view change.
func (r *Replica) processNewLeaderProof(env *wire.Envelope) {
	body := &wire.NewLeaderProofMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.NewView <= r.preinstalledView {
		return
	}
	voters := make(map[types.ReplicaID]struct{})
	for _, raw := range body.Votes {
		vEnv, err := wire.Decode(raw)
		if err != nil || vEnv.Type != wire.TypeNewLeader {
			continue
		}
		if err := r.signer.Verify(vEnv); err != nil {
			continue
		}
		vBody := &wire.NewLeaderMsg{}
		if err := wire.Unmarshal(vEnv.Body, vBody); err != nil || vBody.NewView != body.NewView {
			continue
		}
		voters[vEnv.MachineID] = struct{}{}
	}
	if uint32(len(voters)) < r.cfg.QuorumSize() {
		return
	}
	r.preinstallView(body.NewView)
}
