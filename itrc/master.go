package itrc

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gridprime/gridprime/config/params"
	"github.com/gridprime/gridprime/consensus/types"
	"github.com/gridprime/gridprime/crypto/threshold"
	"github.com/gridprime/gridprime/network"
	"github.com/gridprime/gridprime/scada"
	"github.com/gridprime/gridprime/wire"
)

// MasterConfig wires the master task.
type MasterConfig struct {
	Protocol *params.ProtocolConfig
	ID       types.ReplicaID
	Signer   *wire.Signer
	// PostKey is the post-ordering threshold group signing client replies.
	PostKey *threshold.KeyGroup
	Net     network.Transport
	App     scada.Application
	// SharedKey encrypts checkpoint payloads.
	SharedKey []byte
	// EmitFinal delivers a combined reply toward the external network.
	EmitFinal func(*wire.TCFinalMsg)
	// LatestUpdates supplies the per-client frontier for checkpoint
	// headers; optional.
	LatestUpdates func() map[uint32]types.PoSeq
}

type bufferedEvent struct {
	ord     types.Ordinal
	payload []byte
}

type transferVotes struct {
	votes   map[types.ReplicaID][32]byte
	payload []byte
	iv      []byte
}

type outboundMsg struct {
	to  types.ReplicaID
	env *wire.Envelope
}

// Master owns the post-ordering reliable channel of one replica: it
// applies ordered events to the state machine, aggregates threshold
// shares into client replies, maintains encrypted checkpoints and runs
// the update transfer recovery. Single goroutine, no locks.
type Master struct {
	cfg       *params.ProtocolConfig
	id        types.ReplicaID
	signer    *wire.Signer
	postKey   *threshold.KeyGroup
	net       network.Transport
	app       scada.Application
	sharedKey []byte
	emit      func(*wire.TCFinalMsg)
	latest    func() map[uint32]types.PoSeq

	appliedOrd types.Ordinal
	started    bool

	queue   *TcQueue[types.Ordinal]
	seen    []types.Ordinal
	emitIdx int

	updates     map[types.Ordinal][]byte
	checkpoints map[types.Ordinal]*checkpointEntry
	ownCkpt     map[types.Ordinal]*wire.CheckpointMsg
	lastStable  types.Ordinal

	collecting  bool
	recoveryOrd types.Ordinal
	buffered    []bufferedEvent
	xferCkpts   map[types.Ordinal]*transferVotes
	xferUpdates map[types.Ordinal]*transferVotes
	accepted    map[types.Ordinal][]byte

	outbox []outboundMsg
}

// NewMaster builds the master task state.
func NewMaster(cfg *MasterConfig) (*Master, error) {
	if cfg.Protocol == nil || cfg.Signer == nil || cfg.App == nil {
		return nil, errors.New("incomplete master config")
	}
	limit := int(cfg.Protocol.TcHistory)
	return &Master{
		cfg:         cfg.Protocol,
		id:          cfg.ID,
		signer:      cfg.Signer,
		postKey:     cfg.PostKey,
		net:         cfg.Net,
		app:         cfg.App,
		sharedKey:   cfg.SharedKey,
		emit:        cfg.EmitFinal,
		latest:      cfg.LatestUpdates,
		queue:       NewTcQueue[types.Ordinal](cfg.PostKey, limit),
		updates:     make(map[types.Ordinal][]byte),
		checkpoints: make(map[types.Ordinal]*checkpointEntry),
		ownCkpt:     make(map[types.Ordinal]*wire.CheckpointMsg),
		xferCkpts:   make(map[types.Ordinal]*transferVotes),
		xferUpdates: make(map[types.Ordinal]*transferVotes),
		accepted:    make(map[types.Ordinal][]byte),
	}, nil
}

// AppliedOrd returns the state machine frontier.
func (m *Master) AppliedOrd() types.Ordinal { return m.appliedOrd }

// Collecting reports whether an update transfer is in flight.
func (m *Master) Collecting() bool { return m.collecting }

func (m *Master) broadcast(t wire.MessageType, body interface{}) {
	env, err := wire.NewEnvelope(t, m.id, 0, body)
	if err != nil {
		return
	}
	if err := m.signer.Sign(env); err != nil {
		return
	}
	if err := m.net.Broadcast(env.Encode()); err != nil {
		log.WithError(err).WithField("type", t).Debug("Master broadcast failed")
	}
}

func (m *Master) buildSigned(t wire.MessageType, body interface{}) *wire.Envelope {
	env, err := wire.NewEnvelope(t, m.id, 0, body)
	if err != nil {
		return nil
	}
	if err := m.signer.Sign(env); err != nil {
		return nil
	}
	return env
}

// ProcessOrdinal ingests one ordered event from the ordering engine. A
// gap in the ordinal sequence means the engine jumped; the master then
// recovers the missing range through the update transfer.
func (m *Master) ProcessOrdinal(ord types.Ordinal, event *wire.Envelope) {
	payload := eventPayload(event)
	if m.collecting {
		m.buffered = append(m.buffered, bufferedEvent{ord: ord, payload: payload})
		return
	}
	if m.started && !types.Consecutive(m.appliedOrd, ord) {
		if ord.Compare(m.appliedOrd) <= 0 {
			return
		}
		m.startUpdateTransfer(ord)
		m.buffered = append(m.buffered, bufferedEvent{ord: ord, payload: payload})
		return
	}
	if !m.started && ord.OrdNum > 1 {
		m.startUpdateTransfer(ord)
		m.buffered = append(m.buffered, bufferedEvent{ord: ord, payload: payload})
		return
	}
	m.applyEvent(ord, payload, true)
	m.drainFinals()
}

// eventPayload extracts the application payload of a delivered event.
func eventPayload(event *wire.Envelope) []byte {
	if event == nil || event.Type != wire.TypeUpdate {
		return nil
	}
	body := &wire.UpdateMsg{}
	if err := wire.Unmarshal(event.Body, body); err != nil {
		return nil
	}
	return body.Payload
}

// applyEvent advances the state machine and, when emitting, contributes
// this replica's threshold share over the reply.
func (m *Master) applyEvent(ord types.Ordinal, payload []byte, emitShares bool) {
	reply, kind := m.app.Apply(ord, payload)
	m.appliedOrd = ord
	m.started = true
	appliedOrdinal.Set(float64(ord.OrdNum))
	m.updates[ord] = payload
	m.seen = append(m.seen, ord)

	if kind == scada.KindReply && emitShares && m.postKey != nil {
		d := wire.Digest(reply)
		doc := OrdinalDoc(ord, d)
		share, err := m.postKey.SignShare(doc)
		if err != nil {
			log.WithError(err).Error("Could not sign reply share")
		} else {
			m.broadcast(wire.TypeTCShare, &wire.TCShareMsg{
				Ord:           ord,
				PayloadDigest: d,
				Payload:       reply,
				Share:         share,
			})
			// With f = 0 our own share alone reaches the threshold; the
			// drain pass picks the final up either way.
			m.queue.InsertShare(ord, m.id, doc, reply, share)
		}
	} else {
		m.queue.MarkSkip(ord)
		tcSkipsTotal.Inc()
	}
	if m.cfg.CheckpointPeriod > 0 && ord.OrdNum%m.cfg.CheckpointPeriod == 0 && ord.EventIdx == ord.EventTot {
		m.createCheckpoint(ord)
	}
}

// drainFinals emits combined replies with strict ordinal contiguity:
// a final leaves only when its ordinal is exactly the next unemitted
// one. While an update transfer is collecting, outgoing replies stop.
func (m *Master) drainFinals() {
	if m.collecting {
		return
	}
	for m.emitIdx < len(m.seen) {
		ord := m.seen[m.emitIdx]
		done, skip := m.queue.Terminal(ord)
		if done {
			final := &wire.TCFinalMsg{
				Ord:       ord,
				Payload:   m.queue.Payload(ord),
				Signature: m.queue.Final(ord),
			}
			if m.emit != nil {
				m.emit(final)
			}
			tcFinalsTotal.Inc()
		} else if !skip {
			return
		}
		m.emitIdx++
	}
}

// ProcessPeer dispatches one message from a control center peer.
func (m *Master) ProcessPeer(env *wire.Envelope) {
	if err := m.signer.Verify(env); err != nil {
		return
	}
	switch env.Type {
	case wire.TypeTCShare:
		m.processTCShare(env)
	case wire.TypeCheckpoint:
		m.processCheckpoint(env)
	case wire.TypeStateTransfer:
		m.processStateTransfer(env)
	case wire.TypeUpdateTransfer:
		m.processUpdateTransfer(env)
	}
}

func (m *Master) processTCShare(env *wire.Envelope) {
	if m.postKey == nil {
		return
	}
	body := &wire.TCShareMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil || body.Share == nil {
		return
	}
	if wire.Digest(body.Payload) != body.PayloadDigest {
		return
	}
	doc := OrdinalDoc(body.Ord, body.PayloadDigest)
	if sig := m.queue.InsertShare(body.Ord, env.MachineID, doc, body.Payload, body.Share); sig != nil {
		m.drainFinals()
	}
}

func (m *Master) createCheckpoint(ord types.Ordinal) {
	snapshot, err := m.app.Snapshot()
	if err != nil {
		log.WithError(err).Error("Could not snapshot application")
		return
	}
	iv := checkpointIV(ord)
	payload, err := EncryptCheckpoint(m.sharedKey, iv, snapshot)
	if err != nil {
		log.WithError(err).Error("Could not encrypt checkpoint")
		return
	}
	var latest map[uint32]types.PoSeq
	if m.latest != nil {
		latest = m.latest()
	}
	msg := &wire.CheckpointMsg{Ord: ord, LatestUpdate: latest, IV: iv, Payload: payload}
	m.ownCkpt[ord] = msg
	entry := m.getCheckpoint(ord)
	entry.votes[m.id] = wire.Digest(payload)
	m.broadcast(wire.TypeCheckpoint, msg)
	m.tallyCheckpoint(ord)
}

func (m *Master) getCheckpoint(ord types.Ordinal) *checkpointEntry {
	e, ok := m.checkpoints[ord]
	if !ok {
		e = newCheckpointEntry(ord)
		m.checkpoints[ord] = e
	}
	return e
}

func (m *Master) processCheckpoint(env *wire.Envelope) {
	body := &wire.CheckpointMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if m.collecting {
		m.collectTransferCheckpoint(env.MachineID, body)
		return
	}
	// Stability is monotone: never regress below the stable line.
	if body.Ord.Compare(m.lastStable) <= 0 && m.lastStable.OrdNum > 0 {
		return
	}
	entry := m.getCheckpoint(body.Ord)
	if _, dup := entry.votes[env.MachineID]; dup {
		return
	}
	entry.votes[env.MachineID] = wire.Digest(body.Payload)
	m.tallyCheckpoint(body.Ord)
}

// tallyCheckpoint promotes a checkpoint to correct at f+1 matching
// ciphertexts and to stable at 2f+k+1, pruning the update log below.
func (m *Master) tallyCheckpoint(ord types.Ordinal) {
	entry, ok := m.checkpoints[ord]
	if !ok {
		return
	}
	own, ok := m.ownCkpt[ord]
	if !ok {
		return
	}
	wasStable := entry.stable
	entry.tally(wire.Digest(own.Payload), m.cfg.ThresholdShares(), m.cfg.QuorumSize())
	if entry.stable && !wasStable {
		m.stabilizeCheckpoint(ord)
	}
}

func (m *Master) stabilizeCheckpoint(ord types.Ordinal) {
	checkpointsStableTotal.Inc()
	m.lastStable = ord
	log.WithField("ord", ord.OrdNum).Info("Checkpoint stable")
	for k := range m.updates {
		if k.Compare(ord) <= 0 {
			delete(m.updates, k)
		}
	}
	for k := range m.checkpoints {
		if k.Compare(ord) < 0 {
			delete(m.checkpoints, k)
			delete(m.ownCkpt, k)
		}
	}
	// Bound the reply queue to the retransmission window behind the
	// stable line.
	m.queue.Prune(func(k types.Ordinal) bool { return k.Compare(ord) > 0 })
	if m.emitIdx > 0 && m.emitIdx <= len(m.seen) {
		live := m.seen[m.emitIdx:]
		kept := make([]types.Ordinal, len(live))
		copy(kept, live)
		m.seen = kept
		m.emitIdx = 0
	}
}

// startUpdateTransfer enters the recovery path: buffer arriving
// ordinals, stop emitting replies, and ask peers for the gap.
func (m *Master) startUpdateTransfer(target types.Ordinal) {
	if m.collecting {
		return
	}
	log.WithFields(logrus.Fields{"applied": m.appliedOrd.OrdNum, "target": target.OrdNum}).Info("Starting update transfer")
	m.collecting = true
	m.recoveryOrd = target
	m.xferCkpts = make(map[types.Ordinal]*transferVotes)
	m.xferUpdates = make(map[types.Ordinal]*transferVotes)
	m.accepted = make(map[types.Ordinal][]byte)
	m.broadcast(wire.TypeStateTransfer, &wire.StateTransferMsg{Ord: target, Target: m.id})
}

// processStateTransfer serves a recovering peer: the latest stable
// checkpoint plus one UpdateTransfer per logged ordinal, queued through
// the bounded outbox.
func (m *Master) processStateTransfer(env *wire.Envelope) {
	body := &wire.StateTransferMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if body.Target == m.id {
		// Addressed at us: the engine asks for recovery.
		if !m.collecting {
			m.startUpdateTransfer(body.Ord)
		}
		return
	}
	if m.collecting {
		return
	}
	if own, ok := m.ownCkpt[m.lastStable]; ok {
		if e := m.buildSigned(wire.TypeCheckpoint, own); e != nil {
			m.outbox = append(m.outbox, outboundMsg{to: env.MachineID, env: e})
		}
	}
	for ord, payload := range m.updates {
		if body.Ord.OrdNum > 0 && ord.Compare(body.Ord) > 0 {
			continue
		}
		e := m.buildSigned(wire.TypeUpdateTransfer, &wire.UpdateTransferMsg{Ord: ord, Payload: payload})
		if e != nil {
			m.outbox = append(m.outbox, outboundMsg{to: env.MachineID, env: e})
		}
	}
}

// PumpOutbox sends at most the configured burst of queued transfer
// messages; called once per scheduler turn to avoid saturating the
// recovering replica's link.
func (m *Master) PumpOutbox() {
	burst := m.cfg.TransferBurst
	if burst <= 0 {
		burst = 3
	}
	for i := 0; i < burst && len(m.outbox) > 0; i++ {
		out := m.outbox[0]
		m.outbox = m.outbox[1:]
		if err := m.net.Send(out.to, out.env.Encode()); err != nil {
			log.WithError(err).Debug("Transfer send failed")
		}
	}
}

// OutboxLen is exposed for the service loop and tests.
func (m *Master) OutboxLen() int { return len(m.outbox) }

func (m *Master) collectTransferCheckpoint(from types.ReplicaID, body *wire.CheckpointMsg) {
	tv, ok := m.xferCkpts[body.Ord]
	if !ok {
		tv = &transferVotes{votes: make(map[types.ReplicaID][32]byte)}
		m.xferCkpts[body.Ord] = tv
	}
	if _, dup := tv.votes[from]; dup {
		return
	}
	d := wire.Digest(body.Payload)
	tv.votes[from] = d
	if tv.payload == nil {
		tv.payload = body.Payload
		tv.iv = body.IV
	}
	m.checkTransferComplete()
}

func (m *Master) processUpdateTransfer(env *wire.Envelope) {
	if !m.collecting {
		return
	}
	body := &wire.UpdateTransferMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	tv, ok := m.xferUpdates[body.Ord]
	if !ok {
		tv = &transferVotes{votes: make(map[types.ReplicaID][32]byte)}
		m.xferUpdates[body.Ord] = tv
	}
	if _, dup := tv.votes[env.MachineID]; dup {
		return
	}
	d := wire.Digest(body.Payload)
	tv.votes[env.MachineID] = d
	if tv.payload == nil {
		tv.payload = body.Payload
	}
	if countMatching(tv.votes, d) >= m.cfg.ThresholdShares() {
		if _, have := m.accepted[body.Ord]; !have {
			m.accepted[body.Ord] = body.Payload
		}
	}
	m.checkTransferComplete()
}

func countMatching(votes map[types.ReplicaID][32]byte, d [32]byte) uint32 {
	n := uint32(0)
	for _, v := range votes {
		if v == d {
			n++
		}
	}
	return n
}

// checkTransferComplete finishes the recovery once an accepted
// checkpoint plus a contiguous accepted update chain reach the recovery
// ordinal. The checkpoint restores the application, the chain replays,
// buffered events resume.
func (m *Master) checkTransferComplete() {
	var ckptOrd types.Ordinal
	var ckpt *transferVotes
	for ord, tv := range m.xferCkpts {
		if tv.payload == nil {
			continue
		}
		if countMatching(tv.votes, wire.Digest(tv.payload)) < m.cfg.ThresholdShares() {
			continue
		}
		if ckpt == nil || ord.Compare(ckptOrd) > 0 {
			ckptOrd = ord
			ckpt = tv
		}
	}
	if ckpt == nil {
		return
	}
	// Walk the accepted chain from the checkpoint to the recovery target.
	chain := []types.Ordinal{}
	cur := ckptOrd
	for cur.Compare(m.recoveryOrd) < 0 {
		var next types.Ordinal
		found := false
		for ord := range m.accepted {
			if types.Consecutive(cur, ord) {
				next = ord
				found = true
				break
			}
		}
		if !found {
			return
		}
		chain = append(chain, next)
		cur = next
	}
	snapshot, err := DecryptCheckpoint(m.sharedKey, ckpt.iv, ckpt.payload)
	if err != nil {
		log.WithError(err).Error("Could not decrypt transferred checkpoint")
		return
	}
	if err := m.app.Restore(snapshot); err != nil {
		log.WithError(err).Error("Could not restore transferred checkpoint")
		return
	}
	m.appliedOrd = ckptOrd
	m.started = true
	m.lastStable = ckptOrd
	for _, ord := range chain {
		m.applyEvent(ord, m.accepted[ord], false)
	}
	buffered := m.buffered
	m.buffered = nil
	m.collecting = false
	for _, ev := range buffered {
		if ev.ord.Compare(m.recoveryOrd) <= 0 {
			continue
		}
		if !types.Consecutive(m.appliedOrd, ev.ord) {
			continue
		}
		m.applyEvent(ev.ord, ev.payload, true)
	}
	transfersAppliedTotal.Inc()
	log.WithField("ord", m.appliedOrd.OrdNum).Info("Update transfer complete")
	m.drainFinals()
}
