// Package prime implements the leader-based Byzantine fault tolerant
// ordering engine: pre-ordering of client updates, the three phase
// ordering pipeline, leader suspicion and view changes, proactive
// recovery with system reset, and certificate based catchup.
//
// A replica is single threaded: every protocol message is processed to
// quiescence before the next is dequeued, and all timeouts are
// single-shot re-armable events on one scheduler. There are no locks.
package prime

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gridprime/gridprime/config/params"
	"github.com/gridprime/gridprime/consensus/types"
	"github.com/gridprime/gridprime/crypto/threshold"
	"github.com/gridprime/gridprime/network"
	"github.com/gridprime/gridprime/wire"
)

// DeliverFunc receives each executed event in total order. The envelope
// is the client update, or a synthetic no-op for empty ordinals.
type DeliverFunc func(ord types.Ordinal, event *wire.Envelope)

// Config collects everything a replica needs to run.
type Config struct {
	Protocol *params.ProtocolConfig
	ID       types.ReplicaID
	Signer   *wire.Signer
	// VcKey is the threshold group used to sign view change proofs.
	VcKey   *threshold.KeyGroup
	Net     network.Transport
	Deliver DeliverFunc
	// Clock is injectable for tests; defaults to time.Now.
	Clock func() time.Time
}

// Replica is one member of the ordering group. All fields are owned by
// the replica goroutine.
type Replica struct {
	cfg    *params.ProtocolConfig
	id     types.ReplicaID
	n      uint32
	signer *wire.Signer
	vcKey  *threshold.KeyGroup
	net    network.Transport
	sched    *scheduler
	filter   *wire.ReplayFilter
	now      func() time.Time
	timerGen uint64

	view             types.View
	preinstalledView types.View
	inc              uint32

	po    poState
	ord   ordState
	sus   suspectState
	rb    rbState
	vc    vcState
	pr    prState
	catch catchState

	deliver DeliverFunc
	// local is the intake from the inject task and tests.
	local chan *wire.Envelope
}

// New builds a replica in Startup state. Run must be called to start it.
func New(cfg *Config) (*Replica, error) {
	if cfg.Protocol == nil || cfg.Signer == nil || cfg.Net == nil {
		return nil, errors.New("incomplete replica config")
	}
	if err := cfg.Protocol.Validate(); err != nil {
		return nil, err
	}
	if cfg.ID == 0 || uint32(cfg.ID) > cfg.Protocol.NumServers {
		return nil, errors.Errorf("invalid replica id %d", cfg.ID)
	}
	filter, err := wire.NewReplayFilter(1 << 14)
	if err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	n := cfg.Protocol.NumServers
	r := &Replica{
		cfg:              cfg.Protocol,
		id:               cfg.ID,
		n:                n,
		signer:           cfg.Signer,
		vcKey:            cfg.VcKey,
		net:              cfg.Net,
		sched:            newScheduler(),
		filter:           filter,
		now:              clock,
		view:             1,
		preinstalledView: 1,
		po:               newPoState(n),
		ord:              newOrdState(),
		sus:              newSuspectState(n),
		rb:               newRbState(),
		vc:               newVcState(),
		pr:               newPrState(n),
		catch:            newCatchState(cfg.Protocol.CatchupPeriod),
		deliver:          cfg.Deliver,
		local:            make(chan *wire.Envelope, 1024),
	}
	return r, nil
}

// ID returns the replica id.
func (r *Replica) ID() types.ReplicaID { return r.id }

// View returns the installed view.
func (r *Replica) View() types.View { return r.view }

// Status returns the recovery lifecycle state.
func (r *Replica) Status() RecoveryStatus { return r.pr.status }

// Aru returns the largest contiguously executed ordinal.
func (r *Replica) Aru() uint32 { return r.ord.aru }

// leader returns the leader of the installed view.
func (r *Replica) leader() types.ReplicaID {
	return types.LeaderOfView(r.view, r.n)
}

// iAmLeader reports whether this replica leads the installed view.
func (r *Replica) iAmLeader() bool { return r.leader() == r.id }

// Run drives the replica until the context ends. Inbound datagrams and
// local submissions are interleaved with due timers; each message is
// handled to quiescence.
func (r *Replica) Run(ctx context.Context) error {
	r.startTimers()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		r.sched.fireDue(r.now())
		wait := time.Hour
		if at, ok := r.sched.nextDeadline(); ok {
			wait = at.Sub(r.now())
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case dg, ok := <-r.net.Recv():
			if !ok {
				return errors.New("transport closed")
			}
			r.handleRaw(dg.Payload)
		case env := <-r.local:
			r.Process(env)
		}
	}
}

// Submit hands a locally received, already verified envelope to the
// replica goroutine.
func (r *Replica) Submit(env *wire.Envelope) {
	select {
	case r.local <- env:
	default:
		log.Warn("Local submission queue full, dropping")
	}
}

// handleRaw decodes, authenticates and dispatches one datagram.
func (r *Replica) handleRaw(raw []byte) {
	env, err := wire.Decode(raw)
	if err != nil {
		log.WithError(err).Debug("Dropping malformed datagram")
		return
	}
	if env.Type == wire.TypeUpdate {
		// Client updates are authenticated against the client key by the
		// pre-order intake. The filter only absorbs client retransmission
		// bursts; protocol messages must pass, their handlers are
		// idempotent and peers retransmit deliberately.
		if !r.filter.Seen(env) {
			r.Process(env)
		}
		return
	}
	if err := r.signer.Verify(env); err != nil {
		log.WithFields(logrus.Fields{"type": env.Type, "from": env.MachineID}).Debug("Dropping message with bad signature")
		return
	}
	r.Process(env)
}

// Process dispatches one verified envelope to its handler. Handlers are
// idempotent; replays and protocol-state violations fall through
// silently.
func (r *Replica) Process(env *wire.Envelope) {
	switch env.Type {
	case wire.TypeUpdate:
		r.processUpdate(env)
	case wire.TypePoRequest:
		r.processPoRequest(env)
	case wire.TypePoAck:
		r.processPoAck(env)
	case wire.TypePoAru:
		r.processPoAru(env)
	case wire.TypeProofMatrix:
		r.processProofMatrix(env)
	case wire.TypePrePrepare:
		r.processPrePrepare(env)
	case wire.TypePrepare:
		r.processPrepare(env)
	case wire.TypeCommit:
		r.processCommit(env)
	case wire.TypeTatMeasure:
		r.processTatMeasure(env)
	case wire.TypeTatUB:
		r.processTatUB(env)
	case wire.TypeRttPing:
		r.processRttPing(env)
	case wire.TypeRttPong:
		r.processRttPong(env)
	case wire.TypeRttMeasure:
		r.processRttMeasure(env)
	case wire.TypeNewLeader:
		r.processNewLeader(env)
	case wire.TypeNewLeaderProof:
		r.processNewLeaderProof(env)
	case wire.TypeRBInit:
		r.processRBInit(env)
	case wire.TypeRBEcho:
		r.processRBEcho(env)
	case wire.TypeRBReady:
		r.processRBReady(env)
	case wire.TypeReport:
		r.processReport(env)
	case wire.TypePCSet:
		r.processPCSet(env)
	case wire.TypeVCList:
		r.processVCList(env)
	case wire.TypeVCPartialSig:
		r.processVCPartialSig(env)
	case wire.TypeVCProof:
		r.processVCProof(env)
	case wire.TypeReplay:
		r.processReplay(env)
	case wire.TypeReplayPrepare:
		r.processReplayPrepare(env)
	case wire.TypeReplayCommit:
		r.processReplayCommit(env)
	case wire.TypeCatchupRequest:
		r.processCatchupRequest(env)
	case wire.TypeOrdCert:
		r.processOrdCert(env)
	case wire.TypePoCert:
		r.processPoCert(env)
	case wire.TypeJump:
		r.processJump(env)
	case wire.TypeNewIncarnation:
		r.processNewIncarnation(env)
	case wire.TypeIncarnationAck:
		r.processIncarnationAck(env)
	case wire.TypeIncarnationCert:
		r.processIncarnationCert(env)
	case wire.TypePendingState:
		r.processPendingState(env)
	case wire.TypePendingShare:
		r.processPendingShare(env)
	case wire.TypeResetVote:
		r.processResetVote(env)
	case wire.TypeResetShare:
		r.processResetShare(env)
	case wire.TypeResetProposal:
		r.processResetProposal(env)
	case wire.TypeResetPrepare:
		r.processResetPrepare(env)
	case wire.TypeResetCommit:
		r.processResetCommit(env)
	case wire.TypeResetNewLeader:
		r.processResetNewLeader(env)
	case wire.TypeResetNewLeaderProof:
		r.processResetNewLeaderProof(env)
	case wire.TypeResetViewChange:
		r.processResetViewChange(env)
	case wire.TypeResetNewView:
		r.processResetNewView(env)
	case wire.TypeResetCert:
		r.processResetCert(env)
	default:
		log.WithField("type", env.Type).Debug("Unhandled message type")
	}
}

// sign wraps a body into a signed envelope.
func (r *Replica) sign(t wire.MessageType, body interface{}) (*wire.Envelope, error) {
	env, err := wire.NewEnvelope(t, r.id, r.inc, body)
	if err != nil {
		return nil, err
	}
	if err := r.signer.Sign(env); err != nil {
		return nil, err
	}
	return env, nil
}

// broadcast signs, sends to every peer, and processes the message
// locally, since most protocol counts include the sender's own message.
func (r *Replica) broadcast(t wire.MessageType, body interface{}) *wire.Envelope {
	env, err := r.sign(t, body)
	if err != nil {
		log.WithError(err).WithField("type", t).Error("Could not build broadcast")
		return nil
	}
	if err := r.net.Broadcast(env.Encode()); err != nil {
		log.WithError(err).WithField("type", t).Debug("Broadcast failed")
	}
	r.Process(env)
	return env
}

// sendTo signs and sends to one replica. Sending to self dispatches
// locally.
func (r *Replica) sendTo(to types.ReplicaID, t wire.MessageType, body interface{}) *wire.Envelope {
	env, err := r.sign(t, body)
	if err != nil {
		log.WithError(err).WithField("type", t).Error("Could not build message")
		return nil
	}
	if to == r.id {
		r.Process(env)
		return env
	}
	if err := r.net.Send(to, env.Encode()); err != nil {
		log.WithError(err).WithFields(logrus.Fields{"type": t, "to": to}).Debug("Send failed")
	}
	return env
}

// resend transmits an already signed envelope again.
func (r *Replica) resend(env *wire.Envelope) {
	if env == nil {
		return
	}
	if err := r.net.Broadcast(env.Encode()); err != nil {
		log.WithError(err).Debug("Retransmission failed")
	}
}

// after schedules fn once after d.
func (r *Replica) after(d time.Duration, fn func()) timerID {
	return r.sched.schedule(r.now().Add(d), fn)
}

// every schedules fn at a fixed period until the scheduler is cleared.
// The generation check stops a stale chain from re-arming after a reset.
func (r *Replica) every(d time.Duration, fn func()) {
	gen := r.timerGen
	var arm func()
	arm = func() {
		if gen != r.timerGen {
			return
		}
		fn()
		r.after(d, arm)
	}
	r.after(d, arm)
}

// startTimers arms the periodic protocol drivers. Handlers guard on the
// recovery status themselves.
func (r *Replica) startTimers() {
	r.timerGen++
	r.every(r.cfg.PoAruPeriod, r.periodicPoAru)
	r.every(r.cfg.ProofMatrixPeriod, r.periodicProofMatrix)
	r.every(r.cfg.PrePreparePeriod, r.periodicPrePrepare)
	r.every(r.cfg.PoRetransPeriod, r.periodicPoRetrans)
	r.every(r.cfg.SuspectPingPeriod, r.periodicSuspectPing)
	r.every(r.cfg.TatMeasurePeriod, r.periodicTatExchange)
	r.every(r.cfg.CatchupPeriod, r.periodicCatchup)
}

// FireDue advances the scheduler; exposed for deterministic tests.
func (r *Replica) FireDue() { r.sched.fireDue(r.now()) }

// localReset drops all protocol state and returns to Startup, keeping
// only keys and transport. No in-flight message survives.
func (r *Replica) localReset() {
	resetsTotal.Inc()
	log.WithField("replica", r.id).Warn("Performing full local reset")
	r.sched.clear()
	r.view = 1
	r.preinstalledView = 1
	r.po = newPoState(r.n)
	r.ord = newOrdState()
	r.sus = newSuspectState(r.n)
	r.rb = newRbState()
	r.vc = newVcState()
	r.pr = newPrState(r.n)
	r.catch = newCatchState(r.cfg.CatchupPeriod)
	r.startTimers()
	currentView.Set(float64(r.view))
	executionAru.Set(0)
}
