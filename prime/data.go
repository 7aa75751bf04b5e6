package prime

import (
	"time"

	"github.com/niclabs/tcrsa"
	gocache "github.com/patrickmn/go-cache"

	"github.com/gridprime/gridprime/consensus/types"
	"github.com/gridprime/gridprime/wire"
)

// RecoveryStatus is the replica's lifecycle state.
type RecoveryStatus uint8

const (
	// StatusStartup is the initial boot with no prior incarnation.
	StatusStartup RecoveryStatus = iota + 1
	// StatusReset means the replica takes part in forming a fresh system.
	StatusReset
	// StatusRecovery means the replica rejoins a running system.
	StatusRecovery
	// StatusNormal means caught up and participating.
	StatusNormal
)

func (s RecoveryStatus) String() string {
	switch s {
	case StatusStartup:
		return "startup"
	case StatusReset:
		return "reset"
	case StatusRecovery:
		return "recovery"
	case StatusNormal:
		return "normal"
	}
	return "unknown"
}

// slotType classifies how an ord slot was produced.
type slotType uint8

const (
	slotCommit slotType = iota + 1
	slotPCSet
	slotNoOp
	slotNoOpPlus
)

// poSlotKey addresses one pre-order slot.
type poSlotKey struct {
	Server types.ReplicaID
	Seq    types.PoSeq
}

type poAckRecord struct {
	digest       [32]byte
	preinstalled types.IncarnationVector
	raw          []byte
}

// poSlot holds one PO-Request and the acknowledgements gathered for it.
// Once certified, the request content is immutable.
type poSlot struct {
	seq    types.PoSeq
	req    *wire.Envelope
	body   *wire.PoRequestMsg
	digest [32]byte
	acks   map[types.ReplicaID]poAckRecord
	cert   bool
}

type poState struct {
	// seq is the last PO-Request sequence this replica broadcast.
	seq types.PoSeq
	// executed is the last of this replica's own PO-Requests that was
	// executed under some ordinal; bounds the flow-control window.
	executed types.PoSeq
	// pending holds client updates batched for the next PO-Request.
	pending []*wire.Envelope
	// intakeDetached is set while the flow-control window is full.
	intakeDetached bool

	slots map[poSlotKey]*poSlot
	// cumAru[j] is the largest contiguously certified PoSeq of origin j.
	cumAru types.PoSeqVector
	// maxAcked[j] is the largest PoSeq of origin j this replica acked.
	maxAcked types.PoSeqVector
	// lastPoAru[j] is the freshest signed PO-ARU envelope from replica j.
	lastPoAru []*wire.Envelope
	lastPoAruBody []*wire.PoAruMsg
	// proofUpdated flags that the local matrix changed since the leader
	// last consumed it.
	proofUpdated bool
	// perClientMax suppresses stale or duplicate client submissions.
	perClientMax map[types.ClientID]types.PoSeq
	// lastAck keeps the most recent PO-Ack batch for retransmission.
	lastAck *wire.Envelope
}

// ordSlot accumulates one ordering slot through the three phases.
type ordSlot struct {
	seq  uint32
	view types.View
	typ  slotType

	parts      []*wire.Envelope
	partBodies []*wire.PrePrepareMsg
	partTot    uint32
	collected  bool

	ppDigest     [32]byte
	matrixRows   []*wire.PoAruMsg
	matrixEnvs   [][]byte
	lastExecuted types.PoSeqVector
	madeEligible types.PoSeqVector
	preinstalled types.IncarnationVector

	prepares map[types.ReplicaID]*wire.Envelope
	commits  map[types.ReplicaID]*wire.Envelope

	prepareCertReady bool
	sentPrepare      bool
	sentCommit       bool
	ordered          bool
	executed         bool
	reconciled       bool

	ordCert *wire.OrdCertMsg
}

type ordState struct {
	// seq is the leader's last assigned ordering slot number.
	seq uint32
	// aru is the largest contiguously executed ordinal.
	aru uint32
	// ppAru is the largest ordinal for which a Prepare was sent
	// contiguously.
	ppAru uint32
	highPrepared  uint32
	highCommitted uint32
	stableCatchup uint32

	slots map[uint32]*ordSlot
	// lastEligible mirrors the made-eligible vector of the last executed
	// slot, surviving garbage collection.
	lastEligible types.PoSeqVector
	// pendingPO holds ordered slots waiting on missing PO-Requests.
	pendingPO map[uint32]struct{}
	// lastProposalDigest dedupes leader proposals.
	lastProposalDigest [32]byte
	// events is not updated; executeSlot numbers each slot's events itself.
	events uint64
}

type suspectState struct {
	pingSeq  uint32
	pingSent map[uint32]time.Time
	// alpha[j] is the freshest lowest observed round trip toward j.
	alpha []float64
	// reportedTats[j] is the max turnaround reported by j for this view.
	reportedTats []float64
	// tatUBs[j] is the alpha summary broadcast by j.
	tatUBs []float64
	// maxTat is the worst leader turnaround this replica measured.
	maxTat float64
	// tatStart is the pending turnaround stopwatch.
	tatStart   time.Time
	tatRunning bool

	suspected      bool
	newLeaderVotes map[types.View]map[types.ReplicaID]*wire.Envelope
	sentNewLeader  types.View
}

type rbPhase uint8

const (
	rbInit rbPhase = iota
	rbSentEcho
	rbSentReady
	rbDelivered
)

type rbSlotKey struct {
	Sender types.ReplicaID
	Seq    uint32
}

type rbSlot struct {
	tag     wire.RBTag
	payload []byte
	echoes  map[types.ReplicaID][32]byte
	readies map[types.ReplicaID][32]byte
	phase   rbPhase
}

type rbState struct {
	seq   uint32
	slots map[rbSlotKey]*rbSlot
}

type listKey struct {
	List     uint32
	StartSeq uint32
}

type vcState struct {
	inProgress bool
	reports    map[types.ReplicaID]*wire.ReportMsg
	pcSets     map[types.ReplicaID][]*wire.PCSetMsg
	complete   map[types.ReplicaID]bool
	sentList   bool
	myList     uint32
	// seenLists keeps every advertised list so completeness gained later
	// can still answer it.
	seenLists map[uint32]struct{}
	partials   map[listKey]map[types.ReplicaID]*tcrsa.SigShare
	sentPartial map[listKey]bool
	proof      *wire.VCProofMsg

	replay         *wire.ReplayMsg
	replayDigest   [32]byte
	replayPrepares map[types.ReplicaID]*wire.Envelope
	replayCommits  map[types.ReplicaID]*wire.Envelope
	sentReplayPrepare bool
	sentReplayCommit  bool
}

type prState struct {
	status RecoveryStatus
	// preinstalled[j] is what this replica accepted for j via certs.
	preinstalled types.IncarnationVector
	// installed[j] is what this replica has fully adopted for j.
	installed types.IncarnationVector
	// lastRecovery[j] is the unix time of j's last accepted recovery.
	lastRecovery []int64

	myNewIncarnation *wire.Envelope
	incAcks          map[types.ReplicaID]*wire.Envelope
	incCert          *wire.IncarnationCertMsg
	newIncMsgs       map[types.ReplicaID]*wire.Envelope
	retransTimer     timerID

	// adopted global incarnation proof.
	proposalDigest [32]byte

	// system reset protocol.
	resetView      types.View
	resetVotes     map[types.ReplicaID]*wire.Envelope
	resetShares    map[types.ReplicaID]*wire.Envelope
	resetProposal  *wire.Envelope
	resetPrepares  map[types.ReplicaID]*wire.Envelope
	resetCommits   map[types.ReplicaID]*wire.Envelope
	resetCert      *wire.ResetCertMsg
	resetMinWaitOk    bool
	sentResetVote     bool
	sentResetShare    bool
	resetProposeArmed bool
	sentResetPrepare  bool
	sentResetCommit   bool
	resetNLVotes      map[types.View]map[types.ReplicaID]*wire.Envelope
	resetVCs          map[types.ReplicaID]*wire.Envelope

	// recovery state transfer.
	recoveryNonce string
	jumpResponses map[types.ReplicaID]*wire.JumpMsg
	pendingStates map[types.ReplicaID]*wire.PendingStateMsg
	pendingShares map[types.ReplicaID][]*wire.PendingShareMsg
}

type catchState struct {
	// rate limits responses: at most one per requester per CatchupPeriod.
	rate *gocache.Cache
	// nonce of the in-flight request.
	nonce string
	// mismatches counts peers whose jump advertised a different global
	// proposal digest.
	mismatches map[types.ReplicaID]struct{}
	forceJump  bool
	probeTimer timerID
}

func newPoState(n uint32) poState {
	return poState{
		slots:         make(map[poSlotKey]*poSlot),
		cumAru:        types.NewPoSeqVector(n),
		maxAcked:      types.NewPoSeqVector(n),
		lastPoAru:     make([]*wire.Envelope, n),
		lastPoAruBody: make([]*wire.PoAruMsg, n),
		perClientMax:  make(map[types.ClientID]types.PoSeq),
	}
}

func newOrdState() ordState {
	return ordState{
		slots:     make(map[uint32]*ordSlot),
		pendingPO: make(map[uint32]struct{}),
	}
}

func newSuspectState(n uint32) suspectState {
	return suspectState{
		pingSent:       make(map[uint32]time.Time),
		alpha:          make([]float64, n),
		reportedTats:   make([]float64, n),
		tatUBs:         make([]float64, n),
		newLeaderVotes: make(map[types.View]map[types.ReplicaID]*wire.Envelope),
	}
}

func newRbState() rbState {
	return rbState{slots: make(map[rbSlotKey]*rbSlot)}
}

func newVcState() vcState {
	return vcState{
		reports:        make(map[types.ReplicaID]*wire.ReportMsg),
		pcSets:         make(map[types.ReplicaID][]*wire.PCSetMsg),
		complete:       make(map[types.ReplicaID]bool),
		seenLists:      make(map[uint32]struct{}),
		partials:       make(map[listKey]map[types.ReplicaID]*tcrsa.SigShare),
		sentPartial:    make(map[listKey]bool),
		replayPrepares: make(map[types.ReplicaID]*wire.Envelope),
		replayCommits:  make(map[types.ReplicaID]*wire.Envelope),
	}
}

func newPrState(n uint32) prState {
	return prState{
		status:        StatusStartup,
		preinstalled:  types.NewIncarnationVector(n),
		installed:     types.NewIncarnationVector(n),
		lastRecovery:  make([]int64, n),
		incAcks:       make(map[types.ReplicaID]*wire.Envelope),
		newIncMsgs:    make(map[types.ReplicaID]*wire.Envelope),
		resetVotes:    make(map[types.ReplicaID]*wire.Envelope),
		resetShares:   make(map[types.ReplicaID]*wire.Envelope),
		resetPrepares: make(map[types.ReplicaID]*wire.Envelope),
		resetCommits:  make(map[types.ReplicaID]*wire.Envelope),
		resetNLVotes:  make(map[types.View]map[types.ReplicaID]*wire.Envelope),
		resetVCs:      make(map[types.ReplicaID]*wire.Envelope),
		resetView:     1,
		jumpResponses: make(map[types.ReplicaID]*wire.JumpMsg),
		pendingStates: make(map[types.ReplicaID]*wire.PendingStateMsg),
		pendingShares: make(map[types.ReplicaID][]*wire.PendingShareMsg),
	}
}

func newCatchState(period time.Duration) catchState {
	return catchState{
		rate:       gocache.New(period, 2*period),
		mismatches: make(map[types.ReplicaID]struct{}),
	}
}

// getPoSlot returns the slot, creating it lazily.
func (r *Replica) getPoSlot(server types.ReplicaID, seq types.PoSeq) *poSlot {
	k := poSlotKey{Server: server, Seq: seq}
	if s, ok := r.po.slots[k]; ok {
		return s
	}
	s := &poSlot{seq: seq, acks: make(map[types.ReplicaID]poAckRecord)}
	r.po.slots[k] = s
	return s
}

// poSlotIfExists returns the slot or nil.
func (r *Replica) poSlotIfExists(server types.ReplicaID, seq types.PoSeq) *poSlot {
	return r.po.slots[poSlotKey{Server: server, Seq: seq}]
}

// getOrdSlot returns the slot, creating it lazily.
func (r *Replica) getOrdSlot(seq uint32) *ordSlot {
	if s, ok := r.ord.slots[seq]; ok {
		return s
	}
	s := &ordSlot{
		seq:      seq,
		prepares: make(map[types.ReplicaID]*wire.Envelope),
		commits:  make(map[types.ReplicaID]*wire.Envelope),
	}
	r.ord.slots[seq] = s
	return s
}

// ordSlotIfExists returns the slot or nil.
func (r *Replica) ordSlotIfExists(seq uint32) *ordSlot {
	return r.ord.slots[seq]
}

// getRbSlot returns the slot for a tag, creating it lazily. Slots from
// older views are invisible: the map is cleared on view installation.
func (r *Replica) getRbSlot(tag wire.RBTag) *rbSlot {
	k := rbSlotKey{Sender: tag.Sender, Seq: tag.Seq}
	if s, ok := r.rb.slots[k]; ok {
		return s
	}
	s := &rbSlot{
		tag:     tag,
		echoes:  make(map[types.ReplicaID][32]byte),
		readies: make(map[types.ReplicaID][32]byte),
	}
	r.rb.slots[k] = s
	return s
}

// poSeqConsecutive reports whether next directly follows prev, allowing
// the first sequence of a fresh incarnation.
func poSeqConsecutive(prev, next types.PoSeq) bool {
	if next.Incarnation == prev.Incarnation {
		return next.SeqNum == prev.SeqNum+1
	}
	return next.Incarnation > prev.Incarnation && next.SeqNum == 1
}
