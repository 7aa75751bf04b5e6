package wire

import (
	"github.com/niclabs/tcrsa"

	"github.com/gridprime/gridprime/consensus/types"
)

// Catchup request flags.
const (
	FlagCatchup uint32 = iota + 1
	FlagJump
	FlagPeriodic
	FlagRecovery
)

// Pending share kinds carried during recovery state transfer.
const (
	PendingKindPoRequest uint32 = iota + 1
	PendingKindPrePrepare
)

// UpdateMsg is a client submission. Seq is the client's own
// (incarnation, seq_num) pair; Payload is opaque to the ordering core.
type UpdateMsg struct {
	Client  types.ClientID `json:"client"`
	Seq     types.PoSeq    `json:"seq"`
	Payload []byte         `json:"payload"`
}

// PoRequestMsg batches client updates under one local pre-order sequence.
// Events are encoded client update envelopes.
type PoRequestMsg struct {
	Seq    types.PoSeq `json:"seq"`
	Events [][]byte    `json:"events"`
}

// PoAckPart acknowledges a single PO-Request.
type PoAckPart struct {
	Originator types.ReplicaID `json:"originator"`
	Seq        types.PoSeq     `json:"seq"`
	Digest     [32]byte        `json:"digest"`
}

// PoAckMsg carries acknowledgement parts plus the sender's preinstalled
// incarnation snapshot at acknowledgement time.
type PoAckMsg struct {
	Parts        []PoAckPart             `json:"parts"`
	Preinstalled types.IncarnationVector `json:"preinstalled"`
}

// PoAruMsg is the cumulative acknowledgement vector broadcast
// periodically; one signed PoAruMsg is a proof matrix row.
type PoAruMsg struct {
	CumAru types.PoSeqVector `json:"cum_aru"`
}

// ProofMatrixMsg aggregates the freshest signed PO-ARU from every
// replica. Rows are encoded signed PO-ARU envelopes, indexed by id-1;
// empty rows stand for replicas never heard from.
type ProofMatrixMsg struct {
	Rows [][]byte `json:"rows"`
}

// PrePrepareMsg is one fragment of the leader's ordering proposal.
type PrePrepareMsg struct {
	Seq            uint32            `json:"seq"`
	View           types.View        `json:"view"`
	PartIdx        uint32            `json:"part_idx"`
	PartTot        uint32            `json:"part_tot"`
	LastExecuted   types.PoSeqVector `json:"last_executed"`
	ProposalDigest [32]byte          `json:"proposal_digest"`
	Rows           [][]byte          `json:"rows"`
}

// PrepareMsg endorses a fully assembled Pre-Prepare.
type PrepareMsg struct {
	Seq          uint32                  `json:"seq"`
	View         types.View              `json:"view"`
	Digest       [32]byte                `json:"digest"`
	Preinstalled types.IncarnationVector `json:"preinstalled"`
}

// CommitMsg commits a prepare certificate.
type CommitMsg struct {
	Seq          uint32                  `json:"seq"`
	View         types.View              `json:"view"`
	Digest       [32]byte                `json:"digest"`
	Preinstalled types.IncarnationVector `json:"preinstalled"`
}

// TatMeasureMsg reports the sender's maximum observed leader turnaround
// for the current view, in seconds.
type TatMeasureMsg struct {
	View   types.View `json:"view"`
	MaxTat float64    `json:"max_tat"`
}

// TatUBMsg reports the sender's upper bound (alpha) on acceptable
// turnaround, in seconds.
type TatUBMsg struct {
	View  types.View `json:"view"`
	Alpha float64    `json:"alpha"`
}

// RttPingMsg probes a peer's round trip time.
type RttPingMsg struct {
	SeqNum uint32     `json:"seq_num"`
	View   types.View `json:"view"`
}

// RttPongMsg answers a ping.
type RttPongMsg struct {
	SeqNum uint32     `json:"seq_num"`
	View   types.View `json:"view"`
}

// RttMeasureMsg tells a peer the RTT observed toward it.
type RttMeasureMsg struct {
	View types.View      `json:"view"`
	Dest types.ReplicaID `json:"dest"`
	Rtt  float64         `json:"rtt"`
}

// NewLeaderMsg votes to replace the leader.
type NewLeaderMsg struct {
	NewView types.View `json:"new_view"`
}

// NewLeaderProofMsg proves 2f+k+1 replicas voted for the new view.
// Votes are encoded signed NewLeader envelopes.
type NewLeaderProofMsg struct {
	NewView types.View `json:"new_view"`
	Votes   [][]byte   `json:"votes"`
}

// RBTag keys one reliable broadcast instance.
type RBTag struct {
	Sender types.ReplicaID `json:"sender"`
	Seq    uint32          `json:"seq"`
	View   types.View      `json:"view"`
}

// RBMsg carries a reliably broadcast payload through the init, echo and
// ready phases. Payload is the encoded inner envelope.
type RBMsg struct {
	Tag     RBTag  `json:"tag"`
	Payload []byte `json:"payload"`
}

// ReportMsg opens the replay view change: the sender's execution ARU and
// the number of PC-Set messages it will reliably broadcast.
type ReportMsg struct {
	View      types.View `json:"view"`
	ExecAru   uint32     `json:"exec_aru"`
	PcSetSize uint32     `json:"pc_set_size"`
}

// PCSetMsg carries one prepare certificate through the view change.
// PrePrepare holds the proposal fragments; Prepares the endorsements.
type PCSetMsg struct {
	View       types.View `json:"view"`
	Seq        uint32     `json:"seq"`
	PrePrepare [][]byte   `json:"pre_prepare"`
	Prepares   [][]byte   `json:"prepares"`
}

// VCListMsg names the 2f+k+1 replicas whose complete state the sender
// holds, as a bitmask indexed by id-1.
type VCListMsg struct {
	View types.View `json:"view"`
	List uint32     `json:"list"`
}

// VCPartialSigMsg contributes a threshold share over (view, list,
// start_seq).
type VCPartialSigMsg struct {
	View     types.View      `json:"view"`
	List     uint32          `json:"list"`
	StartSeq uint32          `json:"start_seq"`
	Share    *tcrsa.SigShare `json:"share"`
}

// VCProofMsg is the combined threshold signature over a view change list.
type VCProofMsg struct {
	View         types.View `json:"view"`
	List         uint32     `json:"list"`
	StartSeq     uint32     `json:"start_seq"`
	ThresholdSig []byte     `json:"threshold_sig"`
}

// ReplayMsg is the new leader's installation order for the new view.
type ReplayMsg struct {
	View         types.View `json:"view"`
	List         uint32     `json:"list"`
	StartSeq     uint32     `json:"start_seq"`
	ThresholdSig []byte     `json:"threshold_sig"`
}

// ReplayPrepareMsg endorses a Replay.
type ReplayPrepareMsg struct {
	View   types.View `json:"view"`
	Digest [32]byte   `json:"digest"`
}

// ReplayCommitMsg commits a Replay.
type ReplayCommitMsg struct {
	View   types.View `json:"view"`
	Digest [32]byte   `json:"digest"`
}

// CatchupRequestMsg asks peers for ordinal or PO certificates.
type CatchupRequestMsg struct {
	Flag           uint32            `json:"flag"`
	Aru            uint32            `json:"aru"`
	PoAru          types.PoSeqVector `json:"po_aru"`
	ProposalDigest [32]byte          `json:"proposal_digest"`
	Nonce          string            `json:"nonce"`
}

// OrdCertMsg proves one ordinal committed: the assembled Pre-Prepare
// fragments plus 2f+k+1 commits.
type OrdCertMsg struct {
	Seq        uint32     `json:"seq"`
	View       types.View `json:"view"`
	PrePrepare [][]byte   `json:"pre_prepare"`
	Commits    [][]byte   `json:"commits"`
}

// PoCertMsg proves one PO-Request was acknowledged by 2f+k+1 replicas.
type PoCertMsg struct {
	Originator types.ReplicaID `json:"originator"`
	Seq        types.PoSeq     `json:"seq"`
	Request    []byte          `json:"request"`
	Acks       [][]byte        `json:"acks"`
}

// JumpMsg lets a faraway replica adopt a remote ordinal certificate.
// OrdCert is empty when the responder is at ordinal zero or only proves
// a proposal digest mismatch.
type JumpMsg struct {
	Aru            uint32      `json:"aru"`
	ProposalDigest [32]byte    `json:"proposal_digest"`
	OrdCert        *OrdCertMsg `json:"ord_cert,omitempty"`
	Nonce          string      `json:"nonce"`
}

// NewIncarnationMsg announces a recovering replica's fresh incarnation.
// Key is opaque session key material, bound only via the ack digest.
type NewIncarnationMsg struct {
	Incarnation uint32 `json:"incarnation"`
	Timestamp   int64  `json:"timestamp"`
	Nonce       string `json:"nonce"`
	Key         []byte `json:"key"`
}

// IncarnationAckMsg acknowledges a NewIncarnation by digest.
type IncarnationAckMsg struct {
	Recovering  types.ReplicaID `json:"recovering"`
	Incarnation uint32          `json:"incarnation"`
	Digest      [32]byte        `json:"digest"`
}

// IncarnationCertMsg assembles 2f+k+1 acks around a NewIncarnation.
type IncarnationCertMsg struct {
	NewIncarnation []byte   `json:"new_incarnation"`
	Acks           [][]byte `json:"acks"`
}

// PendingStateMsg opens a recovery state transfer: how many shares the
// responder will send for the request nonce.
type PendingStateMsg struct {
	Seq         uint32 `json:"seq"`
	TotalShares uint32 `json:"total_shares"`
	Nonce       string `json:"nonce"`
}

// PendingShareMsg carries one unexecuted PO-Request or Pre-Prepare to a
// recovering replica.
type PendingShareMsg struct {
	Index   uint32 `json:"index"`
	Kind    uint32 `json:"kind"`
	Nonce   string `json:"nonce"`
	Payload []byte `json:"payload"`
}

// ResetVoteMsg votes to form a fresh system.
type ResetVoteMsg struct {
	Incarnation uint32 `json:"incarnation"`
	Nonce       string `json:"nonce"`
}

// ResetShareMsg contributes a member's share to the reset proposal.
type ResetShareMsg struct {
	View        types.View `json:"view"`
	Incarnation uint32     `json:"incarnation"`
	Nonce       string     `json:"nonce"`
	Key         []byte     `json:"key"`
}

// ResetProposalMsg is the reset leader's collection of one share per
// known member.
type ResetProposalMsg struct {
	View   types.View `json:"view"`
	Shares [][]byte   `json:"shares"`
}

// ResetPrepareMsg endorses a reset proposal by digest.
type ResetPrepareMsg struct {
	View   types.View `json:"view"`
	Digest [32]byte   `json:"digest"`
}

// ResetCommitMsg commits a reset proposal by digest.
type ResetCommitMsg struct {
	View   types.View `json:"view"`
	Digest [32]byte   `json:"digest"`
}

// ResetNewLeaderMsg votes to rotate a stalled reset leader.
type ResetNewLeaderMsg struct {
	NewView types.View `json:"new_view"`
}

// ResetNewLeaderProofMsg proves the rotation quorum.
type ResetNewLeaderProofMsg struct {
	NewView types.View `json:"new_view"`
	Votes   [][]byte   `json:"votes"`
}

// ResetViewChangeMsg carries a member's reset state into the new reset
// view, including a prepared proposal when one exists.
type ResetViewChangeMsg struct {
	View     types.View `json:"view"`
	Proposal []byte     `json:"proposal,omitempty"`
	Prepares [][]byte   `json:"prepares,omitempty"`
}

// ResetNewViewMsg installs the new reset view.
type ResetNewViewMsg struct {
	View        types.View `json:"view"`
	ViewChanges [][]byte   `json:"view_changes"`
}

// ResetCertMsg is the committed reset proposal adopted as the global
// incarnation proof; its digest is the proposal digest.
type ResetCertMsg struct {
	View     types.View `json:"view"`
	Proposal []byte     `json:"proposal"`
	Commits  [][]byte   `json:"commits"`
}

// TCShareMsg carries one threshold signature share over an ordinal and
// its reply payload.
type TCShareMsg struct {
	Ord           types.Ordinal   `json:"ord"`
	PayloadDigest [32]byte        `json:"payload_digest"`
	Payload       []byte          `json:"payload"`
	Share         *tcrsa.SigShare `json:"share"`
}

// TCFinalMsg is the combined threshold-signed client reply.
type TCFinalMsg struct {
	Ord       types.Ordinal `json:"ord"`
	Payload   []byte        `json:"payload"`
	Signature []byte        `json:"signature"`
}

// TCShareSMMsg is the pre-ordering threshold share over one client
// submission, keyed by (client, seq).
type TCShareSMMsg struct {
	Client        types.ClientID  `json:"client"`
	Seq           types.PoSeq     `json:"seq"`
	PayloadDigest [32]byte        `json:"payload_digest"`
	Payload       []byte          `json:"payload"`
	Share         *tcrsa.SigShare `json:"share"`
}

// TCFinalSMMsg is the combined pre-ordering signature authenticating a
// client submission for injection.
type TCFinalSMMsg struct {
	Client    types.ClientID `json:"client"`
	Seq       types.PoSeq    `json:"seq"`
	Payload   []byte         `json:"payload"`
	Signature []byte         `json:"signature"`
}

// CheckpointMsg is an encrypted application snapshot at a checkpoint
// ordinal, with the per-client latest update vector.
type CheckpointMsg struct {
	Ord          types.Ordinal          `json:"ord"`
	LatestUpdate map[uint32]types.PoSeq `json:"latest_update"`
	IV           []byte                 `json:"iv"`
	Payload      []byte                 `json:"payload"`
}

// UpdateTransferMsg replays one logged ordinal to a recovering replica.
type UpdateTransferMsg struct {
	Ord     types.Ordinal `json:"ord"`
	Payload []byte        `json:"payload"`
}

// CreateCheckpointMsg asks the application for a snapshot.
type CreateCheckpointMsg struct {
	Ord types.Ordinal `json:"ord"`
}

// StateTransferMsg signals that the addressed replica must run the
// update transfer recovery.
type StateTransferMsg struct {
	Ord    types.Ordinal   `json:"ord"`
	Target types.ReplicaID `json:"target"`
}

// ClientResponseMsg is the application reply delivered back to a client.
type ClientResponseMsg struct {
	Client  types.ClientID `json:"client"`
	Seq     types.PoSeq    `json:"seq"`
	Ord     types.Ordinal  `json:"ord"`
	Payload []byte         `json:"payload"`
}

// ClientNoOpMsg is the synthetic event delivered for empty ordinals.
type ClientNoOpMsg struct{}

// SystemResetMsg tells the application layer the system was reset.
type SystemResetMsg struct{}
