package wire

// MessageType discriminates every on-wire body.
type MessageType uint16

const (
	TypeUnknown MessageType = iota
	TypeUpdate
	TypePoRequest
	TypePoAck
	TypePoAru
	TypeProofMatrix
	TypePrePrepare
	TypePrepare
	TypeCommit
	TypeRecon
	TypeTatMeasure
	TypeTatUB
	TypeRttPing
	TypeRttPong
	TypeRttMeasure
	TypeNewLeader
	TypeNewLeaderProof
	TypeRBInit
	TypeRBEcho
	TypeRBReady
	TypeReport
	TypePCSet
	TypeVCList
	TypeVCPartialSig
	TypeVCProof
	TypeReplay
	TypeReplayPrepare
	TypeReplayCommit
	TypeCatchupRequest
	TypeOrdCert
	TypePoCert
	TypeJump
	TypeNewIncarnation
	TypeIncarnationAck
	TypeIncarnationCert
	TypePendingState
	TypePendingShare
	TypeResetVote
	TypeResetShare
	TypeResetProposal
	TypeResetPrepare
	TypeResetCommit
	TypeResetNewLeader
	TypeResetNewLeaderProof
	TypeResetViewChange
	TypeResetNewView
	TypeResetCert
	TypeTCShare
	TypeTCFinal
	TypeCheckpoint
	TypeUpdateTransfer
	TypeCreateCheckpoint
	TypeStateTransfer
	TypeClientResponse
	TypeClientNoOp
	TypeSystemReset
	TypeTCShareSM
	TypeTCFinalSM
)

var typeNames = map[MessageType]string{
	TypeUpdate:              "UPDATE",
	TypePoRequest:           "PO_REQUEST",
	TypePoAck:               "PO_ACK",
	TypePoAru:               "PO_ARU",
	TypeProofMatrix:         "PROOF_MATRIX",
	TypePrePrepare:          "PRE_PREPARE",
	TypePrepare:             "PREPARE",
	TypeCommit:              "COMMIT",
	TypeRecon:               "RECON",
	TypeTatMeasure:          "TAT_MEASURE",
	TypeTatUB:               "TAT_UB",
	TypeRttPing:             "RTT_PING",
	TypeRttPong:             "RTT_PONG",
	TypeRttMeasure:          "RTT_MEASURE",
	TypeNewLeader:           "NEW_LEADER",
	TypeNewLeaderProof:      "NEW_LEADER_PROOF",
	TypeRBInit:              "RB_INIT",
	TypeRBEcho:              "RB_ECHO",
	TypeRBReady:             "RB_READY",
	TypeReport:              "REPORT",
	TypePCSet:               "PC_SET",
	TypeVCList:              "VC_LIST",
	TypeVCPartialSig:        "VC_PARTIAL_SIG",
	TypeVCProof:             "VC_PROOF",
	TypeReplay:              "REPLAY",
	TypeReplayPrepare:       "REPLAY_PREPARE",
	TypeReplayCommit:        "REPLAY_COMMIT",
	TypeCatchupRequest:      "CATCHUP_REQUEST",
	TypeOrdCert:             "ORD_CERT",
	TypePoCert:              "PO_CERT",
	TypeJump:                "JUMP",
	TypeNewIncarnation:      "NEW_INCARNATION",
	TypeIncarnationAck:      "INCARNATION_ACK",
	TypeIncarnationCert:     "INCARNATION_CERT",
	TypePendingState:        "PENDING_STATE",
	TypePendingShare:        "PENDING_SHARE",
	TypeResetVote:           "RESET_VOTE",
	TypeResetShare:          "RESET_SHARE",
	TypeResetProposal:       "RESET_PROPOSAL",
	TypeResetPrepare:        "RESET_PREPARE",
	TypeResetCommit:         "RESET_COMMIT",
	TypeResetNewLeader:      "RESET_NEWLEADER",
	TypeResetNewLeaderProof: "RESET_NEWLEADERPROOF",
	TypeResetViewChange:     "RESET_VIEWCHANGE",
	TypeResetNewView:        "RESET_NEWVIEW",
	TypeResetCert:           "RESET_CERT",
	TypeTCShare:             "TC_SHARE",
	TypeTCFinal:             "TC_FINAL",
	TypeCheckpoint:          "CHECKPOINT",
	TypeUpdateTransfer:      "UPDATE_TRANSFER",
	TypeCreateCheckpoint:    "CREATE_CHECKPOINT",
	TypeStateTransfer:       "STATE_XFER",
	TypeClientResponse:      "CLIENT_RESPONSE",
	TypeClientNoOp:          "CLIENT_NO_OP",
	TypeSystemReset:         "SYSTEM_RESET",
	TypeTCShareSM:           "TC_SHARE_SMENCRYPT",
	TypeTCFinalSM:           "TC_FINAL_SMENCRYPT",
}

// String returns the wire name of the type.
func (t MessageType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}
