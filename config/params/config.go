// Package params centralizes the protocol constants and membership
// configuration shared by the ordering engine and the intrusion tolerant
// reliable channel. The zero value is never usable; start from
// DefaultConfig and override from a file or flags.
package params

import (
	"time"

	"github.com/pkg/errors"
)

// ProtocolConfig holds every tunable of the replication protocol. All
// durations are wall-clock; quorum sizes are derived, never stored.
type ProtocolConfig struct {
	// Membership dimensioning. NumServers must be at least
	// 3*Faults + 2*Recovering + 1.
	NumServers uint32 `yaml:"num_servers"`
	Faults     uint32 `yaml:"faults"`     // f
	Recovering uint32 `yaml:"recovering"` // k

	// Pre-order.
	MaxPoInFlight     uint32        `yaml:"max_po_in_flight"`
	PoAruPeriod       time.Duration `yaml:"po_aru_period"`
	ProofMatrixPeriod time.Duration `yaml:"proof_matrix_period"`
	PoRetransPeriod   time.Duration `yaml:"po_retrans_period"`

	// Order.
	PrePreparePeriod time.Duration `yaml:"pre_prepare_period"`
	MaxParts         uint32        `yaml:"max_parts"`

	// Suspect leader.
	SuspectPingPeriod time.Duration `yaml:"suspect_ping_period"`
	TatMeasurePeriod  time.Duration `yaml:"tat_measure_period"`
	KLat              float64       `yaml:"k_lat"`
	MinRtt            time.Duration `yaml:"min_rtt"`

	// Catchup.
	CatchupPeriod  time.Duration `yaml:"catchup_period"`
	CatchupHistory uint32        `yaml:"catchup_history"`

	// Proactive recovery and reset.
	RecoveryPeriod          time.Duration `yaml:"recovery_period"`
	RecoveryUpdateTimestamp time.Duration `yaml:"recovery_update_timestamp"`
	SystemResetMinWait      time.Duration `yaml:"system_reset_min_wait"`

	// ITRC.
	CheckpointPeriod uint32        `yaml:"checkpoint_period"`
	TcHistory        uint32        `yaml:"tc_history"`
	UpdateSize       uint32        `yaml:"update_size"`
	MaxPayloadSize   uint32        `yaml:"max_payload_size"`
	TransferBurst    int           `yaml:"transfer_burst"`

	// Transport.
	ConnectRetry time.Duration `yaml:"connect_retry"`
	KeysDir      string        `yaml:"keys_dir"`
}

// DefaultConfig mirrors the deployment defaults of a six replica,
// one fault, one recovering control plane.
func DefaultConfig() *ProtocolConfig {
	return &ProtocolConfig{
		NumServers:              6,
		Faults:                  1,
		Recovering:              1,
		MaxPoInFlight:           100,
		PoAruPeriod:             30 * time.Millisecond,
		ProofMatrixPeriod:       30 * time.Millisecond,
		PoRetransPeriod:         500 * time.Millisecond,
		PrePreparePeriod:        30 * time.Millisecond,
		MaxParts:                8,
		SuspectPingPeriod:       500 * time.Millisecond,
		TatMeasurePeriod:        500 * time.Millisecond,
		KLat:                    2.5,
		MinRtt:                  2 * time.Millisecond,
		CatchupPeriod:           2 * time.Second,
		CatchupHistory:          500,
		RecoveryPeriod:          30 * time.Second,
		RecoveryUpdateTimestamp: 2 * time.Second,
		SystemResetMinWait:      5 * time.Second,
		CheckpointPeriod:        1000,
		TcHistory:               200,
		UpdateSize:              300,
		MaxPayloadSize:          512,
		TransferBurst:           3,
		ConnectRetry:            2 * time.Second,
		KeysDir:                 "./keys",
	}
}

// Validate rejects dimensioning that breaks the resilience assumption.
func (c *ProtocolConfig) Validate() error {
	if c.NumServers < c.MinMembership() {
		return errors.Errorf("num_servers %d below 3f+2k+1 = %d", c.NumServers, c.MinMembership())
	}
	if c.MaxPoInFlight == 0 {
		return errors.New("max_po_in_flight must be positive")
	}
	return nil
}

// MinMembership is 3f + 2k + 1.
func (c *ProtocolConfig) MinMembership() uint32 {
	return 3*c.Faults + 2*c.Recovering + 1
}

// QuorumSize is 2f + k + 1, the threshold for certificates, stable
// checkpoints and view installation.
func (c *ProtocolConfig) QuorumSize() uint32 {
	return 2*c.Faults + c.Recovering + 1
}

// PrepareQuorum is 2f + k: the number of matching Prepares that, together
// with the Pre-Prepare itself, form a prepare certificate.
func (c *ProtocolConfig) PrepareQuorum() uint32 {
	return 2*c.Faults + c.Recovering
}

// ThresholdShares is f + 1, the combining threshold of both threshold
// signature groups.
func (c *ProtocolConfig) ThresholdShares() uint32 {
	return c.Faults + 1
}

// AbortQuorum is f + k + 1: the count of Startup peers or mismatching jump
// digests that force a full local reset.
func (c *ProtocolConfig) AbortQuorum() uint32 {
	return c.Faults + c.Recovering + 1
}

// GcWidth is the garbage collection chunk, clamped to at least one slot.
func (c *ProtocolConfig) GcWidth() uint32 {
	if c.CatchupHistory == 0 {
		return 1
	}
	return c.CatchupHistory
}
