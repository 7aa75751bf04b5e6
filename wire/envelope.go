// Package wire defines the signed message envelope, the protocol message
// taxonomy, and the codec used on the overlay network and IPC surfaces.
package wire

import (
	"crypto/sha256"
	"encoding/binary"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/gridprime/gridprime/consensus/types"
)

// SigSize is the byte length of an RSA-2048 signature.
const SigSize = 256

// headerSize is the fixed envelope header, excluding the signature.
const headerSize = 2 + 2 + 4 + 4 + 4 + 4 + 8 + 4 + 4

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope is the signed frame every protocol message travels in.
type Envelope struct {
	Sig              []byte
	MtNum            uint16
	MtIndex          uint16
	SiteID           uint32
	MachineID        types.ReplicaID
	Type             MessageType
	Incarnation      uint32
	MonotonicCounter uint64
	GlobalConfigNum  uint32
	Body             []byte
}

// Encode serializes the envelope: signature, fixed header, body.
func (e *Envelope) Encode() []byte {
	out := make([]byte, SigSize+headerSize+len(e.Body))
	copy(out, e.Sig)
	e.putHeader(out[SigSize:])
	copy(out[SigSize+headerSize:], e.Body)
	return out
}

func (e *Envelope) putHeader(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], e.MtNum)
	binary.BigEndian.PutUint16(b[2:4], e.MtIndex)
	binary.BigEndian.PutUint32(b[4:8], e.SiteID)
	binary.BigEndian.PutUint32(b[8:12], uint32(e.MachineID))
	binary.BigEndian.PutUint32(b[12:16], uint32(e.Type))
	binary.BigEndian.PutUint32(b[16:20], e.Incarnation)
	binary.BigEndian.PutUint64(b[20:28], e.MonotonicCounter)
	binary.BigEndian.PutUint32(b[28:32], e.GlobalConfigNum)
	binary.BigEndian.PutUint32(b[32:36], uint32(len(e.Body)))
}

// SigningBytes is the byte region covered by the signature: header plus body.
func (e *Envelope) SigningBytes() []byte {
	out := make([]byte, headerSize+len(e.Body))
	e.putHeader(out)
	copy(out[headerSize:], e.Body)
	return out
}

// Decode parses a frame produced by Encode.
func Decode(raw []byte) (*Envelope, error) {
	if len(raw) < SigSize+headerSize {
		return nil, errors.Errorf("short frame: %d bytes", len(raw))
	}
	h := raw[SigSize:]
	e := &Envelope{
		Sig:              append([]byte(nil), raw[:SigSize]...),
		MtNum:            binary.BigEndian.Uint16(h[0:2]),
		MtIndex:          binary.BigEndian.Uint16(h[2:4]),
		SiteID:           binary.BigEndian.Uint32(h[4:8]),
		MachineID:        types.ReplicaID(binary.BigEndian.Uint32(h[8:12])),
		Type:             MessageType(binary.BigEndian.Uint32(h[12:16])),
		Incarnation:      binary.BigEndian.Uint32(h[16:20]),
		MonotonicCounter: binary.BigEndian.Uint64(h[20:28]),
		GlobalConfigNum:  binary.BigEndian.Uint32(h[28:32]),
	}
	bodyLen := binary.BigEndian.Uint32(h[28+4 : 28+8])
	if int(bodyLen) != len(raw)-SigSize-headerSize {
		return nil, errors.Errorf("frame length mismatch: header says %d, have %d", bodyLen, len(raw)-SigSize-headerSize)
	}
	e.Body = append([]byte(nil), raw[SigSize+headerSize:]...)
	return e, nil
}

// Digest is SHA-256 over arbitrary bytes.
func Digest(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// BodyDigest hashes an envelope's signing bytes; two envelopes with equal
// BodyDigest carry the same logical message regardless of signature bytes.
func (e *Envelope) BodyDigest() [32]byte {
	return Digest(e.SigningBytes())
}

// Marshal encodes a message body.
func Marshal(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	return b, errors.Wrap(err, "could not marshal message body")
}

// Unmarshal decodes a message body.
func Unmarshal(b []byte, v interface{}) error {
	return errors.Wrap(json.Unmarshal(b, v), "could not unmarshal message body")
}

// NewEnvelope builds an unsigned envelope around an encodable body.
func NewEnvelope(t MessageType, from types.ReplicaID, inc uint32, body interface{}) (*Envelope, error) {
	raw, err := Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Sig:         make([]byte, SigSize),
		MachineID:   from,
		Type:        t,
		Incarnation: inc,
		Body:        raw,
	}, nil
}
