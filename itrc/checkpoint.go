package itrc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/gridprime/gridprime/consensus/types"
	"github.com/gridprime/gridprime/wire"
)

// EncryptCheckpoint compresses and encrypts an application snapshot
// under a per-checkpoint IV derived key. Every control center replica
// produces byte-identical ciphertext for identical snapshots and IVs.
func EncryptCheckpoint(sharedKey, iv, snapshot []byte) ([]byte, error) {
	if len(iv) != aes.BlockSize {
		return nil, errors.Errorf("checkpoint iv must be %d bytes", aes.BlockSize)
	}
	compressed := snappy.Encode(nil, snapshot)
	key := deriveCheckpointKey(sharedKey, iv)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "could not build checkpoint cipher")
	}
	out := make([]byte, len(compressed))
	cipher.NewCTR(block, iv).XORKeyStream(out, compressed)
	return out, nil
}

// DecryptCheckpoint inverts EncryptCheckpoint.
func DecryptCheckpoint(sharedKey, iv, payload []byte) ([]byte, error) {
	if len(iv) != aes.BlockSize {
		return nil, errors.Errorf("checkpoint iv must be %d bytes", aes.BlockSize)
	}
	key := deriveCheckpointKey(sharedKey, iv)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "could not build checkpoint cipher")
	}
	compressed := make([]byte, len(payload))
	cipher.NewCTR(block, iv).XORKeyStream(compressed, payload)
	snapshot, err := snappy.Decode(nil, compressed)
	return snapshot, errors.Wrap(err, "could not decompress checkpoint")
}

func deriveCheckpointKey(sharedKey, iv []byte) []byte {
	h := sha256.New()
	h.Write(sharedKey)
	h.Write(iv)
	return h.Sum(nil)
}

// checkpointIV derives the deterministic IV for a checkpoint ordinal, so
// independent replicas encrypt identically.
func checkpointIV(ord types.Ordinal) []byte {
	doc := OrdinalDoc(ord, [32]byte{})
	sum := sha256.Sum256(doc)
	return sum[:aes.BlockSize]
}

// newTransferNonce draws random bytes for state transfer tags.
func newTransferNonce() []byte {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return make([]byte, 16)
	}
	return b
}

// checkpointEntry tracks one checkpoint ordinal toward stability.
type checkpointEntry struct {
	ord     types.Ordinal
	msg     *wire.CheckpointMsg
	votes   map[types.ReplicaID][32]byte
	correct bool
	stable  bool
}

func newCheckpointEntry(ord types.Ordinal) *checkpointEntry {
	return &checkpointEntry{ord: ord, votes: make(map[types.ReplicaID][32]byte)}
}

// tally recomputes correct/stable against the local ciphertext digest.
func (c *checkpointEntry) tally(own [32]byte, f1, quorum uint32) {
	matching := uint32(0)
	for _, d := range c.votes {
		if d == own {
			matching++
		}
	}
	if matching >= f1 {
		c.correct = true
	}
	if matching >= quorum {
		c.stable = true
	}
}
