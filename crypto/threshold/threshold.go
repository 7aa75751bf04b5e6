// Package threshold wraps the threshold-RSA primitives behind the two
// contracts the channel needs: producing a signature share over a
// document, and combining f+1 matching shares into a verifiable final
// signature. Two independent key groups exist: one authenticating client
// submissions before ordering, one signing client replies after ordering.
package threshold

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/gob"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/niclabs/tcrsa"
	"github.com/pkg/errors"
)

const keyBits = 2048

// KeyGroup is one member's view of a threshold key: its own share plus
// the shared metadata (group public key, thresholds).
type KeyGroup struct {
	Share *tcrsa.KeyShare
	Meta  *tcrsa.KeyMeta
}

func prepare(meta *tcrsa.KeyMeta, doc []byte) ([]byte, error) {
	h := sha256.Sum256(doc)
	pss, err := tcrsa.PrepareDocumentHash(meta.PublicKey.Size(), crypto.SHA256, h[:])
	return pss, errors.Wrap(err, "could not prepare document hash")
}

// SignShare produces this member's signature share over doc.
func (g *KeyGroup) SignShare(doc []byte) (*tcrsa.SigShare, error) {
	pss, err := prepare(g.Meta, doc)
	if err != nil {
		return nil, err
	}
	share, err := g.Share.Sign(pss, crypto.SHA256, g.Meta)
	return share, errors.Wrap(err, "could not sign share")
}

// VerifyShare checks another member's share over doc.
func (g *KeyGroup) VerifyShare(doc []byte, s *tcrsa.SigShare) error {
	pss, err := prepare(g.Meta, doc)
	if err != nil {
		return err
	}
	return errors.Wrap(s.Verify(pss, g.Meta), "invalid signature share")
}

// Combine joins at least f+1 verified shares into the final signature.
func (g *KeyGroup) Combine(doc []byte, shares []*tcrsa.SigShare) ([]byte, error) {
	if uint16(len(shares)) < g.Meta.K {
		return nil, errors.Errorf("need %d shares, have %d", g.Meta.K, len(shares))
	}
	pss, err := prepare(g.Meta, doc)
	if err != nil {
		return nil, err
	}
	list := make(tcrsa.SigShareList, len(shares))
	copy(list, shares)
	sig, err := list.Join(pss, g.Meta)
	return sig, errors.Wrap(err, "could not combine signature shares")
}

// VerifyFinal checks a combined signature against the group public key.
func (g *KeyGroup) VerifyFinal(doc, sig []byte) error {
	h := sha256.Sum256(doc)
	pub := &rsa.PublicKey{N: g.Meta.PublicKey.N, E: g.Meta.PublicKey.E}
	return errors.Wrap(rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], sig), "invalid threshold signature")
}

// VerifyDetached checks a combined signature when only the metadata is
// held (clients hold meta without a share).
func VerifyDetached(meta *tcrsa.KeyMeta, doc, sig []byte) error {
	g := &KeyGroup{Meta: meta}
	return g.VerifyFinal(doc, sig)
}

// Generate deals a fresh n-member group with combining threshold k.
func Generate(k, n uint16) ([]*KeyGroup, error) {
	return GenerateSize(keyBits, k, n)
}

// GenerateSize deals a group with an explicit modulus size. Anything
// below 2048 bits is only for tests and local benchmarks.
func GenerateSize(bits int, k, n uint16) ([]*KeyGroup, error) {
	shares, meta, err := tcrsa.NewKey(bits, k, n, nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not generate threshold key")
	}
	groups := make([]*KeyGroup, n)
	for i := range groups {
		groups[i] = &KeyGroup{Share: shares[i], Meta: meta}
	}
	return groups, nil
}

func init() {
	gob.Register(&big.Int{})
}

// StoreGroups writes each member's share plus the shared metadata under
// dir with the given prefix ("preprime", "postprime" or "viewchange").
func StoreGroups(dir, prefix string, groups []*KeyGroup) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.Wrap(err, "could not create keys directory")
	}
	for i, g := range groups {
		f, err := os.OpenFile(filepath.Join(dir, fmt.Sprintf("%s_share_%d.key", prefix, i+1)), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
		if err != nil {
			return err
		}
		err = gob.NewEncoder(f).Encode(g.Share)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return errors.Wrapf(err, "could not store share %d", i+1)
		}
	}
	f, err := os.OpenFile(filepath.Join(dir, prefix+"_meta.key"), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	err = gob.NewEncoder(f).Encode(groups[0].Meta)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return errors.Wrap(err, "could not store key metadata")
}

// LoadGroup reads one member's share and the shared metadata.
func LoadGroup(dir, prefix string, member uint32) (*KeyGroup, error) {
	meta, err := LoadMeta(dir, prefix)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, fmt.Sprintf("%s_share_%d.key", prefix, member)))
	if err != nil {
		return nil, errors.Wrapf(err, "could not open share for member %d", member)
	}
	defer f.Close()
	share := &tcrsa.KeyShare{}
	if err := gob.NewDecoder(f).Decode(share); err != nil {
		return nil, errors.Wrap(err, "could not decode key share")
	}
	return &KeyGroup{Share: share, Meta: meta}, nil
}

// LoadMeta reads only the shared metadata; enough to verify finals.
func LoadMeta(dir, prefix string) (*tcrsa.KeyMeta, error) {
	f, err := os.Open(filepath.Join(dir, prefix+"_meta.key"))
	if err != nil {
		return nil, errors.Wrap(err, "could not open key metadata")
	}
	defer f.Close()
	meta := &tcrsa.KeyMeta{}
	if err := gob.NewDecoder(f).Decode(meta); err != nil {
		return nil, errors.Wrap(err, "could not decode key metadata")
	}
	return meta, nil
}
