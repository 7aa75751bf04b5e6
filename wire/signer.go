package wire

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/gridprime/gridprime/consensus/types"
)

const rsaBits = 2048

var errBadSignature = errors.New("signature verification failed")

// Signer signs outgoing envelopes with this replica's RSA key and
// verifies inbound envelopes against the roster's public keys.
type Signer struct {
	id         types.ReplicaID
	priv       *rsa.PrivateKey
	serverPubs map[types.ReplicaID]*rsa.PublicKey
	clientPubs map[types.ClientID]*rsa.PublicKey
}

// LoadSigner reads this replica's private key and every roster public key
// from the keys directory.
func LoadSigner(dir string, id types.ReplicaID, servers, clients uint32) (*Signer, error) {
	priv, err := readPrivateKey(filepath.Join(dir, fmt.Sprintf("server_%d.pem", id)))
	if err != nil {
		return nil, errors.Wrapf(err, "could not read private key for replica %d", id)
	}
	s := &Signer{
		id:         id,
		priv:       priv,
		serverPubs: make(map[types.ReplicaID]*rsa.PublicKey),
		clientPubs: make(map[types.ClientID]*rsa.PublicKey),
	}
	for i := uint32(1); i <= servers; i++ {
		pub, err := readPublicKey(filepath.Join(dir, fmt.Sprintf("server_%d.pub.pem", i)))
		if err != nil {
			return nil, errors.Wrapf(err, "could not read public key for replica %d", i)
		}
		s.serverPubs[types.ReplicaID(i)] = pub
	}
	for i := uint32(1); i <= clients; i++ {
		pub, err := readPublicKey(filepath.Join(dir, fmt.Sprintf("client_%d.pub.pem", i)))
		if err != nil {
			return nil, errors.Wrapf(err, "could not read public key for client %d", i)
		}
		s.clientPubs[types.ClientID(i)] = pub
	}
	return s, nil
}

// LoadClientSigner reads a client's own keypair; the resulting signer
// only signs submissions.
func LoadClientSigner(dir string, id types.ClientID) (*Signer, error) {
	priv, err := readPrivateKey(filepath.Join(dir, fmt.Sprintf("client_%d.pem", id)))
	if err != nil {
		return nil, errors.Wrapf(err, "could not read private key for client %d", id)
	}
	return &Signer{
		priv:       priv,
		serverPubs: make(map[types.ReplicaID]*rsa.PublicKey),
		clientPubs: make(map[types.ClientID]*rsa.PublicKey),
	}, nil
}

// NewTestRoster builds a full roster of server and client signers with
// freshly generated keys, for tests and local benchmarks. All signers
// share the same public key maps.
func NewTestRoster(servers, clients uint32) ([]*Signer, []*Signer, error) {
	serverPubs := make(map[types.ReplicaID]*rsa.PublicKey)
	clientPubs := make(map[types.ClientID]*rsa.PublicKey)
	serverPrivs := make([]*rsa.PrivateKey, servers)
	clientPrivs := make([]*rsa.PrivateKey, clients)
	for i := uint32(0); i < servers; i++ {
		k, err := rsa.GenerateKey(rand.Reader, rsaBits)
		if err != nil {
			return nil, nil, err
		}
		serverPrivs[i] = k
		serverPubs[types.ReplicaID(i+1)] = &k.PublicKey
	}
	for i := uint32(0); i < clients; i++ {
		k, err := rsa.GenerateKey(rand.Reader, rsaBits)
		if err != nil {
			return nil, nil, err
		}
		clientPrivs[i] = k
		clientPubs[types.ClientID(i+1)] = &k.PublicKey
	}
	serverSigners := make([]*Signer, servers)
	for i := range serverPrivs {
		serverSigners[i] = &Signer{
			id:         types.ReplicaID(i + 1),
			priv:       serverPrivs[i],
			serverPubs: serverPubs,
			clientPubs: clientPubs,
		}
	}
	clientSigners := make([]*Signer, clients)
	for i := range clientPrivs {
		clientSigners[i] = &Signer{
			priv:       clientPrivs[i],
			serverPubs: serverPubs,
			clientPubs: clientPubs,
		}
	}
	return serverSigners, clientSigners, nil
}

// ID returns the owning replica id.
func (s *Signer) ID() types.ReplicaID { return s.id }

// Sign fills env.Sig over the envelope's signing bytes.
func (s *Signer) Sign(env *Envelope) error {
	digest := Digest(env.SigningBytes())
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.priv, crypto.SHA256, digest[:])
	if err != nil {
		return errors.Wrap(err, "could not sign envelope")
	}
	env.Sig = make([]byte, SigSize)
	copy(env.Sig, sig)
	return nil
}

// Verify checks env.Sig against the public key of env.MachineID.
func (s *Signer) Verify(env *Envelope) error {
	pub, ok := s.serverPubs[env.MachineID]
	if !ok {
		return errors.Errorf("unknown replica id %d", env.MachineID)
	}
	return verify(pub, env)
}

// VerifyClient checks env.Sig against a client public key.
func (s *Signer) VerifyClient(client types.ClientID, env *Envelope) error {
	pub, ok := s.clientPubs[client]
	if !ok {
		return errors.Errorf("unknown client id %d", client)
	}
	return verify(pub, env)
}

// SignAsClient signs with the private key as a client key. Only used by
// the client binary and tests, where the signer was built from a client
// keypair.
func (s *Signer) SignAsClient(env *Envelope) error {
	return s.Sign(env)
}

func verify(pub *rsa.PublicKey, env *Envelope) error {
	digest := Digest(env.SigningBytes())
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], env.Sig[:pub.Size()]); err != nil {
		return errBadSignature
	}
	return nil
}

// GenerateKeyFiles writes fresh RSA keypairs for every server and client
// into dir. Used by the keygen subcommand.
func GenerateKeyFiles(dir string, servers, clients uint32) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.Wrap(err, "could not create keys directory")
	}
	write := func(name string, k *rsa.PrivateKey) error {
		privBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k)})
		pubBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&k.PublicKey)})
		if err := ioutil.WriteFile(filepath.Join(dir, name+".pem"), privBytes, 0600); err != nil {
			return err
		}
		return ioutil.WriteFile(filepath.Join(dir, name+".pub.pem"), pubBytes, 0644)
	}
	for i := uint32(1); i <= servers; i++ {
		k, err := rsa.GenerateKey(rand.Reader, rsaBits)
		if err != nil {
			return err
		}
		if err := write(fmt.Sprintf("server_%d", i), k); err != nil {
			return err
		}
	}
	for i := uint32(1); i <= clients; i++ {
		k, err := rsa.GenerateKey(rand.Reader, rsaBits)
		if err != nil {
			return err
		}
		if err := write(fmt.Sprintf("client_%d", i), k); err != nil {
			return err
		}
	}
	return nil
}

func readPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.Errorf("no pem block in %s", path)
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

func readPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.Errorf("no pem block in %s", path)
	}
	return x509.ParsePKCS1PublicKey(block.Bytes)
}
