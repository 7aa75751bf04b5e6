package itrc

import (
	"github.com/pkg/errors"

	"github.com/gridprime/gridprime/config/params"
	"github.com/gridprime/gridprime/consensus/types"
	"github.com/gridprime/gridprime/crypto/threshold"
	"github.com/gridprime/gridprime/network"
	"github.com/gridprime/gridprime/wire"
)

// submissionKey keys the pre-ordering aggregation queue.
type submissionKey struct {
	Client types.ClientID
	Seq    types.PoSeq
}

// InjectConfig wires the prime-inject task.
type InjectConfig struct {
	Protocol *params.ProtocolConfig
	ID       types.ReplicaID
	Signer   *wire.Signer
	// PreKey is the pre-ordering threshold group authenticating client
	// submissions.
	PreKey *threshold.KeyGroup
	Net    network.Transport
	// Inject feeds an authenticated submission into the ordering engine.
	Inject func(*wire.Envelope)
}

// Inject runs the pre-ordering aggregation: control center replicas
// exchange threshold shares over each client submission and inject it
// once f+1 of them vouch for it.
type Inject struct {
	cfg    *params.ProtocolConfig
	id     types.ReplicaID
	signer *wire.Signer
	preKey *threshold.KeyGroup
	net    network.Transport
	inject func(*wire.Envelope)

	queue    *TcQueue[submissionKey]
	injected map[types.ClientID]types.PoSeq
}

// NewInject builds the inject task state.
func NewInject(cfg *InjectConfig) (*Inject, error) {
	if cfg.Protocol == nil || cfg.Signer == nil {
		return nil, errors.New("incomplete inject config")
	}
	limit := int(cfg.Protocol.TcHistory)
	return &Inject{
		cfg:      cfg.Protocol,
		id:       cfg.ID,
		signer:   cfg.Signer,
		preKey:   cfg.PreKey,
		net:      cfg.Net,
		inject:   cfg.Inject,
		queue:    NewTcQueue[submissionKey](cfg.PreKey, limit),
		injected: make(map[types.ClientID]types.PoSeq),
	}, nil
}

// ProcessClient ingests a signed client submission and contributes this
// replica's share.
func (i *Inject) ProcessClient(env *wire.Envelope) {
	if env.Type != wire.TypeUpdate || i.preKey == nil {
		return
	}
	body := &wire.UpdateMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return
	}
	if err := i.signer.VerifyClient(body.Client, env); err != nil {
		log.WithField("client", body.Client).Debug("Dropping submission with bad client signature")
		return
	}
	if body.Seq.Compare(i.injected[body.Client]) <= 0 {
		return
	}
	d := env.BodyDigest()
	doc := SubmissionDoc(body.Client, body.Seq, d)
	share, err := i.preKey.SignShare(doc)
	if err != nil {
		log.WithError(err).Error("Could not sign submission share")
		return
	}
	msg := &wire.TCShareSMMsg{
		Client:        body.Client,
		Seq:           body.Seq,
		PayloadDigest: d,
		Payload:       env.Encode(),
		Share:         share,
	}
	out, err := wire.NewEnvelope(wire.TypeTCShareSM, i.id, 0, msg)
	if err != nil {
		return
	}
	if err := i.signer.Sign(out); err != nil {
		return
	}
	if err := i.net.Broadcast(out.Encode()); err != nil {
		log.WithError(err).Debug("Share broadcast failed")
	}
	key := submissionKey{Client: body.Client, Seq: body.Seq}
	if sig := i.queue.InsertShare(key, i.id, doc, msg.Payload, share); sig != nil {
		i.finish(key, msg.Payload, sig)
	}
}

// ProcessPeer handles pre-ordering shares and finals from other control
// center replicas.
func (i *Inject) ProcessPeer(env *wire.Envelope) {
	if i.preKey == nil {
		return
	}
	if err := i.signer.Verify(env); err != nil {
		return
	}
	switch env.Type {
	case wire.TypeTCShareSM:
		body := &wire.TCShareSMMsg{}
		if err := wire.Unmarshal(env.Body, body); err != nil || body.Share == nil {
			return
		}
		inner, err := wire.Decode(body.Payload)
		if err != nil || inner.BodyDigest() != body.PayloadDigest {
			return
		}
		doc := SubmissionDoc(body.Client, body.Seq, body.PayloadDigest)
		key := submissionKey{Client: body.Client, Seq: body.Seq}
		if sig := i.queue.InsertShare(key, env.MachineID, doc, body.Payload, body.Share); sig != nil {
			i.finish(key, body.Payload, sig)
		}
	case wire.TypeTCFinalSM:
		body := &wire.TCFinalSMMsg{}
		if err := wire.Unmarshal(env.Body, body); err != nil {
			return
		}
		inner, err := wire.Decode(body.Payload)
		if err != nil {
			return
		}
		doc := SubmissionDoc(body.Client, body.Seq, inner.BodyDigest())
		if err := i.preKey.VerifyFinal(doc, body.Signature); err != nil {
			return
		}
		i.finish(submissionKey{Client: body.Client, Seq: body.Seq}, body.Payload, body.Signature)
	}
}

// finish injects an authenticated submission exactly once per client
// sequence and shares the final with lagging peers.
func (i *Inject) finish(key submissionKey, payload, sig []byte) {
	if key.Seq.Compare(i.injected[key.Client]) <= 0 {
		return
	}
	i.injected[key.Client] = key.Seq
	inner, err := wire.Decode(payload)
	if err != nil {
		return
	}
	if i.inject != nil {
		i.inject(inner)
	}
	injectedUpdatesTotal.Inc()
	final := &wire.TCFinalSMMsg{Client: key.Client, Seq: key.Seq, Payload: payload, Signature: sig}
	out, err := wire.NewEnvelope(wire.TypeTCFinalSM, i.id, 0, final)
	if err != nil {
		return
	}
	if err := i.signer.Sign(out); err != nil {
		return
	}
	if err := i.net.Broadcast(out.Encode()); err != nil {
		log.WithError(err).Debug("Final broadcast failed")
	}
	i.queue.Prune(func(k submissionKey) bool {
		return k.Seq.Compare(i.injected[k.Client]) > 0
	})
}
