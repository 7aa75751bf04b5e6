package itrc

import (
	"github.com/niclabs/tcrsa"
	"github.com/pkg/errors"

	"github.com/gridprime/gridprime/consensus/types"
	"github.com/gridprime/gridprime/crypto/threshold"
	"github.com/gridprime/gridprime/wire"
)

// Client verifies threshold-signed replies on the client side. It holds
// only the post-ordering group metadata, never a share.
type Client struct {
	meta *tcrsa.KeyMeta
	// lastOrd deduplicates: replies at or below it were seen.
	lastOrd types.Ordinal
	onReply func(*wire.TCFinalMsg)
}

// NewClient builds a verifier around the group public metadata.
func NewClient(meta *tcrsa.KeyMeta, onReply func(*wire.TCFinalMsg)) (*Client, error) {
	if meta == nil {
		return nil, errors.New("missing threshold key metadata")
	}
	return &Client{meta: meta, onReply: onReply}, nil
}

// ProcessFinal authenticates one combined reply and delivers it once.
func (c *Client) ProcessFinal(msg *wire.TCFinalMsg) error {
	d := wire.Digest(msg.Payload)
	doc := OrdinalDoc(msg.Ord, d)
	if err := threshold.VerifyDetached(c.meta, doc, msg.Signature); err != nil {
		return errors.Wrap(err, "reply failed threshold verification")
	}
	if msg.Ord.Compare(c.lastOrd) <= 0 && c.lastOrd.OrdNum > 0 {
		return nil
	}
	c.lastOrd = msg.Ord
	if c.onReply != nil {
		c.onReply(msg)
	}
	return nil
}

// ProcessRaw decodes and authenticates a reply frame off the wire.
func (c *Client) ProcessRaw(raw []byte) error {
	env, err := wire.Decode(raw)
	if err != nil {
		return err
	}
	if env.Type != wire.TypeTCFinal {
		return errors.Errorf("unexpected message type %s", env.Type)
	}
	body := &wire.TCFinalMsg{}
	if err := wire.Unmarshal(env.Body, body); err != nil {
		return err
	}
	return c.ProcessFinal(body)
}
