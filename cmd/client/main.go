// The client binary is a benchmark HMI stand-in: it submits signed
// field unit commands to f+1 control center replicas and verifies the
// threshold-signed replies.
package main

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/gridprime/gridprime/consensus/types"
	"github.com/gridprime/gridprime/crypto/threshold"
	"github.com/gridprime/gridprime/itrc"
	"github.com/gridprime/gridprime/scada"
	"github.com/gridprime/gridprime/wire"
)

var log = logrus.WithField("prefix", "client")

func main() {
	app := &cli.App{
		Name:  "client",
		Usage: "benchmark client for the replicated control plane",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "keys", Value: "./keys"},
			&cli.UintFlag{Name: "id", Usage: "client id", Value: 1},
			&cli.StringFlag{Name: "replicas", Usage: "comma separated inject addresses of f+1 CC replicas", Required: true},
			&cli.StringFlag{Name: "listen", Usage: "reply listen address", Value: ":0"},
			&cli.UintFlag{Name: "count", Usage: "updates to submit", Value: 10},
			&cli.DurationFlag{Name: "interval", Value: 100 * time.Millisecond},
			&cli.DurationFlag{Name: "timeout", Usage: "retransmit timeout", Value: 2 * time.Second},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Error("Client exited with error")
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	id := types.ClientID(c.Uint("id"))
	meta, err := threshold.LoadMeta(c.String("keys"), "postprime")
	if err != nil {
		return err
	}
	signer, err := loadClientSigner(c.String("keys"), id)
	if err != nil {
		return err
	}
	targets, err := resolveAll(strings.Split(c.String("replicas"), ","))
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", mustUDP(c.String("listen")))
	if err != nil {
		return err
	}
	defer conn.Close()

	replies := make(chan *wire.TCFinalMsg, 64)
	verifier, err := itrc.NewClient(meta, func(msg *wire.TCFinalMsg) { replies <- msg })
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 1<<16)
		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			frame := make([]byte, n)
			copy(frame, buf[:n])
			if err := verifier.ProcessRaw(frame); err != nil {
				log.WithError(err).Debug("Dropping reply")
			}
		}
	}()

	inc := uint32(time.Now().Unix())
	count := c.Uint("count")
	for i := uint32(1); i <= uint32(count); i++ {
		seq := types.PoSeq{Incarnation: inc, SeqNum: i}
		payload := scada.NewCommand(id, seq, "set_point", i%8, int32(i))
		env, err := wire.NewEnvelope(wire.TypeUpdate, 0, inc, &wire.UpdateMsg{Client: id, Seq: seq, Payload: payload})
		if err != nil {
			return err
		}
		if err := signer.SignAsClient(env); err != nil {
			return err
		}
		frame := env.Encode()
		start := time.Now()
		acked := false
		for !acked {
			for _, t := range targets {
				if _, err := conn.WriteToUDP(frame, t); err != nil {
					log.WithError(err).Debug("Submit failed")
				}
			}
			select {
			case reply := <-replies:
				log.WithFields(logrus.Fields{
					"seq":     i,
					"ord":     reply.Ord.OrdNum,
					"latency": time.Since(start),
				}).Info("Reply verified")
				acked = true
			case <-time.After(c.Duration("timeout")):
				// Silence means retransmit; the channel models failure as
				// a missing reply, never an error message.
				log.WithField("seq", i).Warn("No reply, retransmitting")
			}
		}
		time.Sleep(c.Duration("interval"))
	}
	return nil
}

// loadClientSigner builds a signer over the client's own keypair.
func loadClientSigner(dir string, id types.ClientID) (*wire.Signer, error) {
	return wire.LoadClientSigner(dir, id)
}

func resolveAll(addrs []string) ([]*net.UDPAddr, error) {
	out := make([]*net.UDPAddr, 0, len(addrs))
	for _, a := range addrs {
		u, err := net.ResolveUDPAddr("udp", strings.TrimSpace(a))
		if err != nil {
			return nil, fmt.Errorf("bad replica address %q: %v", a, err)
		}
		out = append(out, u)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no replica addresses given")
	}
	return out, nil
}

func mustUDP(addr string) *net.UDPAddr {
	u, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return &net.UDPAddr{}
	}
	return u
}
