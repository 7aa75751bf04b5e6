// The replica binary runs one member of the replicated control plane:
// the ordering engine plus the intrusion tolerant reliable channel.
//
// Usage: replica [flags] <id> <int_addr:port> [<ext_addr:port>]
// Control center replicas require the external address.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/gridprime/gridprime/config/params"
	"github.com/gridprime/gridprime/consensus/types"
	"github.com/gridprime/gridprime/crypto/threshold"
	"github.com/gridprime/gridprime/itrc"
	"github.com/gridprime/gridprime/network"
	"github.com/gridprime/gridprime/prime"
	"github.com/gridprime/gridprime/scada"
	"github.com/gridprime/gridprime/wire"
)

var log = logrus.WithField("prefix", "main")

func main() {
	app := &cli.App{
		Name:  "replica",
		Usage: "Byzantine fault tolerant SCADA control plane replica",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "protocol config yaml"},
			&cli.StringFlag{Name: "membership", Usage: "membership roster yaml", Value: "membership.yaml"},
			&cli.StringFlag{Name: "keys", Usage: "keys directory", Value: "./keys"},
			&cli.UintFlag{Name: "clients", Usage: "number of client keys", Value: 8},
			&cli.IntFlag{Name: "monitoring-port", Usage: "prometheus port, 0 disables", Value: 0},
			&cli.BoolFlag{Name: "recover", Usage: "rejoin a running system instead of fresh start"},
			&cli.BoolFlag{Name: "verbose", Usage: "debug logging"},
		},
		Commands: []*cli.Command{keygenCmd()},
		Action:   run,
	}
	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Error("Replica exited with error")
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.Bool("verbose") {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if c.NArg() < 2 {
		return fmt.Errorf("usage: replica <id> <int_addr:port> [<ext_addr:port>]")
	}
	id64, err := strconv.ParseUint(c.Args().Get(0), 10, 32)
	if err != nil || id64 == 0 {
		return fmt.Errorf("invalid replica id %q", c.Args().Get(0))
	}
	id := types.ReplicaID(id64)
	intAddr := c.Args().Get(1)
	extAddr := c.Args().Get(2)

	cfg, err := params.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	cfg.KeysDir = c.String("keys")
	membership, err := params.LoadMembership(c.String("membership"))
	if err != nil {
		return err
	}
	cfg.NumServers = uint32(len(membership.Replicas))
	if err := cfg.Validate(); err != nil {
		return err
	}
	me := membership.ByID(uint32(id))
	if me == nil {
		return fmt.Errorf("replica id %d not in membership", id)
	}
	if me.IsCC && extAddr == "" {
		return fmt.Errorf("control center replica %d requires an external address", id)
	}

	signer, err := wire.LoadSigner(cfg.KeysDir, id, cfg.NumServers, uint32(c.Uint("clients")))
	if err != nil {
		return err
	}
	vcKey, err := threshold.LoadGroup(cfg.KeysDir, "viewchange", uint32(id))
	if err != nil {
		return err
	}
	var preKey, postKey *threshold.KeyGroup
	var sharedKey []byte
	if me.IsCC {
		if preKey, err = threshold.LoadGroup(cfg.KeysDir, "preprime", uint32(id)); err != nil {
			return err
		}
		if postKey, err = threshold.LoadGroup(cfg.KeysDir, "postprime", uint32(id)); err != nil {
			return err
		}
		if sharedKey, err = ioutil.ReadFile(cfg.KeysDir + "/shared.key"); err != nil {
			return err
		}
	}

	peers := make(map[types.ReplicaID]string)
	extPeers := make(map[types.ReplicaID]string)
	injPeers := make(map[types.ReplicaID]string)
	for _, rep := range membership.Replicas {
		peers[types.ReplicaID(rep.ID)] = rep.Addr
		if rep.ExtAddr != "" {
			extPeers[types.ReplicaID(rep.ID)] = rep.ExtAddr
			injPeers[types.ReplicaID(rep.ID)] = bumpPort(rep.ExtAddr, 1)
		}
	}
	primeNet, err := network.NewUDPTransport(id, intAddr, peers, cfg.ConnectRetry)
	if err != nil {
		return err
	}
	defer primeNet.Close()

	var service *itrc.Service
	var replica *prime.Replica
	deliver := func(ord types.Ordinal, ev *wire.Envelope) {
		if service != nil {
			service.Deliver(ord, ev)
		}
	}
	replica, err = prime.New(&prime.Config{
		Protocol: cfg,
		ID:       id,
		Signer:   signer,
		VcKey:    vcKey,
		Net:      primeNet,
		Deliver:  deliver,
	})
	if err != nil {
		return err
	}

	if me.IsCC {
		masterNet, err := network.NewUDPTransport(id, extAddr, extPeers, cfg.ConnectRetry)
		if err != nil {
			return err
		}
		defer masterNet.Close()
		injectNet, err := network.NewUDPTransport(id, bumpPort(extAddr, 1), injPeers, cfg.ConnectRetry)
		if err != nil {
			return err
		}
		defer injectNet.Close()
		app := scada.NewFieldUnit()
		service, err = itrc.NewService(&itrc.ServiceConfig{
			Protocol:      cfg,
			ID:            id,
			Signer:        signer,
			PreKey:        preKey,
			PostKey:       postKey,
			MasterNet:     masterNet,
			InjectNet:     injectNet,
			App:           app,
			SharedKey:     sharedKey,
			InjectPrime:   replica.Submit,
			EmitFinal:     emitFinal(signer, masterNet, id),
			LatestUpdates: app.LatestUpdates,
		})
		if err != nil {
			return err
		}
	}

	if port := c.Int("monitoring-port"); port > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
				log.WithError(err).Warn("Monitoring endpoint stopped")
			}
		}()
	}

	if c.Bool("recover") {
		replica.StartRecovery()
	} else {
		replica.Start()
	}

	ctx := context.Background()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return replica.Run(ctx) })
	if service != nil {
		g.Go(func() error { return service.Run(ctx) })
	}
	log.WithFields(logrus.Fields{"id": id, "addr": intAddr, "cc": me.IsCC}).Info("Replica running")
	return g.Wait()
}

// emitFinal forwards combined replies toward the external network. The
// HMI and RTU proxies subscribe on the external overlay.
func emitFinal(signer *wire.Signer, t network.Transport, id types.ReplicaID) func(*wire.TCFinalMsg) {
	return func(msg *wire.TCFinalMsg) {
		env, err := wire.NewEnvelope(wire.TypeTCFinal, id, 0, msg)
		if err != nil {
			return
		}
		if err := signer.Sign(env); err != nil {
			return
		}
		if err := t.Broadcast(env.Encode()); err != nil {
			log.WithError(err).Debug("Reply broadcast failed")
		}
	}
}

func bumpPort(addr string, by int) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return addr
	}
	return net.JoinHostPort(host, strconv.Itoa(p+by))
}

func keygenCmd() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "generate RSA and threshold key material for a deployment",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "keys", Value: "./keys"},
			&cli.UintFlag{Name: "servers", Value: 6},
			&cli.UintFlag{Name: "clients", Value: 8},
			&cli.UintFlag{Name: "faults", Value: 1},
		},
		Action: func(c *cli.Context) error {
			dir := c.String("keys")
			servers := uint16(c.Uint("servers"))
			k := uint16(c.Uint("faults")) + 1
			if err := wire.GenerateKeyFiles(dir, uint32(servers), uint32(c.Uint("clients"))); err != nil {
				return err
			}
			for _, prefix := range []string{"preprime", "postprime", "viewchange"} {
				groups, err := threshold.Generate(k, servers)
				if err != nil {
					return err
				}
				if err := threshold.StoreGroups(dir, prefix, groups); err != nil {
					return err
				}
			}
			shared := make([]byte, 32)
			if _, err := rand.Read(shared); err != nil {
				return err
			}
			return ioutil.WriteFile(dir+"/shared.key", shared, 0600)
		},
	}
}
