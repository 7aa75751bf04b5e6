package itrc

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/gridprime/gridprime/config/params"
	"github.com/gridprime/gridprime/consensus/types"
	"github.com/gridprime/gridprime/crypto/threshold"
	"github.com/gridprime/gridprime/network"
	"github.com/gridprime/gridprime/scada"
	"github.com/gridprime/gridprime/wire"
)

// selectTick bounds how long a task sleeps between poll rounds.
const selectTick = 10 * time.Millisecond

// OrdEvent pairs one ordered delivery with its ordinal.
type OrdEvent struct {
	Ord   types.Ordinal
	Event *wire.Envelope
}

// ServiceConfig wires the master and inject tasks of one replica. The
// client reply verifier (Client) is not run by the service.
type ServiceConfig struct {
	Protocol *params.ProtocolConfig
	ID       types.ReplicaID
	Signer   *wire.Signer
	PreKey   *threshold.KeyGroup
	PostKey  *threshold.KeyGroup
	// MasterNet carries TC shares, checkpoints and transfers between
	// control center replicas.
	MasterNet network.Transport
	// InjectNet carries client submissions and pre-ordering shares.
	InjectNet network.Transport
	App       scada.Application
	SharedKey []byte
	// InjectPrime feeds an authenticated submission into ordering.
	InjectPrime func(*wire.Envelope)
	// EmitFinal delivers combined replies toward the external network.
	EmitFinal func(*wire.TCFinalMsg)
	// LatestUpdates supplies checkpoint headers; optional.
	LatestUpdates func() map[uint32]types.PoSeq
}

// Service runs the master and inject tasks under one lifecycle. The
// tasks share no mutable state; ordered events cross via one channel of
// values and everything else rides datagrams.
type Service struct {
	cfg    *ServiceConfig
	master *Master
	inject *Inject

	ordCh chan OrdEvent

	// Startup handshake: inject attaches its sockets only after the
	// master loaded keys and bound its own.
	masterReady chan struct{}
	injectReady chan struct{}
}

// NewService builds the service; Deliver must be handed to the ordering
// engine as its delivery sink.
func NewService(cfg *ServiceConfig) (*Service, error) {
	if cfg == nil || cfg.Protocol == nil {
		return nil, errors.New("incomplete service config")
	}
	master, err := NewMaster(&MasterConfig{
		Protocol:      cfg.Protocol,
		ID:            cfg.ID,
		Signer:        cfg.Signer,
		PostKey:       cfg.PostKey,
		Net:           cfg.MasterNet,
		App:           cfg.App,
		SharedKey:     cfg.SharedKey,
		EmitFinal:     cfg.EmitFinal,
		LatestUpdates: cfg.LatestUpdates,
	})
	if err != nil {
		return nil, err
	}
	inject, err := NewInject(&InjectConfig{
		Protocol: cfg.Protocol,
		ID:       cfg.ID,
		Signer:   cfg.Signer,
		PreKey:   cfg.PreKey,
		Net:      cfg.InjectNet,
		Inject:   cfg.InjectPrime,
	})
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:         cfg,
		master:      master,
		inject:      inject,
		ordCh:       make(chan OrdEvent, 1024),
		masterReady: make(chan struct{}),
		injectReady: make(chan struct{}),
	}, nil
}

// Deliver is the ordering engine's delivery sink. Safe to call from the
// engine goroutine.
func (s *Service) Deliver(ord types.Ordinal, event *wire.Envelope) {
	select {
	case s.ordCh <- OrdEvent{Ord: ord, Event: event}:
	default:
		log.Warn("Ordered event channel full, dropping delivery")
	}
}

// Master exposes the master task for tests.
func (s *Service) Master() *Master { return s.master }

// Inject exposes the inject task for tests.
func (s *Service) Inject() *Inject { return s.inject }

// Run drives both task loops until the context ends.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.masterLoop(ctx) })
	g.Go(func() error { return s.injectLoop(ctx) })
	return g.Wait()
}

func (s *Service) masterLoop(ctx context.Context) error {
	close(s.masterReady)
	ticker := time.NewTicker(selectTick)
	defer ticker.Stop()
	var recv <-chan network.Datagram
	if s.cfg.MasterNet != nil {
		recv = s.cfg.MasterNet.Recv()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.ordCh:
			s.master.ProcessOrdinal(ev.Ord, ev.Event)
		case dg, ok := <-recv:
			if !ok {
				return errors.New("master transport closed")
			}
			env, err := wire.Decode(dg.Payload)
			if err != nil {
				continue
			}
			s.master.ProcessPeer(env)
		case <-ticker.C:
		}
		s.master.PumpOutbox()
	}
}

func (s *Service) injectLoop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.masterReady:
	}
	close(s.injectReady)
	var recv <-chan network.Datagram
	if s.cfg.InjectNet != nil {
		recv = s.cfg.InjectNet.Recv()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case dg, ok := <-recv:
			if !ok {
				return errors.New("inject transport closed")
			}
			env, err := wire.Decode(dg.Payload)
			if err != nil {
				continue
			}
			if env.Type == wire.TypeUpdate {
				s.inject.ProcessClient(env)
			} else {
				s.inject.ProcessPeer(env)
			}
		}
	}
}
