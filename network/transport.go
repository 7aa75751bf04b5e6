// Package network provides the overlay datagram transport between
// replicas and the unix-datagram IPC surface between the local tasks.
// The overlay is an external collaborator: best-effort authenticated
// datagrams, nothing more is assumed.
package network

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gridprime/gridprime/consensus/types"
)

var log = logrus.WithField("prefix", "network")

// maxDatagram bounds one overlay frame.
const maxDatagram = 1 << 16

// Datagram is one received frame.
type Datagram struct {
	From    net.Addr
	Payload []byte
}

// Transport moves datagrams between replicas.
type Transport interface {
	// Send delivers best-effort to one replica.
	Send(to types.ReplicaID, payload []byte) error
	// Broadcast delivers best-effort to every replica except the sender.
	Broadcast(payload []byte) error
	// Recv yields inbound datagrams until Close.
	Recv() <-chan Datagram
	Close() error
}

// UDPTransport is the production overlay binding.
type UDPTransport struct {
	self    types.ReplicaID
	conn    *net.UDPConn
	peers   map[types.ReplicaID]*net.UDPAddr
	inbound chan Datagram
	retry   time.Duration

	mu     sync.Mutex
	closed bool
}

// NewUDPTransport binds the listen address and resolves every peer.
func NewUDPTransport(self types.ReplicaID, listen string, peers map[types.ReplicaID]string, retry time.Duration) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, errors.Wrap(err, "could not resolve listen address")
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "could not bind overlay socket")
	}
	t := &UDPTransport{
		self:    self,
		conn:    conn,
		peers:   make(map[types.ReplicaID]*net.UDPAddr),
		inbound: make(chan Datagram, 1024),
		retry:   retry,
	}
	for id, p := range peers {
		a, err := net.ResolveUDPAddr("udp", p)
		if err != nil {
			return nil, errors.Wrapf(err, "could not resolve peer %d", id)
		}
		t.peers[id] = a
	}
	go t.readLoop()
	return t, nil
}

func (t *UDPTransport) readLoop() {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				close(t.inbound)
				return
			}
			log.WithError(err).Warn("Overlay read failed, retrying")
			time.Sleep(t.retry)
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		select {
		case t.inbound <- Datagram{From: from, Payload: payload}:
		default:
			log.Warn("Inbound overlay queue full, dropping datagram")
		}
	}
}

// Send implements Transport.
func (t *UDPTransport) Send(to types.ReplicaID, payload []byte) error {
	addr, ok := t.peers[to]
	if !ok {
		return errors.Errorf("unknown peer %d", to)
	}
	_, err := t.conn.WriteToUDP(payload, addr)
	return errors.Wrapf(err, "could not send to replica %d", to)
}

// Broadcast implements Transport.
func (t *UDPTransport) Broadcast(payload []byte) error {
	for id := range t.peers {
		if id == t.self {
			continue
		}
		if err := t.Send(id, payload); err != nil {
			log.WithError(err).WithField("peer", id).Debug("Broadcast leg failed")
		}
	}
	return nil
}

// Recv implements Transport.
func (t *UDPTransport) Recv() <-chan Datagram { return t.inbound }

// Close implements Transport.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}
