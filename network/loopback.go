package network

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/gridprime/gridprime/consensus/types"
)

// LoopbackNet wires a roster of in-process transports together. It backs
// the multi-replica protocol tests and the single-machine benchmark mode.
type LoopbackNet struct {
	mu    sync.Mutex
	ports map[types.ReplicaID]*LoopbackTransport
}

// NewLoopbackNet creates an empty switchboard.
func NewLoopbackNet() *LoopbackNet {
	return &LoopbackNet{ports: make(map[types.ReplicaID]*LoopbackTransport)}
}

// Attach registers a replica and returns its transport endpoint.
func (n *LoopbackNet) Attach(id types.ReplicaID) *LoopbackTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &LoopbackTransport{
		self:    id,
		net:     n,
		inbound: make(chan Datagram, 4096),
	}
	n.ports[id] = t
	return t
}

// Detach drops a replica from the switchboard; its queued datagrams stay
// deliverable until drained.
func (n *LoopbackNet) Detach(id types.ReplicaID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.ports, id)
}

func (n *LoopbackNet) deliver(to types.ReplicaID, payload []byte) error {
	n.mu.Lock()
	port, ok := n.ports[to]
	n.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown peer %d", to)
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case port.inbound <- Datagram{Payload: cp}:
	default:
	}
	return nil
}

// LoopbackTransport is one replica's endpoint on a LoopbackNet.
type LoopbackTransport struct {
	self    types.ReplicaID
	net     *LoopbackNet
	inbound chan Datagram
}

// Send implements Transport.
func (t *LoopbackTransport) Send(to types.ReplicaID, payload []byte) error {
	return t.net.deliver(to, payload)
}

// Broadcast implements Transport.
func (t *LoopbackTransport) Broadcast(payload []byte) error {
	t.net.mu.Lock()
	ids := make([]types.ReplicaID, 0, len(t.net.ports))
	for id := range t.net.ports {
		if id != t.self {
			ids = append(ids, id)
		}
	}
	t.net.mu.Unlock()
	for _, id := range ids {
		if err := t.net.deliver(id, payload); err != nil {
			return err
		}
	}
	return nil
}

// Recv implements Transport.
func (t *LoopbackTransport) Recv() <-chan Datagram { return t.inbound }

// Close implements Transport.
func (t *LoopbackTransport) Close() error {
	t.net.Detach(t.self)
	return nil
}
