package network_test

import (
	"testing"

	"github.com/gridprime/gridprime/network"
	"github.com/gridprime/gridprime/testing/assert"
	"github.com/gridprime/gridprime/testing/require"
)

func TestLoopbackSendAndBroadcast(t *testing.T) {
	net := network.NewLoopbackNet()
	a := net.Attach(1)
	b := net.Attach(2)
	c := net.Attach(3)

	require.NoError(t, a.Send(2, []byte("direct")))
	dg := <-b.Recv()
	assert.DeepEqual(t, []byte("direct"), dg.Payload)

	require.NoError(t, a.Broadcast([]byte("fanout")))
	assert.DeepEqual(t, []byte("fanout"), (<-b.Recv()).Payload)
	assert.DeepEqual(t, []byte("fanout"), (<-c.Recv()).Payload)
	// The sender never hears its own broadcast.
	select {
	case <-a.Recv():
		t.Fatal("sender received its own broadcast")
	default:
	}
}

func TestLoopbackUnknownPeer(t *testing.T) {
	net := network.NewLoopbackNet()
	a := net.Attach(1)
	assert.ErrorContains(t, "unknown peer", a.Send(9, []byte("x")))
}

func TestLoopbackDetach(t *testing.T) {
	net := network.NewLoopbackNet()
	a := net.Attach(1)
	b := net.Attach(2)
	require.NoError(t, b.Close())
	assert.ErrorContains(t, "unknown peer", a.Send(2, []byte("x")))
}

func TestLoopbackPayloadIsCopied(t *testing.T) {
	net := network.NewLoopbackNet()
	a := net.Attach(1)
	b := net.Attach(2)
	buf := []byte("original")
	require.NoError(t, a.Send(2, buf))
	buf[0] = 'X'
	assert.DeepEqual(t, []byte("original"), (<-b.Recv()).Payload)
}
