package session

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coldraft/raftdb/raftrpc"
)

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	return port
}

func TestRegistrySendDeliversAcrossLoopback(t *testing.T) {
	portA := freePort(t)
	portB := freePort(t)
	sidA := raftrpc.NewServerId()
	sidB := raftrpc.NewServerId()
	cid := raftrpc.NewClusterId()

	receivedA := make(chan interface{}, 4)
	receivedB := make(chan interface{}, 4)

	regA := NewRegistry(sidA, cid, zap.NewNop(), nil, func(m interface{}) { receivedA <- m })
	regB := NewRegistry(sidB, cid, zap.NewNop(), nil, func(m interface{}) { receivedB <- m })
	t.Cleanup(func() { regA.Close() })
	t.Cleanup(func() { regB.Close() })

	require.NoError(t, regA.Listen(Address{Scheme: SchemeTCP, Port: portA}))
	require.NoError(t, regB.Listen(Address{Scheme: SchemeTCP, Port: portB}))

	require.NoError(t, regA.AddKnownMember(sidB, "tcp:127.0.0.1:"+portB))

	// regA's outbound dial to regB sends Hello first, which regB's accept
	// loop uses to identify and promote the connection.
	require.Eventually(t, func() bool {
		return regA.IsConnected(sidB)
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case m := <-receivedB:
		hello, ok := m.(raftrpc.Hello)
		require.True(t, ok)
		require.Equal(t, sidA, hello.From)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Hello")
	}

	// Once B has identified the connection as A's, A's later messages to B
	// travel over that same connection.
	voteReq := raftrpc.VoteRequest{
		Envelope: raftrpc.Envelope{Type: raftrpc.MsgVoteRequest, To: sidB, From: sidA, Cluster: cid},
		Term:     3,
	}
	regA.Send(sidB, voteReq)
	select {
	case m := <-receivedB:
		got, ok := m.(raftrpc.VoteRequest)
		require.True(t, ok)
		require.Equal(t, raftrpc.Term(3), got.Term)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for VoteRequest")
	}
}

func TestRegistrySendToSelfIsDropped(t *testing.T) {
	sid := raftrpc.NewServerId()
	cid := raftrpc.NewClusterId()
	received := make(chan interface{}, 1)
	reg := NewRegistry(sid, cid, zap.NewNop(), nil, func(m interface{}) { received <- m })
	t.Cleanup(func() { reg.Close() })

	reg.Send(sid, raftrpc.Hello{Envelope: raftrpc.Envelope{To: sid, From: sid}})
	select {
	case <-received:
		t.Fatal("self-send should have been dropped, not delivered")
	case <-time.After(100 * time.Millisecond):
	}
}
