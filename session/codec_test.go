package session

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coldraft/raftdb/raftrpc"
)

func TestFrameRoundTripsMessage(t *testing.T) {
	var buf bytes.Buffer
	fw := &frameWriter{w: &buf}
	from := raftrpc.NewServerId()
	to := raftrpc.NewServerId()
	req := raftrpc.VoteRequest{
		Envelope:     raftrpc.Envelope{Type: raftrpc.MsgVoteRequest, To: to, From: from},
		Term:         7,
		LastLogIndex: 42,
		LastLogTerm:  6,
	}
	require.NoError(t, fw.writeMessage(req.Envelope, req))

	fr := &frameReader{r: &buf}
	body, err := fr.readFrame()
	require.NoError(t, err)
	require.NotNil(t, body)

	e, err := peekEnvelope(body)
	require.NoError(t, err)
	require.Equal(t, raftrpc.MsgVoteRequest, e.Type)

	msg, err := decodeMessage(e, body)
	require.NoError(t, err)
	got, ok := msg.(raftrpc.VoteRequest)
	require.True(t, ok)
	require.Equal(t, req.Term, got.Term)
	require.Equal(t, req.LastLogIndex, got.LastLogIndex)
	require.Equal(t, from, got.From)
}

func TestKeepaliveFrameIsZeroLength(t *testing.T) {
	var buf bytes.Buffer
	fw := &frameWriter{w: &buf}
	require.NoError(t, fw.writeKeepalive())

	fr := &frameReader{r: &buf}
	body, err := fr.readFrame()
	require.NoError(t, err)
	require.Nil(t, body)
}

func TestEnvelopeOfExtractsCommonHeader(t *testing.T) {
	reply := raftrpc.AppendReply{Envelope: raftrpc.Envelope{Type: raftrpc.MsgAppendReply, To: raftrpc.NewServerId()}, Success: true}
	e := envelopeOf(reply)
	require.Equal(t, raftrpc.MsgAppendReply, e.Type)
	require.Equal(t, reply.To, e.To)
}
