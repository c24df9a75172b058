package session

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"

	"github.com/coldraft/raftdb/raftrpc"
)

// maxFrameLen bounds a single frame so a corrupt or malicious length prefix
// can't make a reader allocate without limit; a full snapshot chunk
// (snapshotChunkSize in consensus) plus JSON overhead comfortably fits.
const maxFrameLen = 8 * 1024 * 1024

var errFrameTooLarge = errors.New("session: frame exceeds maxFrameLen")

// frameWriter (and frameReader below) handle the length-prefixed wire
// shape named in §4.7: a 4-byte
// big-endian length prefix followed by that many bytes of JSON, mirroring
// the teacher's transportTCP head-then-body framing (DataPack) but with
// encoding/json for the payload instead of the teacher's protobuf message.
// A zero-length frame is the transport-level keepalive ping (§4.7).
type frameWriter struct {
	w io.Writer
}

func (fw *frameWriter) writeFrame(body []byte) error {
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], uint32(len(body)))
	if _, err := fw.w.Write(head[:]); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := fw.w.Write(body)
	return err
}

func (fw *frameWriter) writeKeepalive() error { return fw.writeFrame(nil) }

func (fw *frameWriter) writeMessage(envelope raftrpc.Envelope, msg interface{}) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "session: marshal message")
	}
	return fw.writeFrame(body)
}

type frameReader struct {
	r io.Reader
}

// readFrame blocks for exactly one frame: the 4-byte length header, then
// that many body bytes. A zero-length frame returns (nil, nil) — the
// keepalive ping.
func (fr *frameReader) readFrame() ([]byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(fr.r, head[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(head[:])
	if n == 0 {
		return nil, nil
	}
	if n > maxFrameLen {
		return nil, errFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return nil, errors.Wrap(err, "session: read frame body")
	}
	return body, nil
}

// peekEnvelope decodes just the common header so the registry can route
// the frame to the right handler before unmarshaling the full message type.
func peekEnvelope(body []byte) (raftrpc.Envelope, error) {
	var e raftrpc.Envelope
	err := json.Unmarshal(body, &e)
	return e, err
}

// decodeMessage unmarshals body into the concrete Go type matching the
// envelope's Type field (§4.6 RPC taxonomy).
func decodeMessage(envelope raftrpc.Envelope, body []byte) (interface{}, error) {
	var err error
	switch envelope.Type {
	case raftrpc.MsgHello:
		var m raftrpc.Hello
		err = json.Unmarshal(body, &m)
		return m, err
	case raftrpc.MsgAppendRequest:
		var m raftrpc.AppendRequest
		err = json.Unmarshal(body, &m)
		return m, err
	case raftrpc.MsgAppendReply:
		var m raftrpc.AppendReply
		err = json.Unmarshal(body, &m)
		return m, err
	case raftrpc.MsgVoteRequest:
		var m raftrpc.VoteRequest
		err = json.Unmarshal(body, &m)
		return m, err
	case raftrpc.MsgVoteReply:
		var m raftrpc.VoteReply
		err = json.Unmarshal(body, &m)
		return m, err
	case raftrpc.MsgInstallSnapshotRequest:
		var m raftrpc.InstallSnapshotRequest
		err = json.Unmarshal(body, &m)
		return m, err
	case raftrpc.MsgInstallSnapshotReply:
		var m raftrpc.InstallSnapshotReply
		err = json.Unmarshal(body, &m)
		return m, err
	case raftrpc.MsgAddServerRequest:
		var m raftrpc.AddServerRequest
		err = json.Unmarshal(body, &m)
		return m, err
	case raftrpc.MsgAddServerReply:
		var m raftrpc.AddServerReply
		err = json.Unmarshal(body, &m)
		return m, err
	case raftrpc.MsgRemoveServerRequest:
		var m raftrpc.RemoveServerRequest
		err = json.Unmarshal(body, &m)
		return m, err
	case raftrpc.MsgRemoveServerReply:
		var m raftrpc.RemoveServerReply
		err = json.Unmarshal(body, &m)
		return m, err
	default:
		return nil, errors.Errorf("session: unknown message type %v", envelope.Type)
	}
}

// envelopeOf extracts the common Envelope from any concrete message type
// via a field-access type switch, used when a caller has a typed message
// (from consensus) and needs to frame it for the wire.
func envelopeOf(msg interface{}) raftrpc.Envelope {
	switch m := msg.(type) {
	case raftrpc.Hello:
		return m.Envelope
	case raftrpc.AppendRequest:
		return m.Envelope
	case raftrpc.AppendReply:
		return m.Envelope
	case raftrpc.VoteRequest:
		return m.Envelope
	case raftrpc.VoteReply:
		return m.Envelope
	case raftrpc.InstallSnapshotRequest:
		return m.Envelope
	case raftrpc.InstallSnapshotReply:
		return m.Envelope
	case raftrpc.AddServerRequest:
		return m.Envelope
	case raftrpc.AddServerReply:
		return m.Envelope
	case raftrpc.RemoveServerRequest:
		return m.Envelope
	case raftrpc.RemoveServerReply:
		return m.Envelope
	default:
		return raftrpc.Envelope{}
	}
}
