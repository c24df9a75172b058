package session

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/coldraft/raftdb/raftrpc"
)

// QuickRequest dials addr, sends one message, and blocks for the first
// non-keepalive reply frame. It exists for the join_cluster bootstrap
// (§6): the caller doesn't yet know the remote's ServerId and has no
// steady-state Session to use, only an address taken from the
// configuration's remotes list.
func QuickRequest(addr Address, tlsCfg *tls.Config, timeout time.Duration, msg interface{}) (raftrpc.Envelope, interface{}, error) {
	var (
		conn net.Conn
		err  error
	)
	if addr.Scheme == SchemeSSL {
		conn, err = tls.DialWithDialer(&net.Dialer{Timeout: timeout}, "tcp", addr.Dial(), tlsCfg)
	} else {
		conn, err = net.DialTimeout("tcp", addr.Dial(), timeout)
	}
	if err != nil {
		return raftrpc.Envelope{}, nil, errors.Wrap(err, "session: dial")
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	fw := &frameWriter{w: conn}
	if err := fw.writeMessage(envelopeOf(msg), msg); err != nil {
		return raftrpc.Envelope{}, nil, errors.Wrap(err, "session: write request")
	}

	fr := &frameReader{r: conn}
	for {
		body, err := fr.readFrame()
		if err != nil {
			return raftrpc.Envelope{}, nil, errors.Wrap(err, "session: read reply")
		}
		if body == nil {
			continue // keepalive ping from the accepting side while it works the request
		}
		replyEnvelope, err := peekEnvelope(body)
		if err != nil {
			return raftrpc.Envelope{}, nil, err
		}
		replyMsg, err := decodeMessage(replyEnvelope, body)
		if err != nil {
			return raftrpc.Envelope{}, nil, err
		}
		return replyEnvelope, replyMsg, nil
	}
}
