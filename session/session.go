package session

import (
	"crypto/tls"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coldraft/raftdb/raftrpc"
)

// SessionIdleTimeout sets the keepalive cadence: writeLoop sends a
// zero-length frame every SessionIdleTimeout/3, whether or not other
// frames have crossed the wire in between; deliberately
// unrelated to consensus.HeartbeatPeriod (§4.7: "a transport-level ping,
// distinct from the Raft heartbeat").
const SessionIdleTimeout = 3 * time.Second

// reconnect backoff bounds (§4.7 "bounded exponential backoff").
const (
	reconnectBaseDelay = 200 * time.Millisecond
	reconnectMaxDelay  = 10 * time.Second
)

type outboundMsg struct {
	envelope raftrpc.Envelope
	msg      interface{}
}

// Session is one peer connection, read and written from its own pair of
// goroutines (§4.7, §5: the session layer is the one place besides the
// Durability Worker allowed off the main task). If addr is set the session
// redials on disconnect with exponential backoff; a session promoted from
// an unidentified inbound connection has no addr and simply goes idle
// until the peer reconnects to us.
type Session struct {
	self      raftrpc.ServerId
	clusterId func() raftrpc.ClusterId
	peer      raftrpc.ServerId
	addr      *Address
	tlsCfg       *tls.Config
	logger       *zap.Logger
	deliver      func(interface{})
	onDisconnect func(raftrpc.ServerId)

	mu      sync.Mutex
	conn    net.Conn
	sendC   chan outboundMsg
	stopped bool
	stopC   chan struct{}
}

func newSession(self raftrpc.ServerId, clusterId func() raftrpc.ClusterId, peer raftrpc.ServerId, addr *Address, tlsCfg *tls.Config, logger *zap.Logger, deliver func(interface{}), onDisconnect func(raftrpc.ServerId)) *Session {
	s := &Session{
		self:         self,
		clusterId:    clusterId,
		peer:         peer,
		addr:         addr,
		tlsCfg:       tlsCfg,
		logger:       logger,
		deliver:      deliver,
		onDisconnect: onDisconnect,
		sendC:        make(chan outboundMsg, 256),
		stopC:        make(chan struct{}),
	}
	if addr != nil {
		go s.dialLoop()
	}
	go s.writeLoop()
	return s
}

// hello identifies us to the peer on a freshly dialed connection, since
// §4.7 promotes an unidentified inbound connection on "the first RPC
// whose from field resolves to a ServerId" — Hello is that first RPC.
func (s *Session) hello() (raftrpc.Envelope, raftrpc.Hello) {
	e := raftrpc.Envelope{Type: raftrpc.MsgHello, To: s.peer, From: s.self, Cluster: s.clusterId()}
	return e, raftrpc.Hello{Envelope: e}
}

// adopt takes over a freshly dialed net.Conn as the session's current
// connection, starting a reader goroutine for it and tearing down whatever
// connection it previously held.
func (s *Session) adopt(conn net.Conn) {
	s.adoptWithoutReader(conn)
	go s.readLoop(conn)
}

// adoptWithoutReader is adopt without starting the reader goroutine, used
// when the caller (Registry.identify) has already consumed the
// connection's first frame and will start the reader itself once it has
// delivered that frame.
func (s *Session) adoptWithoutReader(conn net.Conn) {
	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// sameAddress reports whether this session already dials addr, so a
// reconciliation pass can leave an unaffected session alone instead of
// tearing down a live connection for no reason.
func (s *Session) sameAddress(addr Address) bool {
	return s.addr != nil && *s.addr == addr
}

func (s *Session) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Session) dialLoop() {
	delay := reconnectBaseDelay
	for {
		select {
		case <-s.stopC:
			return
		default:
		}
		if !s.isConnected() {
			conn, err := s.dial()
			if err != nil {
				s.logger.Debug("session dial failed", zap.Stringer("peer", s.peer), zap.Error(err))
				select {
				case <-time.After(delay):
				case <-s.stopC:
					return
				}
				delay *= 2
				if delay > reconnectMaxDelay {
					delay = reconnectMaxDelay
				}
				continue
			}
			delay = reconnectBaseDelay
			s.adopt(conn)
			s.send(s.hello())
		}
		select {
		case <-time.After(reconnectBaseDelay):
		case <-s.stopC:
			return
		}
	}
}

func (s *Session) dial() (net.Conn, error) {
	if s.addr.Scheme == SchemeSSL {
		return tls.Dial("tcp", s.addr.Dial(), s.tlsCfg)
	}
	return net.DialTimeout("tcp", s.addr.Dial(), 5*time.Second)
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(SessionIdleTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopC:
			s.mu.Lock()
			if s.conn != nil {
				s.conn.Close()
			}
			s.mu.Unlock()
			return
		case m := <-s.sendC:
			s.writeOne(m)
		case <-ticker.C:
			s.writeKeepalive()
		}
	}
}

func (s *Session) writeOne(m outboundMsg) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	fw := &frameWriter{w: conn}
	if err := fw.writeMessage(m.envelope, m.msg); err != nil {
		s.logger.Debug("session write failed, dropping connection", zap.Stringer("peer", s.peer), zap.Error(err))
		s.drop(conn)
	}
}

func (s *Session) writeKeepalive() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	fw := &frameWriter{w: conn}
	if err := fw.writeKeepalive(); err != nil {
		s.drop(conn)
	}
}

func (s *Session) drop(conn net.Conn) {
	s.mu.Lock()
	dropped := s.conn == conn
	if dropped {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()
	if dropped && s.onDisconnect != nil {
		s.onDisconnect(s.peer)
	}
}

func (s *Session) readLoop(conn net.Conn) {
	fr := &frameReader{r: conn}
	for {
		body, err := fr.readFrame()
		if err != nil {
			s.drop(conn)
			return
		}
		if body == nil {
			continue // keepalive ping; liveness is implicit in a successful read
		}
		envelope, err := peekEnvelope(body)
		if err != nil {
			s.logger.Warn("malformed frame, dropping", zap.Stringer("peer", s.peer), zap.Error(err))
			continue
		}
		msg, err := decodeMessage(envelope, body)
		if err != nil {
			s.logger.Warn("malformed message, dropping", zap.Stringer("peer", s.peer), zap.Error(err))
			continue
		}
		s.deliver(msg)
	}
}

// send enqueues msg for delivery, dropping it silently if the session
// currently has no live connection (§7 "messages to unreachable peers are
// dropped, no RPC queue").
func (s *Session) send(envelope raftrpc.Envelope, msg interface{}) {
	select {
	case s.sendC <- outboundMsg{envelope: envelope, msg: msg}:
	default:
		s.logger.Debug("session send queue full, dropping", zap.Stringer("peer", s.peer))
	}
}

func (s *Session) stop() {
	s.mu.Lock()
	already := s.stopped
	s.stopped = true
	s.mu.Unlock()
	if already {
		return
	}
	close(s.stopC)
}
