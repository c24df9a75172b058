package session

import (
	"crypto/tls"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/coldraft/raftdb/raftrpc"
)

// Registry is the "two socket collections" design (§4.1/§4.7/§9): a map of
// sessions to known members, keyed by ServerId, plus a set of
// not-yet-identified inbound connections promoted into the map on the
// first RPC whose From resolves to a ServerId. It implements
// consensus.Transport.
type Registry struct {
	self      raftrpc.ServerId
	clusterId raftrpc.ClusterId

	logger     *zap.Logger
	tlsCfg     *tls.Config
	deliver    func(interface{})
	onDisconnect func(raftrpc.ServerId)

	mu           sync.Mutex
	sessions     map[raftrpc.ServerId]*Session
	unidentified map[net.Conn]struct{}

	listener net.Listener
}

// NewRegistry builds an empty registry. deliver is called (from one of the
// registry's own reader goroutines) for every decoded inbound message; the
// caller is expected to hand it straight to Handle.Deliver, which is safe
// to call from any goroutine.
func NewRegistry(self raftrpc.ServerId, clusterId raftrpc.ClusterId, logger *zap.Logger, tlsCfg *tls.Config, deliver func(interface{})) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		self:         self,
		clusterId:    clusterId,
		logger:       logger,
		tlsCfg:       tlsCfg,
		deliver:      deliver,
		onDisconnect: func(raftrpc.ServerId) {},
		sessions:     map[raftrpc.ServerId]*Session{},
		unidentified: map[net.Conn]struct{}{},
	}
}

// OnDisconnect registers a callback fired whenever a peer's live
// connection drops, feeding the isolation check of §9
// disconnection-triggered step-down (consensus.Node.OnDisconnected).
func (r *Registry) OnDisconnect(fn func(raftrpc.ServerId)) {
	r.mu.Lock()
	r.onDisconnect = fn
	r.mu.Unlock()
}

// Listen starts accepting inbound connections on addr's passive form.
func (r *Registry) Listen(addr Address) error {
	var (
		ln  net.Listener
		err error
	)
	if addr.Scheme == SchemeSSL {
		ln, err = tls.Listen("tcp", net.JoinHostPort("", addr.Port), r.tlsCfg)
	} else {
		ln, err = net.Listen("tcp", net.JoinHostPort("", addr.Port))
	}
	if err != nil {
		return err
	}
	r.listener = ln
	go r.acceptLoop(ln)
	return nil
}

func (r *Registry) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed on Close()
		}
		r.trackUnidentified(conn)
		go r.identify(conn)
	}
}

func (r *Registry) trackUnidentified(conn net.Conn) {
	r.mu.Lock()
	r.unidentified[conn] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) untrackUnidentified(conn net.Conn) {
	r.mu.Lock()
	delete(r.unidentified, conn)
	r.mu.Unlock()
}

// identify reads exactly one frame from a freshly accepted connection to
// learn the sender's ServerId, then promotes it into sessions (§4.7 "first
// RPC whose from field resolves to a ServerId").
func (r *Registry) identify(conn net.Conn) {
	fr := &frameReader{r: conn}
	body, err := fr.readFrame()
	if err != nil || body == nil {
		r.untrackUnidentified(conn)
		conn.Close()
		return
	}
	envelope, err := peekEnvelope(body)
	if err != nil {
		r.untrackUnidentified(conn)
		conn.Close()
		return
	}
	// A blind join_cluster probe (§6) doesn't know our ServerId yet and
	// stamps To as NilServerId; anything else addressed to someone else is
	// a routing mistake and gets dropped.
	if !envelope.To.IsNil() && envelope.To != r.self {
		r.logger.Warn("inbound connection addressed to a different server, dropping",
			zap.Stringer("to", envelope.To), zap.Stringer("self", r.self))
		r.untrackUnidentified(conn)
		conn.Close()
		return
	}

	r.untrackUnidentified(conn)
	s := r.promote(envelope.From, conn)

	msg, err := decodeMessage(envelope, body)
	if err != nil {
		r.logger.Warn("malformed first message, dropping connection", zap.Error(err))
		return
	}
	r.deliver(msg)
	go s.readLoop(conn) // continue reading this connection's subsequent frames
}

// promote returns the session for peer, creating an address-less one (can
// receive but not redial) if this is the first time peer has been seen,
// and adopts conn as its live connection.
func (r *Registry) promote(peer raftrpc.ServerId, conn net.Conn) *Session {
	r.mu.Lock()
	s, ok := r.sessions[peer]
	if !ok {
		s = newSession(r.self, r.currentClusterId, peer, nil, r.tlsCfg, r.logger, r.deliver, r.fireDisconnect)
		r.sessions[peer] = s
	}
	r.mu.Unlock()
	s.adoptWithoutReader(conn)
	return s
}

func (r *Registry) fireDisconnect(peer raftrpc.ServerId) {
	r.mu.Lock()
	fn := r.onDisconnect
	r.mu.Unlock()
	if fn != nil {
		fn(peer)
	}
}

func (r *Registry) currentClusterId() raftrpc.ClusterId {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clusterId
}

// AdoptClusterId updates the cluster id stamped on future Hello frames,
// used once a join reply carries the cluster's real id (§6 join_cluster).
func (r *Registry) AdoptClusterId(cid raftrpc.ClusterId) {
	r.mu.Lock()
	r.clusterId = cid
	r.mu.Unlock()
}

// AddKnownMember ensures an outbound, auto-reconnecting session exists for
// peer at address (§4.5 AddServer, §6 join_cluster). Calling it again for a
// peer whose address changed replaces the session.
func (r *Registry) AddKnownMember(peer raftrpc.ServerId, address string) error {
	addr, err := ParseAddress(address)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if existing, ok := r.sessions[peer]; ok {
		existing.stop()
	}
	s := newSession(r.self, r.currentClusterId, peer, &addr, r.tlsCfg, r.logger, r.deliver, r.fireDisconnect)
	r.sessions[peer] = s
	r.mu.Unlock()
	return nil
}

// EnsureKnownMember is AddKnownMember, but idempotent: a peer already
// dialing the same address is left alone so a periodic membership
// reconciliation doesn't tear down a live connection on every pass.
func (r *Registry) EnsureKnownMember(peer raftrpc.ServerId, address string) error {
	addr, err := ParseAddress(address)
	if err != nil {
		return err
	}
	r.mu.Lock()
	existing, ok := r.sessions[peer]
	r.mu.Unlock()
	if ok && existing.sameAddress(addr) {
		return nil
	}
	return r.AddKnownMember(peer, address)
}

// RemoveMember tears down and forgets the session for peer (§4.5 RemoveServer).
func (r *Registry) RemoveMember(peer raftrpc.ServerId) {
	r.mu.Lock()
	s, ok := r.sessions[peer]
	delete(r.sessions, peer)
	r.mu.Unlock()
	if ok {
		s.stop()
	}
}

// Send implements consensus.Transport: best-effort, fire-and-forget, and a
// bug (not a user error) if to == self (§5 self-send guard).
func (r *Registry) Send(to raftrpc.ServerId, msg interface{}) {
	if to == r.self {
		r.logger.Error("send-to-self, dropping", zap.Stringer("to", to))
		return
	}
	r.mu.Lock()
	s, ok := r.sessions[to]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("send to unknown peer, dropping", zap.Stringer("to", to))
		return
	}
	s.send(envelopeOf(msg), msg)
}

// IsConnected reports whether peer currently has a live connection,
// supporting the isolation check of §9 disconnection-triggered step-down.
func (r *Registry) IsConnected(peer raftrpc.ServerId) bool {
	r.mu.Lock()
	s, ok := r.sessions[peer]
	r.mu.Unlock()
	return ok && s.isConnected()
}

// Close tears down every session and stops accepting connections.
func (r *Registry) Close() error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	unidentified := make([]net.Conn, 0, len(r.unidentified))
	for c := range r.unidentified {
		unidentified = append(unidentified, c)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.stop()
	}
	for _, c := range unidentified {
		c.Close()
	}
	if r.listener != nil {
		return r.listener.Close()
	}
	return nil
}
