// Package membership implements the Server bookkeeping and single-server
// reconfiguration driver of §4.5: the committed member set, the pending-add
// and pending-remove sets, and the phase state machine each server record
// moves through.
package membership

import (
	"go.uber.org/zap"

	"github.com/coldraft/raftdb/raftlog"
	"github.com/coldraft/raftdb/raftrpc"
)

// Phase is the per-server membership-change lifecycle marker (§3, §9).
type Phase uint8

const (
	PhaseStable Phase = iota
	PhaseCatchup
	PhaseCaughtUp
	PhaseCommitting
	PhaseRemove
)

func (p Phase) String() string {
	switch p {
	case PhaseStable:
		return "Stable"
	case PhaseCatchup:
		return "Catchup"
	case PhaseCaughtUp:
		return "CaughtUp"
	case PhaseCommitting:
		return "Committing"
	case PhaseRemove:
		return "Remove"
	default:
		return "Unknown"
	}
}

// Server is the leader-side bookkeeping record for one known peer (§3).
// NextIndex/MatchIndex are meaningful only while this node is leader.
type Server struct {
	Sid     raftrpc.ServerId
	Address string

	NextIndex  raftrpc.Index
	MatchIndex raftrpc.Index
	Phase      Phase

	// ConfigIndex is the index of the Servers entry that moved this server
	// into PhaseCommitting (add) or initiated its removal, or 0 if no such
	// entry has been appended yet.
	ConfigIndex raftrpc.Index

	// ReplyTo is the envelope of the AddServer/RemoveServer request that
	// originated a pending phase transition for this server, so the
	// reconfiguration driver can address the eventual reply (§4.5).
	ReplyTo *raftrpc.Envelope
}

// Membership owns the current committed configuration (derived from the
// log per §4.5) plus the leader-only pending-add/pending-remove sets and
// per-peer bookkeeping.
type Membership struct {
	self raftrpc.ServerId

	current raftrpc.Configuration
	servers map[raftrpc.ServerId]*Server

	pendingAdd               map[raftrpc.ServerId]*Server
	hasPendingRemove         bool
	pendingRemove            raftrpc.ServerId
	pendingRemoveConfigIndex raftrpc.Index

	logger *zap.Logger
}

// New derives the initial membership from a just-replayed log (§6 open /
// §4.5 "Configuration read").
func New(self raftrpc.ServerId, log *raftlog.Log, logger *zap.Logger) *Membership {
	m := &Membership{
		self:       self,
		servers:    map[raftrpc.ServerId]*Server{},
		pendingAdd: map[raftrpc.ServerId]*Server{},
		logger:     logger,
	}
	m.RecomputeFromLog(log)
	return m
}

// RecomputeFromLog re-derives the current configuration by scanning
// backward from log_end for the latest Servers entry, falling back to
// prev_servers if none is found. Called after a truncation (§4.2, §4.5).
func (m *Membership) RecomputeFromLog(log *raftlog.Log) {
	cfg := log.PrevServers()
	for i := log.LastIndex(); i >= log.LogStart(); i-- {
		e, ok := log.Entry(i)
		if !ok {
			break
		}
		if e.Kind == raftrpc.EntryServers {
			cfg = e.Servers
			break
		}
	}
	m.current = cfg.Clone()
	for _, spec := range cfg.Servers {
		if _, ok := m.servers[spec.Sid]; !ok {
			m.servers[spec.Sid] = &Server{Sid: spec.Sid, Address: spec.Address, NextIndex: log.LogEnd(), Phase: PhaseStable}
		} else {
			m.servers[spec.Sid].Address = spec.Address
		}
	}
	// Drop bookkeeping for servers no longer in the configuration, unless
	// they are mid pending-remove (still tracked until the driver retires them).
	for sid, srv := range m.servers {
		if !cfg.Contains(sid) && srv.Phase != PhaseRemove {
			delete(m.servers, sid)
		}
	}
}

func (m *Membership) Current() raftrpc.Configuration { return m.current.Clone() }

func (m *Membership) IsMember(sid raftrpc.ServerId) bool { return m.current.Contains(sid) }

func (m *Membership) Majority() int { return m.current.Majority() }

func (m *Membership) Len() int { return m.current.Len() }

// Server returns the bookkeeping record for sid, creating one (as
// PhaseStable, NextIndex at logEnd) if this is the first time it's seen.
func (m *Membership) Server(sid raftrpc.ServerId, logEnd raftrpc.Index) *Server {
	if s, ok := m.servers[sid]; ok {
		return s
	}
	s := &Server{Sid: sid, Phase: PhaseStable, NextIndex: logEnd}
	m.servers[sid] = s
	return s
}

func (m *Membership) Servers() map[raftrpc.ServerId]*Server { return m.servers }

// Peers returns every known server other than self: committed members
// plus any in-flight pending adds.
func (m *Membership) Peers() []*Server {
	out := make([]*Server, 0, len(m.servers)+len(m.pendingAdd))
	seen := map[raftrpc.ServerId]bool{}
	for sid, s := range m.servers {
		if sid == m.self {
			continue
		}
		out = append(out, s)
		seen[sid] = true
	}
	for sid, s := range m.pendingAdd {
		if sid == m.self || seen[sid] {
			continue
		}
		out = append(out, s)
	}
	return out
}

// MatchCount returns how many current members (including self, which is
// always caught up with itself) have MatchIndex >= index.
func (m *Membership) MatchCount(index raftrpc.Index, selfMatch raftrpc.Index) int {
	count := 0
	for _, spec := range m.current.Servers {
		if spec.Sid == m.self {
			if selfMatch >= index {
				count++
			}
			continue
		}
		if s, ok := m.servers[spec.Sid]; ok && s.MatchIndex >= index {
			count++
		}
	}
	return count
}
