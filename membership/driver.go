package membership

import "github.com/coldraft/raftdb/raftrpc"

// Completion is a reconfiguration outcome the consensus core should turn
// into an AddServerReply/RemoveServerReply sent to ReplyTo.
type Completion struct {
	ReplyTo *raftrpc.Envelope
	Status  raftrpc.MembershipStatus
	Sid     raftrpc.ServerId
}

// Driver is the leader-only single-server reconfiguration algorithm of
// §4.5: at most one AddServer and one RemoveServer in flight, each driven
// forward by Tick as the log and commit index advance.
type Driver struct {
	m *Membership
}

func NewDriver(m *Membership) *Driver { return &Driver{m: m} }

// RequestAdd begins catching sid up, or reports why it can't.
func (d *Driver) RequestAdd(sid raftrpc.ServerId, address string, logEnd raftrpc.Index, replyTo *raftrpc.Envelope) raftrpc.MembershipStatus {
	m := d.m
	if m.IsMember(sid) {
		return raftrpc.MembershipNoOp
	}
	if _, inFlight := m.pendingAdd[sid]; inFlight {
		return raftrpc.MembershipInProgress
	}
	m.pendingAdd[sid] = &Server{
		Sid:       sid,
		Address:   address,
		Phase:     PhaseCatchup,
		NextIndex: logEnd,
		ReplyTo:   replyTo,
	}
	return raftrpc.MembershipInProgress
}

// RequestRemove marks sid for removal, or reports why it can't.
func (d *Driver) RequestRemove(sid raftrpc.ServerId, replyTo *raftrpc.Envelope) raftrpc.MembershipStatus {
	m := d.m
	if !m.IsMember(sid) {
		return raftrpc.MembershipNoOp
	}
	if m.hasPendingRemove && m.pendingRemove != sid {
		return raftrpc.MembershipInProgress
	}
	s := m.Server(sid, 0)
	s.Phase = PhaseRemove
	s.ReplyTo = replyTo
	m.hasPendingRemove = true
	m.pendingRemove = sid
	return raftrpc.MembershipInProgress
}

// NoteMatch updates a peer's replicated-through index and promotes a
// catching-up pending add to CaughtUp once it has replicated the full log.
func (d *Driver) NoteMatch(sid raftrpc.ServerId, matchIndex, logEnd raftrpc.Index) {
	if s, ok := d.m.pendingAdd[sid]; ok {
		s.MatchIndex = matchIndex
		if s.Phase == PhaseCatchup && matchIndex+1 >= logEnd {
			s.Phase = PhaseCaughtUp
		}
		return
	}
	if s, ok := d.m.servers[sid]; ok {
		s.MatchIndex = matchIndex
	}
}

// Tick advances the reconfiguration state machine by at most one step,
// returning any replies now owed to requesters. hasUncommittedServersEntry
// must reflect whether a Servers entry already sits in (commitIndex,
// logEnd) — the driver will not append a second one until the first
// commits (§4.5 step 1). appendServers persists a new Servers entry at the
// current term and returns its index.
func (d *Driver) Tick(commitIndex raftrpc.Index, hasUncommittedServersEntry bool, appendServers func(raftrpc.Configuration) (raftrpc.Index, error)) []Completion {
	if hasUncommittedServersEntry {
		return nil
	}
	m := d.m
	var completions []Completion

	for sid, s := range m.servers {
		if s.Phase == PhaseCommitting && s.ConfigIndex != 0 && s.ConfigIndex <= commitIndex {
			s.Phase = PhaseStable
			completions = append(completions, Completion{ReplyTo: s.ReplyTo, Status: raftrpc.MembershipOk, Sid: sid})
			s.ReplyTo = nil
			return completions
		}
	}

	if m.hasPendingRemove && m.pendingRemoveConfigIndex != 0 && m.pendingRemoveConfigIndex <= commitIndex {
		sid := m.pendingRemove
		if s, ok := m.servers[sid]; ok {
			completions = append(completions, Completion{ReplyTo: s.ReplyTo, Status: raftrpc.MembershipOk, Sid: sid})
			delete(m.servers, sid)
		}
		m.hasPendingRemove = false
		m.pendingRemove = raftrpc.NilServerId
		m.pendingRemoveConfigIndex = 0
		return completions
	}

	for sid, s := range m.pendingAdd {
		if s.Phase != PhaseCaughtUp {
			continue
		}
		newCfg := m.current.Clone()
		newCfg.Servers = append(newCfg.Servers, raftrpc.ServerSpec{Sid: sid, Address: s.Address})
		idx, err := appendServers(newCfg)
		if err != nil {
			return completions
		}
		s.Phase = PhaseCommitting
		s.ConfigIndex = idx
		m.servers[sid] = s
		delete(m.pendingAdd, sid)
		m.current = newCfg
		return completions
	}

	if m.hasPendingRemove {
		sid := m.pendingRemove
		if s, ok := m.servers[sid]; ok && s.Phase == PhaseRemove && s.ConfigIndex == 0 {
			newCfg := raftrpc.Configuration{}
			for _, spec := range m.current.Servers {
				if spec.Sid != sid {
					newCfg.Servers = append(newCfg.Servers, spec)
				}
			}
			idx, err := appendServers(newCfg)
			if err == nil {
				s.ConfigIndex = idx
				m.pendingRemoveConfigIndex = idx
				m.current = newCfg
			}
		}
	}

	return completions
}
