package main

import (
	"sync"

	"github.com/coldraft/raftdb/raftrpc"
)

// lazyTransport breaks the construction cycle between consensus.Handle and
// session.Registry: Handle needs a consensus.Transport at the moment it is
// built (to open the Store and derive self/cluster ids), but Registry
// needs those ids before it can be built itself. lazyTransport satisfies
// Deps.Transport immediately and has the real Registry swapped in once it
// exists; sends before that point are simply dropped, matching the
// best-effort contract of Transport.Send.
type lazyTransport struct {
	mu sync.Mutex
	t  interface {
		Send(to raftrpc.ServerId, msg interface{})
	}
}

func (l *lazyTransport) Send(to raftrpc.ServerId, msg interface{}) {
	l.mu.Lock()
	t := l.t
	l.mu.Unlock()
	if t != nil {
		t.Send(to, msg)
	}
}

func (l *lazyTransport) bind(t interface {
	Send(to raftrpc.ServerId, msg interface{})
}) {
	l.mu.Lock()
	l.t = t
	l.mu.Unlock()
}
