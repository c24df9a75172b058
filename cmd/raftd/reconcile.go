package main

import (
	"time"

	"go.uber.org/zap"

	"github.com/coldraft/raftdb/consensus"
	"github.com/coldraft/raftdb/raftrpc"
	"github.com/coldraft/raftdb/session"
)

const membershipReconcileInterval = 2 * time.Second

// reconcileMembership keeps the Registry's outbound sessions in sync with
// the committed cluster configuration (§4.5): once a reconfiguration
// commits, every member opens an outbound session to every other member
// instead of waiting to be dialed, and a removed member's session is torn
// down. It runs for the life of the process; stop closes it down.
func reconcileMembership(h *consensus.Handle, registry *session.Registry, self raftrpc.ServerId, logger *zap.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(membershipReconcileInterval)
	defer ticker.Stop()
	known := map[raftrpc.ServerId]struct{}{}
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			cfg := h.Members()
			seen := make(map[raftrpc.ServerId]struct{}, len(cfg.Servers))
			for _, s := range cfg.Servers {
				if s.Sid == self {
					continue
				}
				seen[s.Sid] = struct{}{}
				if err := registry.EnsureKnownMember(s.Sid, s.Address); err != nil {
					logger.Warn("failed to dial cluster member", zap.Stringer("peer", s.Sid), zap.Error(err))
				}
			}
			for sid := range known {
				if _, ok := seen[sid]; !ok {
					registry.RemoveMember(sid)
				}
			}
			known = seen
		}
	}
}
