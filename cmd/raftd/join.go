package main

import (
	"crypto/tls"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/coldraft/raftdb/consensus"
	"github.com/coldraft/raftdb/raftrpc"
	"github.com/coldraft/raftdb/session"
)

// join_cluster timing (§6): generous bounds since catch-up on a large log
// can legitimately take a while, but bounded so a misconfigured remotes
// list fails loudly instead of hanging the process forever.
const (
	joinRequestTimeout    = 5 * time.Second
	joinCompletionTimeout = 5 * time.Minute
	joinRetryBackoff      = 2 * time.Second
	maxJoinAttempts       = 10
	maxRedirectHops       = 5
)

// joinCluster implements §6 join_cluster against a config-supplied
// remotes[] list of bare addresses: it has no ServerId to dial with, so it
// probes each remote with a one-off session.QuickRequest, follows
// MembershipNotLeader redirects to the real leader, and once the leader
// has accepted the request (status InProgress) opens a steady outbound
// session to it and waits on the Handle's JoinReplies for the final Ok
// that means the reconfiguration committed.
func joinCluster(h *consensus.Handle, registry *session.Registry, localAddress string, remotes []string, tlsCfg *tls.Config, logger *zap.Logger) error {
	self := h.Self()
	req := raftrpc.AddServerRequest{
		Envelope: raftrpc.Envelope{Type: raftrpc.MsgAddServerRequest, From: self, To: raftrpc.NilServerId},
		Sid:      self,
		Address:  localAddress,
	}

	var lastErr error
	for attempt := 0; attempt < maxJoinAttempts; attempt++ {
		for _, remote := range remotes {
			leaderSid, leaderAddr, clusterId, err := probeForLeader(remote, req, tlsCfg)
			if err != nil {
				logger.Debug("join probe failed", zap.String("remote", remote), zap.Error(err))
				lastErr = err
				continue
			}

			registry.AdoptClusterId(clusterId)
			h.AdoptClusterId(clusterId)
			if err := registry.AddKnownMember(leaderSid, leaderAddr); err != nil {
				return errors.Wrap(err, "join: dial leader")
			}
			// The probe above already registered us as pending with the
			// leader; resend the request now that a steady session exists
			// so the leader has somewhere to deliver the eventual reply
			// even if the probe connection raced its own teardown.
			h.RequestJoin(leaderSid)

			if err := awaitJoinCompletion(h, registry, logger); err != nil {
				lastErr = err
				continue
			}
			return nil
		}
		time.Sleep(joinRetryBackoff)
	}
	return errors.Wrap(lastErr, "join: exhausted remotes and retries")
}

// probeForLeader sends one AddServerRequest to remote, following
// MembershipNotLeader redirects until it reaches a server that accepts the
// request (or gives up after maxRedirectHops).
func probeForLeader(remote string, req raftrpc.AddServerRequest, tlsCfg *tls.Config) (leaderSid raftrpc.ServerId, leaderAddr string, clusterId raftrpc.ClusterId, err error) {
	addrStr := remote
	for hop := 0; hop < maxRedirectHops; hop++ {
		addr, perr := session.ParseAddress(addrStr)
		if perr != nil {
			return raftrpc.NilServerId, "", raftrpc.ClusterId{}, perr
		}
		replyEnvelope, replyMsg, perr := session.QuickRequest(addr, tlsCfg, joinRequestTimeout, req)
		if perr != nil {
			return raftrpc.NilServerId, "", raftrpc.ClusterId{}, perr
		}
		reply, ok := replyMsg.(raftrpc.AddServerReply)
		if !ok {
			return raftrpc.NilServerId, "", raftrpc.ClusterId{}, errors.Errorf("join: unexpected reply type from %s", addrStr)
		}
		switch reply.Status {
		case raftrpc.MembershipOk, raftrpc.MembershipInProgress:
			return replyEnvelope.From, addrStr, replyEnvelope.Cluster, nil
		case raftrpc.MembershipNotLeader:
			if reply.LeaderSid.IsNil() || reply.LeaderAddress == "" {
				return raftrpc.NilServerId, "", raftrpc.ClusterId{}, errors.Errorf("join: %s redirected but named no leader", addrStr)
			}
			addrStr = reply.LeaderAddress
			continue
		default:
			return raftrpc.NilServerId, "", raftrpc.ClusterId{}, errors.Errorf("join: %s rejected request with status %s", addrStr, reply.Status)
		}
	}
	return raftrpc.NilServerId, "", raftrpc.ClusterId{}, errors.Errorf("join: too many redirects starting from %s", remote)
}

// awaitJoinCompletion blocks until the leader's reconfiguration driver
// commits our addition and replies Ok, or the leader changes again and
// redirects us once more.
func awaitJoinCompletion(h *consensus.Handle, registry *session.Registry, logger *zap.Logger) error {
	select {
	case reply := <-h.JoinReplies():
		switch reply.Status {
		case raftrpc.MembershipOk:
			h.AdoptClusterId(reply.Cluster)
			registry.AdoptClusterId(reply.Cluster)
			logger.Info("joined cluster", zap.Stringer("cluster", reply.Cluster))
			return nil
		case raftrpc.MembershipNotLeader:
			if reply.LeaderSid.IsNil() || reply.LeaderAddress == "" {
				return errors.New("join: leader changed mid-catchup, new leader unknown")
			}
			if err := registry.AddKnownMember(reply.LeaderSid, reply.LeaderAddress); err != nil {
				return err
			}
			h.RequestJoin(reply.LeaderSid)
			return awaitJoinCompletion(h, registry, logger)
		default:
			return errors.Errorf("join: catch-up ended with status %s", reply.Status)
		}
	case <-time.After(joinCompletionTimeout):
		return errors.New("join: timed out waiting to be added")
	}
}
