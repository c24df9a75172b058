package consensus

import "github.com/pkg/errors"

var (
	errNotLeader       = errors.New("consensus: not leader")
	errNotMember       = errors.New("consensus: not a cluster member")
	errTransferPending = errors.New("consensus: leadership transfer already in progress")
)
