// Package raftrpc holds the data types that cross a component boundary in
// the consensus core: server/cluster identifiers, log entries, the RPC
// taxonomy of §4.6, and the status enums returned by the public API.
package raftrpc

import (
	"github.com/google/uuid"
)

// ServerId identifies a single raft peer for the lifetime of the cluster.
type ServerId uuid.UUID

// ClusterId identifies the cluster a server believes it belongs to.
type ClusterId uuid.UUID

// NilServerId is the zero value, used as "no leader known" / "not a member".
var NilServerId ServerId

// NewServerId generates a fresh random server id.
func NewServerId() ServerId {
	return ServerId(uuid.New())
}

// NewClusterId generates a fresh random cluster id.
func NewClusterId() ClusterId {
	return ClusterId(uuid.New())
}

func (s ServerId) String() string {
	return uuid.UUID(s).String()
}

func (c ClusterId) String() string {
	return uuid.UUID(c).String()
}

func (s ServerId) IsNil() bool {
	return s == NilServerId
}

func (c ClusterId) IsNil() bool {
	return c == ClusterId{}
}

func ParseServerId(s string) (ServerId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilServerId, err
	}
	return ServerId(u), nil
}

func ParseClusterId(s string) (ClusterId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ClusterId{}, err
	}
	return ClusterId(u), nil
}

// Term is a monotonic logical clock incremented at each election attempt.
type Term uint64

// Index is a dense position in the replicated log; the first real entry is 2.
type Index uint64

const (
	// IndexSentinel is index 1: "prior to any entry".
	IndexSentinel Index = 1
	// FirstRealIndex is the smallest index a real entry can occupy.
	FirstRealIndex Index = 2
)
