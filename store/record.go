package store

import (
	"github.com/coldraft/raftdb/raftrpc"
)

// RecordKind discriminates the three self-describing record shapes of §4.1.
type RecordKind uint8

const (
	RecordHeader RecordKind = iota
	RecordSnapshot
	RecordLogEntry
)

func (k RecordKind) String() string {
	switch k {
	case RecordHeader:
		return "Header"
	case RecordSnapshot:
		return "Snapshot"
	case RecordLogEntry:
		return "LogEntry"
	default:
		return "Unknown"
	}
}

// HeaderBody is written once at cluster creation or first learning of the
// cluster id. A later Header record (e.g. on join) supersedes the prior one
// for every field it sets.
type HeaderBody struct {
	ClusterId     raftrpc.ClusterId `json:"cluster_id"`
	ServerId      raftrpc.ServerId  `json:"server_id"`
	FormatVersion string            `json:"format_version"`
}

// SnapshotBody is written on compaction and at the head of every log rewrite.
type SnapshotBody struct {
	PrevTerm    raftrpc.Term          `json:"prev_term"`
	PrevIndex   raftrpc.Index         `json:"prev_index"`
	PrevServers raftrpc.Configuration `json:"prev_servers"`
	Data        []byte                `json:"data"`
}

// LogEntryBody is one of the three per-index or metadata-advance shapes
// named in §4.1: {index,term,data}, {index,term,servers}, or {term,vote}
// (HasIndex == false means "no index", i.e. a term/vote metadata advance).
type LogEntryBody struct {
	HasIndex bool                  `json:"has_index"`
	Index    raftrpc.Index         `json:"index,omitempty"`
	Term     raftrpc.Term          `json:"term"`
	Kind     raftrpc.EntryKind     `json:"kind,omitempty"`
	Data     []byte                `json:"data,omitempty"`
	Servers  raftrpc.Configuration `json:"servers,omitempty"`
	HasVote  bool                  `json:"has_vote,omitempty"`
	Vote     raftrpc.ServerId      `json:"vote,omitempty"`
}

// Record is the envelope written to the append-only file: exactly one of
// Header, Snapshot, or LogEntry is populated, per Kind.
type Record struct {
	Kind     RecordKind    `json:"kind"`
	Header   *HeaderBody   `json:"header,omitempty"`
	Snapshot *SnapshotBody `json:"snapshot,omitempty"`
	LogEntry *LogEntryBody `json:"log_entry,omitempty"`
}
