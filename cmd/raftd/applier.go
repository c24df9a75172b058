package main

import (
	"go.uber.org/zap"

	"github.com/coldraft/raftdb/raftrpc"
)

// logApplier is the default consensus.Applier used when this process runs
// standalone rather than embedded in a larger configuration-database
// service: it just logs what got committed, so a fresh cluster is
// observably doing something without needing a real state machine wired
// in yet.
type logApplier struct {
	logger *zap.Logger
}

func (a *logApplier) Apply(index raftrpc.Index, data []byte) {
	a.logger.Info("applied entry", zap.Uint64("index", uint64(index)), zap.Int("bytes", len(data)))
}
