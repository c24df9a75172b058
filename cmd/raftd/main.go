// Command raftd is a thin process wrapper around the consensus core: it
// loads configuration, opens or bootstraps the on-disk store, wires the
// peer-session transport, and runs the single cooperative main loop until
// asked to stop. Argument parsing and process supervision are deliberately
// minimal — the interesting behavior lives in consensus, raftlog,
// membership, and session.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/coldraft/raftdb/config"
	"github.com/coldraft/raftdb/consensus"
	"github.com/coldraft/raftdb/log"
	"github.com/coldraft/raftdb/raftrpc"
	"github.com/coldraft/raftdb/session"
)

func main() {
	configPath := flag.String("config", "./raftd.yaml", "path to the process YAML config")
	flag.Parse()

	watcher, err := config.Load(*configPath, zap.NewNop())
	if err != nil {
		panic(err)
	}
	cfg := watcher.Current()

	logger, err := log.New(cfg.Zap)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	handle, registry, self, err := bootstrap(cfg, watcher, logger)
	if err != nil {
		logger.Fatal("bootstrap failed", zap.Error(err))
	}

	stop := make(chan struct{})
	go reconcileMembership(handle, registry, self, logger, stop)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
	close(stop)
	if err := registry.Close(); err != nil {
		logger.Warn("error closing session registry", zap.Error(err))
	}
	if err := handle.Close(); err != nil {
		logger.Warn("error closing store", zap.Error(err))
	}
	handle.Wait()
}

// bootstrap decides between §6's open, create_cluster, and join_cluster
// depending on what's already on disk and what the config asks for, then
// wires the session Registry into the resulting Handle.
func bootstrap(cfg *config.Config, watcher *config.Watcher, logger *zap.Logger) (*consensus.Handle, *session.Registry, raftrpc.ServerId, error) {
	localAddr, err := session.ParseAddress(cfg.Cluster.LocalAddress)
	if err != nil {
		return nil, nil, raftrpc.NilServerId, err
	}

	transport := &lazyTransport{}
	deps := consensus.Deps{
		Transport: transport,
		Applier:   &logApplier{logger: logger},
		Logger:    logger,
		Now:       time.Now,
		Timing: func() (time.Duration, time.Duration, time.Duration) {
			return watcher.Current().Raft.Timing()
		},
	}

	var (
		handle *consensus.Handle
		self   raftrpc.ServerId
		cid    raftrpc.ClusterId
		joined bool
	)
	switch {
	case storeExists(cfg.Store.Path):
		handle, err = consensus.Open(cfg.Store.Path, cfg.Cluster.LocalAddress, deps)
		if err != nil {
			return nil, nil, raftrpc.NilServerId, err
		}
		go handle.Run()
		self, cid = handle.Self(), handle.ClusterId()
	case len(cfg.Cluster.Remotes) == 0:
		handle, cid, self, err = consensus.CreateCluster(cfg.Store.Path, cfg.Cluster.LocalAddress, nil, deps)
		if err != nil {
			return nil, nil, raftrpc.NilServerId, err
		}
		go handle.Run()
	default:
		handle, self, err = consensus.JoinCluster(cfg.Store.Path, cfg.Cluster.LocalAddress, deps)
		if err != nil {
			return nil, nil, raftrpc.NilServerId, err
		}
		go handle.Run()
		joined = true
	}

	registry := session.NewRegistry(self, cid, logger, nil, handle.Deliver)
	transport.bind(registry)
	registry.OnDisconnect(handle.OnDisconnected)
	if err := registry.Listen(localAddr); err != nil {
		return nil, nil, raftrpc.NilServerId, err
	}

	if joined {
		if err := joinCluster(handle, registry, cfg.Cluster.LocalAddress, cfg.Cluster.Remotes, nil, logger); err != nil {
			return nil, nil, raftrpc.NilServerId, err
		}
	}

	return handle, registry, self, nil
}

func storeExists(path string) bool {
	_, _, err := consensus.ReadMetadata(path)
	return err == nil
}
