package config

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Watcher owns a viper instance pointed at one YAML file and republishes a
// merged Config every time fsnotify reports the file changed (§2.1).
type Watcher struct {
	v       *viper.Viper
	logger  *zap.Logger
	current atomic.Pointer[Config]
}

// Load reads path once, then starts watching it for live-safe changes.
func Load(path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "config: read config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal config file")
	}

	w := &Watcher{v: v, logger: logger}
	w.current.Store(&cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		w.reload()
	})
	return w, nil
}

func (w *Watcher) reload() {
	var neu Config
	if err := w.v.Unmarshal(&neu); err != nil {
		w.logger.Error("config: reload failed, keeping previous config", zap.Error(err))
		return
	}
	base := *w.current.Load()
	merged := mergeLiveFields(base, neu)
	w.current.Store(&merged)
	w.logger.Info("config reloaded", zap.String("level", merged.Zap.Level), zap.Int("heartbeat-millis", merged.Raft.HeartbeatMillis))
}

// Current returns the most recently loaded Config. The returned pointer is
// never mutated in place — reload always stores a fresh one — so callers
// may keep it around without racing a concurrent reload.
func (w *Watcher) Current() *Config { return w.current.Load() }
