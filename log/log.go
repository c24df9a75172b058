// Package log builds the process-wide zap.Logger from a ZapConfig (§2.1
// ambient stack): one zapcore.Core per configured level, each writing
// through a file-rotatelogs WriteSyncer that rotates daily and prunes
// entries older than MaxAge, optionally teed to stdout.
package log

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapConfig is the logging section of the process config (§2.1), unmarshaled
// by viper the same way RaftConfig and StoreConfig are.
type ZapConfig struct {
	Level         string `mapstructure:"level" json:"level" yaml:"level"`
	Prefix        string `mapstructure:"prefix" json:"prefix" yaml:"prefix"`
	Format        string `mapstructure:"format" json:"format" yaml:"format"`
	Director      string `mapstructure:"director" json:"director" yaml:"director"`
	EncodeLevel   string `mapstructure:"encode-level" json:"encode-level" yaml:"encode-level"`
	StacktraceKey string `mapstructure:"stacktrace-key" json:"stacktrace-key" yaml:"stacktrace-key"`

	MaxAge       int  `mapstructure:"max-age" json:"max-age" yaml:"max-age"`
	ShowLine     bool `mapstructure:"show-line" json:"show-line" yaml:"show-line"`
	LogInConsole bool `mapstructure:"log-in-console" json:"log-in-console" yaml:"log-in-console"`
}

// New builds a *zap.Logger from cfg, creating the log directory if needed.
func New(cfg ZapConfig) (*zap.Logger, error) {
	if cfg.Director == "" {
		cfg.Director = "./log"
	}
	if err := os.MkdirAll(cfg.Director, os.ModePerm); err != nil {
		return nil, err
	}

	cores, err := cfg.zapCores()
	if err != nil {
		return nil, err
	}
	logger := zap.New(zapcore.NewTee(cores...))
	if cfg.ShowLine {
		logger = logger.WithOptions(zap.AddCaller())
	}
	return logger, nil
}

func (z ZapConfig) zapEncodeLevel() zapcore.LevelEncoder {
	switch z.EncodeLevel {
	case "LowercaseColorLevelEncoder":
		return zapcore.LowercaseColorLevelEncoder
	case "CapitalLevelEncoder":
		return zapcore.CapitalLevelEncoder
	case "CapitalColorLevelEncoder":
		return zapcore.CapitalColorLevelEncoder
	default:
		return zapcore.LowercaseLevelEncoder
	}
}

func (z ZapConfig) baseLevel() zapcore.Level {
	switch strings.ToLower(z.Level) {
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "dpanic":
		return zapcore.DPanicLevel
	case "panic":
		return zapcore.PanicLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.DebugLevel
	}
}

func (z ZapConfig) encoder() zapcore.Encoder {
	encCfg := zapcore.EncoderConfig{
		MessageKey:     "message",
		LevelKey:       "level",
		TimeKey:        "time",
		NameKey:        "logger",
		CallerKey:      "caller",
		StacktraceKey:  z.StacktraceKey,
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    z.zapEncodeLevel(),
		EncodeTime:     z.encodeTime,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.FullCallerEncoder,
	}
	if z.Format == "json" {
		return zapcore.NewJSONEncoder(encCfg)
	}
	return zapcore.NewConsoleEncoder(encCfg)
}

func (z ZapConfig) encodeTime(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(z.Prefix + t.Format("2006-01-02T15:04:05.000Z0700"))
}

// zapCores builds one core per level from baseLevel up to Fatal, each
// filtered to exactly that level and writing through its own rotating file.
func (z ZapConfig) zapCores() ([]zapcore.Core, error) {
	var cores []zapcore.Core
	for level := z.baseLevel(); level <= zapcore.FatalLevel; level++ {
		writer, err := newRotatingWriteSyncer(z, level.String())
		if err != nil {
			return nil, err
		}
		exactly := level
		enabler := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l == exactly })
		cores = append(cores, zapcore.NewCore(z.encoder(), writer, enabler))
	}
	return cores, nil
}
