package log

import (
	"errors"
	"fmt"
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the [log] section of the configuration file.
type Config struct {
	Stdout     bool   `mapstructure:"stdout"`
	File       string `mapstructure:"file"` // empty means no log file
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=console json"`
	MaxAge     int    `mapstructure:"max_age"`  // days, 0 keeps rotated files
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

var (
	Logger = zap.NewNop()
	Sugar  = Logger.Sugar()

	// Level drives every logger built by Init. It is an http.Handler, the web
	// service mounts it to change verbosity at runtime.
	Level = zap.NewAtomicLevel()
)

func Init(config Config) error {
	lvl, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	ws, err := writers(config)
	if err != nil {
		return err
	}

	Level.SetLevel(lvl)
	Logger = zap.New(zapcore.NewCore(encoder(config.Format), ws, Level),
		zap.AddCaller(), zap.AddStacktrace(zapcore.DPanicLevel)).Named("edgedns")
	Sugar = Logger.Sugar()

	return nil
}

// Sync flushes buffered entries, stdout sync errors are expected on terminals.
func Sync() {
	_ = Logger.Sync()
}

func writers(config Config) (zapcore.WriteSyncer, error) {
	var wss []zapcore.WriteSyncer
	if config.File != "" {
		wss = append(wss, zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSize,
			MaxAge:     config.MaxAge,
			MaxBackups: config.MaxBackups,
			Compress:   config.Compress,
		}))
	}

	if config.Stdout {
		wss = append(wss, zapcore.Lock(os.Stdout))
	}

	if len(wss) == 0 {
		return nil, errors.New("log needs stdout or a file")
	}
	return zapcore.NewMultiWriteSyncer(wss...), nil
}

func encoder(format string) zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		CallerKey:      "C",
		MessageKey:     "M",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}

	if format == "json" {
		return zapcore.NewJSONEncoder(cfg)
	}
	return zapcore.NewConsoleEncoder(cfg)
}
