// Package logging builds the process logger and adapts it to the executor and ledger hooks.
package logging

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"

	defaultServiceName = "adspend"

	fileMaxSizeMB  = 100
	fileMaxAgeDays = 7
	fileMaxBackups = 7
)

var ErrInvalidLogConfig = errors.New("invalid log config")

// Config selects level, encoding and an optional rotating file.
type Config struct {
	Level      string
	Format     string
	OutputFile string
	Service    string
}

// New builds a logger that writes info through warn to stdout, error and above to
// stderr, and everything at the configured level to OutputFile when set.
func New(config Config) (*zap.Logger, error) {
	return build(config, zapcore.Lock(os.Stdout), zapcore.Lock(os.Stderr))
}

func build(config Config, stdout zapcore.WriteSyncer, stderr zapcore.WriteSyncer) (*zap.Logger, error) {
	levelName := strings.TrimSpace(config.Level)
	if levelName == "" {
		levelName = "info"
	}
	level, err := zapcore.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("%w: level %q: %v", ErrInvalidLogConfig, config.Level, err)
	}
	encoder, err := newEncoder(config.Format)
	if err != nil {
		return nil, err
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, stdout, zap.LevelEnablerFunc(func(candidate zapcore.Level) bool {
			return candidate >= level && candidate < zapcore.ErrorLevel
		})),
		zapcore.NewCore(encoder, stderr, zap.LevelEnablerFunc(func(candidate zapcore.Level) bool {
			return candidate >= level && candidate >= zapcore.ErrorLevel
		})),
	}
	if outputFile := strings.TrimSpace(config.OutputFile); outputFile != "" {
		fileWriter := zapcore.AddSync(&lumberjack.Logger{
			Filename:   outputFile,
			MaxSize:    fileMaxSizeMB,
			MaxAge:     fileMaxAgeDays,
			MaxBackups: fileMaxBackups,
			Compress:   true,
		})
		cores = append(cores, zapcore.NewCore(encoder, fileWriter, level))
	}

	service := strings.TrimSpace(config.Service)
	if service == "" {
		service = defaultServiceName
	}
	return zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service", service)),
	), nil
}

func newEncoder(format string) (zapcore.Encoder, error) {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatJSON:
		return zapcore.NewJSONEncoder(encoderConfig), nil
	case FormatConsole:
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(encoderConfig), nil
	default:
		return nil, fmt.Errorf("%w: format %q", ErrInvalidLogConfig, format)
	}
}
