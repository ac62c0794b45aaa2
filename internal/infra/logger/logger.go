package logger

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) zap() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelFatal:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

type Logger struct {
	sugar *zap.SugaredLogger
	file  io.Closer
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:          "time",
		LevelKey:         "level",
		MessageKey:       "msg",
		EncodeTime:       zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		ConsoleSeparator: " ",
	}
}

// New writes every enabled level to filePath. With includeStdout, Info and
// above is mirrored to stdout so Debug spam stays out of the terminal.
func New(filePath string, level Level, includeStdout bool) (*Logger, error) {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	enc := zapcore.NewConsoleEncoder(encoderConfig())
	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.AddSync(f), level.zap()),
	}

	if includeStdout {
		stdoutLevel := level.zap()
		if stdoutLevel < zapcore.InfoLevel {
			stdoutLevel = zapcore.InfoLevel
		}
		cores = append(cores, zapcore.NewCore(enc.Clone(), zapcore.Lock(os.Stdout), stdoutLevel))
	}

	return &Logger{
		sugar: zap.New(zapcore.NewTee(cores...)).Sugar(),
		file:  f,
	}, nil
}

// NewWriter logs to w only. Used by the CLI and tests.
func NewWriter(w io.Writer, level Level) *Logger {
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), zapcore.AddSync(w), level.zap())
	return &Logger{sugar: zap.New(core).Sugar()}
}

// Nop discards everything.
func Nop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

func ParseLevel(lvl string) Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l *Logger) Debug(f string, v ...any) { l.sugar.Debugf(f, v...) }
func (l *Logger) Info(f string, v ...any)  { l.sugar.Infof(f, v...) }
func (l *Logger) Warn(f string, v ...any)  { l.sugar.Warnf(f, v...) }
func (l *Logger) Error(f string, v ...any) { l.sugar.Errorf(f, v...) }
func (l *Logger) Fatal(f string, v ...any) { l.sugar.Fatalf(f, v...) }

// Sync flushes buffered entries and closes the log file.
func (l *Logger) Sync() error {
	_ = l.sugar.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) Write(p []byte) (n int, err error) {
	// Echo and other libraries often include a newline at the end
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		l.Info("%s", msg)
	}
	return len(p), nil
}
