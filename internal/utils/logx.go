package utils

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogxManager builds the node logger: console output plus per-level files
// (info.log, error.log, debug.log) under basePath.
type LogxManager struct {
	basePath string
	level    zapcore.Level
	mu       sync.Mutex
	files    []*os.File
}

func NewManager(basePath, level string) (*LogxManager, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
	}
	m := &LogxManager{basePath: basePath, level: lvl}
	if basePath != "" {
		if err := os.MkdirAll(basePath, 0744); err != nil {
			log.Printf("failed to create base log dir %s: %v", basePath, err)
		}
	}
	return m, nil
}

func (m *LogxManager) openLogFile(name string) zapcore.WriteSyncer {
	path := filepath.Join(m.basePath, name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("failed to open log file %s: %v", path, err)
		return zapcore.AddSync(os.Stdout)
	}
	m.mu.Lock()
	m.files = append(m.files, f)
	m.mu.Unlock()
	return zapcore.AddSync(f)
}

// Logger returns a zap logger teeing to the console and, when a base path is
// set, to the level files.
func (m *LogxManager) Logger() *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileEnc := zapcore.NewJSONEncoder(encCfg)
	consoleEnc := zapcore.NewConsoleEncoder(encCfg)

	enabled := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= m.level })
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), enabled),
	}
	if m.basePath != "" {
		infoLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= m.level && l >= zapcore.InfoLevel && l < zapcore.ErrorLevel
		})
		errLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= zapcore.ErrorLevel })
		dbgLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= m.level && l == zapcore.DebugLevel
		})
		cores = append(cores,
			zapcore.NewCore(fileEnc, m.openLogFile("info.log"), infoLv),
			zapcore.NewCore(fileEnc, m.openLogFile("error.log"), errLv),
			zapcore.NewCore(fileEnc, m.openLogFile("debug.log"), dbgLv),
		)
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

// Close releases the log files.
func (m *LogxManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, f := range m.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.files = nil
	return firstErr
}
