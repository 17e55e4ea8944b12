package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	defaultLogFile  = "./recurd.log"
	logFileMode     = 0o644
	logFileOpenFlag = os.O_CREATE | os.O_APPEND | os.O_WRONLY
)

// stdout is where console output goes. Tests may swap it.
var stdout io.Writer = os.Stdout

// Service owns the log sinks and swaps them on Apply.
type Service struct {
	mu   sync.Mutex
	file *os.File
	root atomic.Pointer[zerolog.Logger]
}

// New builds a Service from cfg and returns it with a Logger bound to it.
// A log file that cannot be opened is reported on stderr and skipped.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{}
	if err := s.Apply(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "logx: %v\n", err)
	}
	return s, Logger{svc: s}
}

func (s *Service) current() *zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return zl
	}
	nop := zerolog.Nop()
	return &nop
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply replaces level and sinks. When the new log file cannot be opened the
// sinks are rebuilt without it and the error is returned.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		writers []io.Writer
		file    *os.File
		openErr error
	)
	if cfg.Console {
		writers = append(writers, consoleWriter(stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		file, openErr = os.OpenFile(path, logFileOpenFlag, logFileMode)
		if openErr != nil {
			openErr = fmt.Errorf("open log file %q: %w", path, openErr)
		} else {
			writers = append(writers, zerolog.SyncWriter(file))
		}
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
	return openErr
}

// Close releases the log file. Logging keeps working on the other sinks.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}
