package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	defaultLogPath  = "./mailsched.log"
	alertQueueSize  = 256
	alertSendBudget = 10 * time.Second
)

type Config struct {
	Level   string
	Console bool
	// JSON switches the console sink from human-readable to JSON lines.
	JSON  bool
	File  FileConfig
	Alert AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// AlertConfig forwards records at or above MinLevel to an AlertSender,
// rate limited so a failing tick cannot flood the operator channel.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// AlertSender delivers one formatted log record to operators.
type AlertSender interface {
	SendAlert(ctx context.Context, text string) error
}

// Service owns the sinks. Apply rebuilds them in place; loggers handed out
// earlier pick up the new sinks on their next record.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu       sync.Mutex
	file     *os.File
	sender   AlertSender
	limiter  *rate.Limiter
	minLevel zerolog.Level

	queue   chan string
	dropped atomic.Uint64
	worker  sync.Once
	stop    context.CancelFunc
	done    chan struct{}
}

// New applies cfg and returns the service with its root logger. sender may
// be nil and set later with SetAlertSender.
func New(cfg Config, sender AlertSender) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{sender: sender, queue: make(chan string, alertQueueSize)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// SetAlertSender swaps the alert destination. nil disables delivery.
func (s *Service) SetAlertSender(sender AlertSender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// DroppedAlerts counts records dropped because the alert queue was full.
func (s *Service) DroppedAlerts() uint64 { return s.dropped.Load() }

// Apply rebuilds every sink from cfg. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.minLevel = parseLevel(cfg.Alert.MinLevel, zerolog.WarnLevel)
	burst := max(1, cfg.Alert.RatePerSec)
	s.limiter = rate.NewLimiter(rate.Limit(burst), burst)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var sinks []io.Writer
	if cfg.Console {
		if cfg.JSON {
			sinks = append(sinks, os.Stdout)
		} else {
			sinks = append(sinks, consoleWriter())
		}
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if cfg.Alert.Enabled {
		s.startWorkerLocked()
		sinks = append(sinks, alertSink{s})
		if s.sender == nil {
			fmt.Fprintln(os.Stderr, "logx: alerts enabled without a sender; records are dropped")
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter())
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// Close stops alert delivery and closes the log file. Alerts still queued
// are discarded.
func (s *Service) Close() error {
	s.mu.Lock()
	f, stop, done := s.file, s.stop, s.done
	s.file, s.stop = nil, nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

func consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeFormat}
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogPath
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return def
	}
}
