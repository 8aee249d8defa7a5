package config

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"os"
	"sync"
	"time"

	logx "mailsched/pkg/logx"
)

const validateTimeout = 5 * time.Second

// Validator is an extra check a reload must pass before it is committed.
type Validator func(ctx context.Context, cfg *Config) error

// ConfigManager holds the committed config and publishes every accepted
// change to subscribers.
type ConfigManager struct {
	path string

	mu        sync.RWMutex
	cfg       *Config
	digest    uint64
	log       logx.Logger
	validator Validator

	// subsMu also serializes publish against Unsubscribe, so a channel is
	// never written after it is closed.
	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop(), subs: make(map[chan *Config]struct{})}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.mu.Lock()
	m.log = log
	m.mu.Unlock()
}

// SetValidator installs a check that runs after Validate on every reload.
func (m *ConfigManager) SetValidator(fn Validator) {
	m.mu.Lock()
	m.validator = fn
	m.mu.Unlock()
}

func (m *ConfigManager) logger() logx.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.log
}

// Parse reads and decodes the file without validating it.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, b)
}

// Load parses, validates and commits the file. The extra validator is not
// consulted; it belongs to components that do not exist yet at load time.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.commit(cfg, digest(cfg))
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *ConfigManager) commit(cfg *Config, sum uint64) {
	m.mu.Lock()
	m.cfg, m.digest = cfg, sum
	m.mu.Unlock()
}

// Reload re-reads the file. A config that is unchanged is ignored; a
// changed one must pass Validate and the validator before it is committed
// and published. It reports whether subscribers were notified.
func (m *ConfigManager) Reload(ctx context.Context) (bool, error) {
	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}
	sum := digest(cfg)

	m.mu.RLock()
	same := sum != 0 && sum == m.digest
	validator := m.validator
	m.mu.RUnlock()
	if same {
		return false, nil
	}

	if err := Validate(cfg); err != nil {
		return false, err
	}
	if validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := validator(vctx, cfg)
		cancel()
		if err != nil {
			return false, err
		}
	}
	m.commit(cfg, sum)
	m.publish(cfg)
	m.logger().Debug("config committed", logx.String("path", m.path))
	return true, nil
}

// digest identifies a decoded config; several editor write events for one
// save yield the same digest.
func digest(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

// publish never blocks. A full subscriber loses its oldest pending config
// so the newest one always lands.
func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		offer(ch, cfg)
	}
}

func offer(ch chan *Config, cfg *Config) {
	select {
	case ch <- cfg:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- cfg:
	default:
	}
}
