package config

import (
	"context"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"livebot/pkg/logx"
)

// Manager holds the current config and republishes validated snapshots when
// the file changes on disk. Invalid edits are logged and ignored; the last
// good config stays active.
type Manager struct {
	path string
	log  logx.Logger

	mu  sync.RWMutex
	cfg *Config

	// subsMu guards the subscriber list so we never send on a channel that
	// is concurrently being closed.
	subsMu sync.Mutex
	subs   []chan *Config

	// lastHash tracks the last committed file content, so editor quirks
	// (multiple write events, atomic-save renames) don't cause redundant
	// publishes.
	lastHash uint64
}

func NewManager(path string, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{path: path, log: log}
}

// Load parses the file and commits it as the current config.
func (m *Manager) Load() (*Config, error) {
	cfg, err := Parse(m.path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = m.hashFile()
	m.mu.Unlock()
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel receiving each newly committed config.
func (m *Manager) Subscribe(buffer int) chan *Config {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

// Watch blocks until ctx is done, reloading the file on change events.
// Watching the directory (not the file) survives atomic-save renames.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		return err
	}

	// Debounce: editors fire several events per save.
	var timer *time.Timer
	reload := make(chan struct{}, 1)
	arm := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			select {
			case reload <- struct{}{}:
			default:
			}
		})
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	base := filepath.Base(m.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				arm()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("config watcher error", logx.Err(err))
		case <-reload:
			m.reload()
		}
	}
}

func (m *Manager) reload() {
	h := m.hashFile()
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		return
	}

	cfg, err := Parse(m.path)
	if err != nil {
		m.log.Warn("config reload rejected; keeping previous", logx.Err(err))
		return
	}

	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = h
	m.mu.Unlock()
	m.log.Info("config reloaded")

	m.subsMu.Lock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
		default: // subscriber lagging; it will pick up Get() eventually
		}
	}
	m.subsMu.Unlock()
}

func (m *Manager) hashFile() uint64 {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
