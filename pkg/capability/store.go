package capability

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/oqwn/minichat/pkg/config"
	"github.com/oqwn/minichat/pkg/logger"
)

// Entry is what is known about one model
type Entry struct {
	SupportsFunctionCalling bool      `json:"supportsFunctionCalling"`
	LastChecked             time.Time `json:"lastChecked"`
}

// Store persists per-model capability flags as a JSON object keyed by model
// name. Writes go through a file lock and an atomic rename so several
// processes can share one file. An empty path keeps the store in memory.
type Store struct {
	path    string
	lockCfg config.LockConfig
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry
	log     *logger.ComponentLogger
}

// NewStore opens the store at path, reading any existing entries
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:    path,
		lockCfg: config.DefaultLockConfig(),
		now:     time.Now,
		entries: make(map[string]Entry),
		log:     logger.WithComponent("capability"),
	}
	if path == "" {
		return s, nil
	}
	entries, err := s.read()
	if err != nil {
		return nil, err
	}
	s.entries = entries
	return s, nil
}

// Path returns the backing file, or "" for a memory store
func (s *Store) Path() string {
	return s.path
}

// Get returns the entry for model
func (s *Store) Get(model string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[model]
	return e, ok
}

// All returns a copy of every entry
func (s *Store) All() map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// MarkSupported records that model accepted tool use
func (s *Store) MarkSupported(model string) error {
	return s.set(model, true)
}

// MarkUnsupported records explicit evidence that model rejects tool use.
// It is the only way a supported model is downgraded.
func (s *Store) MarkUnsupported(model string) error {
	return s.set(model, false)
}

// Observe records what a failed turn says about model. Only a
// ToolsUnsupported error writes the store; other failures leave any
// existing record untouched.
func (s *Store) Observe(model string, err error) (Category, error) {
	cat := Classify(err)
	if cat != ToolsUnsupported {
		return cat, nil
	}
	s.log.Info("model rejected tool use", "model", model)
	return cat, s.MarkUnsupported(model)
}

func (s *Store) set(model string, supported bool) error {
	if model == "" {
		return errors.New("model name is required")
	}
	entry := Entry{SupportsFunctionCalling: supported, LastChecked: s.now().UTC()}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		s.entries[model] = entry
		return nil
	}

	return config.WithLock(s.path, s.lockCfg, func() error {
		// merge with whatever other writers persisted meanwhile
		current, err := s.read()
		if err != nil {
			return err
		}
		current[model] = entry

		data, err := json.MarshalIndent(current, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode capabilities: %w", err)
		}
		if err := config.AtomicWrite(s.path, data, 0644); err != nil {
			return err
		}
		s.entries = current
		s.log.Debug("capability recorded", "model", model, "supported", supported)
		return nil
	})
}

func (s *Store) read() (map[string]Entry, error) {
	entries := make(map[string]Entry)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read capability store: %w", err)
	}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse capability store %s: %w", s.path, err)
	}
	return entries, nil
}
