// ABOUTME: Resolves public model names to provider targets and session endpoints.
// ABOUTME: Pool selection is uniformly random per call; fallback uses the default pool.

package mapper

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/2389/arena-bridge/internal/config"
)

// Model type tags from the model table.
const (
	TypeText  = "text"
	TypeImage = "image"
)

// Interaction modes carried by a session pool entry.
const (
	ModeDirectChat = "direct_chat"
	ModeBattle     = "battle"
)

// DefaultPool is the pool key consulted when a model has no entries of its own.
const DefaultPool = "default"

var (
	// ErrModelNotFound means the requested model has no row in the model table.
	ErrModelNotFound = errors.New("model not found")

	// ErrNoSessionConfigured means the model is known but no usable session
	// endpoint exists for it, even after fallback.
	ErrNoSessionConfigured = errors.New("no session configured")
)

// Mapping is one model table row: provider target id and type tag.
type Mapping struct {
	TargetID string
	Type     string
}

// PoolEntry is one reusable session endpoint. Entries are immutable once
// loaded; selection never mutates them.
type PoolEntry struct {
	SessionID    string `json:"session_id"`
	MessageID    string `json:"message_id"`
	Mode         string `json:"mode,omitempty"`
	BattleTarget string `json:"battle_target,omitempty"`
}

// usable reports whether the entry carries real identifiers rather than
// starter-file placeholders.
func (e PoolEntry) usable() bool {
	if e.SessionID == "" || e.MessageID == "" {
		return false
	}
	return !strings.Contains(e.SessionID, "YOUR_") && !strings.Contains(e.MessageID, "YOUR_")
}

// Resolution is a fully resolved request target. Absence of a mapping or a
// session is always an error from Resolve, never a zero-valued Resolution.
type Resolution struct {
	Model    string
	TargetID string
	Type     string
	Session  PoolEntry
}

// Mapper owns the model table and the session pools. Both are read-only at
// request time; Load replaces them wholesale under the write lock.
type Mapper struct {
	mu     sync.RWMutex
	models map[string]Mapping
	pools  map[string][]PoolEntry

	modelsFile  string
	poolsFile   string
	catalogFile string
	fallback    bool

	logger *slog.Logger
}

// New creates a Mapper over the configured table files. Call Load before
// serving requests.
func New(cfg config.TablesConfig, logger *slog.Logger) *Mapper {
	return &Mapper{
		models:      make(map[string]Mapping),
		pools:       make(map[string][]PoolEntry),
		modelsFile:  cfg.ModelsFile,
		poolsFile:   cfg.PoolsFile,
		catalogFile: cfg.CatalogFile,
		fallback:    cfg.FallbackToDefault,
		logger:      logger.With("component", "mapper"),
	}
}

// Load reads both table files. A missing file leaves that table empty;
// malformed content is an error and the previous tables stay in place.
// Safe to call again to pick up out-of-band edits.
func (m *Mapper) Load() error {
	models, err := loadModelTable(m.modelsFile)
	if err != nil {
		return err
	}
	pools, err := loadPoolTable(m.poolsFile)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.models = models
	m.pools = pools
	m.mu.Unlock()

	m.logger.Info("tables loaded", "models", len(models), "pools", len(pools))
	return nil
}

// Models returns the configured public model names, sorted.
func (m *Mapper) Models() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.models))
	for name := range m.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve maps a public model name to a provider target and one session
// endpoint, chosen uniformly at random when the pool holds several. Each
// call draws independently. When the model has no usable pool entries and
// fallback is enabled, the default pool is drawn from instead.
func (m *Mapper) Resolve(model string) (Resolution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mapping, ok := m.models[model]
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %q", ErrModelNotFound, model)
	}

	entry, ok := m.pickLocked(model)
	if !ok {
		if !m.fallback {
			return Resolution{}, fmt.Errorf("%w: model %q has no session pool entry", ErrNoSessionConfigured, model)
		}
		entry, ok = m.pickLocked(DefaultPool)
		if !ok {
			return Resolution{}, fmt.Errorf("%w: model %q has no session pool entry and the default pool is empty", ErrNoSessionConfigured, model)
		}
	}

	return Resolution{
		Model:    model,
		TargetID: mapping.TargetID,
		Type:     mapping.Type,
		Session:  normalizeEntry(entry),
	}, nil
}

// pickLocked draws one usable entry from the named pool. Must be called
// with mu held.
func (m *Mapper) pickLocked(name string) (PoolEntry, bool) {
	entries := m.pools[name]
	usable := make([]PoolEntry, 0, len(entries))
	for _, e := range entries {
		if e.usable() {
			usable = append(usable, e)
		}
	}
	if len(usable) == 0 {
		return PoolEntry{}, false
	}
	return usable[rand.Intn(len(usable))], true
}

// normalizeEntry fills mode defaults: direct chat, battle target "a".
func normalizeEntry(e PoolEntry) PoolEntry {
	if e.Mode == "" {
		e.Mode = ModeDirectChat
	}
	if e.BattleTarget == "" {
		e.BattleTarget = "a"
	}
	e.BattleTarget = strings.ToLower(e.BattleTarget)
	return e
}

// RecordCapture persists a freshly harvested session endpoint into the pool
// file and reloads the tables. An empty model lands in the default pool,
// replacing it; a named model's pool is appended to.
func (m *Mapper) RecordCapture(model string, entry PoolEntry) error {
	if model == "" {
		model = DefaultPool
	}
	if err := upsertPoolEntry(m.poolsFile, model, entry); err != nil {
		return err
	}
	m.logger.Info("session capture recorded", "model", model)
	return m.Load()
}
