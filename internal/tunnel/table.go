// ABOUTME: Correlation table mapping request identifiers to delivery channels.
// ABOUTME: Routes inbound payloads by id and fails pending entries in bulk on disconnect.

package tunnel

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Delivery is one item on a pending request's channel: either a raw payload
// received on the tunnel or a broker-level error. Exactly one field is set.
type Delivery struct {
	Raw json.RawMessage
	Err error
}

type entry struct {
	ch         chan Delivery
	generation uint64
	created    time.Time
}

// Table tracks pending requests by correlation id. Registration happens
// before the frame is sent, so a reply can never arrive unroutable. The
// table is the only state shared between client-serving goroutines and the
// tunnel read pump.
type Table struct {
	mu      sync.RWMutex
	pending map[string]*entry
	buffer  int
	logger  *slog.Logger
}

// NewTable creates a correlation table whose delivery channels hold up to
// buffer fragments each.
func NewTable(buffer int, logger *slog.Logger) *Table {
	return &Table{
		pending: make(map[string]*entry),
		buffer:  buffer,
		logger:  logger.With("component", "correlation"),
	}
}

// Register creates the delivery channel for a new identifier stamped with
// the given connection generation. The caller must eventually call Remove.
func (t *Table) Register(id string, generation uint64) (<-chan Delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[id]; exists {
		return nil, ErrDuplicateID
	}

	e := &entry{
		ch:         make(chan Delivery, t.buffer),
		generation: generation,
		created:    time.Now(),
	}
	t.pending[id] = e
	return e.ch, nil
}

// Route delivers a raw payload to the entry registered under id. Payloads
// for unknown identifiers are dropped; so are payloads whose connection
// generation does not match the entry's stamp, which happens when frames
// from a dead connection arrive after a reconnect.
func (t *Table) Route(id string, generation uint64, payload json.RawMessage) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.pending[id]
	if !ok {
		t.logger.Warn("payload for unknown request", "correlation_id", id)
		return
	}
	if e.generation != generation {
		t.logger.Warn("payload with stale generation dropped",
			"correlation_id", id,
			"entry_generation", e.generation,
			"frame_generation", generation,
		)
		return
	}

	// Non-blocking send so a slow consumer cannot stall the read pump.
	// Channel close only happens under the write lock, never during a send.
	select {
	case e.ch <- Delivery{Raw: payload}:
	default:
		t.logger.Warn("delivery channel full, dropping fragment", "correlation_id", id)
	}
}

// Remove deregisters an identifier and closes its channel. Idempotent; late
// payloads for the id are discarded by Route afterward.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.pending[id]; ok {
		close(e.ch)
		delete(t.pending, id)
	}
}

// FailGeneration resolves every entry stamped with the given generation by
// delivering err and closing its channel. Called when a connection dies so
// its pending requests fail immediately instead of waiting for timeouts.
// Entries registered under other generations are untouched.
func (t *Table) FailGeneration(generation uint64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	failed := 0
	for id, e := range t.pending {
		if e.generation != generation {
			continue
		}
		select {
		case e.ch <- Delivery{Err: err}:
		default:
			// Consumer will observe the close instead.
		}
		close(e.ch)
		delete(t.pending, id)
		failed++
	}

	if failed > 0 {
		t.logger.Info("failed pending requests for dead connection",
			"generation", generation,
			"count", failed,
		)
	}
}

// Len reports the number of pending entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending)
}
