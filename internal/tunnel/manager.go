// ABOUTME: Owns the single authoritative WebSocket connection to the browser agent.
// ABOUTME: Tracks connection generations, sends frames, and pumps inbound payloads to the table.

package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// wsConn pairs a WebSocket connection with a write mutex. The gorilla
// package allows only one concurrent writer per connection.
type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *wsConn) close() error {
	return c.ws.Close()
}

// Manager owns the tunnel endpoint. Exactly one connection is authoritative
// at a time; when a second peer connects the previous connection is closed
// and replaced, since the common cause is the browser page reloading. Every
// successful attach increments the generation counter, and pending requests
// stamped with a dead generation are failed in bulk through the table.
type Manager struct {
	table    *Table
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu         sync.Mutex
	active     *wsConn
	generation uint64
	liveCh     chan struct{}
}

// NewManager creates a connection manager routing inbound payloads into table.
// allowedOrigins restricts WebSocket upgrades; empty allows any origin.
func NewManager(table *Table, allowedOrigins []string, logger *slog.Logger) *Manager {
	return &Manager{
		table:    table,
		logger:   logger.With("component", "tunnel"),
		upgrader: makeUpgrader(allowedOrigins),
		liveCh:   make(chan struct{}),
	}
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// ServeHTTP upgrades the request and adopts the connection as the
// authoritative tunnel, then runs the read pump until the peer goes away.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("tunnel upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := &wsConn{ws: ws}
	gen := m.attach(c)
	m.logger.Info("browser agent connected", "generation", gen, "remote", r.RemoteAddr)

	m.readPump(c, gen)

	m.detach(c, gen)
}

// attach installs c as the authoritative connection, closing any previous
// one, and returns the new generation number.
func (m *Manager) attach(c *wsConn) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		m.logger.Warn("replacing existing tunnel connection", "generation", m.generation)
		_ = m.active.close()
	}

	m.generation++
	m.active = c
	close(m.liveCh)
	m.liveCh = make(chan struct{})
	return m.generation
}

// detach clears c if it is still authoritative and fails its pending
// entries. A connection that was already replaced still fails the entries
// stamped with its own generation; the replacement's entries are untouched.
func (m *Manager) detach(c *wsConn, gen uint64) {
	m.mu.Lock()
	if m.active == c {
		m.active = nil
	}
	m.mu.Unlock()

	_ = c.close()
	m.table.FailGeneration(gen, ErrTunnelLost)
	m.logger.Info("browser agent disconnected", "generation", gen)
}

// readPump reads envelopes from c and routes payloads until the connection
// errors out.
func (m *Manager) readPump(c *wsConn, gen uint64) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.logger.Warn("tunnel read error", "error", err, "generation", gen)
			}
			return
		}

		var env Envelope
		if err := parseEnvelope(data, &env); err != nil {
			m.logger.Warn("malformed tunnel frame", "error", err)
			continue
		}

		m.table.Route(env.CorrelationID, gen, env.Payload)
	}
}

func parseEnvelope(data []byte, env *Envelope) error {
	if err := json.Unmarshal(data, env); err != nil {
		return err
	}
	if env.CorrelationID == "" {
		return errors.New("missing correlation_id")
	}
	if len(env.Payload) == 0 {
		return errors.New("missing payload")
	}
	return nil
}

// Live reports whether a connection is attached and its generation.
func (m *Manager) Live() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation, m.active != nil
}

// WaitLive blocks until a connection is live or ctx is done, returning the
// live generation. Callers bound the wait through ctx; a zero admission
// window means ctx is already expired and unavailable is returned at once.
func (m *Manager) WaitLive(ctx context.Context) (uint64, error) {
	for {
		m.mu.Lock()
		if m.active != nil {
			gen := m.generation
			m.mu.Unlock()
			return gen, nil
		}
		ch := m.liveCh
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ErrConnectionUnavailable
		case <-ch:
		}
	}
}

// Send transmits a task frame on the connection identified by gen. Sending
// fails with ErrConnectionUnavailable when no connection is live or when the
// live connection is newer than gen: a frame stamped for a dead connection
// must not leak onto a replacement that knows nothing about it.
func (m *Manager) Send(gen uint64, frame TaskFrame) error {
	m.mu.Lock()
	c := m.active
	current := m.generation
	m.mu.Unlock()

	if c == nil || current != gen {
		return ErrConnectionUnavailable
	}

	if err := c.writeJSON(frame); err != nil {
		return fmt.Errorf("writing task frame: %w", err)
	}
	return nil
}

// SendControl transmits a fire-and-forget control command on the live
// connection.
func (m *Manager) SendControl(command string) error {
	m.mu.Lock()
	c := m.active
	m.mu.Unlock()

	if c == nil {
		return ErrConnectionUnavailable
	}

	if err := c.writeJSON(ControlFrame{Command: command}); err != nil {
		return fmt.Errorf("writing control frame: %w", err)
	}
	return nil
}
