// ABOUTME: Tests for the tunnel manager over real WebSocket connections.
// ABOUTME: Covers accept-newest replacement, generation-stamped sends, and routing.

package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestTunnel(t *testing.T, origins []string) (*Manager, *Table, *httptest.Server) {
	t.Helper()
	table := NewTable(16, slog.Default())
	mgr := NewManager(table, origins, slog.Default())
	srv := httptest.NewServer(mgr)
	t.Cleanup(srv.Close)
	return mgr, table, srv
}

func dialTunnel(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitLive(t *testing.T, m *Manager) uint64 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	gen, err := m.WaitLive(ctx)
	if err != nil {
		t.Fatalf("WaitLive() error = %v", err)
	}
	return gen
}

func waitGeneration(t *testing.T, m *Manager, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if gen, ok := m.Live(); ok && gen == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("generation never reached %d", want)
}

func TestManagerAttach(t *testing.T) {
	t.Run("connection becomes live", func(t *testing.T) {
		mgr, _, srv := newTestTunnel(t, nil)

		if _, ok := mgr.Live(); ok {
			t.Fatal("Live() = true before any connection")
		}

		dialTunnel(t, srv, nil)
		gen := waitLive(t, mgr)
		if gen != 1 {
			t.Errorf("generation = %d, want 1", gen)
		}
	})

	t.Run("newest connection wins", func(t *testing.T) {
		mgr, table, srv := newTestTunnel(t, nil)

		first := dialTunnel(t, srv, nil)
		waitGeneration(t, mgr, 1)

		chOld, err := table.Register("req-old", 1)
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		second := dialTunnel(t, srv, nil)
		waitGeneration(t, mgr, 2)

		// The replaced connection's reads fail once the server closes it.
		first.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := first.ReadMessage(); err == nil {
			t.Error("replaced connection still readable")
		}

		// Entries stamped with the old generation fail with ErrTunnelLost.
		select {
		case d := <-chOld:
			if !errors.Is(d.Err, ErrTunnelLost) {
				t.Errorf("old entry error = %v, want ErrTunnelLost", d.Err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("old-generation entry not failed after replacement")
		}

		// The new connection carries traffic normally.
		chNew, err := table.Register("req-new", 2)
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if err := second.WriteJSON(map[string]any{
			"correlation_id": "req-new",
			"payload":        map[string]string{"text": "hello"},
		}); err != nil {
			t.Fatalf("WriteJSON() error = %v", err)
		}
		select {
		case d := <-chNew:
			if d.Err != nil {
				t.Errorf("new entry error = %v", d.Err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("new-generation entry received nothing")
		}
	})
}

func TestManagerSend(t *testing.T) {
	t.Run("fails without connection", func(t *testing.T) {
		table := NewTable(16, slog.Default())
		mgr := NewManager(table, nil, slog.Default())

		err := mgr.Send(1, TaskFrame{CorrelationID: "req-1"})
		if !errors.Is(err, ErrConnectionUnavailable) {
			t.Errorf("Send() error = %v, want ErrConnectionUnavailable", err)
		}
	})

	t.Run("delivers frame to the peer", func(t *testing.T) {
		mgr, _, srv := newTestTunnel(t, nil)
		conn := dialTunnel(t, srv, nil)
		gen := waitLive(t, mgr)

		frame := TaskFrame{
			CorrelationID: "req-1",
			SessionID:     "sess-1",
			MessageID:     "msg-1",
			Messages: []ChainMessage{
				{ID: "m1", Role: "user", Content: "hi", Position: "a", Status: StatusPending},
			},
		}
		if err := mgr.Send(gen, frame); err != nil {
			t.Fatalf("Send() error = %v", err)
		}

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var got TaskFrame
		if err := conn.ReadJSON(&got); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		if got.CorrelationID != "req-1" {
			t.Errorf("correlation_id = %q, want %q", got.CorrelationID, "req-1")
		}
		if got.SessionID != "sess-1" || got.MessageID != "msg-1" {
			t.Errorf("session = %q/%q, want sess-1/msg-1", got.SessionID, got.MessageID)
		}
		if len(got.Messages) != 1 || got.Messages[0].Content != "hi" {
			t.Errorf("messages = %+v, want single user message", got.Messages)
		}
	})

	t.Run("rejects stale generation", func(t *testing.T) {
		mgr, _, srv := newTestTunnel(t, nil)

		dialTunnel(t, srv, nil)
		waitGeneration(t, mgr, 1)
		dialTunnel(t, srv, nil)
		waitGeneration(t, mgr, 2)

		err := mgr.Send(1, TaskFrame{CorrelationID: "req-1"})
		if !errors.Is(err, ErrConnectionUnavailable) {
			t.Errorf("Send(stale) error = %v, want ErrConnectionUnavailable", err)
		}
	})
}

func TestManagerSendControl(t *testing.T) {
	t.Run("fails without connection", func(t *testing.T) {
		table := NewTable(16, slog.Default())
		mgr := NewManager(table, nil, slog.Default())

		err := mgr.SendControl(CommandReload)
		if !errors.Is(err, ErrConnectionUnavailable) {
			t.Errorf("SendControl() error = %v, want ErrConnectionUnavailable", err)
		}
	})

	t.Run("writes command frame", func(t *testing.T) {
		mgr, _, srv := newTestTunnel(t, nil)
		conn := dialTunnel(t, srv, nil)
		waitLive(t, mgr)

		if err := mgr.SendControl(CommandReload); err != nil {
			t.Fatalf("SendControl() error = %v", err)
		}

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var got ControlFrame
		if err := conn.ReadJSON(&got); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		if got.Command != CommandReload {
			t.Errorf("command = %q, want %q", got.Command, CommandReload)
		}
	})
}

func TestManagerRoute(t *testing.T) {
	t.Run("routes envelopes to registered entries", func(t *testing.T) {
		mgr, table, srv := newTestTunnel(t, nil)
		conn := dialTunnel(t, srv, nil)
		gen := waitLive(t, mgr)

		ch, err := table.Register("req-1", gen)
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		if err := conn.WriteJSON(map[string]any{
			"correlation_id": "req-1",
			"payload":        "a0:\"chunk\"",
		}); err != nil {
			t.Fatalf("WriteJSON() error = %v", err)
		}

		select {
		case d := <-ch:
			if d.Err != nil {
				t.Fatalf("delivery error = %v", d.Err)
			}
			var payload string
			if err := json.Unmarshal(d.Raw, &payload); err != nil {
				t.Fatalf("unmarshal payload: %v", err)
			}
			if payload != `a0:"chunk"` {
				t.Errorf("payload = %q, want %q", payload, `a0:"chunk"`)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no delivery for routed envelope")
		}
	})

	t.Run("skips malformed frames", func(t *testing.T) {
		mgr, table, srv := newTestTunnel(t, nil)
		conn := dialTunnel(t, srv, nil)
		gen := waitLive(t, mgr)

		ch, err := table.Register("req-1", gen)
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		// A frame missing correlation_id must not kill the connection.
		if err := conn.WriteJSON(map[string]any{"payload": "orphan"}); err != nil {
			t.Fatalf("WriteJSON() error = %v", err)
		}
		if err := conn.WriteJSON(map[string]any{
			"correlation_id": "req-1",
			"payload":        "ok",
		}); err != nil {
			t.Fatalf("WriteJSON() error = %v", err)
		}

		select {
		case d := <-ch:
			if d.Err != nil {
				t.Fatalf("delivery error = %v", d.Err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("connection stopped routing after malformed frame")
		}
	})
}

func TestManagerDisconnect(t *testing.T) {
	t.Run("fails pending entries on drop", func(t *testing.T) {
		mgr, table, srv := newTestTunnel(t, nil)
		conn := dialTunnel(t, srv, nil)
		gen := waitLive(t, mgr)

		ch, err := table.Register("req-1", gen)
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		conn.Close()

		select {
		case d := <-ch:
			if !errors.Is(d.Err, ErrTunnelLost) {
				t.Errorf("delivery error = %v, want ErrTunnelLost", d.Err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending entry not failed after disconnect")
		}

		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if _, ok := mgr.Live(); !ok {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Error("Live() still true after disconnect")
	})
}

func TestManagerWaitLive(t *testing.T) {
	t.Run("expired context returns unavailable", func(t *testing.T) {
		table := NewTable(16, slog.Default())
		mgr := NewManager(table, nil, slog.Default())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := mgr.WaitLive(ctx)
		if !errors.Is(err, ErrConnectionUnavailable) {
			t.Errorf("WaitLive() error = %v, want ErrConnectionUnavailable", err)
		}
	})

	t.Run("unblocks when a connection arrives", func(t *testing.T) {
		mgr, _, srv := newTestTunnel(t, nil)

		done := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, err := mgr.WaitLive(ctx)
			done <- err
		}()

		time.Sleep(50 * time.Millisecond)
		dialTunnel(t, srv, nil)

		select {
		case err := <-done:
			if err != nil {
				t.Errorf("WaitLive() error = %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("WaitLive did not unblock on attach")
		}
	})
}

func TestManagerOriginCheck(t *testing.T) {
	t.Run("allows listed origin", func(t *testing.T) {
		_, _, srv := newTestTunnel(t, []string{"https://beta.lmarena.ai"})
		dialTunnel(t, srv, http.Header{"Origin": []string{"https://beta.lmarena.ai"}})
	})

	t.Run("allows missing origin", func(t *testing.T) {
		// Non-browser peers send no Origin header at all.
		_, _, srv := newTestTunnel(t, []string{"https://beta.lmarena.ai"})
		dialTunnel(t, srv, nil)
	})

	t.Run("rejects foreign origin", func(t *testing.T) {
		_, _, srv := newTestTunnel(t, []string{"https://beta.lmarena.ai"})

		url := "ws" + strings.TrimPrefix(srv.URL, "http")
		conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{
			"Origin": []string{"https://evil.example"},
		})
		if err == nil {
			conn.Close()
			t.Fatal("dial with foreign origin succeeded")
		}
	})

	t.Run("wildcard allows anything", func(t *testing.T) {
		_, _, srv := newTestTunnel(t, []string{"*"})
		dialTunnel(t, srv, http.Header{"Origin": []string{"https://anywhere.example"}})
	})
}
