// ABOUTME: Minimal fake browser agent for E2E testing: answers tunnel tasks with canned streams.
// ABOUTME: Usage: fake-browser [-url ws://localhost:5102/ws] [-bridge http://localhost:5102]
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/arena-bridge/internal/tunnel"
)

func main() {
	wsURL := flag.String("url", "ws://localhost:5102/ws", "bridge tunnel WebSocket URL")
	bridgeURL := flag.String("bridge", "http://localhost:5102", "bridge base URL for capture and catalog callbacks")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, *wsURL, strings.TrimSuffix(*bridgeURL, "/")); err != nil {
		log.Fatal(err)
	}
}

// run keeps a tunnel session open, re-dialing when the bridge asks for a
// reload or reconnect.
func run(ctx context.Context, wsURL, bridgeURL string) error {
	for {
		reconnect, err := session(ctx, wsURL, bridgeURL)
		if err != nil {
			return err
		}
		if !reconnect || ctx.Err() != nil {
			return nil
		}

		log.Printf("reconnecting in 1s")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

// session dials the tunnel and serves frames until the connection drops.
// The reconnect result is true when the bridge asked for a fresh session.
func session(ctx context.Context, wsURL, bridgeURL string) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dialing %s: %w", wsURL, err)
	}
	defer conn.Close()

	// Unblock ReadMessage on interrupt.
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sctx.Done()
		conn.Close()
	}()

	fmt.Fprintf(os.Stderr, "connected to %s\n", wsURL)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return false, nil // graceful shutdown
			}
			return false, fmt.Errorf("read error: %w", err)
		}

		// Control frames carry a command, task frames a correlation id.
		var probe struct {
			Command       string `json:"command"`
			CorrelationID string `json:"correlation_id"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			log.Printf("unparseable frame: %v", err)
			continue
		}

		if probe.Command != "" {
			log.Printf("control: %s", probe.Command)
			switch probe.Command {
			case tunnel.CommandStartCapture:
				if err := postCapture(ctx, bridgeURL); err != nil {
					log.Printf("capture callback error: %v", err)
				}
			case tunnel.CommandSendPageSource:
				if err := postPageSource(ctx, bridgeURL); err != nil {
					log.Printf("page source callback error: %v", err)
				}
			case tunnel.CommandReload, tunnel.CommandReconnect:
				return true, nil
			}
			continue
		}

		var task tunnel.TaskFrame
		if err := json.Unmarshal(data, &task); err != nil {
			log.Printf("unparseable task: %v", err)
			continue
		}

		log.Printf("task [%s] target=%s image=%v messages=%d",
			task.CorrelationID, task.TargetID, task.ImageRequest, len(task.Messages))

		if err := respond(conn, task); err != nil {
			log.Printf("respond error: %v", err)
		}
	}
}

// respond streams a canned provider reply for one task.
func respond(conn *websocket.Conn, task tunnel.TaskFrame) error {
	if task.ImageRequest {
		img := `a2:[{"type":"image","image":"https://example.com/fake/` + task.CorrelationID + `.png"}]`
		for _, frag := range []string{img, `ad:{"finishReason":"stop"}`, "[DONE]"} {
			if err := send(conn, task.CorrelationID, frag); err != nil {
				return err
			}
		}
		return nil
	}

	reply := echoReply(lastUserContent(task.Messages))

	// Word-at-a-time fragments to simulate streaming
	for _, word := range strings.SplitAfter(reply, " ") {
		quoted, err := json.Marshal(word)
		if err != nil {
			return err
		}
		if err := send(conn, task.CorrelationID, "a0:"+string(quoted)); err != nil {
			return err
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := send(conn, task.CorrelationID, `ad:{"finishReason":"stop"}`); err != nil {
		return err
	}
	return send(conn, task.CorrelationID, "[DONE]")
}

// send wraps one raw fragment in a delivery envelope.
func send(conn *websocket.Conn, correlationID, fragment string) error {
	payload, err := json.Marshal(fragment)
	if err != nil {
		return err
	}
	return conn.WriteJSON(tunnel.Envelope{CorrelationID: correlationID, Payload: payload})
}

func lastUserContent(messages []tunnel.ChainMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" && messages[i].Content != "" {
			return messages[i].Content
		}
	}
	return ""
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}

// postCapture reports fabricated session ids the way the userscript does
// after observing a real exchange.
func postCapture(ctx context.Context, bridgeURL string) error {
	body, err := json.Marshal(map[string]string{
		"session_id": uuid.NewString(),
		"message_id": uuid.NewString(),
	})
	if err != nil {
		return err
	}
	return post(ctx, bridgeURL+"/internal/capture", "application/json", body)
}

// fakePage is a trimmed provider page with two model definitions embedded
// in the framework payload, enough to exercise catalog extraction.
const fakePage = `<html><script>self.__next_f.push([1,"{\"id\":\"aaaa1111-2222-3333-4444-555566667777\",\"publicName\":\"fake-text-model\",\"capabilities\":{\"outputCapabilities\":{\"text\":true}}},{\"id\":\"bbbb1111-2222-3333-4444-555566667777\",\"publicName\":\"fake-image-model\",\"capabilities\":{\"outputCapabilities\":{\"image\":true}}}"])</script></html>`

func postPageSource(ctx context.Context, bridgeURL string) error {
	return post(ctx, bridgeURL+"/internal/models/page", "text/html", []byte(fakePage))
}

func post(ctx context.Context, url, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	return nil
}
