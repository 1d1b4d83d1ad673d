// ABOUTME: End-to-end tests for the HTTP surface over a live tunnel.
// ABOUTME: A fake remote agent answers frames; clients drive the real mux via httptest.

package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/arena-bridge/internal/broker"
	"github.com/2389/arena-bridge/internal/config"
	"github.com/2389/arena-bridge/internal/filebed"
	"github.com/2389/arena-bridge/internal/mapper"
	"github.com/2389/arena-bridge/internal/tunnel"
)

const testModelTable = `{
	"text-model": "target-text:text",
	"image-model": "target-image:image"
}`

const testPoolTable = `{
	"default": {"session_id": "sess-d", "message_id": "msg-d"}
}`

// harness runs the full server over httptest with a fake remote agent
// available on the far side of the tunnel endpoint.
type harness struct {
	srv    *Server
	ts     *httptest.Server
	mapper *mapper.Mapper
	agent  *websocket.Conn
	dir    string
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	dir := t.TempDir()
	modelsFile := filepath.Join(dir, "models.jsonc")
	poolsFile := filepath.Join(dir, "session_pools.jsonc")
	if err := os.WriteFile(modelsFile, []byte(testModelTable), 0644); err != nil {
		t.Fatalf("write models: %v", err)
	}
	if err := os.WriteFile(poolsFile, []byte(testPoolTable), 0644); err != nil {
		t.Fatalf("write pools: %v", err)
	}

	cfg := &config.Config{}
	cfg.Tunnel.Path = "/ws"
	cfg.Tunnel.AdmissionWait = 2 * time.Second
	cfg.Timeouts.FirstFragment = 2 * time.Second
	cfg.Timeouts.StreamIdle = 2 * time.Second
	cfg.Tables = config.TablesConfig{
		ModelsFile:        modelsFile,
		PoolsFile:         poolsFile,
		CatalogFile:       filepath.Join(dir, "available_models.json"),
		FallbackToDefault: true,
	}
	cfg.Chat.MaxImageFanout = 4
	if mutate != nil {
		mutate(cfg)
	}

	mp := mapper.New(cfg.Tables, slog.Default())
	if err := mp.Load(); err != nil {
		t.Fatalf("load tables: %v", err)
	}

	table := tunnel.NewTable(32, slog.Default())
	tm := tunnel.NewManager(table, nil, slog.Default())
	bk := broker.New(tm, table, mp, nil, cfg, slog.Default())

	srv := New(cfg, bk, mp, tm, slog.Default())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &harness{srv: srv, ts: ts, mapper: mp, dir: dir}
}

// connectAgent dials the tunnel endpoint through the server mux and waits
// for the connection to go live.
func (h *harness) connectAgent(t *testing.T) {
	t.Helper()

	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
	agent, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial tunnel: %v", err)
	}
	t.Cleanup(func() { agent.Close() })

	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := h.srv.tunnel.WaitLive(waitCtx); err != nil {
		t.Fatalf("tunnel never went live: %v", err)
	}
	h.agent = agent
}

func (h *harness) readTask(t *testing.T) tunnel.TaskFrame {
	t.Helper()
	h.agent.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame tunnel.TaskFrame
	if err := h.agent.ReadJSON(&frame); err != nil {
		t.Fatalf("read task frame: %v", err)
	}
	return frame
}

func (h *harness) readControl(t *testing.T) string {
	t.Helper()
	h.agent.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame tunnel.ControlFrame
	if err := h.agent.ReadJSON(&frame); err != nil {
		t.Fatalf("read control frame: %v", err)
	}
	return frame.Command
}

// reply ships one stream fragment back for the given correlation id.
func (h *harness) reply(t *testing.T, id, fragment string) {
	t.Helper()
	payload, err := json.Marshal(fragment)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := h.agent.WriteJSON(tunnel.Envelope{CorrelationID: id, Payload: payload}); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
}

func (h *harness) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(h.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) post(t *testing.T, path, contentType, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(h.ts.URL+path, contentType, strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

type chatResult struct {
	status int
	header http.Header
	body   []byte
	err    error
}

// chatAsync issues a chat completion request in the background so the test
// goroutine can play the agent side of the tunnel.
func (h *harness) chatAsync(reqBody string) <-chan chatResult {
	ch := make(chan chatResult, 1)
	go func() {
		resp, err := http.Post(h.ts.URL+"/v1/chat/completions", "application/json", strings.NewReader(reqBody))
		if err != nil {
			ch <- chatResult{err: err}
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		ch <- chatResult{status: resp.StatusCode, header: resp.Header.Clone(), body: body, err: err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan chatResult) chatResult {
	t.Helper()
	select {
	case res := <-ch:
		if res.err != nil {
			t.Fatalf("chat request: %v", res.err)
		}
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("chat request never completed")
		return chatResult{}
	}
}

// sseEvents extracts the data payloads from an SSE body.
func sseEvents(body []byte) []string {
	var events []string
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
			events = append(events, data)
		}
	}
	return events
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "OK" {
		t.Errorf("health body = %q", body)
	}
}

func TestReady(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.get(t, "/health/ready")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("ready without tunnel status = %d, want 503", resp.StatusCode)
	}
	var status readyStatus
	decodeBody(t, resp, &status)
	if status.Ready || status.TunnelConnected {
		t.Errorf("ready body = %+v, want not ready", status)
	}

	h.connectAgent(t)
	resp = h.get(t, "/health/ready")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ready with tunnel status = %d, want 200", resp.StatusCode)
	}
	decodeBody(t, resp, &status)
	if !status.Ready || !status.TunnelConnected || status.TunnelGeneration == 0 {
		t.Errorf("ready body = %+v, want live generation", status)
	}
}

func TestModelsEndpoint(t *testing.T) {
	t.Run("lists configured models", func(t *testing.T) {
		h := newHarness(t, nil)

		resp := h.get(t, "/v1/models")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}

		var list modelList
		decodeBody(t, resp, &list)
		if list.Object != "list" {
			t.Errorf("object = %q", list.Object)
		}
		if len(list.Data) != 2 {
			t.Fatalf("got %d models, want 2", len(list.Data))
		}
		if list.Data[0].ID != "image-model" || list.Data[1].ID != "text-model" {
			t.Errorf("model order = %q, %q, want sorted", list.Data[0].ID, list.Data[1].ID)
		}
		for _, m := range list.Data {
			if m.Object != "model" || m.OwnedBy != "arena-bridge" {
				t.Errorf("entry = %+v", m)
			}
		}
	})

	t.Run("404 when table is empty", func(t *testing.T) {
		h := newHarness(t, func(cfg *config.Config) {
			cfg.Tables.ModelsFile = filepath.Join(t.TempDir(), "missing.jsonc")
		})

		resp := h.get(t, "/v1/models")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
		var body errorBody
		decodeBody(t, resp, &body)
		if body.Error.Message == "" {
			t.Error("error body missing message")
		}
	})
}

func TestBearerAuth(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Server.APIKey = "secret-key"
	})

	t.Run("rejects missing key", func(t *testing.T) {
		resp := h.get(t, "/v1/models")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
		var body errorBody
		decodeBody(t, resp, &body)
		if body.Error.Type != "authentication_error" {
			t.Errorf("error type = %q", body.Error.Type)
		}
	})

	t.Run("rejects wrong key", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, h.ts.URL+"/v1/models", nil)
		req.Header.Set("Authorization", "Bearer wrong")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("accepts correct key", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, h.ts.URL+"/v1/models", nil)
		req.Header.Set("Authorization", "Bearer secret-key")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
	})

	t.Run("health and internal stay open", func(t *testing.T) {
		if resp := h.get(t, "/health"); resp.StatusCode != http.StatusOK {
			t.Errorf("health status = %d", resp.StatusCode)
		}
		// 404 because nothing was captured, not 401.
		if resp := h.get(t, "/internal/capture/latest"); resp.StatusCode != http.StatusNotFound {
			t.Errorf("capture/latest status = %d, want 404", resp.StatusCode)
		}
	})
}

func TestChatCompletionsStream(t *testing.T) {
	h := newHarness(t, nil)
	h.connectAgent(t)

	resCh := h.chatAsync(`{"model":"text-model","stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	frame := h.readTask(t)
	h.reply(t, frame.CorrelationID, `a0:"Hello"`)
	h.reply(t, frame.CorrelationID, `a0:" world"`)
	h.reply(t, frame.CorrelationID, `ad:{"finishReason":"stop"}`)
	h.reply(t, frame.CorrelationID, "[DONE]")

	res := await(t, resCh)
	if res.status != http.StatusOK {
		t.Fatalf("status = %d, body %s", res.status, res.body)
	}
	if ct := res.header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	events := sseEvents(res.body)
	if len(events) != 4 {
		t.Fatalf("got %d events %q, want 4", len(events), events)
	}
	if events[3] != "[DONE]" {
		t.Errorf("last event = %q, want [DONE]", events[3])
	}

	var first completionChunk
	if err := json.Unmarshal([]byte(events[0]), &first); err != nil {
		t.Fatalf("unmarshal first chunk: %v", err)
	}
	if !strings.HasPrefix(first.ID, "chatcmpl-") {
		t.Errorf("chunk id = %q", first.ID)
	}
	if first.Object != "chat.completion.chunk" || first.Model != "text-model" {
		t.Errorf("chunk envelope = %+v", first)
	}
	if first.Choices[0].Delta.Content != "Hello" || first.Choices[0].FinishReason != nil {
		t.Errorf("first chunk = %+v", first.Choices[0])
	}

	var last completionChunk
	if err := json.Unmarshal([]byte(events[2]), &last); err != nil {
		t.Fatalf("unmarshal finish chunk: %v", err)
	}
	if last.Choices[0].Delta.Content != "" {
		t.Errorf("finish chunk carries content %q", last.Choices[0].Delta.Content)
	}
	if last.Choices[0].FinishReason == nil || *last.Choices[0].FinishReason != "stop" {
		t.Errorf("finish chunk = %+v", last.Choices[0])
	}
	if last.ID != first.ID {
		t.Errorf("chunk ids differ: %q vs %q", first.ID, last.ID)
	}
}

func TestChatCompletionsNonStream(t *testing.T) {
	h := newHarness(t, nil)
	h.connectAgent(t)

	resCh := h.chatAsync(`{"model":"text-model","messages":[{"role":"user","content":"hi"}]}`)

	frame := h.readTask(t)
	h.reply(t, frame.CorrelationID, `a0:"Hello"`)
	h.reply(t, frame.CorrelationID, `a0:" world"`)
	h.reply(t, frame.CorrelationID, `ad:{"finishReason":"stop"}`)
	h.reply(t, frame.CorrelationID, "[DONE]")

	res := await(t, resCh)
	if res.status != http.StatusOK {
		t.Fatalf("status = %d, body %s", res.status, res.body)
	}

	var got completion
	if err := json.Unmarshal(res.body, &got); err != nil {
		t.Fatalf("unmarshal completion: %v", err)
	}
	if !strings.HasPrefix(got.ID, "chatcmpl-") || got.Object != "chat.completion" {
		t.Errorf("envelope = %+v", got)
	}
	choice := got.Choices[0]
	if choice.Message.Role != "assistant" || choice.Message.Content != "Hello world" {
		t.Errorf("message = %+v", choice.Message)
	}
	if choice.FinishReason != "stop" {
		t.Errorf("finish reason = %q", choice.FinishReason)
	}
	want := len("Hello world") / 4
	if got.Usage.PromptTokens != 0 || got.Usage.CompletionTokens != want || got.Usage.TotalTokens != want {
		t.Errorf("usage = %+v, want completion %d", got.Usage, want)
	}
}

func TestChatCompletionsStreamError(t *testing.T) {
	h := newHarness(t, nil)
	h.connectAgent(t)

	resCh := h.chatAsync(`{"model":"text-model","stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	frame := h.readTask(t)
	h.reply(t, frame.CorrelationID, `{"error": "rate limited"}`)

	res := await(t, resCh)
	if res.status != http.StatusOK {
		t.Fatalf("status = %d, want 200 with error event", res.status)
	}

	events := sseEvents(res.body)
	if len(events) != 2 {
		t.Fatalf("got %d events %q, want error event plus [DONE]", len(events), events)
	}
	var body errorBody
	if err := json.Unmarshal([]byte(events[0]), &body); err != nil {
		t.Fatalf("unmarshal error event: %v", err)
	}
	if body.Error.Type != "upstream_error" || !strings.Contains(body.Error.Message, "rate limited") {
		t.Errorf("error event = %+v", body.Error)
	}
	if events[1] != "[DONE]" {
		t.Errorf("last event = %q, want [DONE]", events[1])
	}
}

func TestChatCompletionsNonStreamError(t *testing.T) {
	h := newHarness(t, nil)
	h.connectAgent(t)

	resCh := h.chatAsync(`{"model":"text-model","messages":[{"role":"user","content":"hi"}]}`)

	frame := h.readTask(t)
	h.reply(t, frame.CorrelationID, `{"error": "rate limited"}`)

	res := await(t, resCh)
	if res.status != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", res.status)
	}
	var body errorBody
	if err := json.Unmarshal(res.body, &body); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if body.Error.Type != "upstream_error" || body.Error.Code != "provider_error" {
		t.Errorf("error = %+v", body.Error)
	}
}

func TestChatCompletionsRejections(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "unknown model",
			body:       `{"model":"nope","messages":[{"role":"user","content":"hi"}]}`,
			wantStatus: http.StatusNotFound,
			wantCode:   "model_not_found",
		},
		{
			name:       "empty messages",
			body:       `{"model":"text-model","messages":[]}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "empty_message_chain",
		},
		{
			name:       "malformed body",
			body:       `{"model":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_body",
		},
	}

	h := newHarness(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.post(t, "/v1/chat/completions", "application/json", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			var body errorBody
			decodeBody(t, resp, &body)
			if body.Error.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestChatCompletionsNoTunnel(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Tunnel.AdmissionWait = time.Millisecond
	})

	resp := h.post(t, "/v1/chat/completions", "application/json",
		`{"model":"text-model","messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	var body errorBody
	decodeBody(t, resp, &body)
	if body.Error.Code != "tunnel_unavailable" {
		t.Errorf("code = %q", body.Error.Code)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{mapper.ErrModelNotFound, http.StatusNotFound, "model_not_found"},
		{mapper.ErrNoSessionConfigured, http.StatusBadRequest, "no_session_configured"},
		{broker.ErrEmptyMessageChain, http.StatusBadRequest, "empty_message_chain"},
		{broker.ErrAttachmentTooLarge, http.StatusRequestEntityTooLarge, "attachment_too_large"},
		{filebed.ErrTooLarge, http.StatusRequestEntityTooLarge, "attachment_too_large"},
		{fmt.Errorf("%w: no data within 2s", broker.ErrTimeout), http.StatusRequestTimeout, "stream_timeout"},
		{tunnel.ErrConnectionUnavailable, http.StatusServiceUnavailable, "tunnel_unavailable"},
		{tunnel.ErrTunnelLost, http.StatusServiceUnavailable, "tunnel_lost"},
		{fmt.Errorf("%w: boom", broker.ErrUpstream), http.StatusBadGateway, "provider_error"},
		{errors.New("anything else"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		status, _, code := classifyError(tt.err)
		if status != tt.wantStatus || code != tt.wantCode {
			t.Errorf("classifyError(%v) = %d %q, want %d %q", tt.err, status, code, tt.wantStatus, tt.wantCode)
		}
	}
}
