// ABOUTME: Admin CLI for arena-bridge session capture and model management
// ABOUTME: Talks to the bridge's internal HTTP endpoints over plain JSON

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

const banner = `
                                            _           _
  __ _ _ __ ___ _ __   __ _        __ _  __| |_ __ ___ (_)_ __
 / _' | '__/ _ \ '_ \ / _' |_____ / _' |/ _' | '_ ' _ \| | '_ \
| (_| | | |  __/ | | | (_| |_____| (_| | (_| | | | | | | | | | |
 \__,_|_|  \___|_| |_|\__,_|      \__,_|\__,_|_| |_| |_|_|_| |_|
`

var httpClient = &http.Client{Timeout: 10 * time.Second}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// ARENA_BRIDGE_URL takes a full URL; ARENA_BRIDGE_HOST derives an
	// http:// URL for tailnet-style addressing.
	baseURL := os.Getenv("ARENA_BRIDGE_URL")
	if baseURL == "" {
		if host := os.Getenv("ARENA_BRIDGE_HOST"); host != "" {
			baseURL = "http://" + host
		} else {
			baseURL = "http://localhost:5102"
		}
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	apiKey := os.Getenv("ARENA_BRIDGE_KEY")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(ctx, baseURL, apiKey)
	case "capture":
		err = cmdCapture(ctx, baseURL, args)
	case "models":
		err = cmdModels(ctx, baseURL, apiKey)
	case "refresh-models":
		err = cmdRefreshModels(ctx, baseURL)
	case "reload":
		err = cmdReload(ctx, baseURL)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: arena-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                  Show bridge and tunnel status")
	fmt.Println("  capture [--model NAME]  Arm session capture and wait for the result")
	fmt.Println("  models                  List models served by the bridge")
	fmt.Println("  refresh-models          Ask the browser tab to post the model catalog")
	fmt.Println("  reload                  Ask the browser tab to refresh itself")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  ARENA_BRIDGE_URL        Bridge base URL (default: http://localhost:5102)")
	fmt.Println("  ARENA_BRIDGE_HOST       Bridge hostname (derives an http:// URL)")
	fmt.Println("  ARENA_BRIDGE_KEY        Bearer key for /v1 endpoints, if configured")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  arena-admin status")
	fmt.Println("  arena-admin capture --model gemini-2.5-pro")
	fmt.Println("  arena-admin refresh-models")
	fmt.Println()
}

// apiError matches the bridge's error body so failures print the server's
// message instead of a bare status code.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

type readyStatus struct {
	Ready            bool   `json:"ready"`
	TunnelConnected  bool   `json:"tunnel_connected"`
	TunnelGeneration uint64 `json:"tunnel_generation,omitempty"`
}

type modelList struct {
	Object string `json:"object"`
	Data   []struct {
		ID      string `json:"id"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	} `json:"data"`
}

type captureResult struct {
	Model      string    `json:"model"`
	SessionID  string    `json:"session_id"`
	MessageID  string    `json:"message_id"`
	CapturedAt time.Time `json:"captured_at"`
}

// doJSON issues a request and decodes the JSON response into out. Error
// responses are unwrapped into their server-side message.
func doJSON(ctx context.Context, method, url, apiKey string, body, out any) (int, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			return resp.StatusCode, fmt.Errorf("%s", apiErr.Error.Message)
		}
		return resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// cmdStatus shows bridge reachability, tunnel state, and model count
func cmdStatus(ctx context.Context, baseURL, apiKey string) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()

	var ready readyStatus
	status, err := doJSON(ctx, http.MethodGet, baseURL+"/health/ready", "", nil, &ready)
	if err != nil && status == 0 {
		yellow.Printf("  Bridge:   ")
		color.Red("UNREACHABLE (%v)\n", err)
		fmt.Println()
		return nil
	}

	green.Printf("  Bridge:   ")
	fmt.Printf("connected to %s\n", baseURL)

	if ready.TunnelConnected {
		green.Printf("  Tunnel:   ")
		fmt.Printf("LIVE (generation %d)\n", ready.TunnelGeneration)
	} else {
		yellow.Printf("  Tunnel:   ")
		fmt.Println("DOWN (waiting for the browser tab to connect)")
	}

	var models modelList
	status, err = doJSON(ctx, http.MethodGet, baseURL+"/v1/models", apiKey, nil, &models)
	switch {
	case status == http.StatusNotFound:
		yellow.Printf("  Models:   ")
		fmt.Println("(none configured - run refresh-models and fill the model table)")
	case status == http.StatusUnauthorized:
		yellow.Printf("  Models:   ")
		fmt.Println("(auth required - set ARENA_BRIDGE_KEY)")
	case err != nil:
		yellow.Printf("  Models:   ")
		color.Red("%v\n", err)
	default:
		green.Printf("  Models:   ")
		fmt.Printf("%d configured\n", len(models.Data))
	}

	fmt.Println()
	return nil
}

// cmdCapture arms session capture and polls until the browser reports one
func cmdCapture(ctx context.Context, baseURL string, args []string) error {
	var model string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--model", "-m":
			if i+1 < len(args) {
				model = args[i+1]
				i++
			}
		}
	}

	// Remember the previous capture so a stale result is not mistaken for
	// the new one. Comparing timestamps across hosts would need synchronized
	// clocks; comparing against the bridge's own last report does not.
	var prev captureResult
	prevStatus, _ := doJSON(ctx, http.MethodGet, baseURL+"/internal/capture/latest", "", nil, &prev)

	body := map[string]string{}
	if model != "" {
		body["model"] = model
	}
	if _, err := doJSON(ctx, http.MethodPost, baseURL+"/internal/capture/start", "", body, nil); err != nil {
		return fmt.Errorf("arming capture: %w", err)
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	if model != "" {
		green.Printf("✓ Capture armed for model %q\n", model)
	} else {
		green.Println("✓ Capture armed (result goes to the default pool)")
	}
	fmt.Println()
	fmt.Println("  In the arena tab, send a message and wait for the reply to finish.")
	fmt.Println("  Waiting for the captured ids (Ctrl+C to abort)...")
	fmt.Println()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for capture: %w", ctx.Err())
		case <-ticker.C:
		}

		var latest captureResult
		status, err := doJSON(ctx, http.MethodGet, baseURL+"/internal/capture/latest", "", nil, &latest)
		if status == http.StatusNotFound {
			continue
		}
		if err != nil {
			return fmt.Errorf("polling capture: %w", err)
		}
		if prevStatus == http.StatusOK && !latest.CapturedAt.After(prev.CapturedAt) {
			continue
		}

		green.Println("✓ Session captured")
		fmt.Println()
		cyan.Printf("  Pool:       ")
		fmt.Println(latest.Model)
		cyan.Printf("  Session:    ")
		fmt.Println(latest.SessionID)
		cyan.Printf("  Message:    ")
		fmt.Println(latest.MessageID)
		fmt.Println()
		fmt.Println("  The mapping has been saved to the session pool table.")
		return nil
	}
}

// cmdModels lists the models the bridge serves
func cmdModels(ctx context.Context, baseURL, apiKey string) error {
	var models modelList
	status, err := doJSON(ctx, http.MethodGet, baseURL+"/v1/models", apiKey, nil, &models)
	if status == http.StatusNotFound {
		yellow := color.New(color.FgYellow)
		yellow.Println("No models configured.")
		fmt.Println("Run refresh-models, then map names in the model table file.")
		return nil
	}
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Models")
	cyan.Println("  ------")

	sort.Slice(models.Data, func(i, j int) bool { return models.Data[i].ID < models.Data[j].ID })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  NAME\tOWNED BY")
	fmt.Fprintln(w, "  ----\t--------")
	for _, m := range models.Data {
		fmt.Fprintf(w, "  %s\t%s\n", m.ID, m.OwnedBy)
	}
	w.Flush()
	fmt.Println()

	return nil
}

// cmdRefreshModels asks the browser tab to post the provider page source
func cmdRefreshModels(ctx context.Context, baseURL string) error {
	if _, err := doJSON(ctx, http.MethodPost, baseURL+"/internal/models/refresh", "", nil, nil); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Println("✓ Page source requested")
	fmt.Println("  The browser tab will post the catalog shortly; the extracted")
	fmt.Println("  model list lands in the catalog file next to the bridge.")
	return nil
}

// cmdReload asks the browser tab to refresh itself
func cmdReload(ctx context.Context, baseURL string) error {
	if _, err := doJSON(ctx, http.MethodPost, baseURL+"/internal/reload", "", nil, nil); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Println("✓ Reload requested")
	fmt.Println("  The tunnel will drop and re-establish once the tab is back.")
	return nil
}
