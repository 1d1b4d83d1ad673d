// ABOUTME: Entry point for the arena-bridge server
// ABOUTME: Bridges OpenAI-style clients onto a browser-held provider session

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/arena-bridge/internal/broker"
	"github.com/2389/arena-bridge/internal/config"
	"github.com/2389/arena-bridge/internal/filebed"
	"github.com/2389/arena-bridge/internal/mapper"
	"github.com/2389/arena-bridge/internal/server"
	"github.com/2389/arena-bridge/internal/tunnel"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                  _          _     _
  __ _ _ __ ___ _ __   __ _      | |__  _ __(_) __| | __ _  ___
 / _' | '__/ _ \ '_ \ / _' |_____| '_ \| '__| |/ _' |/ _' |/ _ \
| (_| | | |  __/ | | | (_| |_____| |_) | |  | | (_| | (_| |  __/
 \__,_|_|  \___|_| |_|\__,_|     |_.__/|_|  |_|\__,_|\__, |\___|
                                                     |___/
`

// getConfigPath returns the path to the bridge config file.
// Priority: ARENA_BRIDGE_CONFIG env var > config.yaml in the working directory.
func getConfigPath() string {
	if envPath := os.Getenv("ARENA_BRIDGE_CONFIG"); envPath != "" {
		return envPath
	}
	return "config.yaml"
}

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: arena-bridge [command]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the bridge server (default)")
	fmt.Println("  init     Write a starter config and table files")
	fmt.Println("  health   Check bridge health")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  ARENA_BRIDGE_CONFIG   Config file path (default: config.yaml)")
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Tunnel:    %s\n", cfg.Tunnel.Path)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	if cfg.FileBed.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("File bed:  %s\n", cfg.FileBed.UploadURL)
	}
	if cfg.Chat.TavernMode || cfg.Chat.BypassMode {
		green.Print("    ▶ ")
		fmt.Printf("Modes:     ")
		if cfg.Chat.TavernMode {
			yellow.Print("tavern ")
		}
		if cfg.Chat.BypassMode {
			yellow.Print("bypass")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting arena-bridge",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"tunnel_path", cfg.Tunnel.Path,
	)

	// Assemble the pipeline: tables, tunnel, broker, HTTP surface.
	mp := mapper.New(cfg.Tables, logger)
	if err := mp.Load(); err != nil {
		return fmt.Errorf("loading tables: %w", err)
	}

	table := tunnel.NewTable(cfg.Tunnel.ChannelBuffer, logger)
	tm := tunnel.NewManager(table, cfg.Tunnel.AllowedOrigins, logger)

	var uploader broker.Uploader
	if cfg.FileBed.Enabled {
		uploader = filebed.NewClient(cfg.FileBed, logger)
	}

	bk := broker.New(tm, table, mp, uploader, cfg, logger)
	srv := server.New(cfg, bk, mp, tm, logger)

	return srv.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

const starterModels = `{
    // Public model name -> provider model id, optionally tagged ":text" or ":image".
    // Copy ids from available_models.json after running "arena-admin refresh-models".
    //
    // "gemini-2.5-pro": "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee:text",
    // "flux-1-kontext": "ffffffff-0000-1111-2222-333333333333:image"
}
`

const starterPools = `{
    // Captured session endpoints. Run "arena-admin capture" to fill this in.
    // Entries with YOUR_ placeholders are ignored at request time.
    "default": {
        "session_id": "YOUR_SESSION_ID",
        "message_id": "YOUR_MESSAGE_ID"
    }
}
`

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("arena-bridge configuration setup")
	fmt.Println("================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", ":5102")
	apiKey := prompt(reader, "API key for /v1 endpoints (empty disables auth)", "")

	fmt.Println("\n--- Tunnel Configuration ---")
	tunnelPath := prompt(reader, "Tunnel WebSocket path", "/ws")

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# arena-bridge configuration\n")
	cfg.WriteString("# Generated by arena-bridge init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString(fmt.Sprintf("  api_key: \"%s\"\n", apiKey))
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  hostname: \"arena-bridge\"\n")
	cfg.WriteString("  auth_key: \"${TS_AUTHKEY}\"\n")
	cfg.WriteString("  funnel: false\n")
	cfg.WriteString("\n")

	cfg.WriteString("tunnel:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", tunnelPath))
	cfg.WriteString("  allowed_origins: []\n")
	cfg.WriteString("  channel_buffer: 64\n")
	cfg.WriteString("  admission_wait: \"0s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("timeouts:\n")
	cfg.WriteString("  first_fragment: \"60s\"\n")
	cfg.WriteString("  stream_idle: \"180s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("tables:\n")
	cfg.WriteString("  models_file: \"models.jsonc\"\n")
	cfg.WriteString("  pools_file: \"session_pools.jsonc\"\n")
	cfg.WriteString("  catalog_file: \"available_models.json\"\n")
	cfg.WriteString("  fallback_to_default: true\n")
	cfg.WriteString("\n")

	cfg.WriteString("chat:\n")
	cfg.WriteString("  tavern_mode: false\n")
	cfg.WriteString("  bypass_mode: false\n")
	cfg.WriteString("  max_image_fanout: 10\n")
	cfg.WriteString("\n")

	cfg.WriteString("filebed:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  upload_url: \"http://127.0.0.1:5180/upload\"\n")
	cfg.WriteString("  api_key: \"\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	fmt.Printf("\nConfig written to %s\n", outputFile)

	// Starter table files, only when absent so reruns cannot clobber
	// captured sessions.
	for _, f := range []struct{ path, content string }{
		{"models.jsonc", starterModels},
		{"session_pools.jsonc", starterPools},
	} {
		if _, err := os.Stat(f.path); err == nil {
			fmt.Printf("Keeping existing %s\n", f.path)
			continue
		}
		if err := os.WriteFile(f.path, []byte(f.content), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", f.path, err)
		}
		fmt.Printf("Starter table written to %s\n", f.path)
	}

	fmt.Println("\nNext steps:")
	fmt.Println("  1. arena-bridge serve          # start the bridge")
	fmt.Println("  2. install the userscript and open the arena in a browser tab")
	fmt.Println("  3. arena-admin capture         # harvest a session into the pool")
	fmt.Println("  4. arena-admin refresh-models  # write the model catalog")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
