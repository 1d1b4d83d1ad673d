// ABOUTME: Entry point for the standalone file-bed blob service
// ABOUTME: Accepts base64 uploads, serves them over HTTP, and expires them

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
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/arena-bridge/internal/filebed"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                   __ _ _      _              _
  __ _ _ __ ___ _ __   __ _       / _(_) | ___| |__   ___  __| |
 / _' | '__/ _ \ '_ \ / _' |_____| |_| | |/ _ \ '_ \ / _ \/ _' |
| (_| | | |  __/ | | | (_| |_____|  _| | |  __/ |_) |  __/ (_| |
 \__,_|_|  \___|_| |_|\__,_|     |_| |_|_|\___|_.__/ \___|\__,_|
`

// getConfigPath returns the path to the file-bed config file.
// Priority: ARENA_FILEBED_CONFIG env var > filebed.toml in the working directory.
func getConfigPath() string {
	if envPath := os.Getenv("ARENA_FILEBED_CONFIG"); envPath != "" {
		return envPath
	}
	return "filebed.toml"
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
	fmt.Println("Usage: arena-filebed [command]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the file-bed service (default)")
	fmt.Println("  init     Write a starter config")
	fmt.Println("  health   Check file-bed health")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  ARENA_FILEBED_CONFIG   Config file path (default: filebed.toml)")
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch os.Getenv("ARENA_FILEBED_LOG") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := filebed.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger()

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Listen:   %s\n", cfg.ListenAddr)
	green.Print("    ▶ ")
	fmt.Printf("Uploads:  %s\n", cfg.UploadDir)
	green.Print("    ▶ ")
	if cfg.FileTTL > 0 {
		fmt.Printf("TTL:      %s (sweep every %s)\n", cfg.FileTTL, cfg.CleanupInterval)
	} else {
		fmt.Printf("TTL:      keep forever\n")
	}
	fmt.Println()

	store, err := filebed.NewStore(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	srv, err := filebed.NewServer(cfg, store, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go srv.Janitor(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("file-bed listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func runHealth(ctx context.Context) error {
	cfg, err := filebed.LoadConfig(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/", cfg.ListenAddr)
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

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("arena-filebed configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	listenAddr := prompt(reader, "Listen address", ":5180")
	apiKey := prompt(reader, "Upload API key (empty disables auth)", "")
	ttl := prompt(reader, "File TTL (0 keeps forever)", "24h")

	var cfg strings.Builder
	cfg.WriteString("# arena-filebed configuration\n")
	cfg.WriteString("# Generated by arena-filebed init\n\n")
	cfg.WriteString(fmt.Sprintf("listen_addr = %q\n", listenAddr))
	cfg.WriteString("upload_dir = \"uploads\"\n")
	cfg.WriteString("database = \"filebed.db\"\n")
	cfg.WriteString(fmt.Sprintf("api_key = %q\n", apiKey))
	cfg.WriteString("\n")
	cfg.WriteString("# URL prefix for returned links; empty derives it from the request host.\n")
	cfg.WriteString("public_base_url = \"\"\n")
	cfg.WriteString("\n")
	cfg.WriteString("max_file_bytes = 20971520\n")
	cfg.WriteString(fmt.Sprintf("file_ttl = %q\n", ttl))
	cfg.WriteString("cleanup_interval = \"10m\"\n")

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nStart the service with: arena-filebed serve")
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
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
