// ABOUTME: HTTP client for the file-bed service used to externalize attachments
// ABOUTME: Uploads base64 data URIs and returns the public download URL

package filebed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/arena-bridge/internal/config"
)

// ErrTooLarge means the file-bed rejected the upload for its size.
var ErrTooLarge = errors.New("file exceeds the file-bed size limit")

// Client uploads attachments to a file-bed service and rewrites them to
// the served URL. It satisfies the broker's Uploader interface.
type Client struct {
	uploadURL string
	baseURL   string
	apiKey    string
	http      *http.Client
	logger    *slog.Logger
}

// NewClient builds a client from the bridge configuration. The download
// base is derived from the upload URL.
func NewClient(cfg config.FileBedConfig, logger *slog.Logger) *Client {
	return &Client{
		uploadURL: cfg.UploadURL,
		baseURL:   strings.TrimSuffix(strings.TrimSuffix(cfg.UploadURL, "/upload"), "/"),
		apiKey:    cfg.APIKey,
		http:      &http.Client{Timeout: 60 * time.Second},
		logger:    logger.With("component", "filebed-client"),
	}
}

// Upload ships one base64 data URI to the file-bed and returns the URL it
// will be served from.
func (c *Client) Upload(ctx context.Context, name, dataURI string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"file_name": name,
		"file_data": dataURI,
		"api_key":   c.apiKey,
	})
	if err != nil {
		return "", fmt.Errorf("encoding upload request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("uploading to file-bed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Success  bool   `json:"success"`
		Filename string `json:"filename"`
		Error    string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding file-bed response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode == http.StatusRequestEntityTooLarge {
		return "", fmt.Errorf("%w: %s", ErrTooLarge, result.Error)
	}
	if resp.StatusCode != http.StatusOK || !result.Success {
		msg := result.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return "", fmt.Errorf("file-bed rejected upload: %s", msg)
	}

	url := c.baseURL + "/uploads/" + result.Filename
	c.logger.Debug("attachment externalized", "name", name, "url", url)
	return url, nil
}
