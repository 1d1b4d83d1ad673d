// ABOUTME: Extracts provider model definitions from captured page HTML.
// ABOUTME: Escaped JSON blobs are brace-matched, unescaped, and deduplicated by public name.

package mapper

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// modelObjectPattern marks candidate starts of escaped model JSON objects
// embedded in the provider page's script payloads.
var modelObjectPattern = regexp.MustCompile(`\{\\"id\\":\\"[a-f0-9-]+\\"`)

// modelScanLimit bounds the brace scan for a single model object. No real
// definition comes close to this size.
const modelScanLimit = 10000

// ErrNoModelsInPage means the submitted page HTML held no extractable model
// definitions.
var ErrNoModelsInPage = errors.New("no model definitions found in page")

// ExtractModels pulls complete model JSON objects out of provider page
// HTML. Each candidate start is brace-matched to its closing brace,
// unescaped, and parsed; objects without a publicName and duplicates by
// publicName are skipped, first occurrence wins.
func ExtractModels(html string) []json.RawMessage {
	var models []json.RawMessage
	seen := make(map[string]struct{})

	for _, loc := range modelObjectPattern.FindAllStringIndex(html, -1) {
		end := matchBraces(html, loc[0])
		if end < 0 {
			continue
		}

		unescaped := strings.ReplaceAll(html[loc[0]:end], `\"`, `"`)
		unescaped = strings.ReplaceAll(unescaped, `\\`, `\`)

		var meta struct {
			PublicName string `json:"publicName"`
		}
		if err := json.Unmarshal([]byte(unescaped), &meta); err != nil || meta.PublicName == "" {
			continue
		}
		if _, dup := seen[meta.PublicName]; dup {
			continue
		}

		seen[meta.PublicName] = struct{}{}
		models = append(models, json.RawMessage(unescaped))
	}
	return models
}

// matchBraces returns the index just past the brace closing the object that
// opens at start, or -1 when none is found within the scan limit. Braces
// inside string values would miscount, but the embedded definitions do not
// contain them.
func matchBraces(s string, start int) int {
	depth := 0
	limit := start + modelScanLimit
	if limit > len(s) {
		limit = len(s)
	}

	for i := start; i < limit; i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

// UpdateCatalog extracts model definitions from page HTML and rewrites the
// catalog file, returning how many models were written. The catalog is an
// operator reference for editing the model table; nothing reads it at
// request time.
func (m *Mapper) UpdateCatalog(html string) (int, error) {
	models := ExtractModels(html)
	if len(models) == 0 {
		return 0, ErrNoModelsInPage
	}

	data, err := json.MarshalIndent(models, "", "    ")
	if err != nil {
		return 0, fmt.Errorf("encoding catalog: %w", err)
	}
	if err := os.WriteFile(m.catalogFile, data, 0644); err != nil {
		return 0, fmt.Errorf("writing catalog %s: %w", m.catalogFile, err)
	}

	m.logger.Info("model catalog updated", "path", m.catalogFile, "models", len(models))
	return len(models), nil
}
