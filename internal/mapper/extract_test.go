// ABOUTME: Tests for model definition extraction from captured provider page HTML.
// ABOUTME: Covers brace matching, unescaping, deduplication, and catalog writing.

package mapper

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/arena-bridge/internal/config"
)

// pageWith wraps escaped model JSON objects in the kind of script payload
// the provider page embeds them in.
func pageWith(objects ...string) string {
	return `<html><script>self.__next_f.push([1,"` + strings.Join(objects, ",") + `"])</script></html>`
}

const modelAlpha = `{\"id\":\"aaaa1111-2222-3333-4444-555566667777\",\"publicName\":\"model-alpha\",\"capabilities\":{\"outputCapabilities\":{\"text\":true}}}`
const modelBeta = `{\"id\":\"bbbb1111-2222-3333-4444-555566667777\",\"publicName\":\"model-beta\",\"capabilities\":{\"outputCapabilities\":{\"image\":true}}}`

func TestExtractModels(t *testing.T) {
	t.Run("extracts nested objects", func(t *testing.T) {
		models := ExtractModels(pageWith(modelAlpha, modelBeta))
		require.Len(t, models, 2)

		var first struct {
			ID         string `json:"id"`
			PublicName string `json:"publicName"`
		}
		require.NoError(t, json.Unmarshal(models[0], &first))
		assert.Equal(t, "model-alpha", first.PublicName)
		assert.Equal(t, "aaaa1111-2222-3333-4444-555566667777", first.ID)
	})

	t.Run("deduplicates by public name", func(t *testing.T) {
		models := ExtractModels(pageWith(modelAlpha, modelAlpha, modelBeta))
		assert.Len(t, models, 2)
	})

	t.Run("skips objects without public name", func(t *testing.T) {
		anon := `{\"id\":\"cccc1111-2222-3333-4444-555566667777\",\"organization\":\"x\"}`
		models := ExtractModels(pageWith(anon, modelAlpha))
		assert.Len(t, models, 1)
	})

	t.Run("skips unterminated objects", func(t *testing.T) {
		truncated := `{\"id\":\"dddd1111-2222-3333-4444-555566667777\",\"publicName\":\"cut`
		assert.Empty(t, ExtractModels(pageWith(truncated)))
	})

	t.Run("empty page yields nothing", func(t *testing.T) {
		assert.Empty(t, ExtractModels("<html><body>nothing here</body></html>"))
	})
}

func TestMatchBraces(t *testing.T) {
	tests := []struct {
		name  string
		input string
		start int
		want  int
	}{
		{"flat object", `{"a":1}`, 0, 7},
		{"nested object", `{"a":{"b":2}}`, 0, 13},
		{"unterminated", `{"a":{"b":2}`, 0, -1},
		{"trailing content ignored", `{"a":1} tail`, 0, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchBraces(tt.input, tt.start))
		})
	}
}

func TestUpdateCatalog(t *testing.T) {
	t.Run("writes extracted models", func(t *testing.T) {
		dir := t.TempDir()
		cfg := config.TablesConfig{
			ModelsFile:  filepath.Join(dir, "models.jsonc"),
			PoolsFile:   filepath.Join(dir, "session_pools.jsonc"),
			CatalogFile: filepath.Join(dir, "available_models.json"),
		}
		m := New(cfg, slog.Default())

		count, err := m.UpdateCatalog(pageWith(modelAlpha, modelBeta))
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		data, err := os.ReadFile(cfg.CatalogFile)
		require.NoError(t, err)
		var models []map[string]any
		require.NoError(t, json.Unmarshal(data, &models), "catalog is not valid JSON")
		assert.Len(t, models, 2)
	})

	t.Run("fails when nothing extractable", func(t *testing.T) {
		dir := t.TempDir()
		cfg := config.TablesConfig{CatalogFile: filepath.Join(dir, "available_models.json")}
		m := New(cfg, slog.Default())

		_, err := m.UpdateCatalog("<html>no models</html>")
		assert.ErrorIs(t, err, ErrNoModelsInPage)

		_, err = os.Stat(cfg.CatalogFile)
		assert.True(t, os.IsNotExist(err), "catalog file written despite extraction failure")
	})
}
