// ABOUTME: Parsing and persistence for the JSONC model and session pool tables.
// ABOUTME: Model rows use the "<id>:<type>" value format; pools accept object or list values.

package mapper

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/jsonc"
)

func loadModelTable(path string) (map[string]Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Mapping{}, nil
		}
		return nil, fmt.Errorf("reading model table %s: %w", path, err)
	}
	models, err := parseModelTable(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return models, nil
}

func parseModelTable(data []byte) (map[string]Mapping, error) {
	var raw map[string]string
	if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
		return nil, fmt.Errorf("parsing model table: %w", err)
	}

	models := make(map[string]Mapping, len(raw))
	for name, value := range raw {
		models[name] = parseMapping(value)
	}
	return models, nil
}

// parseMapping splits a "<id>:<type>" table value. A bare id means type
// text; a literal "null" id means no specific provider target.
func parseMapping(value string) Mapping {
	id, typ, found := strings.Cut(value, ":")
	if !found {
		typ = TypeText
	}
	id = strings.TrimSpace(id)
	typ = strings.TrimSpace(typ)
	if strings.EqualFold(id, "null") {
		id = ""
	}
	if typ == "" {
		typ = TypeText
	}
	return Mapping{TargetID: id, Type: typ}
}

// poolValue accepts either a single entry object or a list of entries, the
// two shapes the pool file has carried historically.
type poolValue []PoolEntry

func (v *poolValue) UnmarshalJSON(data []byte) error {
	var list []PoolEntry
	if err := json.Unmarshal(data, &list); err == nil {
		*v = list
		return nil
	}

	var single PoolEntry
	if err := json.Unmarshal(data, &single); err != nil {
		return fmt.Errorf("pool value is neither an entry nor a list: %w", err)
	}
	*v = poolValue{single}
	return nil
}

func loadPoolTable(path string) (map[string][]PoolEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]PoolEntry{}, nil
		}
		return nil, fmt.Errorf("reading session pools %s: %w", path, err)
	}
	pools, err := parsePoolTable(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pools, nil
}

func parsePoolTable(data []byte) (map[string][]PoolEntry, error) {
	var raw map[string]poolValue
	if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
		return nil, fmt.Errorf("parsing session pools: %w", err)
	}

	pools := make(map[string][]PoolEntry, len(raw))
	for name, entries := range raw {
		pools[name] = entries
	}
	return pools, nil
}

// upsertPoolEntry rewrites the pool file with entry recorded under model.
// The default pool is replaced outright (a new capture supersedes the old
// one); a named model's pool grows by one entry. Rewriting normalizes the
// file to plain JSON, so comments in a hand-authored file do not survive.
func upsertPoolEntry(path, model string, entry PoolEntry) error {
	pools := map[string][]PoolEntry{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if pools, err = parsePoolTable(data); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return fmt.Errorf("reading session pools %s: %w", path, err)
	}

	if model == DefaultPool {
		pools[model] = []PoolEntry{entry}
	} else {
		pools[model] = append(pools[model], entry)
	}

	out, err := json.MarshalIndent(pools, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding session pools: %w", err)
	}
	if err := os.WriteFile(path, out, 0600); err != nil {
		return fmt.Errorf("writing session pools %s: %w", path, err)
	}
	return nil
}
