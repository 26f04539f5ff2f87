package config

import (
	"fmt"
	"strings"
)

// EntitiesFile is the hot-reloaded name -> identifier table.
const EntitiesFile = "entities.yaml"

// ParseEntities reads the "entities" mapping out of a parsed entities.yaml:
//
//	entities:
//	  acme corp: ACM
//	  globex: GBX
//
// Keys are lowercased; identifiers are uppercased.
func ParseEntities(cfg map[string]interface{}) (map[string]string, error) {
	raw, ok := cfg["entities"]
	if !ok || raw == nil {
		return map[string]string{}, nil
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("entities must be a mapping, got %T", raw)
	}
	out := make(map[string]string, len(m))
	for name, v := range m {
		id, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("entity %q: identifier must be a string, got %T", name, v)
		}
		name = strings.ToLower(strings.TrimSpace(name))
		id = strings.ToUpper(strings.TrimSpace(id))
		if name == "" || id == "" {
			return nil, fmt.Errorf("entity %q: empty name or identifier", name)
		}
		out[name] = id
	}
	return out, nil
}

// ValidateEntities is a Watcher validator for EntitiesFile.
func ValidateEntities(cfg map[string]interface{}) error {
	_, err := ParseEntities(cfg)
	return err
}
