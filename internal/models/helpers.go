// Package models defines data structures for the research cache.
package models

import (
	"fmt"
	"strings"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// RecordIDString safely extracts the string ID from a SurrealDB RecordID.
// Returns an error if the ID is not a string type.
func RecordIDString(id surrealmodels.RecordID) (string, error) {
	s, ok := id.ID.(string)
	if !ok {
		return "", fmt.Errorf("unexpected ID type: %T (expected string)", id.ID)
	}
	return s, nil
}

// Slugify lowercases s, maps spaces and underscores to hyphens and drops
// everything that is not an ASCII letter, digit or hyphen.
func Slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == ' ' || r == '_':
			b.WriteRune('-')
		}
	}
	return b.String()
}

// MetaString returns metadata[key] if it is a non-empty string.
func MetaString(metadata map[string]any, key string) (string, bool) {
	s, ok := metadata[key].(string)
	return s, ok && s != ""
}

// MetaFloat returns metadata[key] as float64. Numeric values may arrive as any
// integer or float type after a round trip through the store.
func MetaFloat(metadata map[string]any, key string) (float64, bool) {
	switch v := metadata[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case int32:
		return float64(v), true
	}
	return 0, false
}

// MetaInt returns metadata[key] as int.
func MetaInt(metadata map[string]any, key string) (int, bool) {
	f, ok := MetaFloat(metadata, key)
	return int(f), ok
}

// MetaBool returns metadata[key] if it is a bool.
func MetaBool(metadata map[string]any, key string) (bool, bool) {
	b, ok := metadata[key].(bool)
	return b, ok
}

// CloneMetadata returns a shallow copy of m, never nil.
func CloneMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+4)
	for k, v := range m {
		out[k] = v
	}
	return out
}
