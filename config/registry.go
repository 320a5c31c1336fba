package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"core.evalgo.org/common"
)

// Document is one parsed `config.*.yaml` file, per spec §4.D.
type Document struct {
	ID          string                 `yaml:"id"`
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description,omitempty"`
	Provider    string                 `yaml:"provider,omitempty"`
	Version     string                 `yaml:"version,omitempty"`
	Values      map[string]interface{} `yaml:"values"`
}

// IsConfigFile reports whether name matches "config.*.yaml", the same test
// Load uses to pick files out of a directory walk. Exported so the File
// Watcher can classify a single path without duplicating the pattern.
func IsConfigFile(name string) bool { return configFilePattern.MatchString(name) }

var configFilePattern = regexp.MustCompile(`^config\..+\.ya?ml$`)
var systemEnvPattern = regexp.MustCompile(`^config\.system\.([^.]+)\.ya?ml$`)

// Registry is the Configuration Registry: it loads every config.*.yaml
// document from a directory, applies environment scoping to
// config.system.<env>.yaml files, and merges documents sharing an id with
// later adopters overriding earlier ones (directory walk order).
type Registry struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewRegistry returns an empty Configuration Registry.
func NewRegistry() *Registry {
	return &Registry{docs: make(map[string]Document)}
}

// Load reads dir for config.*.yaml documents and merges them into the
// registry. env selects which config.system.<env>.yaml file is adopted;
// every other config.*.yaml file is adopted unconditionally. Malformed
// files are logged and skipped, matching the Schema Loader's tolerance.
func (r *Registry) Load(dir, env string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("config: read dir %s: %w", dir, err)
	}

	merged := make(map[string]Document)
	for _, entry := range entries {
		if entry.IsDir() || !configFilePattern.MatchString(entry.Name()) {
			continue
		}
		if m := systemEnvPattern.FindStringSubmatch(entry.Name()); m != nil && m[1] != env {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			common.Logger.WithError(readErr).WithField("path", path).Warn("config: failed to read file, skipping")
			continue
		}
		var doc Document
		if unmarshalErr := yaml.Unmarshal(raw, &doc); unmarshalErr != nil {
			common.Logger.WithError(unmarshalErr).WithField("path", path).Warn("config: failed to parse file, skipping")
			continue
		}
		if doc.ID == "" {
			common.Logger.WithField("path", path).Warn("config: document missing id, skipping")
			continue
		}

		if existing, ok := merged[doc.ID]; ok {
			merged[doc.ID] = mergeDocuments(existing, doc)
		} else {
			merged[doc.ID] = doc
		}
	}

	r.mu.Lock()
	r.docs = merged
	r.mu.Unlock()
	return nil
}

// mergeDocuments merges new's values over base's, value-wise, keeping
// base's identity fields unless new overrides them.
func mergeDocuments(base, next Document) Document {
	merged := base
	if next.Name != "" {
		merged.Name = next.Name
	}
	if next.Description != "" {
		merged.Description = next.Description
	}
	if next.Provider != "" {
		merged.Provider = next.Provider
	}
	if next.Version != "" {
		merged.Version = next.Version
	}
	values := make(map[string]interface{}, len(base.Values)+len(next.Values))
	for k, v := range base.Values {
		values[k] = v
	}
	for k, v := range next.Values {
		values[k] = v
	}
	merged.Values = values
	return merged
}

// SetValue applies one UpdateConfig action's effect: path is a dotted
// "id.a.b..." string in the same convention Nested reads, the first
// segment selecting the document (created if absent) and the remainder
// walking/creating nested maps within its Values. value == nil deletes the
// leaf, matching the File Watcher's removal semantics. Generalizes the
// existing getNestedField/setNestedField dotted-path walker idiom to a write path.
func (r *Registry) SetValue(path string, value interface{}) {
	segments := strings.Split(path, ".")
	if len(segments) < 2 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[segments[0]]
	if !ok {
		doc = Document{ID: segments[0]}
	}
	if doc.Values == nil {
		doc.Values = make(map[string]interface{})
	}
	setNestedValue(doc.Values, segments[1:], value)
	r.docs[segments[0]] = doc
}

func setNestedValue(m map[string]interface{}, segments []string, value interface{}) {
	key := segments[0]
	if len(segments) == 1 {
		if value == nil {
			delete(m, key)
		} else {
			m[key] = value
		}
		return
	}
	next, ok := m[key].(map[string]interface{})
	if !ok {
		next = make(map[string]interface{})
	}
	setNestedValue(next, segments[1:], value)
	m[key] = next
}

// Get returns the document with the given id, if loaded.
func (r *Registry) Get(id string) (Document, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[id]
	return doc, ok
}

// Value returns doc.Values[key], if the document and key both exist.
func (r *Registry) Value(id, key string) (interface{}, bool) {
	doc, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	v, ok := doc.Values[key]
	return v, ok
}

// Nested resolves a dotted path "id.a.b" against the loaded documents: the
// first segment selects the document id, remaining segments walk nested
// maps within Values.
func (r *Registry) Nested(path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
	if len(segments) < 2 {
		return nil, false
	}
	doc, ok := r.Get(segments[0])
	if !ok {
		return nil, false
	}

	var cur interface{} = map[string]interface{}(doc.Values)
	for _, seg := range segments[1:] {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// StringValue, BoolValue, IntValue, and FloatValue are typed accessors over
// Nested, returning ok=false if the path is absent or of the wrong type.
func (r *Registry) StringValue(path string) (string, bool) {
	v, ok := r.Nested(path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (r *Registry) BoolValue(path string) (bool, bool) {
	v, ok := r.Nested(path)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func (r *Registry) IntValue(path string) (int, bool) {
	v, ok := r.Nested(path)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}

func (r *Registry) FloatValue(path string) (float64, bool) {
	v, ok := r.Nested(path)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// ActiveEnvironment resolves APP_ENV, defaulting to "dev" per spec §4.D.
func ActiveEnvironment() string {
	return NewEnvConfig("").GetString("APP_ENV", "dev")
}
