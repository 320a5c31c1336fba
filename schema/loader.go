package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"core.evalgo.org/common"
)

// Loader reads `<id>.schema.yaml`/`.yml` files from a directory into
// validated Entity Definitions. It also maintains the raw path → parsed
// YAML cache that the File Watcher reads through Previous to compute what
// changed between reloads (spec §4.C).
type Loader struct {
	mu    sync.RWMutex
	cache map[string]*yaml.Node
}

// NewLoader returns an empty Loader.
func NewLoader() *Loader {
	return &Loader{cache: make(map[string]*yaml.Node)}
}

// isSchemaFile reports whether a filename matches "<stem>.schema.yaml" or
// "<stem>.schema.yml".
func isSchemaFile(name string) bool {
	ext := filepath.Ext(name)
	if ext != ".yaml" && ext != ".yml" {
		return false
	}
	stem := strings.TrimSuffix(name, ext)
	return strings.HasSuffix(stem, ".schema")
}

// Load walks dir, parses every schema file it finds into an
// EntityDefinition, and returns the validated set. A malformed file is
// logged and skipped rather than aborting the whole load, per spec §4.C.
func (l *Loader) Load(dir string) ([]EntityDefinition, error) {
	var entities []EntityDefinition

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isSchemaFile(d.Name()) {
			return nil
		}
		entity, ok, loadErr := l.LoadFile(path)
		if loadErr != nil {
			return loadErr
		}
		if ok {
			entities = append(entities, *entity)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("schema: walk %s: %w", dir, err)
	}
	return entities, nil
}

// IsSchemaFile reports whether name matches "<stem>.schema.yaml" or
// "<stem>.schema.yml", the same test Load uses to pick files out of a
// directory walk. Exported so the File Watcher can classify a single path
// without duplicating the pattern.
func IsSchemaFile(name string) bool { return isSchemaFile(name) }

// LoadFile parses one schema file, updates the Diff Engine's previous-form
// cache for it, and returns its EntityDefinition. ok is false (with a nil
// error) for a file that is unreadable, unparsable, or fails validation —
// the caller logs nothing extra since LoadFile already did, matching Load's
// per-file tolerance.
func (l *Loader) LoadFile(path string) (*EntityDefinition, bool, error) {
	raw, readErr := os.ReadFile(path)
	if readErr != nil {
		common.Logger.WithError(readErr).WithField("path", path).Warn("schema: failed to read file, skipping")
		return nil, false, nil
	}

	canonical, absErr := filepath.Abs(path)
	if absErr != nil {
		canonical = path
	}

	var node yaml.Node
	if unmarshalErr := yaml.Unmarshal(raw, &node); unmarshalErr != nil {
		common.Logger.WithError(unmarshalErr).WithField("path", path).Warn("schema: failed to parse YAML, skipping")
		return nil, false, nil
	}

	var entity EntityDefinition
	if decodeErr := node.Decode(&entity); decodeErr != nil {
		common.Logger.WithError(decodeErr).WithField("path", path).Warn("schema: failed to decode entity definition, skipping")
		return nil, false, nil
	}
	if validateErr := entity.Validate(); validateErr != nil {
		common.Logger.WithError(validateErr).WithField("path", path).Warn("schema: entity definition failed validation, skipping")
		return nil, false, nil
	}

	l.storeParsed(canonical, &node)
	return &entity, true, nil
}

// storeParsed records the raw parsed YAML for path, for the Diff Engine.
func (l *Loader) storeParsed(path string, node *yaml.Node) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache[path] = node
}

// Previous returns the parsed YAML last stored for path, and whether one
// existed. The File Watcher calls this to get an entity's previous form.
func (l *Loader) Previous(path string) (*yaml.Node, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	node, ok := l.cache[path]
	return node, ok
}
