// Package diff compares two parsed YAML trees (as produced by the Schema
// Loader / Configuration Registry) and classifies the differences, the way
// a setNestedField/getNestedField dotted-path walker works, generalized
// here to a full recursive tree differ.
package diff

import (
	"fmt"
	"sort"
	"strings"
)

// Severity classifies one change.
type Severity string

const (
	Safe     Severity = "safe"
	Warning  Severity = "warning"
	Breaking Severity = "breaking"
)

// Modification records a path whose value changed.
type Modification struct {
	Old interface{}
	New interface{}
}

// Diff is the result of comparing two trees, keyed by dotted path.
type Diff struct {
	Added    map[string]interface{}
	Removed  map[string]interface{}
	Modified map[string]Modification
}

func newDiff() *Diff {
	return &Diff{
		Added:    make(map[string]interface{}),
		Removed:  make(map[string]interface{}),
		Modified: make(map[string]Modification),
	}
}

// Compare walks old and new in lockstep and returns their Diff. Recursion
// descends into nested maps; sequences compare element-by-element (order
// significant); scalar equality is typed.
func Compare(old, new map[string]interface{}) *Diff {
	d := newDiff()
	compareNode(old, new, "", d)
	return d
}

func compareNode(old, new interface{}, path string, d *Diff) {
	oldMap, oldIsMap := old.(map[string]interface{})
	newMap, newIsMap := new.(map[string]interface{})
	if oldIsMap && newIsMap {
		compareMaps(oldMap, newMap, path, d)
		return
	}

	oldSlice, oldIsSlice := old.([]interface{})
	newSlice, newIsSlice := new.([]interface{})
	if oldIsSlice && newIsSlice {
		compareSlices(oldSlice, newSlice, path, d)
		return
	}

	if old == nil && new != nil {
		d.Added[path] = new
		return
	}
	if old != nil && new == nil {
		d.Removed[path] = old
		return
	}
	if !typedEqual(old, new) {
		d.Modified[path] = Modification{Old: old, New: new}
	}
}

func compareMaps(old, new map[string]interface{}, prefix string, d *Diff) {
	keys := make(map[string]bool, len(old)+len(new))
	for k := range old {
		keys[k] = true
	}
	for k := range new {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		oldVal, oldOK := old[k]
		newVal, newOK := new[k]
		switch {
		case !oldOK:
			d.Added[path] = newVal
		case !newOK:
			d.Removed[path] = oldVal
		default:
			compareNode(oldVal, newVal, path, d)
		}
	}
}

func compareSlices(old, new []interface{}, prefix string, d *Diff) {
	max := len(old)
	if len(new) > max {
		max = len(new)
	}
	for i := 0; i < max; i++ {
		path := fmt.Sprintf("%s[%d]", prefix, i)
		switch {
		case i >= len(old):
			d.Added[path] = new[i]
		case i >= len(new):
			d.Removed[path] = old[i]
		default:
			compareNode(old[i], new[i], path, d)
		}
	}
}

// typedEqual compares two scalars with type-sensitive equality: "1" and 1
// are not equal, true and 1 are not equal.
func typedEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case int:
		return numericEqual(float64(av), b)
	case int64:
		return numericEqual(float64(av), b)
	case float64:
		return numericEqual(av, b)
	default:
		return a == b
	}
}

func numericEqual(a float64, b interface{}) bool {
	switch bv := b.(type) {
	case int:
		return a == float64(bv)
	case int64:
		return a == float64(bv)
	case float64:
		return a == bv
	default:
		return false
	}
}

// Classification maps every changed path (from Diff.Added/Removed/Modified)
// to its Severity per spec §4.E.
type Classification struct {
	Severities map[string]Severity
}

// Classify assigns a Severity to every change in d.
func Classify(d *Diff) *Classification {
	c := &Classification{Severities: make(map[string]Severity)}

	for path, value := range d.Added {
		c.Severities[path] = classifyAddition(path, value)
	}
	for path := range d.Removed {
		c.Severities[path] = classifyRemoval(path)
	}
	for path, mod := range d.Modified {
		c.Severities[path] = classifyModification(path, mod)
	}
	return c
}

func classifyAddition(path string, value interface{}) Severity {
	last := lastSegment(path)
	if last == "description" || last == "label" {
		return Safe
	}
	if strings.Contains(path, "required=true") {
		return Warning
	}
	if m, ok := value.(map[string]interface{}); ok {
		if req, ok := m["required"].(bool); ok && req {
			return Warning
		}
	}
	return Safe
}

func classifyRemoval(path string) Severity {
	// Every removal case named in spec §4.E resolves to Breaking: a field
	// under a fields subtree, a required attribute, or a top-level entity.
	// No removal rule in the taxonomy yields Safe or Warning.
	return Breaking
}

func classifyModification(path string, mod Modification) Severity {
	if fmt.Sprintf("%T", mod.Old) != fmt.Sprintf("%T", mod.New) {
		return Breaking
	}
	last := lastSegment(path)
	switch last {
	case "type":
		if strings.Contains(path, "fields") {
			return Breaking
		}
	case "cardinality":
		return Breaking
	case "required":
		if oldReq, ok := mod.Old.(bool); ok && !oldReq {
			if newReq, ok := mod.New.(bool); ok && newReq {
				return Breaking
			}
		}
	}
	return Safe
}

func lastSegment(path string) string {
	if idx := strings.LastIndexByte(path, '.'); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

// Summary reports counts per category and enumerates every Breaking change.
type Summary struct {
	Counts   map[Severity]int
	Breaking []string
}

// Summarize builds a Summary from a Classification.
func Summarize(c *Classification) *Summary {
	s := &Summary{Counts: make(map[Severity]int)}
	paths := make([]string, 0, len(c.Severities))
	for path := range c.Severities {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		sev := c.Severities[path]
		s.Counts[sev]++
		if sev == Breaking {
			s.Breaking = append(s.Breaking, path)
		}
	}
	return s
}
