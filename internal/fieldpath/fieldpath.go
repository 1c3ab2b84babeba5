// Package fieldpath extracts values along dotted field paths from decoded JSON
// documents of arbitrary shape.
package fieldpath

import (
	"iter"
	"strings"
)

// Path is a sequence of object keys.
type Path []string

// String renders the path in dotted form.
func (p Path) String() string {
	return strings.Join(p, ".")
}

// Last returns the final key, or "" for an empty path.
func (p Path) Last() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// Values yields every value reachable from obj along path. Arrays met along
// the way are descended element by element, depth-first and left to right.
// Missing keys and non-object values end a branch without yielding.
//
//	Values({"x": {"y": [{"z": 1}, {"z": 2}, {"z": 3}]}}, Path{"x", "y", "z"}) yields 1, 2, 3
func Values(obj any, path Path) iter.Seq[any] {
	return func(yield func(any) bool) {
		walk(obj, path, yield)
	}
}

// walk returns false once yield asks to stop.
func walk(obj any, path Path, yield func(any) bool) bool {
	if len(path) == 0 {
		return yield(obj)
	}

	m, ok := obj.(map[string]any)
	if !ok {
		return true
	}
	child, ok := m[path[0]]
	if !ok {
		return true
	}

	if items, ok := child.([]any); ok {
		for _, item := range items {
			if !walk(item, path[1:], yield) {
				return false
			}
		}
		return true
	}
	return walk(child, path[1:], yield)
}

// Collect returns all values along path as a slice.
func Collect(obj any, path Path) []any {
	out := []any{}
	for v := range Values(obj, path) {
		out = append(out, v)
	}
	return out
}

// Contains reports whether want is among the values along path, stopping at
// the first match.
func Contains(obj any, path Path, want string) bool {
	for v := range Values(obj, path) {
		if s, ok := v.(string); ok && s == want {
			return true
		}
	}
	return false
}

// ParseIndicatorField turns an indicator field such as "http:files.sha256"
// into its traversal path ("files", "sha256"). Only the part after the last
// ':' is used.
func ParseIndicatorField(field string) Path {
	if i := strings.LastIndex(field, ":"); i >= 0 {
		field = field[i+1:]
	}
	return Path(strings.Split(field, "."))
}

// SupportedPath parses field and reports whether its final segment names one
// of the supported observable types.
func SupportedPath(field string, observableTypes map[string]string) (Path, bool) {
	path := ParseIndicatorField(field)
	_, ok := observableTypes[path.Last()]
	return path, ok
}
