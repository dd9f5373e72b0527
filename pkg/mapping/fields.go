package mapping

import (
	"fmt"
	"strconv"
	"strings"
)

// Fields wraps a source record's field map with typed accessors. Every
// accessor takes a list of keys and returns the first usable value.
type Fields map[string]interface{}

// String returns the first non-empty scalar among keys. Arrays yield their
// first non-empty element.
func (f Fields) String(keys ...string) string {
	for _, key := range keys {
		if s := scalarString(f[key]); s != "" {
			return s
		}
	}
	return ""
}

// Strings returns all values of the first present key among keys. A scalar
// string becomes a one-element slice.
func (f Fields) Strings(keys ...string) []string {
	for _, key := range keys {
		v, ok := f[key]
		if !ok || v == nil {
			continue
		}
		var out []string
		switch vals := v.(type) {
		case []interface{}:
			for _, item := range vals {
				if s := scalarString(item); s != "" {
					out = append(out, s)
				}
			}
		case []string:
			for _, s := range vals {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		default:
			if s := scalarString(vals); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

// Joined concatenates String values of every key that is present
func (f Fields) Joined(sep string, keys ...string) string {
	var parts []string
	for _, key := range keys {
		for _, s := range f.Strings(key) {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, sep)
}

// Has reports whether any key holds a non-empty value
func (f Fields) Has(keys ...string) bool {
	return len(f.Strings(keys...)) > 0
}

// Value returns the raw value of the first present key
func (f Fields) Value(keys ...string) (interface{}, bool) {
	for _, key := range keys {
		if v, ok := f[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func scalarString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	case []interface{}:
		for _, item := range val {
			if s := scalarString(item); s != "" {
				return s
			}
		}
		return ""
	case []string:
		for _, s := range val {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
		return ""
	case map[string]interface{}:
		// Linked-record objects ({"id": "rec1", "name": "..."})
		if id := scalarString(val["id"]); id != "" {
			return id
		}
		return scalarString(val["name"])
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}
