package vm

import (
	"fmt"
	"regexp"
	"strings"
)

// Template value keys the configure flow depends on.
const (
	KeyCDISOPath   = "cd_iso_path"
	KeyLogFilePath = "log_file_path"
)

// TemplateValue is one key=value pair handed to the VM template.
type TemplateValue struct {
	Key   string
	Value string
}

// TemplateValues is an ordered set of template values.
type TemplateValues []TemplateValue

var templateKeyPattern = regexp.MustCompile(`^\s*[A-Za-z_][A-Za-z0-9_.-]*=`)

// ParseTemplateValues parses entries of the form KEY=VALUE[,KEY=VALUE...].
// A comma only starts a new pair when KEY= follows it, so values may carry
// commas (console=ttyS0,115200). A later entry for an existing key replaces
// its value in place.
func ParseTemplateValues(entries ...string) (TemplateValues, error) {
	var out TemplateValues
	for _, entry := range entries {
		for _, pair := range splitPairs(entry) {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			key, value, ok := strings.Cut(pair, "=")
			key = strings.TrimSpace(key)
			if !ok || key == "" {
				return nil, fmt.Errorf("invalid template value %q: expected KEY=VALUE", pair)
			}
			out = out.Set(key, value)
		}
	}
	return out, nil
}

// splitPairs splits entry on commas that are followed by KEY=.
func splitPairs(entry string) []string {
	var pairs []string
	for _, part := range strings.Split(entry, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		if len(pairs) > 0 && !templateKeyPattern.MatchString(part) {
			pairs[len(pairs)-1] += "," + part
			continue
		}
		pairs = append(pairs, part)
	}
	return pairs
}

// Get returns the value for key.
func (t TemplateValues) Get(key string) (string, bool) {
	for _, v := range t {
		if v.Key == key {
			return v.Value, true
		}
	}
	return "", false
}

// Has reports whether key is present.
func (t TemplateValues) Has(key string) bool {
	_, ok := t.Get(key)
	return ok
}

// Set replaces the value of key, or appends it.
func (t TemplateValues) Set(key, value string) TemplateValues {
	for i, v := range t {
		if v.Key == key {
			out := append(TemplateValues(nil), t...)
			out[i].Value = value
			return out
		}
	}
	return append(append(TemplateValues(nil), t...), TemplateValue{Key: key, Value: value})
}

// SetDefault appends key only when it is absent.
func (t TemplateValues) SetDefault(key, value string) TemplateValues {
	if t.Has(key) {
		return t
	}
	return t.Set(key, value)
}

// Merge applies other on top of t.
func (t TemplateValues) Merge(other TemplateValues) TemplateValues {
	out := append(TemplateValues(nil), t...)
	for _, v := range other {
		out = out.Set(v.Key, v.Value)
	}
	return out
}

// Map returns the values as a map.
func (t TemplateValues) Map() map[string]string {
	out := make(map[string]string, len(t))
	for _, v := range t {
		out[v.Key] = v.Value
	}
	return out
}

// String renders k1=v1,k2=v2 in order.
func (t TemplateValues) String() string {
	parts := make([]string, 0, len(t))
	for _, v := range t {
		parts = append(parts, v.Key+"="+v.Value)
	}
	return strings.Join(parts, ",")
}
