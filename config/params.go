package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Error reports an invalid configuration. It is always fatal.
type Error struct {
	Section string
	Msg     string
}

func (e *Error) Error() string {
	if e.Section == "" {
		return e.Msg
	}
	return fmt.Sprintf("[%s] %s", e.Section, e.Msg)
}

func Errorf(section, format string, args ...any) error {
	return &Error{Section: section, Msg: fmt.Sprintf(format, args...)}
}

// Params holds the raw key/value pairs of a filter section.
type Params map[string]string

func (p Params) String(key, def string) string {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// List splits a ';' separated value, dropping blank items.
func (p Params) List(key string) []string {
	v, ok := p[key]
	if !ok {
		return nil
	}
	return SplitList(v)
}

func (p Params) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	return b, nil
}

// Keys returns the parameter names in a stable order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge returns parent overridden by child.
func Merge(parent, child Params) Params {
	merged := make(Params, len(parent)+len(child))
	for k, v := range parent {
		merged[k] = v
	}
	for k, v := range child {
		merged[k] = v
	}
	return merged
}

func SplitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ";") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}
