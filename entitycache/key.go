package entitycache

import (
	"sort"
	"strings"
)

// Key identifies one cached query result: an entity type plus its
// normalized parameters. Keys are comparable and stable regardless of the
// order parameters were supplied in, so (cart, status=inCart) built by two
// different call sites lands on the same entry.
type Key struct {
	Type   string
	params string
}

// NewKey builds a key from an entity type and its parameters. Parameters
// are normalized by sorting on name.
func NewKey(entityType string, params map[string]string) Key {
	if len(params) == 0 {
		return Key{Type: entityType}
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(params[name])
	}

	return Key{Type: entityType, params: b.String()}
}

// DetailKey builds the conventional single-entity key (type, id).
func DetailKey(entityType, id string) Key {
	return NewKey(entityType, map[string]string{"id": id})
}

// Params returns the normalized parameter string, e.g. "id=42" or
// "page=1&status=inCart".
func (k Key) Params() string {
	return k.params
}

// Param returns the value of a single named parameter.
func (k Key) Param(name string) (string, bool) {
	for _, pair := range strings.Split(k.params, "&") {
		if v, ok := strings.CutPrefix(pair, name+"="); ok {
			return v, true
		}
	}
	return "", false
}

// String returns a stable textual form of the key, usable as a log field
// or map key.
func (k Key) String() string {
	if k.params == "" {
		return k.Type
	}
	return k.Type + "?" + k.params
}

// IsZero reports whether the key is the zero value.
func (k Key) IsZero() bool {
	return k.Type == "" && k.params == ""
}
