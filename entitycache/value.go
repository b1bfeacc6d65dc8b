package entitycache

// Document is the generic map-backed value shape most entities cache under:
// product details, cart lines, orders. Merge rules operate on Documents so
// they stay reusable across unrelated entity types.
type Document map[string]any

// Clone returns a shallow copy of the document. Merge rules always write
// through a clone so observers never see a half-applied document.
func (d Document) Clone() Document {
	if d == nil {
		return Document{}
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merge returns a clone with the given fields overwritten.
func (d Document) Merge(fields map[string]any) Document {
	out := d.Clone()
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// String returns the named field as a string, or "" when absent or not a
// string.
func (d Document) String(field string) string {
	if v, ok := d[field].(string); ok {
		return v
	}
	return ""
}

// Number returns the named field as a float64. JSON decoding produces
// float64 for all numbers, so int values stored programmatically are
// converted as well.
func (d Document) Number(field string) (float64, bool) {
	switch v := d[field].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}

// ID returns the document's "id" field.
func (d Document) ID() string {
	return d.String("id")
}

// List is an id-addressed collection value: reviews, chat messages,
// activity feed items. Append order is preserved.
type List []Document

// ContainsID reports whether an item with the given id is present.
func (l List) ContainsID(id string) bool {
	for _, item := range l {
		if item.ID() == id {
			return true
		}
	}
	return false
}

// Append returns a new list with item added at the end. The append is
// idempotent: when an item with the same id already exists the original
// list is returned unchanged.
func (l List) Append(item Document) (List, bool) {
	id := item.ID()
	if id != "" && l.ContainsID(id) {
		return l, false
	}
	out := make(List, len(l), len(l)+1)
	copy(out, l)
	return append(out, item), true
}
