package patrol

// VisitedSet is an immutable set of identity keys. Add returns a new set and leaves the
// receiver untouched, so models holding older sets never observe later additions.
type VisitedSet struct {
	keys  map[string]struct{}
	order []string
}

// Has reports whether key is in the set.
func (v VisitedSet) Has(key string) bool {
	_, ok := v.keys[key]
	return ok
}

// Add returns a set containing key. Adding a present key returns the receiver.
func (v VisitedSet) Add(key string) VisitedSet {
	if v.Has(key) {
		return v
	}
	next := VisitedSet{
		keys:  make(map[string]struct{}, len(v.keys)+1),
		order: make([]string, len(v.order), len(v.order)+1),
	}
	for k := range v.keys {
		next.keys[k] = struct{}{}
	}
	copy(next.order, v.order)
	next.keys[key] = struct{}{}
	next.order = append(next.order, key)
	return next
}

// Len returns the number of keys.
func (v VisitedSet) Len() int { return len(v.order) }

// Keys returns the keys in insertion order.
func (v VisitedSet) Keys() []string {
	out := make([]string, len(v.order))
	copy(out, v.order)
	return out
}
