package bus

import "sort"

// Roster maps presence keys to payloads. A key may hold several payloads
// when the same participant is subscribed more than once.
type Roster map[string][]Payload

// Len returns the number of distinct keys.
func (r Roster) Len() int { return len(r) }

// Keys returns the keys in lexical order.
func (r Roster) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether key is present.
func (r Roster) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// First returns the first payload tracked under key.
func (r Roster) First(key string) (Payload, bool) {
	payloads := r[key]
	if len(payloads) == 0 {
		return nil, false
	}
	return payloads[0], true
}

// Without returns a copy of r with the given keys removed.
func (r Roster) Without(keys ...string) Roster {
	out := make(Roster, len(r))
	for k, v := range r {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// Diff compares an older snapshot with a newer one and returns the keys
// that appeared and disappeared, each in lexical order.
func Diff(before, after Roster) (joined, left []string) {
	for _, k := range after.Keys() {
		if !before.Has(k) {
			joined = append(joined, k)
		}
	}
	for _, k := range before.Keys() {
		if !after.Has(k) {
			left = append(left, k)
		}
	}
	return joined, left
}
