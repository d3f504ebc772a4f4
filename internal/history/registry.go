package history

import "sync"

type registryKey struct {
	source string
	label  string
}

// Registry holds every registered event-table shape, keyed by (tracked table,
// label). It is an explicit object with controlled lifetime, constructed once
// at startup and passed to the compiler and the query engine, so tests can
// build and discard isolated registries.
type Registry struct {
	mu      sync.RWMutex
	entries map[registryKey]*EventTable
	tables  []*EventTable
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[registryKey]*EventTable)}
}

// Register validates the shape and records it under each of its tracker
// labels. Re-registering an identical shape merges its trackers into the
// already-known table, so the compiler sees every registration and an exact
// duplicate is a no-op. Registering a different shape under a taken label is
// a configuration error, because aggregation could no longer tell the two
// streams apart.
func (r *Registry) Register(ev *EventTable) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range ev.Trackers {
		key := registryKey{source: ev.Source.Name, label: t.Label}
		if existing, ok := r.entries[key]; ok && !existing.sameShape(ev) {
			return configErrorf(
				"label %q already registered for %q with a different event table (%q); pick a different label",
				t.Label, ev.Source.Name, existing.Name)
		}
	}

	var kept *EventTable
	for _, known := range r.tables {
		if known == ev || known.sameShape(ev) {
			kept = known
			break
		}
	}
	if kept == nil {
		kept = ev
		r.tables = append(r.tables, ev)
	} else if kept != ev {
		// Two trackers on one (label, operation) pair compile to one trigger
		// name, so a re-declaration must match the kept policy exactly.
		for _, t := range ev.Trackers {
			for _, kt := range kept.Trackers {
				if kt.Label == t.Label && kt.Operation == t.Operation && !kt.equal(t) {
					return configErrorf(
						"tracker %q (%s) already registered for %q with a different capture policy",
						t.Label, t.Operation, ev.Source.Name)
				}
			}
		}
		for _, t := range ev.Trackers {
			known := false
			for _, kt := range kept.Trackers {
				if kt.equal(t) {
					known = true
					break
				}
			}
			if !known {
				kept.Trackers = append(kept.Trackers, t)
			}
		}
	}

	for _, t := range ev.Trackers {
		r.entries[registryKey{source: ev.Source.Name, label: t.Label}] = kept
	}
	return nil
}

// Lookup returns the event table registered for (source table, label).
func (r *Registry) Lookup(source, label string) (*EventTable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ev, ok := r.entries[registryKey{source: source, label: label}]
	if !ok {
		return nil, notFoundErrorf("no tracker with label %q for table %q", label, source)
	}
	return ev, nil
}

// Table returns the registered event table with the given table name.
func (r *Registry) Table(name string) (*EventTable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ev := range r.tables {
		if ev.Name == name {
			return ev, true
		}
	}
	return nil, false
}

// Tables returns all registered event tables in registration order.
func (r *Registry) Tables() []*EventTable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*EventTable, len(r.tables))
	copy(out, r.tables)
	return out
}

// Tracking returns the event tables that directly track the named table
// through their source-row reference column.
func (r *Registry) Tracking(source string) []*EventTable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*EventTable
	for _, ev := range r.tables {
		if ev.Tracks(source) {
			out = append(out, ev)
		}
	}
	return out
}

// Referencing returns the event tables holding any foreign-key-bearing
// column into the named table. This is a wider predicate than Tracking:
// captured foreign keys match as well as source-row references.
func (r *Registry) Referencing(table string) []*EventTable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*EventTable
	for _, ev := range r.tables {
		if ev.References(table) {
			out = append(out, ev)
		}
	}
	return out
}
