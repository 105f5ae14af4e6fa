package broker

import (
	"maps"
	"slices"
	"sort"

	"vcc-rpc/internal/domain"
)

type connID uint64

// namespaceEntry is the provider list of one namespace plus its round-robin cursor.
type namespaceEntry struct {
	providers []connID
	methods   map[connID]map[string]struct{}
	cursor    int
}

// registry maps namespaces to the live service connections exporting them.
// It performs no locking; the Broker serializes access.
type registry struct {
	namespaces map[string]*namespaceEntry
}

func newRegistry() *registry {
	return &registry{namespaces: make(map[string]*namespaceEntry)}
}

// add registers id as a provider of namespace. A connection that already
// provides the namespace has its method set extended instead. Any change to
// the provider list resets the cursor.
func (r *registry) add(namespace string, id connID, methods []string) {
	ns, ok := r.namespaces[namespace]
	if !ok {
		ns = &namespaceEntry{methods: make(map[connID]map[string]struct{})}
		r.namespaces[namespace] = ns
	}
	set, known := ns.methods[id]
	if !known {
		set = make(map[string]struct{}, len(methods))
		ns.methods[id] = set
		ns.providers = append(ns.providers, id)
		ns.cursor = 0
	}
	for _, m := range methods {
		set[m] = struct{}{}
	}
}

// removeConn drops id from every namespace and returns the namespaces that
// no longer have any provider.
func (r *registry) removeConn(id connID) (touched, emptied []string) {
	for name, ns := range r.namespaces {
		if _, ok := ns.methods[id]; !ok {
			continue
		}
		delete(ns.methods, id)
		ns.providers = slices.DeleteFunc(ns.providers, func(p connID) bool { return p == id })
		ns.cursor = 0
		touched = append(touched, name)
		if len(ns.providers) == 0 {
			delete(r.namespaces, name)
			emptied = append(emptied, name)
		}
	}
	sort.Strings(touched)
	sort.Strings(emptied)
	return touched, emptied
}

// pick chooses the provider for namespace/method starting at the cursor,
// skipping providers that do not export method, and advances the cursor past
// the chosen one.
func (r *registry) pick(namespace, method string) (connID, error) {
	ns, ok := r.namespaces[namespace]
	if !ok || len(ns.providers) == 0 {
		return 0, domain.ErrServiceNotFound
	}
	n := len(ns.providers)
	if ns.cursor >= n {
		ns.cursor = 0
	}
	for i := range n {
		idx := (ns.cursor + i) % n
		id := ns.providers[idx]
		if _, ok := ns.methods[id][method]; ok {
			ns.cursor = (idx + 1) % n
			return id, nil
		}
	}
	return 0, domain.ErrServiceNotFound
}

// list returns the registered namespaces in sorted order.
func (r *registry) list() []string {
	return slices.Sorted(maps.Keys(r.namespaces))
}

// methodsOf returns the union of methods exported for namespace.
func (r *registry) methodsOf(namespace string) ([]string, bool) {
	ns, ok := r.namespaces[namespace]
	if !ok {
		return nil, false
	}
	union := make(map[string]struct{})
	for _, set := range ns.methods {
		for m := range set {
			union[m] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(union)), true
}

// providerCounts returns the number of providers per namespace.
func (r *registry) providerCounts() map[string]int {
	out := make(map[string]int, len(r.namespaces))
	for name, ns := range r.namespaces {
		out[name] = len(ns.providers)
	}
	return out
}
