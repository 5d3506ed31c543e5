package bridge

import "sync"

// listenerRegistry counts listeners per event type. The global total is the
// sum of the per-type counts. removeListeners works on the global total, so
// removals are attributed to the most recent registrations first.
type listenerRegistry struct {
	mu     sync.Mutex
	counts map[string]int
	order  []string // registration history, oldest first
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{counts: make(map[string]int)}
}

// add registers one listener and reports whether it is the first for its type.
func (r *listenerRegistry) add(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[eventType]++
	r.order = append(r.order, eventType)
	return r.counts[eventType] == 1
}

// remove drops up to n listeners, newest first. It returns how many were
// actually removed and the types whose count reached zero.
func (r *listenerRegistry) remove(n int) (removed int, stopped []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ; removed < n && len(r.order) > 0; removed++ {
		last := len(r.order) - 1
		eventType := r.order[last]
		r.order = r.order[:last]
		r.counts[eventType]--
		if r.counts[eventType] == 0 {
			delete(r.counts, eventType)
			stopped = append(stopped, eventType)
		}
	}
	return removed, stopped
}

func (r *listenerRegistry) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[eventType]
}

func (r *listenerRegistry) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
