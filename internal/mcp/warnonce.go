package mcp

import "sync"

// WarnSink receives deduplicated warnings.
type WarnSink func(message string)

// WarnOnce emits each keyed warning at most once per process.
type WarnOnce struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// Warn sends message to sink unless key was already seen. It reports whether
// the warning was emitted.
func (w *WarnOnce) Warn(key, message string, sink WarnSink) bool {
	w.mu.Lock()
	if w.seen == nil {
		w.seen = make(map[string]struct{})
	}
	if _, ok := w.seen[key]; ok {
		w.mu.Unlock()
		return false
	}
	w.seen[key] = struct{}{}
	w.mu.Unlock()
	if sink != nil {
		sink(message)
	}
	return true
}
