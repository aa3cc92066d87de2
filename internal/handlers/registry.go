// Package handlers holds the job-type registry and the built-in job
// handlers. Both the parent process and the isolated child reconstruct
// handlers through the same registry, so a job type behaves identically
// wherever it runs.
package handlers

import (
	"sort"
	"sync"

	"adaptive-runner/internal/domain"
)

// Factory builds a fresh handler instance for one execution attempt.
type Factory func() domain.Handler

var (
	mu       sync.RWMutex
	registry = map[string]Factory{}
)

// Register binds a job type name to a handler factory. Later registrations
// replace earlier ones.
func Register(jobType string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[jobType] = f
}

// New constructs a fresh handler for the given job type.
func New(jobType string) (domain.Handler, bool) {
	mu.RLock()
	f, ok := registry[jobType]
	mu.RUnlock()
	if !ok {
		return nil, false
	}
	return f(), true
}

// Types returns the registered job type names, sorted.
func Types() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
