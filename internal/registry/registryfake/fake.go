// Package registryfake is a scripted registry.Publisher for tests.
package registryfake

import (
	"context"
	"sync"

	"github.com/kingrea/cascade/internal/registry"
	"github.com/kingrea/cascade/internal/release"
)

// Registry returns scripted results per package. Once a package's script
// runs out it publishes successfully.
type Registry struct {
	mu sync.Mutex

	script     map[string][]error
	yankScript map[string][]error
	attempts   map[string]int
	order      []string
	yanks      []string
	published  map[string]string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		script:     map[string][]error{},
		yankScript: map[string][]error{},
		attempts:   map[string]int{},
		published:  map[string]string{},
	}
}

var _ registry.Publisher = (*Registry)(nil)

// Script queues the results of the next publishes of pkg.
func (r *Registry) Script(pkg string, errs ...error) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.script[pkg] = append(r.script[pkg], errs...)
	return r
}

// ScriptYank queues the results of the next yanks of pkg.
func (r *Registry) ScriptYank(pkg string, errs ...error) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.yankScript[pkg] = append(r.yankScript[pkg], errs...)
	return r
}

// Publish pops the next scripted result for pkg.
func (r *Registry) Publish(ctx context.Context, pkg, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[pkg]++
	r.order = append(r.order, pkg)
	if queued := r.script[pkg]; len(queued) > 0 {
		r.script[pkg] = queued[1:]
		if queued[0] != nil {
			return queued[0]
		}
	}
	if _, ok := r.published[pkg]; ok {
		return release.Newf(release.CategoryPublish, release.KindAlreadyPublished, "%s %s already uploaded", pkg, version)
	}
	r.published[pkg] = version
	return nil
}

// Yank pops the next scripted yank result for pkg.
func (r *Registry) Yank(ctx context.Context, pkg, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.yanks = append(r.yanks, pkg)
	if queued := r.yankScript[pkg]; len(queued) > 0 {
		r.yankScript[pkg] = queued[1:]
		if queued[0] != nil {
			return queued[0]
		}
	}
	delete(r.published, pkg)
	return nil
}

// Attempts returns how often pkg was handed to Publish.
func (r *Registry) Attempts(pkg string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[pkg]
}

// Order returns every publish call in arrival order.
func (r *Registry) Order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Yanks returns every yank call in arrival order.
func (r *Registry) Yanks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.yanks...)
}

// Published reports whether pkg is currently live on the registry.
func (r *Registry) Published(pkg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.published[pkg]
	return ok
}
