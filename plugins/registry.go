// Package plugins implements the Plugin Table (C8): the registry
// mapping an actor kind or workflow name to the Go function that runs
// it, or to a sub-DAG template grafted in by instantiate_with_deps.
package plugins

import (
	"context"
	"sync"

	"github.com/ailets/ailets-go/dag"
	"github.com/ailets/ailets-go/errs"
	"github.com/ailets/ailets-go/noderuntime"
)

// ActorBody is the function an actor kind runs against its bound
// Runtime facade. It returns an error to fail the node; a panic is
// recovered by the scheduler and treated the same way.
type ActorBody func(ctx context.Context, rt *noderuntime.Runtime) error

// KindMeta is the plugin-table metadata saying whether a kind may start
// once its dependencies are merely Progressed (streaming-tolerant) or
// must wait for Finished. Registry.Meta returns it; the DAG store does
// not read it. A node's StreamingTolerant flag is the value its caller
// passes to dag.Store.AddNode, and nodes grafted by InstantiateWithDeps
// are always created non-streaming.
type KindMeta struct {
	StreamingTolerant bool
}

// Registry is the process-wide plugin table. The zero value is not
// usable; construct with New.
type Registry struct {
	mu        sync.RWMutex
	bodies    map[string]ActorBody
	meta      map[string]KindMeta
	templates map[string]dag.Template
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		bodies:    make(map[string]ActorBody),
		meta:      make(map[string]KindMeta),
		templates: make(map[string]dag.Template),
	}
}

// RegisterKind binds kind to body and its streaming-tolerance metadata.
func (r *Registry) RegisterKind(kind string, meta KindMeta, body ActorBody) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies[kind] = body
	r.meta[kind] = meta
}

// Lookup returns the body registered for kind.
func (r *Registry) Lookup(kind string) (ActorBody, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	body, ok := r.bodies[kind]
	if !ok {
		return nil, errs.Graph(errs.CodeUnknownWorkflow, "unknown actor kind: "+kind)
	}
	return body, nil
}

// Meta returns the streaming-tolerance metadata for kind, or the zero
// value (batch-only) if kind was never registered.
func (r *Registry) Meta(kind string) KindMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meta[kind]
}

// RegisterTemplate binds workflowName to a sub-DAG template for
// instantiate_with_deps.
func (r *Registry) RegisterTemplate(workflowName string, tmpl dag.Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[workflowName] = tmpl
}

// Resolve implements dag.PluginResolver.
func (r *Registry) Resolve(workflowName string) (dag.Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tmpl, ok := r.templates[workflowName]
	return tmpl, ok
}
