// Package queue provides the throttled extraction queue and the registry of
// queue types. Queue identity and capabilities are defined in code; selected
// parameters can be overridden from configuration at runtime.
package queue

import (
	"sync"
	"time"

	"github.com/c360studio/docflow/config"
	"github.com/c360studio/docflow/run"
)

// Params are the runtime-tunable parameters of one queue type.
type Params struct {
	MaxConcurrent      int
	TimeoutSeconds     int
	SubmissionInterval time.Duration
	DuplicateCooldown  time.Duration
	Enabled            bool
}

// Definition is the immutable identity of one queue type plus its current
// parameters.
type Definition struct {
	Type    string
	Subject string // worker routing subject

	Label string
	Icon  string
	Color string

	CanCancel bool
	CanBoost  bool
	CanRetry  bool

	// RunTypes routed through this queue; the submitter counts in-flight
	// work across all of them.
	RunTypes []run.Type

	Params Params
}

// Queue type identifiers.
const (
	TypeExtraction  = "extraction"
	TypeMaintenance = "maintenance"
	TypeIndexing    = "indexing"
	TypeProcedure   = "procedure"
	TypeScrape      = "scrape"
	TypeSharePoint  = "sharepoint_sync"
	TypeSAMPull     = "sam_pull"
)

// builtinDefinitions returns the code-defined queue set with default
// parameters. Identity fields are fixed; Params may be overridden.
func builtinDefinitions() []Definition {
	return []Definition{
		{
			Type: TypeExtraction, Subject: "docflow.work.extraction",
			Label: "Document extraction", Icon: "file-text", Color: "#2563eb",
			CanCancel: true, CanBoost: true, CanRetry: true,
			RunTypes: []run.Type{run.TypeExtraction},
			Params: Params{
				MaxConcurrent:      4,
				TimeoutSeconds:     900,
				SubmissionInterval: 15 * time.Second,
				DuplicateCooldown:  time.Minute,
				Enabled:            true,
			},
		},
		{
			Type: TypeMaintenance, Subject: "docflow.work.maintenance",
			Label: "Maintenance & enhancement", Icon: "wrench", Color: "#9333ea",
			CanCancel: true, CanBoost: false, CanRetry: true,
			RunTypes: []run.Type{run.TypeExtractionEnhancement, run.TypeSystemMaintenance},
			Params: Params{
				MaxConcurrent:      2,
				TimeoutSeconds:     1800,
				SubmissionInterval: 30 * time.Second,
				Enabled:            true,
			},
		},
		{
			Type: TypeIndexing, Subject: "docflow.work.indexing",
			Label: "Search indexing", Icon: "search", Color: "#059669",
			CanCancel: true, CanBoost: false, CanRetry: true,
			RunTypes: []run.Type{run.TypeIndexing},
			Params: Params{
				MaxConcurrent:      8,
				TimeoutSeconds:     300,
				SubmissionInterval: 10 * time.Second,
				Enabled:            true,
			},
		},
		{
			Type: TypeProcedure, Subject: "docflow.work.procedure",
			Label: "Procedures", Icon: "git-branch", Color: "#d97706",
			CanCancel: true, CanBoost: false, CanRetry: false,
			RunTypes: []run.Type{run.TypeProcedure, run.TypePipeline},
			Params: Params{
				MaxConcurrent:  8,
				TimeoutSeconds: 3600,
				Enabled:        true,
			},
		},
		{
			Type: TypeScrape, Subject: "docflow.work.scrape",
			Label: "Web crawls", Icon: "globe", Color: "#0891b2",
			CanCancel: true, CanBoost: false, CanRetry: true,
			RunTypes: []run.Type{run.TypeScrape},
			Params: Params{
				MaxConcurrent:  2,
				TimeoutSeconds: 7200,
				Enabled:        true,
			},
		},
		{
			Type: TypeSharePoint, Subject: "docflow.work.sharepoint",
			Label: "SharePoint sync", Icon: "folder-sync", Color: "#4f46e5",
			CanCancel: true, CanBoost: false, CanRetry: true,
			RunTypes: []run.Type{run.TypeSharePointSync},
			Params: Params{
				MaxConcurrent:  1,
				TimeoutSeconds: 3600,
				Enabled:        true,
			},
		},
		{
			Type: TypeSAMPull, Subject: "docflow.work.sam",
			Label: "SAM.gov pull", Icon: "landmark", Color: "#b91c1c",
			CanCancel: true, CanBoost: false, CanRetry: false,
			RunTypes: []run.Type{run.TypeSAMPull},
			Params: Params{
				MaxConcurrent:  1,
				TimeoutSeconds: 3600,
				Enabled:        true,
			},
		},
	}
}

// Registry holds the process-wide queue definitions. Reads are cheap and
// uncoordinated with writers beyond the lock; reconfiguration swaps
// parameters in place without changing identity.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
	keys []string
}

// NewRegistry creates a registry with the built-in queue set and applies
// the given overrides.
func NewRegistry(overrides map[string]config.QueueOverrides) *Registry {
	r := &Registry{defs: make(map[string]*Definition)}
	for _, d := range builtinDefinitions() {
		def := d
		r.defs[def.Type] = &def
		r.keys = append(r.keys, def.Type)
	}
	r.ApplyOverrides(overrides)
	return r
}

// ApplyOverrides overlays config-provided parameters onto the built-in
// defaults. Unknown queue names are ignored; zero values leave the
// existing parameter untouched.
func (r *Registry) ApplyOverrides(overrides map[string]config.QueueOverrides) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, o := range overrides {
		def, ok := r.defs[name]
		if !ok {
			continue
		}
		if o.MaxConcurrent > 0 {
			def.Params.MaxConcurrent = o.MaxConcurrent
		}
		if o.TimeoutSeconds > 0 {
			def.Params.TimeoutSeconds = o.TimeoutSeconds
		}
		if o.SubmissionInterval > 0 {
			def.Params.SubmissionInterval = o.SubmissionInterval
		}
		if o.DuplicateCooldown > 0 {
			def.Params.DuplicateCooldown = o.DuplicateCooldown
		}
		if o.Enabled != nil {
			def.Params.Enabled = *o.Enabled
		}
	}
}

// Get returns a copy of the named definition.
func (r *Registry) Get(queueType string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[queueType]
	if !ok {
		return Definition{}, false
	}
	return *def, true
}

// List returns copies of all definitions in registration order.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, *r.defs[k])
	}
	return out
}

// ForRunType returns the definition whose RunTypes include t.
func (r *Registry) ForRunType(t run.Type) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, k := range r.keys {
		for _, rt := range r.defs[k].RunTypes {
			if rt == t {
				return *r.defs[k], true
			}
		}
	}
	return Definition{}, false
}
