package extract

import (
	"fmt"
	"strings"

	"github.com/c360studio/docflow/config"
)

// Registry answers which engine handles a document and whether a file
// format is supported at all. It is a read-only view over the extraction
// config, loaded at startup.
type Registry struct {
	cfg config.ExtractionConfig
}

// NewRegistry creates a Registry over the extraction config.
func NewRegistry(cfg config.ExtractionConfig) *Registry {
	return &Registry{cfg: cfg}
}

// DefaultEngine returns the configured default engine.
func (r *Registry) DefaultEngine() config.EngineConfig {
	if e := r.cfg.Engine(r.cfg.Default); e != nil {
		return *e
	}
	return config.EngineConfig{}
}

// EnhancementEngine returns the enhancement engine, if one is configured.
func (r *Registry) EnhancementEngine() (config.EngineConfig, bool) {
	if e := r.cfg.EnhancementEngine(); e != nil {
		return *e, true
	}
	return config.EngineConfig{}, false
}

// Supports reports whether the engine handles the file extension
// (lowercase, no dot).
func Supports(engine config.EngineConfig, ext string) bool {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, f := range engine.Formats {
		if f == ext {
			return true
		}
	}
	return false
}

// UnsupportedFormatError builds the failure message for a format the
// engine cannot handle, naming the engine and its supported formats.
func UnsupportedFormatError(engine config.EngineConfig, ext string) error {
	return fmt.Errorf("file format %q is not supported by engine %s (supported: %s)",
		ext, engine.Name, strings.Join(engine.Formats, ", "))
}

// EnhancementEligible reports whether an asset with the given extension
// qualifies for a second enhancement pass.
func (r *Registry) EnhancementEligible(ext string) bool {
	enh, ok := r.EnhancementEngine()
	if !ok {
		return false
	}
	return Supports(enh, ext)
}
