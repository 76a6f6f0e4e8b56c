// Package output provides formatters for displaying capture cycles and
// frame statistics in various output formats (pretty, plain, json, yaml,
// csv, tsv, template).
//
// Formatters are registered by name and selected at runtime:
//
//	formatter, err := output.Get("pretty")
//	if err != nil {
//	    return err
//	}
//	var buf bytes.Buffer
//	if err := formatter.Format(&buf, report); err != nil {
//	    return err
//	}
package output

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jamesainslie/lapse/pkg/lapse/types"
)

// Summary tallies cycles by outcome.
type Summary struct {
	Total    int `json:"total" yaml:"total"`
	Success  int `json:"success" yaml:"success"`
	Failures int `json:"failures" yaml:"failures"`
}

// FrameStats describes the frame directory.
type FrameStats struct {
	Dir    string    `json:"dir" yaml:"dir"`
	Count  int       `json:"count" yaml:"count"`
	Bytes  int64     `json:"bytes" yaml:"bytes"`
	Oldest time.Time `json:"oldest" yaml:"oldest"`
	Newest time.Time `json:"newest" yaml:"newest"`
}

// Report is the data handed to a formatter.
type Report struct {
	// Title heads the pretty output, e.g. "Capture history".
	Title string `json:"title,omitempty" yaml:"title,omitempty"`

	// Cycles are ordered newest first.
	Cycles []*types.CycleLog `json:"cycles" yaml:"cycles"`

	// Summary covers the whole journal, not only the listed cycles.
	Summary *Summary `json:"summary,omitempty" yaml:"summary,omitempty"`

	Frames   *FrameStats `json:"frames,omitempty" yaml:"frames,omitempty"`
	DaemonUp bool        `json:"daemon_up" yaml:"daemon_up"`
	Warnings []string    `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Formatter is the interface that all output formatters must implement.
type Formatter interface {
	Format(w *bytes.Buffer, r *Report) error
}

// FormatterFactory creates a new Formatter instance.
type FormatterFactory func() Formatter

// Registry manages formatter registration and lookup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]FormatterFactory
}

// NewRegistry creates a new formatter registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]FormatterFactory)}
}

// Register adds a formatter factory, replacing any with the same name.
func (r *Registry) Register(name string, factory FormatterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Get returns a new formatter instance by name.
func (r *Registry) Get(name string) (Formatter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown formatter: %s", name)
	}
	return factory(), nil
}

// Available returns the sorted formatter names.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry is the global formatter registry.
var DefaultRegistry = NewRegistry()

// Register adds a formatter factory to the default registry.
func Register(name string, factory FormatterFactory) {
	DefaultRegistry.Register(name, factory)
}

// Get returns a new formatter instance from the default registry.
func Get(name string) (Formatter, error) {
	return DefaultRegistry.Get(name)
}

// Available returns all formatter names from the default registry.
func Available() []string {
	return DefaultRegistry.Available()
}

// formatDuration renders d compactly: 850ms, 12.4s, 3m 5s, 2h 10m.
func formatDuration(d time.Duration) string {
	sec := d.Seconds()
	if sec < 1 {
		return fmt.Sprintf("%.0fms", sec*1000)
	}
	if sec < 60 {
		return fmt.Sprintf("%.1fs", sec)
	}
	minutes := int(sec) / 60
	seconds := int(sec) % 60
	if minutes < 60 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
}

// focusLabel renders the focus column; autofocus cycles show "auto".
func focusLabel(c *types.CycleLog) string {
	if c.Properties != nil && c.Properties.Autofocus {
		return "auto"
	}
	return fmt.Sprintf("%d", c.Focus)
}
